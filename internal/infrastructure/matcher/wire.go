package matcher

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// 消息按 matcher.proto 的字段号编码，与撮合服务的 protobuf 定义保持一致

type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(b []byte) error
}

// protoCodec gRPC 编解码器，content-subtype 为 proto
type protoCodec struct{}

func (protoCodec) Name() string { return "proto" }

func (protoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("不支持的消息类型 %T", v)
	}
	return m.marshalWire(), nil
}

func (protoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("不支持的消息类型 %T", v)
	}
	return m.unmarshalWire(data)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// walkFields 逐个字段回调，未知字段跳过
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func (m *Bid) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.Model)
	b = appendString(b, 2, m.Prompt)
	b = appendString(b, 3, m.MaxPrice)
	if m.MaxLatency != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.MaxLatency))
	}
	b = appendString(b, 5, m.Timestamp)
	return b
}

func (m *Bid) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Model)
		case 2:
			return consumeString(typ, b, &m.Prompt)
		case 3:
			return consumeString(typ, b, &m.MaxPrice)
		case 4:
			if typ != protowire.VarintType {
				return 0, nil
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.MaxLatency = uint32(v)
			return n, nil
		case 5:
			return consumeString(typ, b, &m.Timestamp)
		}
		return 0, nil
	})
}

func (m *bidRequest) marshalWire() []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendBytes(b, m.Bid.marshalWire())
}

func (m *bidRequest) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		return n, m.Bid.unmarshalWire(v)
	})
}

func (m *BidResponse) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, m.ProviderID)
	b = appendString(b, 2, m.Status)
	b = appendString(b, 3, m.FailureReason)
	return b
}

func (m *BidResponse) unmarshalWire(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ProviderID)
		case 2:
			return consumeString(typ, b, &m.Status)
		case 3:
			return consumeString(typ, b, &m.FailureReason)
		}
		return 0, nil
	})
}
