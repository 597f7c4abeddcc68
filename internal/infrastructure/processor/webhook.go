package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const SignatureHeader = "Stripe-Signature"

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

var (
	ErrSignatureInvalid = errors.New("webhook 签名校验失败")
	ErrInvalidPayload   = errors.New("webhook 内容格式错误")
)

// VerifySignature 校验 Stripe 风格签名：t=<unix>,v1=<hex(hmac_sha256(secret, "t.payload"))>
// tolerance > 0 时拒绝时间戳偏差超过 tolerance 的事件（防重放）
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: 未配置 webhook 密钥", ErrSignatureInvalid)
	}
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	if tolerance > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return ErrSignatureInvalid
		}
		diff := now.Sub(time.Unix(ts, 0))
		if diff < 0 {
			diff = -diff
		}
		if diff > tolerance {
			return fmt.Errorf("%w: 时间戳超出容忍范围", ErrSignatureInvalid)
		}
	}

	expected := Sign(payload, timestamp, secret)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

// Sign 计算签名
func Sign(payload []byte, timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue 生成签名头，测试与本地联调使用
func SignatureHeaderValue(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + Sign(payload, ts, secret)
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, ErrSignatureInvalid
	}
	return timestamp, signatures, nil
}

// Event 支付事件
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// IntentObject payment_intent 事件中的对象
type IntentObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Metadata       map[string]string `json:"metadata"`
	LastError      *struct {
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

// ParseEvent 只解析，不校验签名；调用前必须先 VerifySignature
func ParseEvent(payload []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, ErrInvalidPayload
	}
	return event, nil
}

// Intent 解析事件中的 payment_intent 对象
func (e *Event) Intent() (*IntentObject, error) {
	intent := &IntentObject{}
	if err := json.Unmarshal(e.Data.Object, intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return intent, nil
}

// SettledAmount 实收金额（最小货币单位），amount_received 缺失时取 amount
func (o *IntentObject) SettledAmount() int64 {
	if o.AmountReceived > 0 {
		return o.AmountReceived
	}
	return o.Amount
}
