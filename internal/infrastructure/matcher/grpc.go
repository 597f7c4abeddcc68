package matcher

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// 撮合服务接口全名
const submitBidMethod = "/matcher.MatcherService/SubmitBid"

const StatusMatched = "matched"

var (
	ErrUnavailable = errors.New("撮合服务不可用")
	ErrTimeout     = errors.New("撮合服务超时")
	ErrNoProvider  = errors.New("没有可用的算力提供方")
)

// Bid 出价请求，字段定义见 matcher.proto
type Bid struct {
	Model      string
	Prompt     string
	MaxPrice   string // 十进制字符串
	MaxLatency uint32 // 毫秒
	Timestamp  string // 毫秒级 Unix 时间戳
}

type bidRequest struct {
	Bid Bid
}

// BidResponse 撮合结果
type BidResponse struct {
	ProviderID    string
	Status        string
	FailureReason string
}

// Client 撮合服务 gRPC 客户端
type Client struct {
	conn *grpc.ClientConn
}

// Dial 建立连接（非阻塞，首次调用时才真正连接）
func Dial(address string) (*Client, error) {
	conn, err := grpc.Dial(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(protoCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("连接撮合服务失败: %w", err)
	}
	return &Client{conn: conn}, nil
}

// SubmitBid 提交出价，超时和连接错误都映射为失败，不会被当作撮合成功
func (c *Client) SubmitBid(ctx context.Context, bid Bid) (*BidResponse, error) {
	resp := &BidResponse{}
	err := c.conn.Invoke(ctx, submitBidMethod, &bidRequest{Bid: bid}, resp)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// mapError 调用方取消时返回 context.Canceled，由上层按取消处理
func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %v", context.Canceled, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrNoProvider, status.Convert(err).Message())
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
