package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"creditledger/internal/infrastructure/matcher"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Matcher 外部撮合服务
type Matcher interface {
	SubmitBid(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error)
}

// AdmitRequest 推理请求
type AdmitRequest struct {
	Model      string
	Prompt     string
	MaxPrice   string
	MaxLatency uint32
}

// AdmitResult 准入并扣费后的结果
type AdmitResult struct {
	Approved       bool
	ReservedAmount decimal.Decimal
	ProviderID     string
	Status         string
	TransactionID  string
	NewBalance     decimal.Decimal
	PaymentStatus  string
}

// AdmissionGate 额度准入：先查余额，撮合成功后才扣费
type AdmissionGate struct {
	pricer         *Pricer
	balanceReader  *BalanceReader
	recorder       *Recorder
	matcher        Matcher
	retry          RetryPolicy
	matcherTimeout time.Duration
	debitTimeout   time.Duration
	metrics        *metrics.Metrics
	log            *zap.Logger
}

func NewAdmissionGate(
	pricer *Pricer,
	balanceReader *BalanceReader,
	recorder *Recorder,
	m Matcher,
	retry RetryPolicy,
	matcherTimeout time.Duration,
	mt *metrics.Metrics,
	log *zap.Logger,
) *AdmissionGate {
	return &AdmissionGate{
		pricer:         pricer,
		balanceReader:  balanceReader,
		recorder:       recorder,
		matcher:        m,
		retry:          retry,
		matcherTimeout: matcherTimeout,
		debitTimeout:   10 * time.Second,
		metrics:        mt,
		log:            logger.OrNop(log).Named("admission"),
	}
}

// Admit 准入 -> 撮合 -> 扣费
//
// 【流程】
// 1. 按模型倍率计算所需额度，余额不足直接拒绝
// 2. 调用撮合服务（带超时），失败或超时不扣费
// 3. 撮合成功后以刚读到的余额作为 expected 扣费；ErrStaleBalance 时重新读取、重新校验、重新写入
func (g *AdmissionGate) Admit(ctx context.Context, userID int64, req *AdmitRequest) (*AdmitResult, error) {
	required, tokens, err := g.pricer.Cost(req.Model, req.Prompt)
	if err != nil {
		g.metrics.Admission("invalid")
		return nil, err
	}

	balance, err := g.balanceReader.GetBalance(ctx, userID)
	if err != nil {
		g.metrics.Admission("error")
		return nil, err
	}
	if balance.LessThan(required) {
		g.metrics.Admission("insufficient")
		return nil, &InsufficientCreditsError{Required: required, Balance: balance}
	}

	resp, err := g.submitBid(ctx, req)
	if err != nil {
		g.metrics.Admission("match_failed")
		g.log.Warn("撮合失败，不扣费",
			zap.Int64("user_id", userID),
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, err
	}

	// 撮合已完成，扣费不再受调用方断开影响
	debitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.debitTimeout)
	defer cancel()

	metadata := map[string]interface{}{
		"provider_id":  resp.ProviderID,
		"model":        req.Model,
		"prompt_chars": utf8.RuneCountInString(req.Prompt),
		"tokens":       tokens,
	}

	var result *RecordResult
	err = g.retry.Do(debitCtx, g.metrics, "admission", func(attempt int) error {
		if attempt > 0 {
			balance, err = g.balanceReader.GetBalance(debitCtx, userID)
			if err != nil {
				return err
			}
			if balance.LessThan(required) {
				return &InsufficientCreditsError{Required: required, Balance: balance}
			}
		}
		result, err = g.recorder.Record(debitCtx, &RecordRequest{
			UserID:                  userID,
			Amount:                  required.Neg(),
			Type:                    model.TransactionTypeUsage,
			Metadata:                metadata,
			ExpectedPreviousBalance: balance,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			g.metrics.Admission("insufficient")
		} else {
			g.metrics.Admission("error")
		}
		g.log.Error("撮合成功但扣费失败",
			zap.Int64("user_id", userID),
			zap.String("provider_id", resp.ProviderID),
			zap.String("required", required.StringFixed(model.BalanceScale)),
			zap.Error(err),
		)
		return nil, err
	}

	g.metrics.Admission("approved")
	return &AdmitResult{
		Approved:       true,
		ReservedAmount: required,
		ProviderID:     resp.ProviderID,
		Status:         resp.Status,
		TransactionID:  result.TransactionID,
		NewBalance:     result.NewBalance,
		PaymentStatus:  result.Transaction.PaymentStatus,
	}, nil
}

func (g *AdmissionGate) submitBid(ctx context.Context, req *AdmitRequest) (*matcher.BidResponse, error) {
	if g.matcherTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.matcherTimeout)
		defer cancel()
	}

	resp, err := g.matcher.SubmitBid(ctx, matcher.Bid{
		Model:      req.Model,
		Prompt:     req.Prompt,
		MaxPrice:   req.MaxPrice,
		MaxLatency: req.MaxLatency,
		Timestamp:  strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
	if err != nil {
		switch {
		case errors.Is(err, matcher.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %v", ErrMatcherTimeout, err)
		case errors.Is(err, matcher.ErrNoProvider):
			return nil, fmt.Errorf("%w: %v", ErrMatchFailed, err)
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrMatcherUnavailable, err)
		}
	}
	if resp == nil || resp.Status != matcher.StatusMatched {
		reason := "unknown"
		if resp != nil && resp.FailureReason != "" {
			reason = resp.FailureReason
		}
		return nil, fmt.Errorf("%w: %s", ErrMatchFailed, reason)
	}
	return resp, nil
}
