package service

import (
	"context"
	"fmt"
	"strings"

	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AdjustRequest 人工调账请求
type AdjustRequest struct {
	UserID   int64
	Amount   decimal.Decimal
	Type     string
	Reason   string
	Operator string
}

// AdjustmentService 运营人工调账 / 退还 / 提供方结算
// 与其他写入走同一个 Recorder 和重试策略，余额同样不能为负
type AdjustmentService struct {
	balanceReader *BalanceReader
	recorder      *Recorder
	retry         RetryPolicy
	metrics       *metrics.Metrics
	log           *zap.Logger
}

func NewAdjustmentService(balanceReader *BalanceReader, recorder *Recorder, retry RetryPolicy, mt *metrics.Metrics, log *zap.Logger) *AdjustmentService {
	return &AdjustmentService{
		balanceReader: balanceReader,
		recorder:      recorder,
		retry:         retry,
		metrics:       mt,
		log:           logger.OrNop(log).Named("adjustment"),
	}
}

func (s *AdjustmentService) Adjust(ctx context.Context, req *AdjustRequest) (*RecordResult, error) {
	switch req.Type {
	case model.TransactionTypeAdjustment, model.TransactionTypeRefund, model.TransactionTypeProviderPayout:
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransactionType, req.Type)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrMissingReason
	}

	paymentStatus := model.PaymentStatusSucceeded
	if req.Type == model.TransactionTypeRefund {
		paymentStatus = model.PaymentStatusRefunded
	}

	var result *RecordResult
	err := s.retry.Do(ctx, s.metrics, "adjustment", func(attempt int) error {
		balance, err := s.balanceReader.GetBalance(ctx, req.UserID)
		if err != nil {
			return err
		}
		result, err = s.recorder.Record(ctx, &RecordRequest{
			UserID: req.UserID,
			Amount: req.Amount,
			Type:   req.Type,
			Metadata: map[string]interface{}{
				"reason":   req.Reason,
				"operator": req.Operator,
			},
			ExpectedPreviousBalance: balance,
			PaymentStatus:           paymentStatus,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("人工调账",
		zap.Int64("user_id", req.UserID),
		zap.String("type", req.Type),
		zap.String("amount", result.Transaction.Amount.StringFixed(model.BalanceScale)),
		zap.String("operator", req.Operator),
		zap.String("reason", req.Reason),
	)
	return result, nil
}
