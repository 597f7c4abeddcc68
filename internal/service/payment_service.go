package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/processor"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IntentCreator 支付渠道创建支付意图
type IntentCreator interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*processor.PaymentIntent, error)
}

// 两位小数币种：1 单位 = 100 最小单位
var minorUnitsPerUnit = decimal.NewFromInt(100)

// IntentResult 创建支付意图的返回
type IntentResult struct {
	ClientSecret string
	Amount       decimal.Decimal
	AmountMinor  int64
	Currency     string
}

// WebhookResult 事件处理结果
type WebhookResult struct {
	EventID       string
	EventType     string
	Duplicate     bool
	Ignored       bool
	UserID        int64
	Credits       decimal.Decimal
	TransactionID string
}

type PaymentService struct {
	transactionRepo *repository.TransactionRepository
	balanceReader   *BalanceReader
	recorder        *Recorder
	processor       IntentCreator
	retry           RetryPolicy
	metrics         *metrics.Metrics
	log             *zap.Logger

	webhookSecret  string
	tolerance      time.Duration
	creditsPerUnit decimal.Decimal
	minPurchase    decimal.Decimal
	maxPurchase    decimal.Decimal
	currency       string
	now            func() time.Time
}

func NewPaymentService(
	cfg *config.PaymentConfig,
	repo *repository.TransactionRepository,
	balanceReader *BalanceReader,
	recorder *Recorder,
	creator IntentCreator,
	retry RetryPolicy,
	mt *metrics.Metrics,
	log *zap.Logger,
) (*PaymentService, error) {
	creditsPerUnit, err := decimal.NewFromString(cfg.CreditsPerUnit)
	if err != nil {
		return nil, fmt.Errorf("credits_per_unit 不合法: %w", err)
	}
	minPurchase, err := decimal.NewFromString(cfg.MinPurchase)
	if err != nil {
		return nil, fmt.Errorf("min_purchase 不合法: %w", err)
	}
	maxPurchase, err := decimal.NewFromString(cfg.MaxPurchase)
	if err != nil {
		return nil, fmt.Errorf("max_purchase 不合法: %w", err)
	}
	return &PaymentService{
		transactionRepo: repo,
		balanceReader:   balanceReader,
		recorder:        recorder,
		processor:       creator,
		retry:           retry,
		metrics:         mt,
		log:             logger.OrNop(log).Named("payment"),
		webhookSecret:   cfg.WebhookSecret,
		tolerance:       time.Duration(cfg.WebhookToleranceSeconds) * time.Second,
		creditsPerUnit:  creditsPerUnit,
		minPurchase:     minPurchase,
		maxPurchase:     maxPurchase,
		currency:        strings.ToLower(cfg.Currency),
		now:             time.Now,
	}, nil
}

// CreateIntent 创建支付意图，返回前端完成支付所需的 client_secret
func (s *PaymentService) CreateIntent(ctx context.Context, userID int64, amount decimal.Decimal, currency string) (*IntentResult, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = s.currency
	}
	if currency != s.currency {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if amount.LessThan(s.minPurchase) || amount.GreaterThan(s.maxPurchase) {
		return nil, fmt.Errorf("%w: 充值金额需在 %s 到 %s 之间", ErrInvalidAmount, s.minPurchase.StringFixed(2), s.maxPurchase.StringFixed(2))
	}
	minor := amount.Mul(minorUnitsPerUnit)
	if !minor.IsInteger() {
		return nil, fmt.Errorf("%w: 金额最多两位小数", ErrInvalidAmount)
	}

	intent, err := s.processor.CreateIntent(ctx, minor.IntPart(), currency, map[string]string{
		"user_id": strconv.FormatInt(userID, 10),
	})
	if err != nil {
		if errors.Is(err, ErrProcessorRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}

	s.log.Info("创建支付意图",
		zap.Int64("user_id", userID),
		zap.String("intent_id", intent.ID),
		zap.Int64("amount_minor", minor.IntPart()),
		zap.String("currency", currency),
	)
	return &IntentResult{
		ClientSecret: intent.ClientSecret,
		Amount:       amount,
		AmountMinor:  minor.IntPart(),
		Currency:     currency,
	}, nil
}

// CreditsForMinor 最小货币单位 -> 额度，向零截断到 8 位小数，不会向上取整
func (s *PaymentService) CreditsForMinor(amountMinor int64) decimal.Decimal {
	return decimal.NewFromInt(amountMinor).
		Div(minorUnitsPerUnit).
		Mul(s.creditsPerUnit).
		Truncate(model.BalanceScale)
}

// HandleEvent 处理支付渠道回调
//
// 【幂等】
// 事件 ID 作为流水的 external_ref 写入，同一用户下唯一；投递至少一次，重复事件直接确认
func (s *PaymentService) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	if err := processor.VerifySignature(payload, signatureHeader, s.webhookSecret, s.tolerance, s.now()); err != nil {
		s.metrics.WebhookEvent("unknown", "signature_invalid")
		s.log.Warn("webhook 签名校验失败", zap.Error(err))
		return nil, err
	}

	event, err := processor.ParseEvent(payload)
	if err != nil {
		s.metrics.WebhookEvent("unknown", "invalid")
		return nil, err
	}

	result := &WebhookResult{EventID: event.ID, EventType: event.Type}
	switch event.Type {
	case processor.EventPaymentSucceeded:
		err = s.handleSucceeded(ctx, event, result)
	case processor.EventPaymentFailed:
		s.handleFailed(event)
	default:
		result.Ignored = true
	}
	if err != nil {
		s.metrics.WebhookEvent(event.Type, "error")
		return nil, err
	}

	switch {
	case result.Duplicate:
		s.metrics.WebhookEvent(event.Type, "duplicate")
	case result.Ignored:
		s.metrics.WebhookEvent(event.Type, "ignored")
	default:
		s.metrics.WebhookEvent(event.Type, "processed")
	}
	return result, nil
}

func (s *PaymentService) handleSucceeded(ctx context.Context, event *processor.Event, result *WebhookResult) error {
	intent, err := event.Intent()
	if err != nil {
		return err
	}
	userID, err := strconv.ParseInt(intent.Metadata["user_id"], 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("%w: metadata 缺少 user_id", ErrInvalidWebhookPayload)
	}
	amountMinor := intent.SettledAmount()
	credits := s.CreditsForMinor(amountMinor)
	if !credits.IsPositive() {
		return fmt.Errorf("%w: 实收金额为0", ErrInvalidWebhookPayload)
	}
	result.UserID = userID
	result.Credits = credits

	existing, err := s.transactionRepo.FindByExternalRef(ctx, userID, event.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if existing != nil {
		result.Duplicate = true
		result.TransactionID = existing.TransactionID
		s.log.Info("重复的支付事件，已确认", zap.String("event_id", event.ID), zap.Int64("user_id", userID))
		return nil
	}

	metadata := map[string]interface{}{
		"payment_event_id":  event.ID,
		"payment_intent_id": intent.ID,
		"currency":          intent.Currency,
		"amount_minor":      amountMinor,
	}

	var record *RecordResult
	err = s.retry.Do(ctx, s.metrics, "webhook", func(attempt int) error {
		balance, err := s.balanceReader.GetBalance(ctx, userID)
		if err != nil {
			return err
		}
		record, err = s.recorder.Record(ctx, &RecordRequest{
			UserID:                  userID,
			Amount:                  credits,
			Type:                    model.TransactionTypePurchase,
			Metadata:                metadata,
			ExpectedPreviousBalance: balance,
			PaymentStatus:           model.PaymentStatusSucceeded,
			IdempotencyKey:          event.ID,
		})
		return err
	})
	if errors.Is(err, ErrDuplicateReference) {
		// 并发投递的同一事件已被另一个请求入账
		result.Duplicate = true
		return nil
	}
	if err != nil {
		s.log.Error("支付入账失败", zap.String("event_id", event.ID), zap.Int64("user_id", userID), zap.Error(err))
		return err
	}

	result.TransactionID = record.TransactionID
	s.log.Info("支付入账成功",
		zap.String("event_id", event.ID),
		zap.Int64("user_id", userID),
		zap.String("credits", credits.StringFixed(model.BalanceScale)),
		zap.String("transaction_id", record.TransactionID),
	)
	return nil
}

func (s *PaymentService) handleFailed(event *processor.Event) {
	fields := []zap.Field{zap.String("event_id", event.ID)}
	if intent, err := event.Intent(); err == nil {
		fields = append(fields, zap.String("intent_id", intent.ID), zap.String("user_id", intent.Metadata["user_id"]))
		if intent.LastError != nil {
			fields = append(fields, zap.String("reason", intent.LastError.Message))
		}
	}
	s.log.Warn("支付失败", fields...)
}
