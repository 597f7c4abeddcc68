package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"
	"creditledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecordRequest 记账请求
type RecordRequest struct {
	UserID                  int64
	Amount                  decimal.Decimal // 正数入账，负数出账
	Type                    string
	Metadata                map[string]interface{}
	ExpectedPreviousBalance decimal.Decimal
	PaymentStatus           string // 为空时记为 SUCCEEDED
	IdempotencyKey          string // 非空时同一用户下唯一
}

// RecordResult 记账结果
type RecordResult struct {
	TransactionID string
	NewBalance    decimal.Decimal
	Transaction   *model.LedgerTransaction
}

// Recorder 账本唯一写入者
type Recorder struct {
	transactionRepo *repository.TransactionRepository
	cache           *cache.BalanceCache
	ids             *idgen.Generator
	topic           string
	log             *zap.Logger
	now             func() time.Time
}

func NewRecorder(repo *repository.TransactionRepository, balanceCache *cache.BalanceCache, ids *idgen.Generator, topic string, log *zap.Logger) *Recorder {
	return &Recorder{
		transactionRepo: repo,
		cache:           balanceCache,
		ids:             ids,
		topic:           topic,
		log:             logger.OrNop(log).Named("recorder"),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Record 追加一笔流水及其审计记录
//
// 【关键点】
// 1. 金额按 8 位小数向零截断，new_balance = expected + amount，绝不多给
// 2. 存储层条件写：用户当前余额 != expected 时返回 ErrStaleBalance，由调用方重新读取后重试
// 3. 结果为负的写入直接拒绝（fail-closed）
func (r *Recorder) Record(ctx context.Context, req *RecordRequest) (*RecordResult, error) {
	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: user_id=%d", ErrInvalidAmount, req.UserID)
	}
	if !model.IsValidTransactionType(req.Type) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransactionType, req.Type)
	}

	amount := req.Amount.Truncate(model.BalanceScale)
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: 金额不能为0", ErrInvalidAmount)
	}

	expected := req.ExpectedPreviousBalance
	newBalance := expected.Add(amount)
	if newBalance.IsNegative() {
		return nil, &InsufficientCreditsError{Required: amount.Neg(), Balance: expected}
	}

	paymentStatus := req.PaymentStatus
	if paymentStatus == "" {
		paymentStatus = model.PaymentStatusSucceeded
	}

	now := r.now()
	txn := &model.LedgerTransaction{
		TransactionID: r.ids.TransactionID(),
		UserID:        req.UserID,
		Amount:        amount,
		BalanceAfter:  newBalance,
		Type:          req.Type,
		PaymentStatus: paymentStatus,
		Metadata:      req.Metadata,
		Timestamp:     now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		txn.ExternalRef = &key
	}

	audit := &model.AuditRecord{
		AuditID:         r.ids.NextID(),
		TransactionID:   txn.TransactionID,
		UserID:          req.UserID,
		Amount:          amount,
		PreviousBalance: expected,
		NewBalance:      newBalance,
		Type:            req.Type,
		Timestamp:       now,
	}

	err := r.transactionRepo.AppendConditional(ctx, &repository.AppendRequest{
		Transaction:             txn,
		Audit:                   audit,
		ExpectedPreviousBalance: expected,
		Outbox:                  r.outboxMessages,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrStaleBalance):
			// 缓存里的余额已过期，删掉让重试读到存储
			if cerr := r.cache.Invalidate(ctx, req.UserID); cerr != nil {
				r.log.Warn("删除余额缓存失败", zap.Int64("user_id", req.UserID), zap.Error(cerr))
			}
			return nil, err
		case errors.Is(err, ErrDuplicateReference):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	if err := r.cache.Set(ctx, req.UserID, newBalance); err != nil {
		// 写缓存失败不能留下旧值，否则本进程会读到自己写入之前的余额
		r.log.Warn("更新余额缓存失败", zap.Int64("user_id", req.UserID), zap.Error(err))
		_ = r.cache.Invalidate(ctx, req.UserID)
	}

	r.log.Info("记账成功",
		zap.String("transaction_id", txn.TransactionID),
		zap.Int64("user_id", req.UserID),
		zap.String("type", req.Type),
		zap.String("amount", amount.StringFixed(model.BalanceScale)),
		zap.String("balance_after", newBalance.StringFixed(model.BalanceScale)),
	)

	return &RecordResult{
		TransactionID: txn.TransactionID,
		NewBalance:    newBalance,
		Transaction:   txn,
	}, nil
}

func (r *Recorder) outboxMessages(txn *model.LedgerTransaction) ([]*model.OutboxMessage, error) {
	if r.topic == "" {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id": txn.TransactionID,
		"user_id":        txn.UserID,
		"seq":            txn.Seq,
		"amount":         txn.Amount.StringFixed(model.BalanceScale),
		"balance_after":  txn.BalanceAfter.StringFixed(model.BalanceScale),
		"type":           txn.Type,
		"payment_status": txn.PaymentStatus,
		"timestamp":      txn.Timestamp.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return []*model.OutboxMessage{{
		MessageKey: strconv.FormatInt(txn.UserID, 10),
		Topic:      r.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}}, nil
}
