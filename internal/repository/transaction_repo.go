package repository

import (
	"context"
	"errors"
	"fmt"

	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrStaleBalance       = errors.New("余额已变化，请重新读取后重试")
	ErrDuplicateReference = errors.New("幂等键已存在")
)

// TransactionRepository 账本存储
//
// 只暴露追加与查询，不提供任何修改、删除流水的方法。
// 同一用户内按 seq 排序，seq 顺序与 timestamp 顺序一致（写入时保证时间戳不回退）。
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// AppendRequest 一次条件写入的全部内容
type AppendRequest struct {
	Transaction             *model.LedgerTransaction
	Audit                   *model.AuditRecord
	ExpectedPreviousBalance decimal.Decimal
	// Outbox 在 seq、timestamp 确定后生成需要同事务写入的消息
	Outbox func(txn *model.LedgerTransaction) ([]*model.OutboxMessage, error)
}

type insertError struct {
	err error
}

func (e *insertError) Error() string { return e.err.Error() }
func (e *insertError) Unwrap() error { return e.err }

// AppendConditional 条件追加流水
//
// 【关键点】compare-and-set：
//  1. 事务内读取用户最新一条流水，其 balance_after 必须等于调用方给出的 expected，否则 ErrStaleBalance
//  2. 新流水占用 seq = latest.seq + 1，(user_id, seq) 唯一索引保证同一余额状态只有一个写入者成功
//  3. 流水、审计记录、outbox 消息同一事务提交，任一失败整体回滚
func (r *TransactionRepository) AppendConditional(ctx context.Context, req *AppendRequest) error {
	txn := req.Transaction

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest, err := r.latest(tx, txn.UserID)
		if err != nil {
			return fmt.Errorf("查询最新流水失败: %w", err)
		}

		previous := decimal.Zero
		var seq int64
		if latest != nil {
			previous = latest.BalanceAfter
			seq = latest.Seq
			if txn.Timestamp.Before(latest.Timestamp) {
				txn.Timestamp = latest.Timestamp
			}
		}

		if !previous.Equal(req.ExpectedPreviousBalance) {
			return ErrStaleBalance
		}

		if txn.ExternalRef != nil {
			var count int64
			err := tx.Model(&model.LedgerTransaction{}).
				Where("user_id = ? AND external_ref = ?", txn.UserID, *txn.ExternalRef).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("查询幂等键失败: %w", err)
			}
			if count > 0 {
				return ErrDuplicateReference
			}
		}

		txn.Seq = seq + 1
		if err := tx.Create(txn).Error; err != nil {
			return &insertError{err: err}
		}

		req.Audit.Timestamp = txn.Timestamp
		if err := tx.Create(req.Audit).Error; err != nil {
			return fmt.Errorf("写入审计记录失败: %w", err)
		}

		if req.Outbox == nil {
			return nil
		}
		messages, err := req.Outbox(txn)
		if err != nil {
			return err
		}
		for _, msg := range messages {
			if err := tx.Create(msg).Error; err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
		}
		return nil
	})

	if err == nil {
		return nil
	}

	var ie *insertError
	if !errors.As(err, &ie) {
		return err
	}

	// 唯一键冲突：判断是 seq 被并发写入抢占，还是幂等键已被写入
	latest, lerr := r.Latest(ctx, txn.UserID)
	if lerr == nil && latest != nil && latest.Seq >= txn.Seq {
		return ErrStaleBalance
	}
	if txn.ExternalRef != nil {
		existing, ferr := r.FindByExternalRef(ctx, txn.UserID, *txn.ExternalRef)
		if ferr == nil && existing != nil {
			return ErrDuplicateReference
		}
	}
	return fmt.Errorf("写入流水失败: %w", ie.err)
}

func (r *TransactionRepository) latest(db *gorm.DB, userID int64) (*model.LedgerTransaction, error) {
	var trans model.LedgerTransaction
	err := db.Where("user_id = ?", userID).Order("seq DESC").First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// Latest 查询用户最新一条流水，没有流水时返回 nil
func (r *TransactionRepository) Latest(ctx context.Context, userID int64) (*model.LedgerTransaction, error) {
	return r.latest(r.db.WithContext(ctx), userID)
}

// LatestN 按时间倒序返回最近 n 条流水
func (r *TransactionRepository) LatestN(ctx context.Context, userID int64, n int) ([]*model.LedgerTransaction, error) {
	var transactions []*model.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("seq DESC").
		Limit(n).
		Find(&transactions).Error
	return transactions, err
}

// ScanAscending 按时间正序分页扫描（keyset 分页，afterSeq 为上一页最后一条的 seq）
func (r *TransactionRepository) ScanAscending(ctx context.Context, userID int64, afterSeq int64, limit int) ([]*model.LedgerTransaction, error) {
	return r.ScanAscendingUpTo(ctx, userID, afterSeq, 0, limit)
}

// ScanAscendingUpTo 同 ScanAscending，只返回 seq <= uptoSeq 的流水；uptoSeq <= 0 时不设上界
func (r *TransactionRepository) ScanAscendingUpTo(ctx context.Context, userID int64, afterSeq, uptoSeq int64, limit int) ([]*model.LedgerTransaction, error) {
	var transactions []*model.LedgerTransaction
	query := r.db.WithContext(ctx).Where("user_id = ? AND seq > ?", userID, afterSeq)
	if uptoSeq > 0 {
		query = query.Where("seq <= ?", uptoSeq)
	}
	err := query.
		Order("seq ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	var transactions []*model.LedgerTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LedgerTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("seq DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

func (r *TransactionRepository) FindByExternalRef(ctx context.Context, userID int64, ref string) (*model.LedgerTransaction, error) {
	var trans model.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND external_ref = ?", userID, ref).
		First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.LedgerTransaction, error) {
	var trans model.LedgerTransaction
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) AuditByTransactionID(ctx context.Context, transactionID string) (*model.AuditRecord, error) {
	var audit model.AuditRecord
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&audit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &audit, nil
}

// DistinctUserIDs 分页列出有流水的用户ID（按 user_id 升序，afterUserID 为上一页最后一个）
func (r *TransactionRepository) DistinctUserIDs(ctx context.Context, afterUserID int64, limit int) ([]int64, error) {
	var userIDs []int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Distinct("user_id").
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Pluck("user_id", &userIDs).Error
	return userIDs, err
}
