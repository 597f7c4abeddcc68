package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypePurchase       = "PURCHASE"        // 充值购买
	TransactionTypeUsage          = "USAGE"           // 推理消耗（扣款）
	TransactionTypeRefund         = "REFUND"          // 退还
	TransactionTypeAdjustment     = "ADJUSTMENT"      // 人工调账
	TransactionTypeProviderPayout = "PROVIDER_PAYOUT" // 算力提供方结算
)

// IsValidTransactionType 判断交易类型是否合法
func IsValidTransactionType(t string) bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeUsage, TransactionTypeRefund,
		TransactionTypeAdjustment, TransactionTypeProviderPayout:
		return true
	}
	return false
}

const (
	PaymentStatusPending             = "PENDING"
	PaymentStatusSucceeded           = "SUCCEEDED"
	PaymentStatusFailed              = "FAILED"
	PaymentStatusRefunded            = "REFUNDED"
	PaymentStatusInsufficientCredits = "INSUFFICIENT_CREDITS"
)

// 余额精度：小数点后 8 位
const BalanceScale int32 = 8

// ============================================================================
// 账本流水实体
// ============================================================================

// LedgerTransaction 账本流水表
// 用户余额的唯一来源：最新一条流水的 BalanceAfter 即当前余额
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. (user_id, seq) 唯一：同一个余额状态只允许一个写入者成功（条件写）
// 3. 按 seq 顺序回放 amount 之和必须等于最后一条 balance_after
type LedgerTransaction struct {
	ID            int64             `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionID string            `gorm:"type:varchar(32);uniqueIndex;not null" json:"transaction_id"`
	UserID        int64             `gorm:"uniqueIndex:uk_user_seq,priority:1;uniqueIndex:uk_user_ref,priority:1;not null" json:"user_id"`
	Seq           int64             `gorm:"uniqueIndex:uk_user_seq,priority:2;not null" json:"seq"`
	Amount        decimal.Decimal   `gorm:"type:decimal(30,8);not null" json:"amount"`        // 正数入账，负数出账
	BalanceAfter  decimal.Decimal   `gorm:"type:decimal(30,8);not null" json:"balance_after"` // 交易后余额
	Type          string            `gorm:"type:varchar(20);not null" json:"type"`
	PaymentStatus string            `gorm:"type:varchar(24);not null" json:"payment_status"`
	ExternalRef   *string           `gorm:"type:varchar(128);uniqueIndex:uk_user_ref,priority:2" json:"external_ref,omitempty"` // 幂等键，如支付事件ID
	Metadata      datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	Timestamp     time.Time         `gorm:"index;not null" json:"timestamp"`
}

func (LedgerTransaction) TableName() string {
	return "ledger_transaction"
}

// AuditRecord 审计表
// 与流水在同一个数据库事务里写入，写后不改不删，作为独立对照副本
type AuditRecord struct {
	AuditID         int64           `gorm:"primaryKey;autoIncrement:false" json:"audit_id"`
	TransactionID   string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"transaction_id"`
	UserID          int64           `gorm:"index;not null" json:"user_id"`
	Amount          decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"amount"`
	PreviousBalance decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"previous_balance"`
	NewBalance      decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"new_balance"`
	Type            string          `gorm:"type:varchar(20);not null" json:"type"`
	Timestamp       time.Time       `gorm:"not null" json:"timestamp"`
}

func (AuditRecord) TableName() string {
	return "ledger_audit_record"
}
