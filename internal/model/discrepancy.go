package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Discrepancy 对账差异记录
// 只做记录，不自动修正余额
type Discrepancy struct {
	ID                int64           `gorm:"primaryKey;autoIncrement:false" json:"id"`
	UserID            int64           `gorm:"index;not null" json:"user_id"`
	CalculatedBalance decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"calculated_balance"`
	StoredBalance     decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"stored_balance"`
	Difference        decimal.Decimal `gorm:"type:decimal(30,8);not null" json:"difference"` // calculated - stored
	TransactionCount  int64           `gorm:"not null" json:"transaction_count"`
	DetectedAt        time.Time       `gorm:"index;not null" json:"detected_at"`
}

func (Discrepancy) TableName() string {
	return "ledger_discrepancy"
}
