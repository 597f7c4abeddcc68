package service

import (
	"context"

	"creditledger/internal/model"
	"creditledger/internal/repository"

	"github.com/shopspring/decimal"
)

// BalanceView GET /balance 的返回
type BalanceView struct {
	Balance   string `json:"balance"`
	Formatted string `json:"formatted"`
}

// AccountService 面向调用方的账户查询
type AccountService struct {
	balanceReader   *BalanceReader
	transactionRepo *repository.TransactionRepository
}

func NewAccountService(balanceReader *BalanceReader, repo *repository.TransactionRepository) *AccountService {
	return &AccountService{
		balanceReader:   balanceReader,
		transactionRepo: repo,
	}
}

func (s *AccountService) GetBalance(ctx context.Context, userID int64) (*BalanceView, error) {
	balance, err := s.balanceReader.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewBalanceView(balance), nil
}

func NewBalanceView(balance decimal.Decimal) *BalanceView {
	s := balance.StringFixed(model.BalanceScale)
	return &BalanceView{Balance: s, Formatted: s + " credits"}
}

// ListTransactions 按时间倒序分页
func (s *AccountService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}
