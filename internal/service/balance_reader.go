package service

import (
	"context"
	"fmt"

	"creditledger/internal/infrastructure/cache"
	"creditledger/internal/repository"
	"creditledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceReader 余额读取
// 余额不单独存储，等于用户最新一条流水的 balance_after，没有流水时为 0
type BalanceReader struct {
	transactionRepo *repository.TransactionRepository
	cache           *cache.BalanceCache
	log             *zap.Logger
}

func NewBalanceReader(repo *repository.TransactionRepository, balanceCache *cache.BalanceCache, log *zap.Logger) *BalanceReader {
	return &BalanceReader{
		transactionRepo: repo,
		cache:           balanceCache,
		log:             logger.OrNop(log).Named("balance_reader"),
	}
}

// GetBalance 先读缓存，未命中或缓存异常时读存储
func (r *BalanceReader) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	balance, ok, err := r.cache.Get(ctx, userID)
	if err != nil {
		r.log.Warn("读取余额缓存失败", zap.Int64("user_id", userID), zap.Error(err))
	}
	if ok {
		return balance, nil
	}

	balance, err = r.GetFreshBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}

	// 只在不存在时回填，避免覆盖本进程刚写入的新余额
	if err := r.cache.Fill(ctx, userID, balance); err != nil {
		r.log.Warn("回填余额缓存失败", zap.Int64("user_id", userID), zap.Error(err))
	}
	return balance, nil
}

// GetFreshBalance 绕过缓存直接读存储
func (r *BalanceReader) GetFreshBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	latest, err := r.transactionRepo.Latest(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("查询余额失败: %w", err)
	}
	if latest == nil {
		return decimal.Zero, nil
	}
	return latest.BalanceAfter, nil
}
