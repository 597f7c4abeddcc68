package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"creditledger/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// InitRedis 创建 Redis 客户端，Host 为空时返回 nil（不启用缓存）
func InitRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	if cfg.Host == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// ============================================================================
// 余额缓存
// ============================================================================
//
// 本进程写入成功后立即覆盖缓存（read-your-writes），
// 其他实例的写入最多在 TTL 内不可见（有界的最终一致）。
// 条件写失败时由调用方删除缓存，保证重试读到存储中的最新值。

// BalanceCache 余额缓存，nil 值可用（相当于不缓存）
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	if client == nil || ttl <= 0 {
		return nil
	}
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(userID int64) string {
	return "ledger:balance:user:" + strconv.FormatInt(userID, 10)
}

// Get 未命中时 ok 为 false
func (c *BalanceCache) Get(ctx context.Context, userID int64) (decimal.Decimal, bool, error) {
	if c == nil {
		return decimal.Zero, false, nil
	}
	raw, err := c.client.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("缓存余额格式错误: %w", err)
	}
	return balance, true, nil
}

func (c *BalanceCache) Set(ctx context.Context, userID int64, balance decimal.Decimal) error {
	if c == nil {
		return nil
	}
	return c.client.Set(ctx, balanceKey(userID), balance.StringFixed(8), c.ttl).Err()
}

// Fill 仅在缓存不存在时写入
func (c *BalanceCache) Fill(ctx context.Context, userID int64, balance decimal.Decimal) error {
	if c == nil {
		return nil
	}
	return c.client.SetNX(ctx, balanceKey(userID), balance.StringFixed(8), c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, balanceKey(userID)).Err()
}
