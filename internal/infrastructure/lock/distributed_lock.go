package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 账本写入不加锁（条件写保证并发安全），这里的锁只用于定时任务：
// 多个实例同时部署时，每一轮对账只允许一个实例执行。
//
// 加锁：SET key token NX EX ttl
// 释放：Lua 脚本比较 token 后删除，避免误删其他实例的锁
//
// ============================================================================

var ErrLockHeld = errors.New("锁已被其他实例持有")

const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 分布式锁，client 为 nil 时退化为本地无锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	token      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		token:      uuid.NewString(),
		expiration: expiration,
	}
}

// NewReconcileLock 对账任务锁
func NewReconcileLock(client *redis.Client, expiration time.Duration) *DistributedLock {
	return NewDistributedLock(client, "ledger:lock:reconcile", expiration)
}

// TryLock 非阻塞获取锁，被占用时返回 ErrLockHeld
func (l *DistributedLock) TryLock(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Err()
}
