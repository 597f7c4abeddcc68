package job

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/metrics"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/pkg/idgen"
	"creditledger/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LedgerHead 读取用户最新一条流水（绕过缓存）
// 对账以它作为快照：只累加 seq 不超过它的流水，与它的 balance_after 比较
type LedgerHead interface {
	Latest(ctx context.Context, userID int64) (*model.LedgerTransaction, error)
}

// ReconcileJob 定时对账：按流水重新累加余额，与账本当前余额比较
// 只记录差异，不修正
type ReconcileJob struct {
	transactionRepo *repository.TransactionRepository
	discrepancyRepo *repository.DiscrepancyRepository
	head            LedgerHead
	lock            *lock.DistributedLock
	ids             *idgen.Generator
	metrics         *metrics.Metrics
	log             *zap.Logger
	topic           string
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
	parallelism     int
}

type ReconcileOptions struct {
	Interval    time.Duration
	BatchSize   int
	Parallelism int
	Topic       string
}

func NewReconcileJob(
	transactionRepo *repository.TransactionRepository,
	discrepancyRepo *repository.DiscrepancyRepository,
	head LedgerHead,
	reconcileLock *lock.DistributedLock,
	ids *idgen.Generator,
	mt *metrics.Metrics,
	opts ReconcileOptions,
	log *zap.Logger,
) *ReconcileJob {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	return &ReconcileJob{
		transactionRepo: transactionRepo,
		discrepancyRepo: discrepancyRepo,
		head:            head,
		lock:            reconcileLock,
		ids:             ids,
		metrics:         mt,
		log:             logger.OrNop(log).Named("reconcile"),
		topic:           opts.Topic,
		stopCh:          make(chan struct{}),
		interval:        opts.Interval,
		batchSize:       opts.BatchSize,
		parallelism:     opts.Parallelism,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("对账任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("任务停止")
			return
		case <-ticker.C:
			if _, err := j.Reconcile(ctx); err != nil && !errors.Is(err, lock.ErrLockHeld) {
				j.log.Error("对账失败", zap.Error(err))
			}
		}
	}
}

func (j *ReconcileJob) Stop() {
	close(j.stopCh)
}

// Reconcile 执行一轮完整对账，返回本轮发现的差异
//
// 【流程】
// 1. 获取分布式锁，同一时刻只有一个实例在对账
// 2. 按 user_id 分页遍历有流水的用户，每页内并发处理
// 3. 每个用户先读最新一条流水，再按 seq 正序累加到这一条为止得到 calculated，与它的 balance_after 比较
//    对账期间的新写入 seq 更大，不会进入本轮比较
// 4. 不一致时落库差异记录并写消息表，不修正余额
func (j *ReconcileJob) Reconcile(ctx context.Context) ([]model.Discrepancy, error) {
	if err := j.lock.TryLock(ctx); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			j.log.Info("其他实例正在对账，跳过本轮")
		}
		return nil, err
	}
	defer func() {
		if err := j.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			j.log.Warn("释放对账锁失败", zap.Error(err))
		}
	}()

	start := time.Now()
	var (
		mu       sync.Mutex
		found    []model.Discrepancy
		checked  int
		afterUID int64
	)

	for {
		userIDs, err := j.transactionRepo.DistinctUserIDs(ctx, afterUID, j.batchSize)
		if err != nil {
			return found, err
		}
		if len(userIDs) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(j.parallelism)
		for _, userID := range userIDs {
			userID := userID
			g.Go(func() error {
				d, err := j.reconcileUser(gctx, userID)
				if err != nil {
					return err
				}
				if d != nil {
					mu.Lock()
					found = append(found, *d)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return found, err
		}

		checked += len(userIDs)
		afterUID = userIDs[len(userIDs)-1]
		if len(userIDs) < j.batchSize {
			break
		}
	}

	elapsed := time.Since(start)
	j.metrics.ReconcileDuration(elapsed)
	j.log.Info("对账完成",
		zap.Int("users", checked),
		zap.Int("discrepancies", len(found)),
		zap.Duration("elapsed", elapsed),
	)
	return found, nil
}

func (j *ReconcileJob) reconcileUser(ctx context.Context, userID int64) (*model.Discrepancy, error) {
	latest, err := j.head.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	stored := latest.BalanceAfter

	calculated := decimal.Zero
	var count int64
	var afterSeq int64

	for afterSeq < latest.Seq {
		page, err := j.transactionRepo.ScanAscendingUpTo(ctx, userID, afterSeq, latest.Seq, j.batchSize)
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			calculated = calculated.Add(t.Amount)
			afterSeq = t.Seq
		}
		count += int64(len(page))
		if len(page) < j.batchSize {
			break
		}
	}

	if calculated.Equal(stored) {
		return nil, nil
	}

	d := &model.Discrepancy{
		ID:                j.ids.NextID(),
		UserID:            userID,
		CalculatedBalance: calculated,
		StoredBalance:     stored,
		Difference:        calculated.Sub(stored),
		TransactionCount:  count,
		DetectedAt:        time.Now().UTC(),
	}

	msg, err := j.discrepancyMessage(d)
	if err != nil {
		return nil, err
	}
	if err := j.discrepancyRepo.Create(ctx, d, msg); err != nil {
		return nil, err
	}

	j.metrics.Discrepancy()
	j.log.Warn("发现余额差异",
		zap.Int64("user_id", userID),
		zap.String("calculated", calculated.StringFixed(model.BalanceScale)),
		zap.String("stored", stored.StringFixed(model.BalanceScale)),
		zap.String("difference", d.Difference.StringFixed(model.BalanceScale)),
		zap.Int64("transactions", count),
	)
	return d, nil
}

func (j *ReconcileJob) discrepancyMessage(d *model.Discrepancy) (*model.OutboxMessage, error) {
	if j.topic == "" {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]interface{}{
		"discrepancy_id":     d.ID,
		"user_id":            d.UserID,
		"calculated_balance": d.CalculatedBalance.StringFixed(model.BalanceScale),
		"stored_balance":     d.StoredBalance.StringFixed(model.BalanceScale),
		"difference":         d.Difference.StringFixed(model.BalanceScale),
		"transaction_count":  d.TransactionCount,
		"detected_at":        d.DetectedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return &model.OutboxMessage{
		MessageKey: strconv.FormatInt(d.UserID, 10),
		Topic:      j.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}, nil
}
