package job

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"creditledger/internal/infrastructure/lock"
	"creditledger/internal/model"
	"creditledger/internal/repository"
	"creditledger/internal/service"
	"creditledger/internal/testutil"
	"creditledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const discrepancyTopic = "ledger_discrepancy"

type reconcileFixture struct {
	db        *gorm.DB
	repo      *repository.TransactionRepository
	reader    *service.BalanceReader
	recorder  *service.Recorder
	ids       *idgen.Generator
	batchSize int
	job       *ReconcileJob
}

func newReconcileFixture(t *testing.T, batchSize int) *reconcileFixture {
	t.Helper()
	db := testutil.NewDB(t)
	ids := testutil.NewIDGen(t)
	repo := repository.NewTransactionRepository(db)
	f := &reconcileFixture{
		db:        db,
		repo:      repo,
		reader:    service.NewBalanceReader(repo, nil, nil),
		recorder:  service.NewRecorder(repo, nil, ids, "", nil),
		ids:       ids,
		batchSize: batchSize,
	}
	f.job = f.newJob(repo)
	return f
}

func (f *reconcileFixture) newJob(head LedgerHead) *ReconcileJob {
	return NewReconcileJob(
		f.repo,
		repository.NewDiscrepancyRepository(f.db),
		head,
		lock.NewReconcileLock(nil, time.Minute),
		f.ids,
		nil,
		ReconcileOptions{BatchSize: f.batchSize, Parallelism: 3, Topic: discrepancyTopic},
		nil,
	)
}

// writeAfterHead 读完最新流水后立刻再写一笔，模拟对账过程中的正常写入
type writeAfterHead struct {
	repo  *repository.TransactionRepository
	write func(ctx context.Context, userID int64) error
}

func (w *writeAfterHead) Latest(ctx context.Context, userID int64) (*model.LedgerTransaction, error) {
	latest, err := w.repo.Latest(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := w.write(ctx, userID); err != nil {
		return nil, err
	}
	return latest, nil
}

func (f *reconcileFixture) record(t *testing.T, userID int64, amounts ...string) {
	t.Helper()
	ctx := context.Background()
	for _, amount := range amounts {
		balance, err := f.reader.GetFreshBalance(ctx, userID)
		require.NoError(t, err)
		_, err = f.recorder.Record(ctx, &service.RecordRequest{
			UserID:                  userID,
			Amount:                  decimal.RequireFromString(amount),
			Type:                    model.TransactionTypeAdjustment,
			ExpectedPreviousBalance: balance,
		})
		require.NoError(t, err)
	}
}

func TestReconcile_CleanLedgerHasNoDiscrepancies(t *testing.T) {
	f := newReconcileFixture(t, 2)
	for uid := int64(1); uid <= 5; uid++ {
		f.record(t, uid, "10", "-3", "0.5")
	}

	found, err := f.job.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestReconcile_DetectsInjectedDrift(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t, 2)
	f.record(t, 1, "10", "-4")
	f.record(t, 2, "100", "-25", "-5")
	f.record(t, 3, "7")

	// 直接改库：最新一条的 balance_after 被篡改，没有对应流水
	latest, err := f.repo.Latest(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.LedgerTransaction{}).
		Where("id = ?", latest.ID).
		Update("balance_after", decimal.NewFromInt(90)).Error)

	found, err := f.job.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)

	d := found[0]
	assert.Equal(t, int64(2), d.UserID)
	assert.Equal(t, "70.00000000", d.CalculatedBalance.StringFixed(model.BalanceScale))
	assert.Equal(t, "90.00000000", d.StoredBalance.StringFixed(model.BalanceScale))
	assert.Equal(t, "-20.00000000", d.Difference.StringFixed(model.BalanceScale))
	assert.Equal(t, int64(3), d.TransactionCount)

	// 只记录，不修正
	stored, err := f.reader.GetFreshBalance(ctx, 2)
	require.NoError(t, err)
	assert.True(t, stored.Equal(decimal.NewFromInt(90)))

	persisted, err := repository.NewDiscrepancyRepository(f.db).ListByUserID(ctx, 2)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.True(t, persisted[0].Difference.Equal(decimal.NewFromInt(-20)))

	messages, err := repository.NewOutboxRepository(f.db).GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, discrepancyTopic, messages[0].Topic)
	assert.Equal(t, "2", messages[0].MessageKey)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(messages[0].Payload), &payload))
	assert.Equal(t, "-20.00000000", payload["difference"])
}

func TestReconcile_ReportsAgainOnNextPass(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t, 100)
	f.record(t, 1, "10")

	latest, err := f.repo.Latest(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&model.LedgerTransaction{}).
		Where("id = ?", latest.ID).
		Update("balance_after", decimal.NewFromInt(11)).Error)

	for i := 0; i < 2; i++ {
		found, err := f.job.Reconcile(ctx)
		require.NoError(t, err)
		require.Len(t, found, 1)
	}

	items, total, err := repository.NewDiscrepancyRepository(f.db).List(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)
}

func TestReconcile_ConcurrentWriteIsNotADiscrepancy(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t, 1)
	f.record(t, 1, "10", "-4")
	f.record(t, 2, "3")

	var writes atomic.Int32
	job := f.newJob(&writeAfterHead{
		repo: f.repo,
		write: func(ctx context.Context, userID int64) error {
			balance, err := f.reader.GetFreshBalance(ctx, userID)
			if err != nil {
				return err
			}
			_, err = f.recorder.Record(ctx, &service.RecordRequest{
				UserID:                  userID,
				Amount:                  decimal.NewFromInt(5),
				Type:                    model.TransactionTypePurchase,
				ExpectedPreviousBalance: balance,
			})
			writes.Add(1)
			return err
		},
	})

	found, err := job.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.Equal(t, int32(2), writes.Load())

	balance, err := f.reader.GetFreshBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "11.00000000", balance.StringFixed(model.BalanceScale))

	// 下一轮包含新写入，账本仍然一致
	found, err = f.job.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)
}
