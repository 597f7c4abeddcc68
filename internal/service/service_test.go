package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/matcher"
	"creditledger/internal/infrastructure/processor"
	"creditledger/internal/repository"
	"creditledger/internal/testutil"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testTopic = "ledger_transaction"

type ledgerFixture struct {
	db       *gorm.DB
	repo     *repository.TransactionRepository
	reader   *BalanceReader
	recorder *Recorder
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	db := testutil.NewDB(t)
	repo := repository.NewTransactionRepository(db)
	return &ledgerFixture{
		db:       db,
		repo:     repo,
		reader:   NewBalanceReader(repo, nil, nil),
		recorder: NewRecorder(repo, nil, testutil.NewIDGen(t), testTopic, nil),
	}
}

// seed 以当前余额为前值写入一笔
func (f *ledgerFixture) seed(t *testing.T, userID int64, amount string) {
	t.Helper()
	ctx := context.Background()
	balance, err := f.reader.GetFreshBalance(ctx, userID)
	require.NoError(t, err)
	_, err = f.recorder.Record(ctx, &RecordRequest{
		UserID:                  userID,
		Amount:                  decimal.RequireFromString(amount),
		Type:                    "ADJUSTMENT",
		ExpectedPreviousBalance: balance,
	})
	require.NoError(t, err)
}

func (f *ledgerFixture) balance(t *testing.T, userID int64) decimal.Decimal {
	t.Helper()
	b, err := f.reader.GetFreshBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *ledgerFixture) count(t *testing.T, userID int64) int64 {
	t.Helper()
	_, total, err := f.repo.ListByUserID(context.Background(), userID, 1, 1)
	require.NoError(t, err)
	return total
}

func testRetry(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, BaseDelay: time.Millisecond}
}

func testPricer(t *testing.T) *Pricer {
	t.Helper()
	p, err := NewPricer(&config.PricingConfig{
		CharsPerToken: 4,
		Models:        map[string]string{"gpt4": "2", "gpt3": "1"},
	})
	require.NoError(t, err)
	return p
}

// fakeMatcher 可控的撮合服务
type fakeMatcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error)
}

func (m *fakeMatcher) SubmitBid(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, bid)
	}
	return &matcher.BidResponse{ProviderID: "provider-1", Status: matcher.StatusMatched}, nil
}

// fakeProcessor 记录 CreateIntent 调用
type fakeProcessor struct {
	amountMinor int64
	currency    string
	metadata    map[string]string
	err         error
}

func (p *fakeProcessor) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*processor.PaymentIntent, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.amountMinor = amountMinor
	p.currency = currency
	p.metadata = metadata
	return &processor.PaymentIntent{
		ID:           "pi_test",
		ClientSecret: "pi_test_secret",
		Amount:       amountMinor,
		Currency:     currency,
	}, nil
}

func newTestMetricsRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}
