package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditledger/internal/infrastructure/matcher"
	"creditledger/internal/metrics"
	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, f *ledgerFixture, m Matcher, attempts int, timeout time.Duration) *AdmissionGate {
	t.Helper()
	return NewAdmissionGate(testPricer(t), f.reader, f.recorder, m, testRetry(attempts), timeout,
		metrics.New(newTestMetricsRegistry()), nil)
}

func TestPricer_Cost(t *testing.T) {
	p := testPricer(t)

	cost, tokens, err := p.Cost("gpt4", "0123456789")
	require.NoError(t, err)
	assert.Equal(t, int64(3), tokens)
	assert.True(t, cost.Equal(decimal.NewFromInt(6)))

	cost, tokens, err = p.Cost("gpt3", "你好世界")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokens)
	assert.True(t, cost.Equal(decimal.NewFromInt(1)))

	_, _, err = p.Cost("llama", "hello")
	assert.ErrorIs(t, err, ErrUnknownModel)

	_, _, err = p.Cost("gpt4", "")
	assert.ErrorIs(t, err, ErrInvalidPrompt)
}

func TestAdmit_DebitsAfterSuccessfulMatch(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.seed(t, 1, "100")

	var got matcher.Bid
	m := &fakeMatcher{fn: func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
		got = bid
		return &matcher.BidResponse{ProviderID: "gpu-7", Status: matcher.StatusMatched}, nil
	}}
	gate := newTestGate(t, f, m, 3, time.Second)

	result, err := gate.Admit(ctx, 1, &AdmitRequest{Model: "gpt4", Prompt: "0123456789", MaxPrice: "0.002", MaxLatency: 500})
	require.NoError(t, err)
	assert.True(t, result.Approved)
	assert.Equal(t, "gpu-7", result.ProviderID)
	assert.Equal(t, matcher.StatusMatched, result.Status)
	assert.Equal(t, "6.00000000", result.ReservedAmount.StringFixed(model.BalanceScale))
	assert.Equal(t, "94.00000000", result.NewBalance.StringFixed(model.BalanceScale))
	assert.Equal(t, model.PaymentStatusSucceeded, result.PaymentStatus)

	assert.Equal(t, "gpt4", got.Model)
	assert.Equal(t, "0.002", got.MaxPrice)
	assert.Equal(t, uint32(500), got.MaxLatency)

	txn, err := f.repo.GetByTransactionID(ctx, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, model.TransactionTypeUsage, txn.Type)
	assert.Equal(t, "gpu-7", txn.Metadata["provider_id"])
	assert.Equal(t, "94.00000000", f.balance(t, 1).StringFixed(model.BalanceScale))
}

func TestAdmit_InsufficientCreditsSkipsMatcher(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.seed(t, 1, "5")

	m := &fakeMatcher{}
	gate := newTestGate(t, f, m, 3, time.Second)

	_, err := gate.Admit(ctx, 1, &AdmitRequest{Model: "gpt4", Prompt: "0123456789"})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	var insufficient *InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "6.00000000", insufficient.Required.StringFixed(model.BalanceScale))
	assert.Equal(t, "5.00000000", insufficient.Balance.StringFixed(model.BalanceScale))
	assert.Equal(t, 0, m.calls)
	assert.Equal(t, int64(1), f.count(t, 1))
}

func TestAdmit_NewUserHasNoCredit(t *testing.T) {
	f := newLedgerFixture(t)
	gate := newTestGate(t, f, &fakeMatcher{}, 3, time.Second)

	_, err := gate.Admit(context.Background(), 2, &AdmitRequest{Model: "gpt3", Prompt: "hi"})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	assert.Equal(t, int64(0), f.count(t, 2))
}

func TestAdmit_MatcherTimeoutRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.seed(t, 1, "100")

	m := &fakeMatcher{fn: func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	gate := newTestGate(t, f, m, 3, 20*time.Millisecond)

	_, err := gate.Admit(ctx, 1, &AdmitRequest{Model: "gpt4", Prompt: "0123456789"})
	require.ErrorIs(t, err, ErrMatcherTimeout)
	assert.Equal(t, int64(1), f.count(t, 1))
	assert.Equal(t, "100.00000000", f.balance(t, 1).StringFixed(model.BalanceScale))
}

func TestAdmit_CallerCancelledBeforeMatchRecordsNothing(t *testing.T) {
	f := newLedgerFixture(t)
	f.seed(t, 1, "100")

	ctx, cancel := context.WithCancel(context.Background())
	m := &fakeMatcher{fn: func(mctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
		cancel()
		<-mctx.Done()
		return nil, mctx.Err()
	}}
	gate := newTestGate(t, f, m, 3, time.Second)

	_, err := gate.Admit(ctx, 1, &AdmitRequest{Model: "gpt4", Prompt: "0123456789"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), f.count(t, 1))
}

func TestAdmit_MatcherFailures(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.seed(t, 1, "100")

	cases := []struct {
		name string
		fn   func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error)
		want error
	}{
		{
			name: "not matched",
			fn: func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
				return &matcher.BidResponse{Status: "rejected", FailureReason: "price too low"}, nil
			},
			want: ErrMatchFailed,
		},
		{
			name: "no provider",
			fn: func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
				return nil, matcher.ErrNoProvider
			},
			want: ErrMatchFailed,
		},
		{
			name: "unavailable",
			fn: func(ctx context.Context, bid matcher.Bid) (*matcher.BidResponse, error) {
				return nil, matcher.ErrUnavailable
			},
			want: ErrMatcherUnavailable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gate := newTestGate(t, f, &fakeMatcher{fn: tc.fn}, 3, time.Second)
			_, err := gate.Admit(ctx, 1, &AdmitRequest{Model: "gpt4", Prompt: "0123456789"})
			require.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, int64(1), f.count(t, 1))
}

func TestAdmit_ConcurrentDebitsNeverGoNegative(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	f.seed(t, 1, "10")

	// gpt3, 8 个字符 = 2 token = 2 额度，余额只够 5 次；重试次数与默认配置一致
	const n = 12
	gate := newTestGate(t, f, &fakeMatcher{}, 3, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gate.Admit(ctx, 1, &AdmitRequest{Model: "gpt3", Prompt: "abcdefgh"})
		}(i)
	}
	wg.Wait()

	// 重试用尽时拒绝（fail-closed），不会扣款
	approved, insufficient, exhausted := 0, 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			approved++
		case errors.Is(err, ErrInsufficientCredits):
			insufficient++
		default:
			require.ErrorIs(t, err, ErrStaleBalanceExhausted)
			exhausted++
		}
	}
	assert.LessOrEqual(t, approved, 5)
	assert.Equal(t, n, approved+insufficient+exhausted)
	if exhausted == 0 {
		assert.Equal(t, 5, approved)
	}

	balance := f.balance(t, 1)
	assert.False(t, balance.IsNegative())
	assert.True(t, balance.Equal(decimal.NewFromInt(int64(10-2*approved))), "balance=%s approved=%d", balance, approved)
	assert.Equal(t, int64(1+approved), f.count(t, 1))

	// 回放：amount 之和等于最终余额
	txns, err := f.repo.ScanAscending(ctx, 1, 0, 100)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, txn := range txns {
		sum = sum.Add(txn.Amount)
		assert.False(t, txn.BalanceAfter.IsNegative())
	}
	assert.True(t, sum.Equal(balance))
}
