package service

import (
	"context"
	"testing"

	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := NewAdjustmentService(f.reader, f.recorder, testRetry(3), nil, nil)

	result, err := s.Adjust(ctx, &AdjustRequest{
		UserID: 1, Amount: decimal.NewFromInt(20), Type: model.TransactionTypeAdjustment, Reason: "goodwill", Operator: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, "20.00000000", result.NewBalance.StringFixed(model.BalanceScale))
	assert.Equal(t, "goodwill", result.Transaction.Metadata["reason"])

	result, err = s.Adjust(ctx, &AdjustRequest{
		UserID: 1, Amount: decimal.NewFromInt(-5), Type: model.TransactionTypeRefund, Reason: "chargeback",
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRefunded, result.Transaction.PaymentStatus)
	assert.Equal(t, "15.00000000", f.balance(t, 1).StringFixed(model.BalanceScale))

	_, err = s.Adjust(ctx, &AdjustRequest{
		UserID: 1, Amount: decimal.NewFromInt(-16), Type: model.TransactionTypeProviderPayout, Reason: "payout",
	})
	require.ErrorIs(t, err, ErrInsufficientCredits)

	_, err = s.Adjust(ctx, &AdjustRequest{
		UserID: 1, Amount: decimal.NewFromInt(1), Type: model.TransactionTypeUsage, Reason: "x",
	})
	require.ErrorIs(t, err, ErrInvalidTransactionType)

	_, err = s.Adjust(ctx, &AdjustRequest{
		UserID: 1, Amount: decimal.NewFromInt(1), Type: model.TransactionTypeAdjustment,
	})
	require.ErrorIs(t, err, ErrMissingReason)

	assert.Equal(t, int64(2), f.count(t, 1))
}

func TestAccountService(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := NewAccountService(f.reader, f.repo)

	view, err := s.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "0.00000000", view.Balance)
	assert.Equal(t, "0.00000000 credits", view.Formatted)

	f.seed(t, 1, "10")
	f.seed(t, 1, "-2.5")

	view, err = s.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "7.50000000", view.Balance)

	items, total, err := s.ListTransactions(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, items, 2)
	assert.True(t, items[0].Amount.Equal(decimal.RequireFromString("-2.5")))
}
