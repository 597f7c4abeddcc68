package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"creditledger/internal/config"
	"creditledger/internal/infrastructure/processor"
	"creditledger/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func testPaymentConfig() *config.PaymentConfig {
	return &config.PaymentConfig{
		WebhookSecret:           testWebhookSecret,
		WebhookToleranceSeconds: 300,
		CreditsPerUnit:          "1000",
		MinPurchase:             "1.00",
		MaxPurchase:             "1000.00",
		Currency:                "usd",
	}
}

func newTestPaymentService(t *testing.T, f *ledgerFixture, p IntentCreator) *PaymentService {
	t.Helper()
	s, err := NewPaymentService(testPaymentConfig(), f.repo, f.reader, f.recorder, p, testRetry(5), nil, nil)
	require.NoError(t, err)
	return s
}

func paymentEvent(t *testing.T, eventID, eventType string, userID int64, amountMinor int64) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":   eventID,
		"type": eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":              "pi_" + eventID,
				"amount":          amountMinor,
				"amount_received": amountMinor,
				"currency":        "usd",
				"metadata":        map[string]string{"user_id": fmt.Sprint(userID)},
			},
		},
	})
	require.NoError(t, err)
	return payload
}

func signed(payload []byte) string {
	return processor.SignatureHeaderValue(payload, testWebhookSecret, time.Now())
}

func TestHandleEvent_FiveDollarsIsFiveThousandCredits(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := newTestPaymentService(t, f, &fakeProcessor{})

	payload := paymentEvent(t, "evt_1", processor.EventPaymentSucceeded, 1, 500)
	result, err := s.HandleEvent(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "5000.00000000", result.Credits.StringFixed(model.BalanceScale))

	assert.Equal(t, "5000.00000000", f.balance(t, 1).StringFixed(model.BalanceScale))

	txn, err := f.repo.GetByTransactionID(ctx, result.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, model.TransactionTypePurchase, txn.Type)
	assert.Equal(t, model.PaymentStatusSucceeded, txn.PaymentStatus)
	assert.Equal(t, "evt_1", txn.Metadata["payment_event_id"])
	require.NotNil(t, txn.ExternalRef)
	assert.Equal(t, "evt_1", *txn.ExternalRef)
}

func TestHandleEvent_SameEventTwiceCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := newTestPaymentService(t, f, &fakeProcessor{})

	payload := paymentEvent(t, "evt_dup", processor.EventPaymentSucceeded, 1, 1000)

	first, err := s.HandleEvent(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := s.HandleEvent(ctx, payload, signed(payload))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)

	assert.Equal(t, int64(1), f.count(t, 1))
	assert.Equal(t, "10000.00000000", f.balance(t, 1).StringFixed(model.BalanceScale))
}

func TestHandleEvent_ConcurrentDeliveriesCreditOnce(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := newTestPaymentService(t, f, &fakeProcessor{})

	payload := paymentEvent(t, "evt_race", processor.EventPaymentSucceeded, 1, 250)
	header := signed(payload)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.HandleEvent(ctx, payload, header)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.count(t, 1))
	assert.Equal(t, "2500.00000000", f.balance(t, 1).StringFixed(model.BalanceScale))
}

func TestHandleEvent_InvalidSignatureIsNotProcessed(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := newTestPaymentService(t, f, &fakeProcessor{})

	payload := paymentEvent(t, "evt_bad", processor.EventPaymentSucceeded, 1, 500)

	_, err := s.HandleEvent(ctx, payload, processor.SignatureHeaderValue(payload, "whsec_other", time.Now()))
	require.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = s.HandleEvent(ctx, payload, "")
	require.ErrorIs(t, err, ErrSignatureInvalid)

	// 过期签名
	_, err = s.HandleEvent(ctx, payload, processor.SignatureHeaderValue(payload, testWebhookSecret, time.Now().Add(-time.Hour)))
	require.ErrorIs(t, err, ErrSignatureInvalid)

	assert.Equal(t, int64(0), f.count(t, 1))
}

func TestHandleEvent_FailedAndUnknownEventsAreAcknowledged(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	s := newTestPaymentService(t, f, &fakeProcessor{})

	failed := paymentEvent(t, "evt_failed", processor.EventPaymentFailed, 1, 500)
	result, err := s.HandleEvent(ctx, failed, signed(failed))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	other := paymentEvent(t, "evt_other", "customer.created", 1, 0)
	result, err = s.HandleEvent(ctx, other, signed(other))
	require.NoError(t, err)
	assert.True(t, result.Ignored)

	assert.Equal(t, int64(0), f.count(t, 1))
}

func TestHandleEvent_MissingUserIsRejected(t *testing.T) {
	f := newLedgerFixture(t)
	s := newTestPaymentService(t, f, &fakeProcessor{})

	payload := []byte(`{"id":"evt_x","type":"payment_intent.succeeded","data":{"object":{"id":"pi_x","amount":500}}}`)
	_, err := s.HandleEvent(context.Background(), payload, signed(payload))
	require.ErrorIs(t, err, ErrInvalidWebhookPayload)
}

func TestCreditsForMinor_Truncates(t *testing.T) {
	f := newLedgerFixture(t)
	cfg := testPaymentConfig()
	cfg.CreditsPerUnit = "0.333333333"
	s, err := NewPaymentService(cfg, f.repo, f.reader, f.recorder, &fakeProcessor{}, testRetry(1), nil, nil)
	require.NoError(t, err)

	// 1.00 × 0.333333333 = 0.333333333 -> 0.33333333
	assert.Equal(t, "0.33333333", s.CreditsForMinor(100).String())
}

func TestCreateIntent(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)
	p := &fakeProcessor{}
	s := newTestPaymentService(t, f, p)

	result, err := s.CreateIntent(ctx, 7, decimal.RequireFromString("5.00"), "USD")
	require.NoError(t, err)
	assert.Equal(t, "pi_test_secret", result.ClientSecret)
	assert.Equal(t, int64(500), result.AmountMinor)
	assert.Equal(t, int64(500), p.amountMinor)
	assert.Equal(t, "usd", p.currency)
	assert.Equal(t, "7", p.metadata["user_id"])

	_, err = s.CreateIntent(ctx, 7, decimal.RequireFromString("0.50"), "usd")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.CreateIntent(ctx, 7, decimal.RequireFromString("1000.01"), "usd")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.CreateIntent(ctx, 7, decimal.RequireFromString("5.005"), "usd")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = s.CreateIntent(ctx, 7, decimal.RequireFromString("5.00"), "eur")
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func TestCreateIntent_ProcessorErrors(t *testing.T) {
	ctx := context.Background()
	f := newLedgerFixture(t)

	s := newTestPaymentService(t, f, &fakeProcessor{err: fmt.Errorf("%w: card declined", processor.ErrRejected)})
	_, err := s.CreateIntent(ctx, 7, decimal.RequireFromString("5.00"), "usd")
	assert.ErrorIs(t, err, ErrProcessorRejected)

	s = newTestPaymentService(t, f, &fakeProcessor{err: errors.New("connection refused")})
	_, err = s.CreateIntent(ctx, 7, decimal.RequireFromString("5.00"), "usd")
	assert.ErrorIs(t, err, ErrProcessorUnavailable)
}
