package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"picfit/internal/config"
	"picfit/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

func signedWebhook(t *testing.T, secret string, event map[string]interface{}) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func checkoutCompleted(eventID string, metadata map[string]string) map[string]interface{} {
	return map[string]interface{}{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"payment_status": "paid",
				"customer_email": "buyer@example.com",
				"metadata":       metadata,
			},
		},
	}
}

func paymentEventCount(t *testing.T, env *testEnv) int64 {
	t.Helper()
	var n int64
	require.NoError(t, env.db.Model(&model.PaymentEvent{}).Count(&n).Error)
	return n
}

func TestHandleEventIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "acc-1", 10)

	evt := PaymentEvent{ID: "evt_123", Type: "checkout.session.completed", AccountRef: "acc-1", Credits: 50}

	outcome, err := env.payments.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, int64(60), env.balance(t, "acc-1"))

	outcome, err = env.payments.HandleEvent(ctx, evt)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)
	assert.Equal(t, int64(60), env.balance(t, "acc-1"))

	purchases := env.transactions(t, model.TransactionKindPurchase, "evt_123")
	require.Len(t, purchases, 1)
	assert.Equal(t, int64(50), purchases[0].Amount)
	env.assertInvariant(t, "acc-1")
}

func TestHandleEventConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	evt := PaymentEvent{ID: "evt_dup", Type: "checkout.session.completed", AccountRef: "first-time@buyer.test", Credits: 10}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := env.payments.HandleEvent(context.Background(), evt)
			if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
				t.Errorf("unexpected error: %v", err)
			}
			if outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(10), env.balance(t, "first-time@buyer.test"))
	assert.Equal(t, int64(1), paymentEventCount(t, env))
	env.assertInvariant(t, "first-time@buyer.test")
}

func TestHandleEventCreatesAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.payments.HandleEvent(context.Background(), PaymentEvent{ID: "evt_new", AccountRef: "newbie", Email: "n@x.test", Credits: 10})
	require.NoError(t, err)

	account, err := env.ledger.GetAccount(context.Background(), "newbie")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)
	assert.Equal(t, "n@x.test", account.Email)
}

func TestHandleEventRejectsMalformed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, evt := range []PaymentEvent{
		{ID: "", AccountRef: "a", Credits: 1},
		{ID: "evt", AccountRef: "", Credits: 1},
		{ID: "evt", AccountRef: "a", Credits: 0},
	} {
		_, err := env.payments.HandleEvent(ctx, evt)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	}
	assert.Zero(t, paymentEventCount(t, env))
}

func TestIngestAppliesSignedCheckout(t *testing.T) {
	env := newTestEnv(t)
	payload, header := signedWebhook(t, env.cfg.Stripe.WebhookSecret,
		checkoutCompleted("evt_signed", map[string]string{"account_id": "acc-9", "credits": "50", "plan_key": "popular"}))

	outcome, err := env.payments.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, int64(50), env.balance(t, "acc-9"))

	outcome, err = env.payments.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)
	assert.Equal(t, int64(50), env.balance(t, "acc-9"))
}

func TestIngestFallsBackToPlanCreditsAndEmail(t *testing.T) {
	env := newTestEnv(t)
	payload, header := signedWebhook(t, env.cfg.Stripe.WebhookSecret,
		checkoutCompleted("evt_plan", map[string]string{"plan_key": "starter"}))

	_, err := env.payments.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, int64(10), env.balance(t, "buyer@example.com"))
}

func TestIngestRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	payload, _ := signedWebhook(t, env.cfg.Stripe.WebhookSecret,
		checkoutCompleted("evt_forged", map[string]string{"account_id": "acc-1", "credits": "500"}))
	_, forgedHeader := signedWebhook(t, "whsec_someone_else",
		checkoutCompleted("evt_forged", map[string]string{"account_id": "acc-1", "credits": "500"}))

	outcome, err := env.payments.Ingest(context.Background(), payload, forgedHeader)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Zero(t, paymentEventCount(t, env))
}

func TestIngestRejectsExpiredSignature(t *testing.T) {
	env := newTestEnv(t)
	raw, err := json.Marshal(checkoutCompleted("evt_old", map[string]string{"account_id": "acc-1", "credits": "5"}))
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    env.cfg.Stripe.WebhookSecret,
		Timestamp: time.Now().Add(-10 * time.Minute),
	})

	_, err = env.payments.Ingest(context.Background(), signed.Payload, signed.Header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIngestFailsClosedWithoutSecret(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Stripe.WebhookSecret = "" })
	payload, header := signedWebhook(t, "whsec_any",
		checkoutCompleted("evt_x", map[string]string{"account_id": "acc-1", "credits": "5"}))

	_, err := env.payments.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Zero(t, paymentEventCount(t, env))
}

func TestIngestRejectsMissingCreditsWithoutRecording(t *testing.T) {
	env := newTestEnv(t)
	payload, header := signedWebhook(t, env.cfg.Stripe.WebhookSecret,
		checkoutCompleted("evt_nocredits", map[string]string{"account_id": "acc-1"}))

	_, err := env.payments.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrInvalidPayload)
	assert.Zero(t, paymentEventCount(t, env))
}

func TestIngestIgnoresOtherEventTypes(t *testing.T) {
	env := newTestEnv(t)
	payload, header := signedWebhook(t, env.cfg.Stripe.WebhookSecret, map[string]interface{}{
		"id":     "evt_other",
		"object": "event",
		"type":   "customer.created",
		"data":   map[string]interface{}{"object": map[string]interface{}{"id": "cus_1"}},
	})

	outcome, err := env.payments.Ingest(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, paymentEventCount(t, env))
}

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Stripe.SecretKey = "sk_test_x" })

	var captured *stripe.CheckoutSessionParams
	env.payments.WithCheckoutFunc(func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = params
		return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
	})

	sess, err := env.payments.CreateCheckout(context.Background(), "acc-1", "a@b.test", "popular")
	require.NoError(t, err)
	assert.Equal(t, "cs_1", sess.SessionID)
	assert.Equal(t, int64(50), sess.Credits)

	require.NotNil(t, captured)
	assert.Equal(t, "acc-1", captured.Metadata["account_id"])
	assert.Equal(t, "50", captured.Metadata["credits"])
	assert.Equal(t, "popular", captured.Metadata["plan_key"])
	assert.Equal(t, int64(2900), *captured.LineItems[0].PriceData.UnitAmount)

	_, err = env.payments.CreateCheckout(context.Background(), "acc-1", "", "enterprise")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateCheckoutDisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.payments.CreateCheckout(context.Background(), "acc-1", "", "popular")
	assert.ErrorIs(t, err, ErrCheckoutDisabled)
}
