package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"picfit/internal/clock"
	"picfit/internal/config"
	"picfit/internal/infrastructure/database"
	"picfit/internal/provider"
	"picfit/internal/ratelimit"
	"picfit/internal/service"
	"picfit/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap/zaptest"
)

const webhookSecret = "whsec_handler_test"

var dbSeq int64

var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\nimage-body")
	jpegBytes = []byte("\xff\xd8\xff\xe0outfit-body")
)

type apiFixture struct {
	router    *gin.Engine
	ledger    *service.LedgerService
	generator provider.Generator
}

func newAPI(t *testing.T, opts ...func(*config.Config)) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := database.OpenMemory(fmt.Sprintf("%s_%d", name, atomic.AddInt64(&dbSeq, 1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	cfg := &config.Config{
		Server: config.ServerConfig{Mode: gin.TestMode},
		Business: config.BusinessConfig{
			GenerationCost:         1,
			FreeTrialCredits:       2,
			StuckJobTimeoutMinutes: 10,
		},
		Generation: config.GenerationConfig{
			MaxFileSize:            1024,
			MaxStandingPhotos:      5,
			AllowedTypes:           []string{"image/jpeg", "image/png"},
			ProviderTimeoutSeconds: 5,
		},
		Stripe: config.StripeConfig{
			WebhookSecret:    webhookSecret,
			ToleranceSeconds: 300,
			Plans: map[string]config.PlanConfig{
				"starter": {Name: "Starter", Credits: 10, PriceCents: 900},
			},
		},
		RateLimit: config.RateLimitConfig{
			Generation: config.LimitConfig{Limit: 100, WindowSeconds: 60},
			IP:         config.LimitConfig{Limit: 1000, WindowSeconds: 60},
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	log := zaptest.NewLogger(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	f := &apiFixture{}
	f.generator = provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return &provider.Image{Data: pngBytes, ContentType: "image/png"}, nil
	})

	f.ledger = service.NewLedgerService(db, cfg, log)
	payments := service.NewPaymentService(db, f.ledger, cfg, clk, log)
	generation := service.NewGenerationService(db, f.ledger, provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return f.generator.Generate(ctx, req)
	}), storage.NewMemoryStore("https://cdn.test"), cfg, clk, log)
	stats := service.NewStatsService(db, clk)

	h := NewHandler(f.ledger, payments, generation, stats, cfg, log)
	f.router = SetupRouter(h, ratelimit.NewSQLGuard(db, clk), cfg, log)
	return f
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *apiFixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func submitRequest(t *testing.T, account string, fields map[string]string, standing, outfit []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if standing != nil {
		fw, err := mw.CreateFormFile("standing", "me.png")
		require.NoError(t, err)
		_, _ = fw.Write(standing)
	}
	if outfit != nil {
		fw, err := mw.CreateFormFile("outfit", "top.jpg")
		require.NoError(t, err)
		_, _ = fw.Write(outfit)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generation/submit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Account-ID", account)
	return req
}

func (f *apiFixture) ensure(t *testing.T, account string) {
	t.Helper()
	w, _ := f.do(t, jsonRequest(http.MethodPost, "/api/v1/account/ensure", map[string]string{"account_id": account}))
	require.Equal(t, http.StatusOK, w.Code)
}

func (f *apiFixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestHealth(t *testing.T) {
	f := newAPI(t)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnsureAccountGrantsFreeTrialOnce(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")
	f.ensure(t, "acc-1")

	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/account/balance?account_id=acc-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, env.Data)["balance"])
}

func TestBalanceUnknownAccount(t *testing.T) {
	f := newAPI(t)
	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/account/balance?account_id=ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1005, env.Code)
}

func TestSubmitCompletes(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")

	w, env := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	job := decode(t, env.Data)
	assert.Equal(t, "completed", job["status"])
	assert.True(t, strings.HasPrefix(job["result_url"].(string), "https://cdn.test/"))
	assert.Equal(t, int64(1), f.balance(t, "acc-1"))
}

func TestSubmitProviderFailureRefunds(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")
	f.generator = provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return nil, &provider.Error{StatusCode: 503, Message: "overloaded"}
	})

	w, env := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 1006, env.Code)

	job := decode(t, env.Data)
	assert.Equal(t, "failed", job["status"])
	assert.Equal(t, true, job["refunded"])
	assert.Equal(t, int64(2), f.balance(t, "acc-1"))
}

func TestSubmitValidationLeavesBalance(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")

	w, env := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Message, "outfit photo is required")
	assert.Equal(t, int64(2), f.balance(t, "acc-1"))
}

func TestSubmitInsufficientBalance(t *testing.T) {
	f := newAPI(t, func(cfg *config.Config) { cfg.Business.FreeTrialCredits = 0 })
	f.ensure(t, "acc-1")

	w, env := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, 1003, env.Code)
}

func TestSubmitRateLimited(t *testing.T) {
	f := newAPI(t, func(cfg *config.Config) {
		cfg.RateLimit.Generation = config.LimitConfig{Limit: 1, WindowSeconds: 300}
	})
	f.ensure(t, "acc-1")

	w, _ := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	require.Equal(t, http.StatusOK, w.Code)

	w, env := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "300", w.Header().Get("Retry-After"))
	assert.Equal(t, 429, env.Code)
	assert.Equal(t, int64(1), f.balance(t, "acc-1"))
}

func TestAsyncSubmitDetailAndCancel(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")

	w, env := f.do(t, submitRequest(t, "acc-1", map[string]string{"async": "true"}, pngBytes, jpegBytes))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	jobNo := decode(t, env.Data)["job_no"].(string)
	assert.Equal(t, int64(1), f.balance(t, "acc-1"))

	w, env = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/generation/detail?job_no="+jobNo, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued", decode(t, env.Data)["status"])

	w, _ = f.do(t, jsonRequest(http.MethodPost, "/api/v1/generation/cancel", map[string]string{"account_id": "acc-1", "job_no": jobNo}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), f.balance(t, "acc-1"))

	w, env = f.do(t, jsonRequest(http.MethodPost, "/api/v1/generation/cancel", map[string]string{"account_id": "acc-1", "job_no": jobNo}))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 1002, env.Code)

	w, env = f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/generation/list?account_id=acc-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, env.Data)["total"])
}

func TestDetailHidesOtherAccountsJobs(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")

	_, env := f.do(t, submitRequest(t, "acc-1", map[string]string{"async": "true"}, pngBytes, jpegBytes))
	jobNo := decode(t, env.Data)["job_no"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/generation/detail?job_no="+jobNo, nil)
	req.Header.Set("X-Account-ID", "acc-2")
	w, _ := f.do(t, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func signed(t *testing.T, eventID string, metadata map[string]string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_test_1",
				"object":         "checkout.session",
				"payment_status": "paid",
				"metadata":       metadata,
			},
		},
	})
	require.NoError(t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func TestStripeWebhookIsIdempotent(t *testing.T) {
	f := newAPI(t)
	payload, header := signed(t, "evt_1", map[string]string{"account_id": "buyer", "credits": "50"})

	post := func() (*httptest.ResponseRecorder, envelope) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/webhook/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", header)
		return f.do(t, req)
	}

	w, env := post()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", decode(t, env.Data)["outcome"])
	assert.Equal(t, int64(50), f.balance(t, "buyer"))

	w, env = post()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1004, env.Code)
	assert.Equal(t, int64(50), f.balance(t, "buyer"))
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	f := newAPI(t)
	payload, _ := signed(t, "evt_1", map[string]string{"account_id": "buyer", "credits": "50"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/webhook/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w, env := f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1007, env.Code)

	_, err := f.ledger.GetBalance(context.Background(), "buyer")
	assert.True(t, errors.Is(err, service.ErrAccountNotFound))
}

func TestPaymentEventEnvelope(t *testing.T) {
	f := newAPI(t)
	payload, header := signed(t, "evt_2", map[string]string{"account_id": "buyer", "plan_key": "starter"})

	w, env := f.do(t, jsonRequest(http.MethodPost, "/api/v1/payment-events", map[string]string{
		"event_id":  "evt_2",
		"type":      "checkout.session.completed",
		"signature": header,
		"payload":   string(payload),
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "applied", decode(t, env.Data)["outcome"])
	assert.Equal(t, int64(10), f.balance(t, "buyer"))
}

func TestCheckoutDisabledWithoutKey(t *testing.T) {
	f := newAPI(t)
	w, env := f.do(t, jsonRequest(http.MethodPost, "/api/v1/payment/checkout", map[string]string{"account_id": "acc-1", "plan": "starter"}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 1010, env.Code)
}

const adminToken = "admin-secret"

func withAdminToken(cfg *config.Config) { cfg.Server.AdminToken = adminToken }

func TestAdminStats(t *testing.T) {
	f := newAPI(t, withAdminToken)
	f.ensure(t, "acc-1")
	w, _ := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	require.Equal(t, http.StatusOK, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/stats", nil)
	req.Header.Set("X-Admin-Token", adminToken)
	w, env := f.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, env.Data)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/processing", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w, _ = f.do(t, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newAPI(t, withAdminToken)

	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/failures", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 401, env.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/failures", nil)
	req.Header.Set("X-Admin-Token", "guess")
	w, env = f.do(t, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 403, env.Code)
}

func TestAdminNotServedWithoutConfiguredToken(t *testing.T) {
	f := newAPI(t)
	for _, path := range []string{"/api/v1/admin/stats", "/api/v1/admin/failures", "/api/v1/admin/processing"} {
		w, _ := f.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestStripeWebhookRejectsOversizedBody(t *testing.T) {
	f := newAPI(t)
	payload, header := signed(t, "evt_big", map[string]string{"account_id": "buyer", "credits": "50"})
	// trailing whitespace keeps the JSON valid
	padded := append(payload, bytes.Repeat([]byte(" "), maxWebhookBody)...)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payment/webhook/stripe", bytes.NewReader(padded))
	req.Header.Set("Stripe-Signature", header)
	w, env := f.do(t, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 413, env.Code)

	_, err := f.ledger.GetBalance(context.Background(), "buyer")
	assert.True(t, errors.Is(err, service.ErrAccountNotFound))
}

func TestPaymentEventRejectsOversizedPayload(t *testing.T) {
	f := newAPI(t)
	w, env := f.do(t, jsonRequest(http.MethodPost, "/api/v1/payment-events", map[string]string{
		"signature": "t=1,v1=deadbeef",
		"payload":   strings.Repeat("x", maxWebhookBody+1),
	}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, 413, env.Code)
}

func TestDetailListsJobLedgerEntries(t *testing.T) {
	f := newAPI(t)
	f.ensure(t, "acc-1")
	f.generator = provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return nil, &provider.Error{StatusCode: 500, Message: "boom"}
	})

	_, env := f.do(t, submitRequest(t, "acc-1", nil, pngBytes, jpegBytes))
	jobNo := decode(t, env.Data)["job_no"].(string)

	w, env := f.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/generation/detail?job_no="+jobNo, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var detail struct {
		Refunded bool `json:"refunded"`
		Ledger   []struct {
			Kind   string `json:"kind"`
			Amount int64  `json:"amount"`
		} `json:"ledger"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &detail))
	assert.True(t, detail.Refunded)
	require.Len(t, detail.Ledger, 2)
	assert.Equal(t, "debit", detail.Ledger[0].Kind)
	assert.Equal(t, int64(-1), detail.Ledger[0].Amount)
	assert.Equal(t, "refund", detail.Ledger[1].Kind)
	assert.Equal(t, int64(1), detail.Ledger[1].Amount)
}
