package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"picfit/internal/clock"
	"picfit/internal/config"
	"picfit/internal/infrastructure/database"
	"picfit/internal/model"
	"picfit/internal/provider"
	"picfit/internal/storage"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var dbSeq int64

var (
	pngHeader  = []byte("\x89PNG\r\n\x1a\n")
	jpegHeader = []byte("\xff\xd8\xff\xe0")
)

func pngImage(body string) []byte  { return append(append([]byte{}, pngHeader...), body...) }
func jpegImage(body string) []byte { return append(append([]byte{}, jpegHeader...), body...) }

func testConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{
			GenerationCost:         1,
			FreeTrialCredits:       0,
			StuckJobTimeoutMinutes: 10,
		},
		Generation: config.GenerationConfig{
			MaxFileSize:            1024,
			MaxStandingPhotos:      5,
			AllowedTypes:           []string{"image/jpeg", "image/png", "image/webp"},
			ProviderTimeoutSeconds: 5,
		},
		Stripe: config.StripeConfig{
			WebhookSecret:    "whsec_test_secret",
			ToleranceSeconds: 300,
			Currency:         "usd",
			Plans: map[string]config.PlanConfig{
				"starter": {Name: "Starter", Credits: 10, PriceCents: 900},
				"popular": {Name: "Popular", Credits: 50, PriceCents: 2900},
			},
		},
	}
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	clock      *clock.FakeClock
	store      *storage.MemoryStore
	generator  provider.Generator
	ledger     *LedgerService
	payments   *PaymentService
	generation *GenerationService
	reconciler *ReconcilerService
	stats      *StatsService
}

type envOption func(*config.Config)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenMemory(fmt.Sprintf("%s_%d", name, atomic.AddInt64(&dbSeq, 1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	cfg := testConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	env := &testEnv{
		db:    db,
		cfg:   cfg,
		clock: clock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)),
		store: storage.NewMemoryStore("https://cdn.test/generated"),
	}
	env.generator = okGenerator()

	log := zaptest.NewLogger(t)
	env.ledger = NewLedgerService(db, cfg, log)
	env.payments = NewPaymentService(db, env.ledger, cfg, env.clock, log)
	env.generation = NewGenerationService(db, env.ledger, provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return env.generator.Generate(ctx, req)
	}), env.store, cfg, env.clock, log)
	env.reconciler = NewReconcilerService(env.generation, env.clock, log)
	env.stats = NewStatsService(db, env.clock)
	return env
}

func okGenerator() provider.Generator {
	return provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return &provider.Image{Data: pngImage("result"), ContentType: "image/png"}, nil
	})
}

func failingGenerator(err error) provider.Generator {
	return provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		return nil, err
	})
}

func blockingGenerator() provider.Generator {
	return provider.GeneratorFunc(func(ctx context.Context, req provider.Request) (*provider.Image, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func validInputs() Inputs {
	return Inputs{
		Standing: []Upload{{Name: "me.png", Data: pngImage("standing-1")}},
		Outfit:   &Upload{Name: "dress.jpg", Data: jpegImage("outfit")},
	}
}

// fund creates the account and credits it through the ledger so the
// balance invariant holds from the start.
func (e *testEnv) fund(t *testing.T, accountID string, credits int64) {
	t.Helper()
	_, err := e.ledger.EnsureAccount(context.Background(), accountID, "")
	require.NoError(t, err)
	if credits > 0 {
		_, err = e.ledger.GrantBonus(context.Background(), accountID, credits, "test funding")
		require.NoError(t, err)
	}
}

func (e *testEnv) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) assertInvariant(t *testing.T, accountID string) {
	t.Helper()
	require.NoError(t, e.ledger.VerifyBalance(context.Background(), accountID))
}

func (e *testEnv) transactions(t *testing.T, kind, ref string) []*model.LedgerTransaction {
	t.Helper()
	entries, err := e.ledger.JobEntries(context.Background(), ref)
	require.NoError(t, err)
	var list []*model.LedgerTransaction
	for _, entry := range entries {
		if entry.Kind == kind {
			list = append(list, entry)
		}
	}
	return list
}
