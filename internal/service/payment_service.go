package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"picfit/internal/clock"
	"picfit/internal/config"
	"picfit/internal/metrics"
	"picfit/internal/model"
	"picfit/internal/repository"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeRejected         Outcome = "rejected"
)

// PaymentEvent is a verified purchase notification.
type PaymentEvent struct {
	ID         string
	Type       string
	AccountRef string
	Email      string
	Credits    int64
	SessionID  string
	PlanKey    string
}

// CheckoutFunc creates a Stripe Checkout Session.
type CheckoutFunc func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)

// PaymentService applies payment events to the ledger at most once.
type PaymentService struct {
	db         *gorm.DB
	ledger     *LedgerService
	eventRepo  *repository.PaymentEventRepository
	cfg        *config.StripeConfig
	clock      clock.Clock
	newSession CheckoutFunc
	log        *zap.Logger
}

func NewPaymentService(db *gorm.DB, ledger *LedgerService, cfg *config.Config, clk clock.Clock, log *zap.Logger) *PaymentService {
	stripeCfg := cfg.Stripe
	return &PaymentService{
		db:         db,
		ledger:     ledger,
		eventRepo:  repository.NewPaymentEventRepository(db),
		cfg:        &stripeCfg,
		clock:      clk,
		newSession: defaultCheckout(stripeCfg.SecretKey),
		log:        log.Named("payment"),
	}
}

func defaultCheckout(secretKey string) CheckoutFunc {
	return func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		stripe.Key = secretKey
		return checkoutsession.New(params)
	}
}

// WithCheckoutFunc replaces the Stripe client call.
func (s *PaymentService) WithCheckoutFunc(fn CheckoutFunc) *PaymentService {
	s.newSession = fn
	return s
}

// HandleEvent records evt.ID as a fence and credits the purchase in one
// database transaction. A repeated id returns ErrAlreadyProcessed and
// touches nothing.
func (s *PaymentService) HandleEvent(ctx context.Context, evt PaymentEvent) (Outcome, error) {
	if evt.ID == "" || evt.AccountRef == "" || evt.Credits <= 0 {
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		s.log.Warn("malformed payment event",
			zap.String("event_id", evt.ID),
			zap.String("account_ref", evt.AccountRef),
			zap.Int64("credits", evt.Credits))
		return OutcomeRejected, ErrInvalidPayload
	}

	// replays are common; the insert fence below still decides under races
	if seen, err := s.eventRepo.Exists(ctx, evt.ID); err == nil && seen {
		return s.alreadyProcessed(evt)
	}

	var trans *model.LedgerTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.eventRepo.Insert(ctx, tx, &model.PaymentEvent{
			ExternalID:  evt.ID,
			Type:        evt.Type,
			AccountID:   evt.AccountRef,
			Credits:     evt.Credits,
			ProcessedAt: s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("record payment event: %w", err)
		}
		if !inserted {
			return ErrAlreadyProcessed
		}

		if _, err := s.ledger.EnsureAccountTx(ctx, tx, evt.AccountRef, evt.Email); err != nil {
			return err
		}

		ref := evt.ID
		desc := fmt.Sprintf("purchase %d credits", evt.Credits)
		if evt.SessionID != "" {
			desc += " session " + evt.SessionID
		}
		trans, err = s.ledger.CreditTx(ctx, tx, evt.AccountRef, evt.Credits, model.TransactionKindPurchase, desc, &ref)
		return err
	})

	switch {
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, gorm.ErrDuplicatedKey):
		return s.alreadyProcessed(evt)
	case err != nil:
		s.log.Error("apply payment event", zap.String("event_id", evt.ID), zap.Error(err))
		return "", err
	}

	metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeApplied)).Inc()
	s.log.Info("payment event applied",
		zap.String("event_id", evt.ID),
		zap.String("account_id", evt.AccountRef),
		zap.Int64("credits", evt.Credits),
		zap.Int64("balance_after", trans.BalanceAfter))
	return OutcomeApplied, nil
}

func (s *PaymentService) alreadyProcessed(evt PaymentEvent) (Outcome, error) {
	metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeAlreadyProcessed)).Inc()
	s.log.Info("payment event already processed", zap.String("event_id", evt.ID))
	return OutcomeAlreadyProcessed, ErrAlreadyProcessed
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

// Ingest verifies a Stripe webhook delivery and applies it. Verification
// fails closed: without a configured secret every delivery is rejected.
func (s *PaymentService) Ingest(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	if s.cfg.WebhookSecret == "" {
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		s.log.Warn("webhook rejected: signing secret not configured")
		return OutcomeRejected, fmt.Errorf("%w: signing secret not configured", ErrInvalidSignature)
	}

	tolerance := time.Duration(s.cfg.ToleranceSeconds) * time.Second
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		s.log.Warn("webhook rejected: signature verification failed", zap.Error(err))
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
	default:
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		s.log.Debug("webhook ignored", zap.String("event_id", event.ID), zap.String("type", string(event.Type)))
		return OutcomeIgnored, nil
	}

	if event.Data == nil {
		return OutcomeRejected, fmt.Errorf("%w: event has no data", ErrInvalidPayload)
	}
	var sess checkoutSessionObject
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch sess.PaymentStatus {
	case "", "paid", "no_payment_required":
	default:
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeIgnored)).Inc()
		s.log.Info("checkout completed without payment",
			zap.String("session_id", sess.ID),
			zap.String("payment_status", sess.PaymentStatus))
		return OutcomeIgnored, nil
	}

	evt, err := s.eventFromSession(string(event.Type), event.ID, &sess)
	if err != nil {
		metrics.PaymentEventsTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		s.log.Warn("webhook rejected: bad metadata", zap.String("event_id", event.ID), zap.Error(err))
		return OutcomeRejected, err
	}
	return s.HandleEvent(ctx, evt)
}

func (s *PaymentService) eventFromSession(eventType, eventID string, sess *checkoutSessionObject) (PaymentEvent, error) {
	meta := sess.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	evt := PaymentEvent{
		ID:        eventID,
		Type:      eventType,
		SessionID: sess.ID,
		PlanKey:   meta["plan_key"],
		Email:     sess.CustomerEmail,
	}
	if evt.Email == "" && sess.CustomerDetails != nil {
		evt.Email = sess.CustomerDetails.Email
	}

	for _, ref := range []string{meta["account_id"], meta["user_id"], sess.ClientReferenceID, strings.ToLower(evt.Email)} {
		if ref != "" {
			evt.AccountRef = ref
			break
		}
	}
	if evt.AccountRef == "" {
		return evt, fmt.Errorf("%w: no account reference", ErrInvalidPayload)
	}

	if raw := meta["credits"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return evt, fmt.Errorf("%w: credits %q", ErrInvalidPayload, raw)
		}
		evt.Credits = n
	} else if plan, ok := s.cfg.Plans[evt.PlanKey]; ok {
		evt.Credits = plan.Credits
	}
	if evt.Credits <= 0 {
		return evt, fmt.Errorf("%w: no credits", ErrInvalidPayload)
	}
	return evt, nil
}

type CheckoutSession struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Plan      string `json:"plan"`
	Credits   int64  `json:"credits"`
}

// CreateCheckout opens a Stripe Checkout Session for a credit plan. The
// credits travel in metadata and come back in checkout.session.completed.
func (s *PaymentService) CreateCheckout(ctx context.Context, accountID, email, planKey string) (*CheckoutSession, error) {
	if s.cfg.SecretKey == "" {
		return nil, ErrCheckoutDisabled
	}
	plan, ok := s.cfg.Plans[planKey]
	if !ok {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("%v: %q", ErrUnknownPlan, planKey)}}
	}
	if _, err := s.ledger.EnsureAccount(ctx, accountID, email); err != nil {
		return nil, err
	}

	name := plan.Name
	if name == "" {
		name = planKey
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(s.cfg.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("PicFit %s - %d credits", name, plan.Credits)),
					},
					UnitAmount: stripe.Int64(plan.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.Context = ctx
	params.AddMetadata("account_id", accountID)
	params.AddMetadata("plan_key", planKey)
	params.AddMetadata("credits", strconv.FormatInt(plan.Credits, 10))

	sess, err := s.newSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.log.Info("checkout session created",
		zap.String("account_id", accountID),
		zap.String("plan", planKey),
		zap.String("session_id", sess.ID))
	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL, Plan: planKey, Credits: plan.Credits}, nil
}
