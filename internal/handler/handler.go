package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"picfit/internal/config"
	"picfit/internal/model"
	"picfit/internal/ratelimit"
	"picfit/internal/service"
	"picfit/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Stripe recommends capping webhook bodies at 64KB.
const maxWebhookBody = 65536

// Handler holds every service the HTTP API talks to.
type Handler struct {
	ledger     *service.LedgerService
	payments   *service.PaymentService
	generation *service.GenerationService
	stats      *service.StatsService
	maxFile    int64
	log        *zap.Logger
}

func NewHandler(ledger *service.LedgerService, payments *service.PaymentService, generation *service.GenerationService, stats *service.StatsService, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		ledger:     ledger,
		payments:   payments,
		generation: generation,
		stats:      stats,
		maxFile:    cfg.Generation.MaxFileSize,
		log:        log.Named("http"),
	}
}

// writeError maps the service error taxonomy onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		response.BusinessError(c, http.StatusBadRequest, response.CodeParamError, verr.Error())
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidAmount):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrLedgerInconsistency):
		response.BusinessError(c, http.StatusInternalServerError, response.CodeLedgerInconsistency, "charge could not be reconciled, support has been notified")
	case errors.Is(err, service.ErrInsufficientBalance):
		response.BusinessError(c, http.StatusPaymentRequired, response.CodeBalanceNotEnough, "insufficient credits")
	case errors.Is(err, service.ErrAccountNotFound):
		response.NotFound(c, response.CodeAccountNotFound, "account not found")
	case errors.Is(err, service.ErrJobNotFound):
		response.NotFound(c, response.CodeJobNotFound, "job not found")
	case errors.Is(err, service.ErrJobStatusInvalid):
		response.BusinessError(c, http.StatusConflict, response.CodeJobStatusInvalid, err.Error())
	case errors.Is(err, service.ErrInvalidSignature):
		response.BusinessError(c, http.StatusBadRequest, response.CodeInvalidSignature, "invalid signature")
	case errors.Is(err, service.ErrInvalidPayload):
		response.BusinessError(c, http.StatusBadRequest, response.CodeInvalidPayload, err.Error())
	case errors.Is(err, service.ErrCheckoutDisabled):
		response.BusinessError(c, http.StatusServiceUnavailable, response.CodeCheckoutUnavailable, "checkout is not available")
	default:
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		response.ServerError(c, "internal error")
	}
}

func accountID(c *gin.Context) string {
	return ratelimit.ByAccount(c)
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return page, pageSize
}

// ============================================================
// Accounts
// ============================================================

type EnsureAccountRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Email     string `json:"email"`
}

// EnsureAccount registers first contact and grants the free trial once.
// POST /api/v1/account/ensure
func (h *Handler) EnsureAccount(c *gin.Context) {
	var req EnsureAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	account, err := h.ledger.EnsureAccount(c.Request.Context(), req.AccountID, req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id":      account.AccountID,
		"balance":         account.Balance,
		"free_trial_used": account.FreeTrialUsed,
	})
}

// GetBalance
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	id := accountID(c)
	if id == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	account, err := h.ledger.GetAccount(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"account_id": account.AccountID,
		"balance":    account.Balance,
		"cost":       h.generation.Cost(),
	})
}

// ListTransactions
// GET /api/v1/account/transactions?account_id=xxx&page=1&page_size=20
func (h *Handler) ListTransactions(c *gin.Context) {
	id := accountID(c)
	if id == "" {
		response.ParamError(c, "account_id is required")
		return
	}
	page, pageSize := pageParams(c)

	list, total, err := h.ledger.ListTransactions(c.Request.Context(), id, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":  list,
		"total": total,
		"page":  page,
	})
}

// ============================================================
// Generation
// ============================================================

type jobView struct {
	JobNo         string     `json:"job_no"`
	Status        string     `json:"status"`
	Cost          int64      `json:"cost"`
	ProgressStage string     `json:"progress_stage"`
	ResultURL     string     `json:"result_url,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ProcessingMs  int64      `json:"processing_ms,omitempty"`
	Refunded      bool       `json:"refunded,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	Ledger []*model.LedgerTransaction `json:"ledger,omitempty"`
}

func (h *Handler) view(job *model.GenerationJob) jobView {
	v := jobView{
		JobNo:         job.JobNo,
		Status:        job.Status,
		Cost:          job.Cost,
		ProgressStage: job.ProgressStage,
		ErrorMessage:  job.ErrorMessage,
		ProcessingMs:  job.ProcessingMs,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
	}
	if job.ResultRef != "" {
		v.ResultURL = h.generation.ResultURL(job)
	}
	// failed and cancelled jobs are refunded in the same transaction as the status change
	v.Refunded = job.Status == model.JobStatusFailed || job.Status == model.JobStatusCancelled
	return v
}

func (h *Handler) readUpload(fh *multipart.FileHeader) (service.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return service.Upload{}, err
	}
	defer f.Close()

	// one byte over the limit is enough for validation to reject it
	data, err := io.ReadAll(io.LimitReader(f, h.maxFile+1))
	if err != nil {
		return service.Upload{}, err
	}
	return service.Upload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// Submit takes standing photos and one outfit photo as multipart fields
// "standing" (repeatable) and "outfit". With async=true the job is queued
// and 202 is returned.
// POST /api/v1/generation/submit
func (h *Handler) Submit(c *gin.Context) {
	id := accountID(c)
	if id == "" {
		response.ParamError(c, "account_id is required")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		response.ParamError(c, "multipart form expected: "+err.Error())
		return
	}

	in := service.Inputs{Prompt: c.PostForm("prompt")}
	for _, fh := range form.File["standing"] {
		up, err := h.readUpload(fh)
		if err != nil {
			response.ParamError(c, fmt.Sprintf("read %s: %v", fh.Filename, err))
			return
		}
		in.Standing = append(in.Standing, up)
	}
	if files := form.File["outfit"]; len(files) > 0 {
		if len(files) > 1 {
			response.ParamError(c, "exactly one outfit photo is allowed")
			return
		}
		up, err := h.readUpload(files[0])
		if err != nil {
			response.ParamError(c, fmt.Sprintf("read %s: %v", files[0].Filename, err))
			return
		}
		in.Outfit = &up
	}

	ctx := c.Request.Context()
	if async, _ := strconv.ParseBool(c.PostForm("async")); async {
		job, _, err := h.generation.Enqueue(ctx, id, in)
		if err != nil {
			h.writeError(c, err)
			return
		}
		response.Status(c, http.StatusAccepted, response.CodeSuccess, "queued", h.view(job))
		return
	}

	job, err := h.generation.Submit(ctx, id, in)
	switch {
	case err == nil:
		response.Success(c, h.view(job))
	case job != nil && job.Status == model.JobStatusFailed && !errors.Is(err, service.ErrLedgerInconsistency):
		response.Status(c, http.StatusBadGateway, response.CodeGenerationFailed, "generation failed, credits refunded", h.view(job))
	case job != nil && job.Status == model.JobStatusCompleted:
		response.Success(c, h.view(job))
	default:
		h.writeError(c, err)
	}
}

// GetJob
// GET /api/v1/generation/detail?job_no=xxx
func (h *Handler) GetJob(c *gin.Context) {
	jobNo := c.Query("job_no")
	if jobNo == "" {
		response.ParamError(c, "job_no is required")
		return
	}

	job, err := h.generation.GetJob(c.Request.Context(), jobNo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if id := accountID(c); id != "" && id != job.AccountID {
		h.writeError(c, service.ErrJobNotFound)
		return
	}

	entries, err := h.ledger.JobEntries(c.Request.Context(), job.JobNo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	v := h.view(job)
	v.Ledger = entries
	v.Refunded = false
	for _, e := range entries {
		if e.Kind == model.TransactionKindRefund {
			v.Refunded = true
		}
	}
	response.Success(c, v)
}

// ListJobs
// GET /api/v1/generation/list?account_id=xxx&page=1&page_size=20
func (h *Handler) ListJobs(c *gin.Context) {
	id := accountID(c)
	if id == "" {
		response.ParamError(c, "account_id is required")
		return
	}
	page, pageSize := pageParams(c)

	jobs, total, err := h.generation.ListJobs(c.Request.Context(), id, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	list := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		list = append(list, h.view(job))
	}
	response.Success(c, gin.H{
		"list":  list,
		"total": total,
		"page":  page,
	})
}

type CancelJobRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	JobNo     string `json:"job_no" binding:"required"`
}

// CancelJob refunds a job that has not started yet.
// POST /api/v1/generation/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	var req CancelJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	job, err := h.generation.Cancel(c.Request.Context(), req.AccountID, req.JobNo)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, h.view(job))
}

// ============================================================
// Payments
// ============================================================

type CheckoutRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Email     string `json:"email"`
	Plan      string `json:"plan" binding:"required"`
}

// CreateCheckout
// POST /api/v1/payment/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	sess, err := h.payments.CreateCheckout(c.Request.Context(), req.AccountID, req.Email, req.Plan)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, sess)
}

func (h *Handler) ingest(c *gin.Context, payload []byte, signature string) {
	outcome, err := h.payments.Ingest(c.Request.Context(), payload, signature)
	switch {
	case err == nil:
		response.Success(c, gin.H{"outcome": outcome})
	case errors.Is(err, service.ErrAlreadyProcessed):
		// acknowledged so the sender stops retrying
		response.Status(c, http.StatusOK, response.CodeAlreadyProcessed, "already processed", gin.H{"outcome": outcome})
	default:
		h.writeError(c, err)
	}
}

// StripeWebhook verifies the Stripe-Signature header over the raw body.
// POST /api/v1/payment/webhook/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		if bodyTooLarge(err) {
			response.Status(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "webhook body too large", nil)
			return
		}
		response.ParamError(c, "read body: "+err.Error())
		return
	}
	h.ingest(c, payload, c.GetHeader("Stripe-Signature"))
}

func bodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// PaymentEventRequest carries a signed provider event. Signature is the
// provider's signature header and Payload the exact bytes it signed.
type PaymentEventRequest struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Signature string `json:"signature" binding:"required"`
	Payload   string `json:"payload" binding:"required"`
}

// PaymentEvent
// POST /api/v1/payment-events
func (h *Handler) PaymentEvent(c *gin.Context) {
	// the envelope JSON-escapes the signed payload, so allow for the overhead
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 2*maxWebhookBody)
	var req PaymentEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if bodyTooLarge(err) {
			response.Status(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "event body too large", nil)
			return
		}
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if len(req.Payload) > maxWebhookBody {
		response.Status(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "event payload too large", nil)
		return
	}
	h.ingest(c, []byte(req.Payload), req.Signature)
}

// ============================================================
// Admin
// ============================================================

// Stats
// GET /api/v1/admin/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.stats.JobStats(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, stats)
}

// RecentFailures
// GET /api/v1/admin/failures?limit=20
func (h *Handler) RecentFailures(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := h.stats.RecentFailures(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, jobs)
}

// Processing
// GET /api/v1/admin/processing
func (h *Handler) Processing(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := h.stats.Processing(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, jobs)
}
