package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"picfit/internal/clock"
	"picfit/internal/config"
	"picfit/internal/metrics"
	"picfit/internal/model"
	"picfit/internal/provider"
	"picfit/internal/repository"
	"picfit/internal/storage"
	"picfit/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Upload is one user-supplied image.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Inputs is what a user submits for one try-on.
type Inputs struct {
	Standing []Upload
	Outfit   *Upload
	Prompt   string
}

type storedInputs struct {
	Standing []storedImage `json:"standing"`
	Outfit   storedImage   `json:"outfit"`
}

type storedImage struct {
	Locator     string `json:"locator"`
	ContentType string `json:"content_type"`
}

type generationEvent struct {
	JobNo        string `json:"job_no"`
	AccountID    string `json:"account_id"`
	Status       string `json:"status"`
	Cost         int64  `json:"cost"`
	ResultRef    string `json:"result_ref,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ProcessingMs int64  `json:"processing_ms,omitempty"`
	Refunded     bool   `json:"refunded,omitempty"`
}

// GenerationService drives a job from debit to a terminal status. Every
// job that was debited and does not complete gets exactly one refund.
type GenerationService struct {
	db           *gorm.DB
	ledger       *LedgerService
	jobRepo      *repository.JobRepository
	outboxRepo   *repository.OutboxRepository
	generator    provider.Generator
	store        storage.Store
	clock        clock.Clock
	cost         int64
	timeout      time.Duration
	dedupWindow  time.Duration
	limits       config.GenerationConfig
	allowedTypes map[string]bool
	topic        string
	log          *zap.Logger
}

func NewGenerationService(db *gorm.DB, ledger *LedgerService, generator provider.Generator, store storage.Store, cfg *config.Config, clk clock.Clock, log *zap.Logger) *GenerationService {
	allowed := make(map[string]bool, len(cfg.Generation.AllowedTypes))
	for _, t := range cfg.Generation.AllowedTypes {
		allowed[t] = true
	}
	return &GenerationService{
		db:           db,
		ledger:       ledger,
		jobRepo:      repository.NewJobRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
		generator:    generator,
		store:        store,
		clock:        clk,
		cost:         cfg.Business.GenerationCost,
		timeout:      cfg.Generation.ProviderTimeout(),
		dedupWindow:  time.Duration(cfg.Business.DedupWindowMinutes) * time.Minute,
		limits:       cfg.Generation,
		allowedTypes: allowed,
		topic:        kafkaTopic(cfg, cfg.Kafka.Topic.GenerationEvents),
		log:          log.Named("orchestrator"),
	}
}

func (s *GenerationService) Cost() int64 { return s.cost }

// Validate checks counts, sizes and sniffed content types. It never
// touches the ledger.
func (s *GenerationService) Validate(in Inputs) error {
	verr := &ValidationError{}

	if len(in.Standing) == 0 {
		verr.add("at least one standing photo is required")
	}
	if len(in.Standing) > s.limits.MaxStandingPhotos {
		verr.add("at most %d standing photos are allowed", s.limits.MaxStandingPhotos)
	}
	for i := range in.Standing {
		s.checkUpload(verr, fmt.Sprintf("standing photo %d", i+1), &in.Standing[i])
	}
	if in.Outfit == nil {
		verr.add("outfit photo is required")
	} else {
		s.checkUpload(verr, "outfit photo", in.Outfit)
	}

	return verr.orNil()
}

func (s *GenerationService) checkUpload(verr *ValidationError, label string, u *Upload) {
	if len(u.Data) == 0 {
		verr.add("%s is empty", label)
		return
	}
	if int64(len(u.Data)) > s.limits.MaxFileSize {
		verr.add("%s exceeds %d bytes", label, s.limits.MaxFileSize)
	}
	sniffed := http.DetectContentType(u.Data)
	if !s.allowedTypes[sniffed] {
		verr.add("%s has unsupported type %s", label, sniffed)
		return
	}
	u.ContentType = sniffed
}

func hashInputs(in Inputs) string {
	h := sha256.New()
	for _, u := range in.Standing {
		h.Write([]byte(u.ContentType))
		h.Write(u.Data)
	}
	if in.Outfit != nil {
		h.Write([]byte("outfit"))
		h.Write(in.Outfit.Data)
	}
	h.Write([]byte(in.Prompt))
	return hex.EncodeToString(h.Sum(nil))
}

func (r storedInputs) locators() []string {
	out := make([]string, 0, len(r.Standing)+1)
	for _, img := range r.Standing {
		out = append(out, img.Locator)
	}
	if r.Outfit.Locator != "" {
		out = append(out, r.Outfit.Locator)
	}
	return out
}

func (s *GenerationService) storeInputs(ctx context.Context, in Inputs) (string, error) {
	var refs storedInputs
	for _, u := range in.Standing {
		loc, err := s.store.Put(ctx, "inputs", u.Data, u.ContentType)
		if err != nil {
			s.deleteBlobs(ctx, refs.locators())
			return "", fmt.Errorf("store input: %w", err)
		}
		refs.Standing = append(refs.Standing, storedImage{Locator: loc, ContentType: u.ContentType})
	}
	loc, err := s.store.Put(ctx, "inputs", in.Outfit.Data, in.Outfit.ContentType)
	if err != nil {
		s.deleteBlobs(ctx, refs.locators())
		return "", fmt.Errorf("store input: %w", err)
	}
	refs.Outfit = storedImage{Locator: loc, ContentType: in.Outfit.ContentType}

	raw, err := json.Marshal(refs)
	if err != nil {
		s.deleteBlobs(ctx, refs.locators())
		return "", err
	}
	return string(raw), nil
}

// discardInputs removes the blobs behind a job's input refs. Inputs are
// only needed until the job is picked up, so every terminal transition
// and every rejected enqueue calls it.
func (s *GenerationService) discardInputs(ctx context.Context, raw string) {
	if raw == "" {
		return
	}
	var refs storedInputs
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		s.log.Warn("decode input refs for cleanup", zap.Error(err))
		return
	}
	s.deleteBlobs(ctx, refs.locators())
}

func (s *GenerationService) deleteBlobs(ctx context.Context, locators []string) {
	ctx = context.WithoutCancel(ctx)
	for _, loc := range locators {
		if loc == "" {
			continue
		}
		if err := s.store.Delete(ctx, loc); err != nil {
			s.log.Warn("delete blob", zap.String("locator", loc), zap.Error(err))
		}
	}
}

func (s *GenerationService) loadInputs(ctx context.Context, job *model.GenerationJob) (provider.Request, error) {
	var refs storedInputs
	if err := json.Unmarshal([]byte(job.InputRefs), &refs); err != nil {
		return provider.Request{}, fmt.Errorf("decode input refs: %w", err)
	}
	req := provider.Request{Prompt: job.Prompt}
	for _, ref := range refs.Standing {
		data, err := s.store.Get(ctx, ref.Locator)
		if err != nil {
			return provider.Request{}, fmt.Errorf("load input %s: %w", ref.Locator, err)
		}
		req.Standing = append(req.Standing, provider.Image{Data: data, ContentType: ref.ContentType})
	}
	data, err := s.store.Get(ctx, refs.Outfit.Locator)
	if err != nil {
		return provider.Request{}, fmt.Errorf("load input %s: %w", refs.Outfit.Locator, err)
	}
	req.Outfit = provider.Image{Data: data, ContentType: refs.Outfit.ContentType}
	return req, nil
}

func toRequest(in Inputs) provider.Request {
	req := provider.Request{Prompt: in.Prompt}
	for _, u := range in.Standing {
		req.Standing = append(req.Standing, provider.Image{Data: u.Data, ContentType: u.ContentType})
	}
	req.Outfit = provider.Image{Data: in.Outfit.Data, ContentType: in.Outfit.ContentType}
	return req
}

func (s *GenerationService) publish(ctx context.Context, tx *gorm.DB, job *model.GenerationJob, refunded bool) error {
	return s.outboxRepo.Enqueue(ctx, tx, s.topic, job.JobNo+":"+job.Status, generationEvent{
		JobNo:        job.JobNo,
		AccountID:    job.AccountID,
		Status:       job.Status,
		Cost:         job.Cost,
		ResultRef:    job.ResultRef,
		ErrorMessage: job.ErrorMessage,
		ProcessingMs: job.ProcessingMs,
		Refunded:     refunded,
	})
}

// Enqueue validates, persists the inputs, then debits and creates the
// queued job in one transaction, so there is never a debit without a job.
// Identical inputs from the same account inside the dedup window return
// the existing job with created=false and no new debit.
func (s *GenerationService) Enqueue(ctx context.Context, accountID string, in Inputs) (*model.GenerationJob, bool, error) {
	return s.create(ctx, accountID, in, false)
}

// create debits and inserts the job. An inline job is inserted already
// processing and owned by the caller, so the queue worker never sees it
// and its inputs are never written to the store.
func (s *GenerationService) create(ctx context.Context, accountID string, in Inputs, inline bool) (*model.GenerationJob, bool, error) {
	if err := s.Validate(in); err != nil {
		return nil, false, err
	}

	hash := hashInputs(in)
	if existing, err := s.findDuplicate(ctx, nil, accountID, hash); err != nil || existing != nil {
		return existing, false, err
	}

	var refs string
	if !inline {
		var err error
		if refs, err = s.storeInputs(ctx, in); err != nil {
			return nil, false, err
		}
	}

	var (
		job     *model.GenerationJob
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findDuplicate(ctx, tx, accountID, hash)
		if err != nil {
			return err
		}
		if existing != nil {
			job = existing
			return nil
		}

		jobNo := idgen.GenerateJobNo()
		if _, err := s.ledger.DebitTx(ctx, tx, accountID, s.cost, "generation "+jobNo, &jobNo); err != nil {
			return err
		}

		now := s.clock.Now()
		job = &model.GenerationJob{
			JobNo:         jobNo,
			AccountID:     accountID,
			Status:        model.JobStatusQueued,
			Cost:          s.cost,
			InputHash:     hash,
			InputRefs:     refs,
			Prompt:        in.Prompt,
			ProgressStage: model.StageQueued,
			CreatedAt:     now,
		}
		if inline {
			job.Status = model.JobStatusProcessing
			job.ProgressStage = model.StageGenerating
			job.StartedAt = &now
		}
		if err := s.jobRepo.Create(ctx, tx, job); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		created = true
		return s.publish(ctx, tx, job, false)
	})
	if err != nil || !created {
		s.discardInputs(ctx, refs)
	}
	if err != nil {
		return nil, false, err
	}

	if created {
		metrics.JobsTotal.WithLabelValues(job.Status).Inc()
		s.log.Info("job created",
			zap.String("job_no", job.JobNo),
			zap.String("account_id", accountID),
			zap.String("status", job.Status),
			zap.Int64("cost", s.cost))
	}
	return job, created, nil
}

func (s *GenerationService) findDuplicate(ctx context.Context, tx *gorm.DB, accountID, hash string) (*model.GenerationJob, error) {
	if s.dedupWindow <= 0 {
		return nil, nil
	}
	return s.jobRepo.FindRecentByHash(ctx, tx, accountID, hash, s.clock.Now().Add(-s.dedupWindow))
}

// Submit runs a generation synchronously. On provider failure the job is
// returned as failed together with an error wrapping *provider.Error, after
// the refund has been committed.
func (s *GenerationService) Submit(ctx context.Context, accountID string, in Inputs) (*model.GenerationJob, error) {
	job, created, err := s.create(ctx, accountID, in, true)
	if err != nil {
		return nil, err
	}
	if !created {
		return job, nil
	}
	return s.execute(ctx, job, toRequest(in))
}

// ProcessQueued claims up to limit queued jobs and runs them one by one.
func (s *GenerationService) ProcessQueued(ctx context.Context, limit int) (int, error) {
	jobs, err := s.jobRepo.GetQueuedJobs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}

	processed := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := s.claim(ctx, job); err != nil {
			// cancelled or taken by another worker; a non-conflict error leaves it queued
			if !errors.Is(err, ErrJobStatusInvalid) {
				s.log.Warn("claim queued job", zap.String("job_no", job.JobNo), zap.Error(err))
			}
			continue
		}
		req, loadErr := s.loadInputs(ctx, job)
		if loadErr != nil {
			_, _ = s.fail(ctx, job, loadErr, "inputs unavailable")
		} else {
			_, _ = s.execute(ctx, job, req)
		}
		processed++
	}
	return processed, nil
}

func (s *GenerationService) claim(ctx context.Context, job *model.GenerationJob) error {
	now := s.clock.Now()
	err := s.jobRepo.Transition(ctx, nil, job.JobNo, model.JobStatusQueued, model.JobStatusProcessing, map[string]interface{}{
		"started_at":     now,
		"progress_stage": model.StageGenerating,
	})
	if err != nil {
		if errors.Is(err, repository.ErrJobStatusInvalid) {
			return ErrJobStatusInvalid
		}
		return fmt.Errorf("claim job: %w", err)
	}
	job.Status = model.JobStatusProcessing
	job.StartedAt = &now
	job.ProgressStage = model.StageGenerating
	metrics.JobsTotal.WithLabelValues(model.JobStatusProcessing).Inc()
	return nil
}

// execute drives a processing job owned by the caller to a terminal status.
func (s *GenerationService) execute(ctx context.Context, job *model.GenerationJob, req provider.Request) (*model.GenerationJob, error) {
	image, err := s.callProvider(ctx, req)
	if err != nil {
		return s.fail(ctx, job, err, "provider")
	}

	if err := s.jobRepo.SetStage(ctx, job.JobNo, model.StageStoring); err != nil {
		s.log.Warn("set progress stage",
			zap.String("job_no", job.JobNo),
			zap.String("stage", model.StageStoring),
			zap.Error(err))
	}
	locator, err := s.store.Put(ctx, "results", image.Data, image.ContentType)
	if err != nil {
		return s.fail(ctx, job, fmt.Errorf("store result: %w", err), "storage")
	}

	return s.complete(ctx, job, locator)
}

func (s *GenerationService) callProvider(ctx context.Context, req provider.Request) (image *provider.Image, err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &provider.Error{Message: fmt.Sprintf("panic: %v", r)}
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ProviderDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	image, err = s.generator.Generate(callCtx, req)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}
	if err != nil {
		return nil, provider.Wrap(err)
	}
	if image == nil || len(image.Data) == 0 {
		return nil, &provider.Error{Message: "empty image"}
	}
	return image, nil
}

func (s *GenerationService) complete(ctx context.Context, job *model.GenerationJob, locator string) (*model.GenerationJob, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()
	elapsed := now.Sub(*job.StartedAt).Milliseconds()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.jobRepo.Transition(ctx, tx, job.JobNo, model.JobStatusProcessing, model.JobStatusCompleted, map[string]interface{}{
			"result_ref":     locator,
			"completed_at":   now,
			"processing_ms":  elapsed,
			"progress_stage": model.StageDone,
		})
		if err != nil {
			return err
		}
		job.Status = model.JobStatusCompleted
		job.ResultRef = locator
		job.CompletedAt = &now
		job.ProcessingMs = elapsed
		job.ProgressStage = model.StageDone
		return s.publish(ctx, tx, job, false)
	})

	switch {
	case errors.Is(err, repository.ErrJobStatusInvalid):
		// resolved elsewhere (the reconciler failed and refunded it)
		s.log.Warn("job resolved before completion", zap.String("job_no", job.JobNo))
		s.deleteBlobs(ctx, []string{locator})
		return s.reload(ctx, job), ErrJobStatusInvalid
	case err != nil:
		s.deleteBlobs(ctx, []string{locator})
		return s.fail(ctx, job, fmt.Errorf("complete job: %w", err), "storage")
	}

	s.discardInputs(ctx, job.InputRefs)
	metrics.JobsTotal.WithLabelValues(model.JobStatusCompleted).Inc()
	s.log.Info("job completed",
		zap.String("job_no", job.JobNo),
		zap.String("account_id", job.AccountID),
		zap.Int64("processing_ms", elapsed))
	return job, nil
}

// fail marks a processing job failed and refunds it in one transaction.
// It runs detached from ctx cancellation: a timed-out request still refunds.
func (s *GenerationService) fail(ctx context.Context, job *model.GenerationJob, cause error, reason string) (*model.GenerationJob, error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()

	var elapsed int64
	if job.StartedAt != nil {
		elapsed = now.Sub(*job.StartedAt).Milliseconds()
	}

	message := cause.Error()
	err := s.failAndRefundTx(ctx, job, model.JobStatusProcessing, message, now, elapsed)

	switch {
	case errors.Is(err, repository.ErrJobStatusInvalid):
		s.log.Warn("job resolved before failure", zap.String("job_no", job.JobNo), zap.Error(cause))
		return s.reload(ctx, job), cause
	case err != nil:
		incErr := &LedgerInconsistencyError{
			AccountID: job.AccountID,
			JobNo:     job.JobNo,
			Reason:    "refund failed after debit",
			Err:       err,
		}
		metrics.LedgerInconsistencyTotal.Inc()
		s.log.Error("refund failed",
			zap.Bool("alert", true),
			zap.String("job_no", job.JobNo),
			zap.String("account_id", job.AccountID),
			zap.Int64("amount", job.Cost),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return job, errors.Join(cause, incErr)
	}

	job.Status = model.JobStatusFailed
	job.ErrorMessage = message
	job.CompletedAt = &now
	job.ProcessingMs = elapsed
	s.discardInputs(ctx, job.InputRefs)

	metrics.JobsTotal.WithLabelValues(model.JobStatusFailed).Inc()
	metrics.RefundsTotal.WithLabelValues(reason).Inc()
	s.log.Warn("job failed, credits refunded",
		zap.String("job_no", job.JobNo),
		zap.String("account_id", job.AccountID),
		zap.String("reason", reason),
		zap.Error(cause))
	return job, cause
}

// failAndRefundTx is shared with the reconciler: the conditional status
// update claims the job, so only the claimant refunds.
func (s *GenerationService) failAndRefundTx(ctx context.Context, job *model.GenerationJob, from, message string, now time.Time, elapsed int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.jobRepo.Transition(ctx, tx, job.JobNo, from, model.JobStatusFailed, map[string]interface{}{
			"error_message":  message,
			"completed_at":   now,
			"processing_ms":  elapsed,
			"progress_stage": model.StageDone,
		})
		if err != nil {
			return err
		}
		if err := s.refundTx(ctx, tx, job, "refund "+job.JobNo); err != nil {
			return err
		}
		failed := *job
		failed.Status = model.JobStatusFailed
		failed.ErrorMessage = message
		return s.publish(ctx, tx, &failed, true)
	})
}

func (s *GenerationService) refundTx(ctx context.Context, tx *gorm.DB, job *model.GenerationJob, description string) error {
	ref := job.JobNo
	_, err := s.ledger.CreditTx(ctx, tx, job.AccountID, job.Cost, model.TransactionKindRefund, description, &ref)
	return err
}

// Cancel stops a queued job and refunds it.
func (s *GenerationService) Cancel(ctx context.Context, accountID, jobNo string) (*model.GenerationJob, error) {
	job, err := s.GetJob(ctx, jobNo)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, ErrJobNotFound
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.jobRepo.Transition(ctx, tx, jobNo, model.JobStatusQueued, model.JobStatusCancelled, map[string]interface{}{
			"completed_at":   now,
			"progress_stage": model.StageDone,
		})
		if err != nil {
			return err
		}
		if err := s.refundTx(ctx, tx, job, "cancel "+jobNo); err != nil {
			return err
		}
		job.Status = model.JobStatusCancelled
		job.CompletedAt = &now
		return s.publish(ctx, tx, job, true)
	})
	if err != nil {
		if errors.Is(err, repository.ErrJobStatusInvalid) {
			return nil, ErrJobStatusInvalid
		}
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	s.discardInputs(ctx, job.InputRefs)

	metrics.JobsTotal.WithLabelValues(model.JobStatusCancelled).Inc()
	metrics.RefundsTotal.WithLabelValues("cancelled").Inc()
	s.log.Info("job cancelled", zap.String("job_no", jobNo), zap.String("account_id", accountID))
	return job, nil
}

func (s *GenerationService) GetJob(ctx context.Context, jobNo string) (*model.GenerationJob, error) {
	job, err := s.jobRepo.GetByJobNo(ctx, nil, jobNo)
	if err != nil {
		if errors.Is(err, repository.ErrJobNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *GenerationService) ListJobs(ctx context.Context, accountID string, page, pageSize int) ([]*model.GenerationJob, int64, error) {
	page, pageSize = normalizePage(page, pageSize)
	return s.jobRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

// ResultURL resolves the job's result locator.
func (s *GenerationService) ResultURL(job *model.GenerationJob) string {
	return s.store.Resolve(job.ResultRef)
}

func (s *GenerationService) reload(ctx context.Context, job *model.GenerationJob) *model.GenerationJob {
	fresh, err := s.jobRepo.GetByJobNo(ctx, nil, job.JobNo)
	if err != nil {
		return job
	}
	return fresh
}
