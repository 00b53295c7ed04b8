package job

import (
	"context"
	"sync"
	"time"

	"picfit/internal/config"
	"picfit/internal/infrastructure/mq"
	"picfit/internal/model"
	"picfit/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender ships pending outbox rows to Kafka. Delivery is at least
// once; consumers dedupe on the message key.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	maxRetry   int
	interval   time.Duration
	batchSize  int
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        *zap.Logger
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config, log *zap.Logger) *OutboxSender {
	maxRetry := cfg.Business.MaxRetryCount
	if maxRetry <= 0 {
		maxRetry = 5
	}
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		maxRetry:   maxRetry,
		interval:   500 * time.Millisecond,
		batchSize:  100,
		stopCh:     make(chan struct{}),
		log:        log.Named("outbox"),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.log.Info("outbox sender started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("outbox sender exiting")
			return
		case <-s.stopCh:
			s.log.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce sends one batch and returns how many messages were delivered.
func (s *OutboxSender) RunOnce(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.log.Error("load pending messages", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.send(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) send(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.publisher.Publish(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			// the message goes out again next tick
			s.log.Error("mark message sent", zap.Int64("id", msg.ID), zap.Error(err))
		}
		return true
	}

	parked, rerr := s.outboxRepo.RecordFailure(ctx, msg, s.maxRetry)
	if rerr != nil {
		s.log.Error("record send failure", zap.Int64("id", msg.ID), zap.Error(rerr))
		return false
	}
	if parked {
		s.log.Error("message parked after max retries",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("key", msg.MessageKey),
			zap.Error(err))
	} else {
		s.log.Warn("send failed, will retry",
			zap.Int64("id", msg.ID),
			zap.Int("retry_count", msg.RetryCount+1),
			zap.Error(err))
	}
	return false
}
