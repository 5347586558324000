package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/logging"
	"github.com/onefuzz-core/orchestrator/internal/metrics"
)

// WorkerConfig configures the delivery worker pool.
type WorkerConfig struct {
	Workers      int
	PollInterval time.Duration
}

// WorkerPool pops (webhook_id, event_id) pairs off the bus's queue and
// drives each through delivery, retry, or failure (spec.md §4.12).
type WorkerPool struct {
	bus     *Bus
	cfg     WorkerConfig
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

func NewWorkerPool(b *Bus, cfg WorkerConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &WorkerPool{bus: b, cfg: cfg, stopCh: make(chan struct{})}
}

func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	logging.Op().Info("eventbus workers started", "workers", p.cfg.Workers)
}

func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
	logging.Op().Info("eventbus workers stopped")
}

func (p *WorkerPool) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *WorkerPool) poll() {
	ctx := context.Background()
	msg, found, err := p.bus.Queue.ReceiveAndDeleteOne(ctx, QueueName)
	if err != nil {
		logging.Op().Error("eventbus: receive delivery pair", "error", err)
		return
	}
	if !found {
		return
	}

	var pair deliveryPair
	if err := msg.DecodeObject(&pair); err != nil {
		logging.Op().Error("eventbus: decode delivery pair", "error", err)
		return
	}

	if err := p.process(ctx, pair); err != nil {
		logging.Op().Error("eventbus: process delivery", "webhook_id", pair.WebhookID, "event_id", pair.EventID, "error", err)
	}
}

func (p *WorkerPool) process(ctx context.Context, pair deliveryPair) error {
	log, err := p.bus.Store.WebhookMessageLogs.Get(ctx, pair.WebhookID, pair.EventID)
	if err != nil {
		return err
	}
	if log.State == domain.WebhookDeliverySucceeded || log.State == domain.WebhookDeliveryFailed {
		return nil
	}

	w, err := p.bus.Store.Webhooks.Get(ctx, pair.WebhookID, "")
	if err != nil {
		log.State = domain.WebhookDeliveryFailed
		return p.bus.Store.WebhookMessageLogs.Update(ctx, log)
	}

	start := time.Now()
	deliverErr := deliver(ctx, w, log.Event)
	metrics.RecordWebhookDuration(pair.WebhookID, time.Since(start).Milliseconds())
	metrics.Global().RecordWebhookAttempt(pair.WebhookID, deliverErr == nil)

	if deliverErr == nil {
		log.RecordSuccess()
		return p.bus.Store.WebhookMessageLogs.Update(ctx, log)
	}

	log.RecordFailure()
	if err := p.bus.Store.WebhookMessageLogs.Update(ctx, log); err != nil {
		return err
	}
	if log.State == domain.WebhookDeliveryRetrying {
		return p.bus.Queue.SendObject(ctx, QueueName, pair, domain.WebhookRetryVisibility)
	}
	logging.Op().Warn("webhook delivery failed permanently", "webhook_id", pair.WebhookID, "event_id", pair.EventID, "try_count", log.TryCount, "error", deliverErr)
	return nil
}
