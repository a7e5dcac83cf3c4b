// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/common/observability"
	"membergate/internal/models"
)

var (
	// ErrQueueFull tells the intake to push back on the transport; the
	// event source redelivers.
	ErrQueueFull = errors.New("DISPATCH_QUEUE_FULL")

	// ErrStopped rejects submissions after shutdown began.
	ErrStopped = errors.New("DISPATCH_STOPPED")
)

// EventHandler processes one normalized platform event.
type EventHandler interface {
	Handle(ctx context.Context, ev models.Event) error
}

// Dispatcher fans inbound events out to a bounded worker pool. Each event
// runs under its own timeout, so one slow verification pass never stalls
// the queue beyond its worker. Ordering across events is not guaranteed;
// the verifier re-derives full state per pass, which makes reordering and
// redelivery safe.
type Dispatcher struct {
	config  *Config
	handler EventHandler
	obs     *observability.Observability
	logger  logger.Logger

	queue chan models.Event
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(config *Config, handler EventHandler, obs *observability.Observability, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		config:  config,
		handler: handler,
		obs:     obs,
		logger:  log.WithFields(map[string]interface{}{"component": "dispatch"}),
		queue:   make(chan models.Event, config.QueueSize),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info("dispatcher started", map[string]interface{}{
		"workers":   d.config.Workers,
		"queueSize": d.config.QueueSize,
	})
}

// Submit enqueues an event without blocking.
func (d *Dispatcher) Submit(ev models.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrStopped
	}
	select {
	case d.queue <- ev:
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes intake and waits for in-flight events, bounded by ctx.
// Events still queued at the deadline are lost; the transport's redelivery
// covers them on restart.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained", nil)
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out", map[string]interface{}{
			"queued": len(d.queue),
		})
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		metrics.DispatchQueueDepth.Set(float64(len(d.queue)))
		d.process(ev)
	}
}

func (d *Dispatcher) process(ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.EventTimeout)
	defer cancel()

	start := time.Now()
	err := d.handler.Handle(ctx, ev)
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		d.logger.Error("event processing failed", map[string]interface{}{
			"eventType": string(ev.Type),
			"groupId":   ev.GroupID,
			"userId":    ev.UserID,
			"channelId": ev.ChannelID,
			"errorCode": string(apperrors.CodeOf(err)),
			"retryable": apperrors.IsRetryable(err),
			"error":     err.Error(),
		})
	}

	d.obs.RecordEventProcessed(ctx, string(ev.Type), status)
	d.obs.RecordEventDuration(ctx, elapsed, string(ev.Type))
}
