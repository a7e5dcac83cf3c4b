// internal/gate/recorder/recorder.go
package recorder

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/metrics"
	"membergate/internal/models"

	"github.com/google/uuid"
)

const (
	insertQuery = `INSERT INTO verification_outcome ` +
		`(id, user_id, group_id, channel_id, status, error_kind, latency_ms, cache_hit, created_at) ` +
		`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	writeTimeout = 5 * time.Second
)

// Recorder persists verification outcomes off the decision path. A single
// writer goroutine drains a bounded queue; overflow and insert failures
// are dropped with a warning, never propagated.
type Recorder struct {
	db     *sql.DB
	config *Config
	logger logger.Logger

	queue chan models.VerificationOutcome
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewRecorder(config *Config, db *sql.DB, log logger.Logger) *Recorder {
	r := &Recorder{
		db:     db,
		config: config,
		logger: log.WithFields(map[string]interface{}{"component": "recorder"}),
		queue:  make(chan models.VerificationOutcome, config.QueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an outcome for persistence. It never blocks and never
// returns an error; a full queue or closed recorder drops the outcome.
func (r *Recorder) Record(outcome models.VerificationOutcome) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.drop(outcome, "recorder closed")
		return
	}
	select {
	case r.queue <- outcome:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.drop(outcome, "queue full")
	}
}

// Close stops intake and waits for the writer to drain the queue, bounded
// by ctx.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for outcome := range r.queue {
		r.insert(outcome)
	}
}

func (r *Recorder) insert(outcome models.VerificationOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if outcome.ID == "" {
		outcome.ID = uuid.New().String()
	}
	if outcome.CreatedAt.IsZero() {
		outcome.CreatedAt = time.Now().UTC()
	}

	var errorKind sql.NullString
	if outcome.ErrorKind != "" {
		errorKind = sql.NullString{String: outcome.ErrorKind, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, insertQuery,
		outcome.ID,
		outcome.UserID,
		outcome.GroupID,
		outcome.ChannelID,
		string(outcome.Status),
		errorKind,
		outcome.LatencyMS,
		outcome.CacheHit,
		outcome.CreatedAt,
	)
	if err != nil {
		stdErr := errors.NewRecorderWriteFailedError(err)
		metrics.RecorderDroppedTotal.Inc()
		r.logger.Warn("outcome insert failed, dropping", map[string]interface{}{
			"errorCode": string(stdErr.Code),
			"error":     stdErr.Details,
			"userId":    outcome.UserID,
			"groupId":   outcome.GroupID,
		})
	}
}

func (r *Recorder) drop(outcome models.VerificationOutcome, reason string) {
	metrics.RecorderDroppedTotal.Inc()
	r.logger.Warn("verification outcome dropped", map[string]interface{}{
		"reason":  reason,
		"userId":  outcome.UserID,
		"groupId": outcome.GroupID,
	})
}
