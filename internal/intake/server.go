// internal/intake/server.go
package intake

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"membergate/internal/common/errors"
	"membergate/internal/common/logger"
	"membergate/internal/common/validation"
	"membergate/internal/models"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submitter hands validated events to the dispatch queue.
type Submitter interface {
	Submit(ev models.Event) error
}

// Pinger reports backend connectivity for the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP edge where the messaging transport delivers events.
// It validates, normalizes and enqueues; all verification work happens
// behind the dispatch queue so the transport sees fast accept/reject
// answers and a 503 when it should redeliver later.
type Server struct {
	config *Config
	submit Submitter
	store  Pinger
	cache  Pinger
	logger logger.Logger
}

func NewServer(config *Config, submit Submitter, store, cache Pinger, log logger.Logger) *Server {
	return &Server{
		config: config,
		submit: submit,
		store:  store,
		cache:  cache,
		logger: log.WithFields(map[string]interface{}{"component": "intake"}),
	}
}

func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"status": "rejected"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rejection())
		return
	}

	if violations := validation.ValidateEvent(body); len(violations) > 0 {
		// Violation detail stays in the logs; the wire answer carries only
		// the code so malformed senders learn nothing about internals.
		s.logger.Warn("event rejected", map[string]interface{}{
			"errorCode":  string(errors.ErrCodeEventInvalid),
			"violations": strings.Join(violations, "; "),
		})
		writeJSON(w, http.StatusBadRequest, rejection())
		return
	}

	var ev models.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, rejection())
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}

	if err := s.submit.Submit(ev); err != nil {
		s.logger.Warn("event not accepted", map[string]interface{}{
			"eventType": string(ev.Type),
			"groupId":   ev.GroupID,
			"userId":    ev.UserID,
			"error":     err.Error(),
		})
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "retry"})
		return
	}

	s.logger.Debug("event accepted", map[string]interface{}{
		"eventType": string(ev.Type),
		"groupId":   ev.GroupID,
		"userId":    ev.UserID,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleReady gates traffic on the enforcement store only. Without the
// store every verification aborts, so the instance should not receive
// events. A down cache merely degrades to direct oracle reads and is
// reported without failing readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.PingTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"store":  "unreachable",
		})
		return
	}

	cacheState := "ok"
	if err := s.cache.Ping(ctx); err != nil {
		cacheState = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"cache":  cacheState,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func rejection() map[string]string {
	return map[string]string{
		"status": "rejected",
		"code":   string(errors.ErrCodeEventInvalid),
	}
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
