// Package healthcheck provides an HTTP health check endpoint for the agent,
// generalizing the teacher's internal/health "Tracker" (a thread-safe
// last-backup/last-status snapshot behind a tiny HTTP mux) to a status.Status
// backed view of the most recent run plus the next scheduled fire time.
package healthcheck

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/zimbackup/agent/internal/logger"
	"github.com/zimbackup/agent/internal/status"
)

// Report is the /healthz response body.
type Report struct {
	Status        string         `json:"status"`
	RunID         string         `json:"runId,omitempty"`
	Kind          string         `json:"kind,omitempty"`
	Outcome       status.Outcome `json:"outcome,omitempty"`
	LastBackupUTC string         `json:"lastBackupUtc,omitempty"`
	NextScheduled string         `json:"nextScheduled,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Tracker holds the most recently published status.Status in a thread-safe
// manner and answers /healthz from it.
type Tracker struct {
	mu   sync.RWMutex
	last *status.Status
	next time.Time
}

// NewTracker returns a Tracker with no recorded run yet.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Update records the result of a backup run.
func (t *Tracker) Update(s status.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = &s
}

// SetNextScheduled records when the scheduler expects to dispatch next, so
// /healthz can report it even between runs.
func (t *Tracker) SetNextScheduled(next time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = next
}

// Report returns the current health report.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Report{Status: "healthy"}
	if !t.next.IsZero() {
		r.NextScheduled = t.next.Format(time.RFC3339)
	}
	if t.last == nil {
		return r
	}

	r.RunID = t.last.LastRunID
	r.Kind = t.last.Kind
	r.Outcome = t.last.LastOutcome
	r.Error = t.last.Error
	if !t.last.LastBackupUTC.IsZero() {
		r.LastBackupUTC = t.last.LastBackupUTC.Format(time.RFC3339)
	}
	if t.last.LastOutcome == status.OutcomeFailed {
		r.Status = "unhealthy"
	}
	return r
}

// StartServer starts the health check HTTP server on addr. It does not
// block; callers shut it down via the returned *http.Server.
func StartServer(addr string, tracker *Tracker) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := tracker.Report()
		w.Header().Set("Content-Type", "application/json")
		if report.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error().Err(err).Str("addr", addr).Msg("health server error")
		}
	}()

	logger.Log.Info().Str("addr", addr).Msg("health check server started")
	return server
}
