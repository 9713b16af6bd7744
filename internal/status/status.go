// Package status publishes small JSON status documents to fixed per-customer
// remote paths, best-effort: a publish failure never fails a backup run
// (spec §4.7), the same never-fail-the-caller posture the teacher's
// internal/notify package takes toward its webhook calls.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/zimbackup/agent/internal/transport"
)

// Outcome mirrors spec.md §3's RunResult outcome enum.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeSkipped       Outcome = "skipped"
	OutcomePartial       Outcome = "partial"
	OutcomeQuotaExceeded Outcome = "quota_exceeded"
	OutcomeFailed        Outcome = "failed"
)

// Status is spec.md §3's Status entity, published to status.json after
// every run. FilesUploaded/FilesFailed/BytesUploaded/Error/Kind are
// per-run diagnostics beyond the spec entity; extra fields are harmless per
// spec §6 ("unknown fields ignored on read").
type Status struct {
	CustomerID       string    `json:"customerId"`
	MachineName      string    `json:"machineName"`
	AgentVersion     string    `json:"agentVersion"`
	LastRunID        string    `json:"lastRunId"`
	LastOutcome      Outcome   `json:"lastOutcome"`
	LastBackupUTC    time.Time `json:"lastBackupUtc"`
	NextScheduledUTC time.Time `json:"nextScheduledUtc,omitempty"`
	QuotaBytes       int64     `json:"quotaBytes"`
	BytesUsed        int64     `json:"bytesUsed"`
	UpdatedUTC       time.Time `json:"updatedUtc"`

	Kind          string `json:"kind,omitempty"`
	FilesUploaded int    `json:"filesUploaded,omitempty"`
	FilesFailed   int    `json:"filesFailed,omitempty"`
	BytesUploaded int64  `json:"bytesUploaded,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Scope is spec.md §3's RestoreRequest scope enum.
type Scope string

const (
	ScopeFull    Scope = "full"
	ScopePartial Scope = "partial"
)

// RestoreRequest is spec.md §3's RestoreRequest entity, read-only from the
// agent's perspective: the NAS (or a customer portal) writes it, the agent
// only ever reads it to decide whether a restore should run. The agent
// never publishes one itself.
type RestoreRequest struct {
	CustomerID    string   `json:"customerId"`
	MachineName   string   `json:"machineName"`
	Scope         Scope    `json:"scope"`
	Message       string   `json:"message,omitempty"`
	SpecificPaths []string `json:"specificPaths,omitempty"`
	RequestedUTC  time.Time `json:"requestedUtc"`
}

const (
	statusFileName         = "status/status.json"
	restoreRequestFileName = "status/restore-request.json"
)

// Publisher writes Status documents to a customer's remote status path.
// Publish is best-effort: its errors are logged and swallowed, never
// returned to the caller, matching spec §4.7's "failure to publish does not
// fail a backup." FetchRestoreRequest, a read, returns its errors.
type Publisher struct {
	adapter          transport.Adapter
	customerBasePath string
	log              zerolog.Logger
}

// NewPublisher returns a Publisher writing under customerBasePath/status/.
func NewPublisher(adapter transport.Adapter, customerBasePath string, log zerolog.Logger) *Publisher {
	return &Publisher{adapter: adapter, customerBasePath: customerBasePath, log: log}
}

// Publish writes s to status.json. Errors are logged, not returned.
func (p *Publisher) Publish(ctx context.Context, s Status) {
	if p.adapter == nil {
		p.log.Warn().Msg("status: no transport connected, skipping publish")
		return
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		p.log.Warn().Err(err).Msg("status: failed to marshal status document")
		return
	}

	if err := p.writeAtomic(ctx, statusFileName, data); err != nil {
		p.log.Warn().Err(err).Str("run_id", s.LastRunID).Msg("status: failed to publish status")
		return
	}

	p.log.Info().Str("run_id", s.LastRunID).Str("outcome", string(s.LastOutcome)).Msg("status: published")
}

// FetchRestoreRequest reads restore-request.json if present. A missing file
// is not an error: it simply means no restore is pending.
func (p *Publisher) FetchRestoreRequest(ctx context.Context) (*RestoreRequest, error) {
	if p.adapter == nil {
		return nil, transport.ErrNotConnected
	}

	path := p.customerBasePath + "/" + restoreRequestFileName
	r, err := p.adapter.Open(ctx, path)
	if err != nil {
		if transport.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening restore request: %w", err)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("reading restore request: %w", err)
	}

	var req RestoreRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		return nil, fmt.Errorf("parsing restore request: %w", err)
	}
	return &req, nil
}

func (p *Publisher) writeAtomic(ctx context.Context, relName string, data []byte) error {
	finalPath := p.customerBasePath + "/" + relName
	tmpPath := finalPath + ".tmp"

	dir := finalPath[:len(finalPath)-len("/"+baseName(relName))]
	if err := p.adapter.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("creating status directory %s: %w", dir, err)
	}

	w, err := p.adapter.Create(ctx, tmpPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmpPath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := p.adapter.Rename(ctx, tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming %s into place: %w", finalPath, err)
	}
	return nil
}

func baseName(relName string) string {
	for i := len(relName) - 1; i >= 0; i-- {
		if relName[i] == '/' {
			return relName[i+1:]
		}
	}
	return relName
}
