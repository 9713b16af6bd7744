package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"
)

// ResumeLog tracks which chunk names of an in-progress run have already been
// durably uploaded (spec §4.3: "before uploading a chunk, the transport
// consults the remote resume.json"). It lives in the run directory on the
// remote, next to the chunks it describes.
type ResumeLog struct {
	CompletedNames []string          `json:"completedNames"`
	Checksums      map[string]string `json:"checksums"`
	LastUpdatedUTC time.Time         `json:"lastUpdatedUtc"`

	completed map[string]bool
}

// NewResumeLog returns an empty resume log.
func NewResumeLog() *ResumeLog {
	return &ResumeLog{
		Checksums: make(map[string]string),
		completed: make(map[string]bool),
	}
}

// IsComplete reports whether chunkName has already been durably uploaded.
func (r *ResumeLog) IsComplete(chunkName string) bool {
	r.ensureIndex()
	return r.completed[chunkName]
}

// MarkComplete records chunkName (and its checksum) as durably uploaded.
// Callers must only invoke this after the remote rename has succeeded.
func (r *ResumeLog) MarkComplete(chunkName, sha256Hex string) {
	r.ensureIndex()
	if !r.completed[chunkName] {
		r.CompletedNames = append(r.CompletedNames, chunkName)
		r.completed[chunkName] = true
	}
	if r.Checksums == nil {
		r.Checksums = make(map[string]string)
	}
	r.Checksums[chunkName] = sha256Hex
}

func (r *ResumeLog) ensureIndex() {
	if r.completed != nil {
		return
	}
	r.completed = make(map[string]bool, len(r.CompletedNames))
	for _, n := range r.CompletedNames {
		r.completed[n] = true
	}
}

// resumeLogName is the fixed file name a run's resume log is written under,
// relative to the run's base directory.
const resumeLogName = "resume.json"

// LoadResumeLog loads the resume log from runBaseDir/resume.json on the
// remote. A missing file yields a fresh empty log rather than an error —
// the first attempt at a run has nothing to resume from.
func LoadResumeLog(ctx context.Context, adapter Adapter, runBaseDir string) (*ResumeLog, error) {
	remotePath := path.Join(runBaseDir, resumeLogName)

	r, err := adapter.Open(ctx, remotePath)
	if err != nil {
		if IsNotExist(err) {
			return NewResumeLog(), nil
		}
		return nil, fmt.Errorf("opening resume log %s: %w", remotePath, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading resume log %s: %w", remotePath, err)
	}

	var log ResumeLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parsing resume log %s: %w", remotePath, err)
	}
	log.ensureIndex()
	return &log, nil
}

// SaveResumeLog atomically persists r to runBaseDir/resume.json on the
// remote via temp-then-rename, the same durability pattern local state uses
// (internal/config, internal/index) applied over the Adapter seam.
func SaveResumeLog(ctx context.Context, adapter Adapter, r *ResumeLog, runBaseDir string) error {
	r.LastUpdatedUTC = time.Now().UTC()

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling resume log: %w", err)
	}

	if err := adapter.MkdirAll(ctx, runBaseDir); err != nil {
		return fmt.Errorf("creating run directory %s: %w", runBaseDir, err)
	}

	finalPath := path.Join(runBaseDir, resumeLogName)
	tmpPath := finalPath + ".tmp"

	w, err := adapter.Create(ctx, tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp resume log %s: %w", tmpPath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing temp resume log %s: %w", tmpPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing temp resume log %s: %w", tmpPath, err)
	}
	if err := adapter.Rename(ctx, tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming resume log into place: %w", err)
	}
	return nil
}
