package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"
)

// ManifestEntry describes one file delivered in a run, including how many
// chunks it was split into so a receiver can reassemble it without guessing.
type ManifestEntry struct {
	RelativePath string   `json:"relativePath"`
	SizeBytes    int64    `json:"sizeBytes"`
	SHA256       string   `json:"sha256"`
	ChunkCount   int      `json:"chunkCount"`
	ChunkSHA256  []string `json:"chunkSha256,omitempty"`
	Compressed   bool     `json:"compressed"`
	Encrypted    bool     `json:"encrypted"`
}

// Manifest describes the complete contents of one backup run: every file
// delivered and every path the run determined had been deleted since the
// previous run (spec §4.4). It is written last, on the remote, in the run
// directory; its presence is what marks a run complete. A manifest is
// required on receive — an absent one means the run never finished.
type Manifest struct {
	Version    int             `json:"version"`
	RunID      string          `json:"runId"`
	Kind       string          `json:"kind"` // "file" or "full_image"
	Files      []ManifestEntry `json:"files"`
	Deletions  []string        `json:"deletions"`
	CreatedUTC time.Time       `json:"createdUtc"`
}

// CurrentManifestVersion is the manifest schema version written by this
// build.
const CurrentManifestVersion = 1

const manifestName = "manifest.json"

// LoadManifest reads and parses runBaseDir/manifest.json from the remote.
// Unlike ResumeLog, a missing manifest is an error: readers treat its
// absence as "run in progress, not yet complete."
func LoadManifest(ctx context.Context, adapter Adapter, runBaseDir string) (*Manifest, error) {
	remotePath := path.Join(runBaseDir, manifestName)

	r, err := adapter.Open(ctx, remotePath)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", remotePath, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", remotePath, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", remotePath, err)
	}
	return &m, nil
}

// SaveManifest atomically writes m to runBaseDir/manifest.json on the
// remote. Callers must write this only after every chunk of every file in
// the run has been durably renamed into place.
func SaveManifest(ctx context.Context, adapter Adapter, m *Manifest, runBaseDir string) error {
	if m.Version == 0 {
		m.Version = CurrentManifestVersion
	}
	m.CreatedUTC = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	if err := adapter.MkdirAll(ctx, runBaseDir); err != nil {
		return fmt.Errorf("creating run directory %s: %w", runBaseDir, err)
	}

	finalPath := path.Join(runBaseDir, manifestName)
	tmpPath := finalPath + ".tmp"

	w, err := adapter.Create(ctx, tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp manifest %s: %w", tmpPath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing temp manifest %s: %w", tmpPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing temp manifest %s: %w", tmpPath, err)
	}
	if err := adapter.Rename(ctx, tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming manifest into place: %w", err)
	}
	return nil
}
