// Package executor composes internal/index, internal/transport, and
// internal/status into a single backup run with a well-defined outcome
// (spec §4.4), generalizing the teacher's scheduler.RunOnce orchestration
// (hooks -> pipeline execute -> retention -> notify -> log summary) to
// scan/diff -> quota check -> sequential per-file send -> index rotation ->
// manifest write -> status publish.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zimbackup/agent/internal/config"
	"github.com/zimbackup/agent/internal/glob"
	"github.com/zimbackup/agent/internal/index"
	"github.com/zimbackup/agent/internal/retention"
	"github.com/zimbackup/agent/internal/status"
	"github.com/zimbackup/agent/internal/transport"
)

// KindFile and KindFullImage identify the two run types spec §4.4 defines.
const (
	KindFile      = "file"
	KindFullImage = "full_image"
)

const runIndexName = "index.json"

// RunResult is spec.md §3's RunResult entity.
type RunResult struct {
	RunID         string
	Kind          string
	Outcome       status.Outcome
	FilesUploaded int
	FilesFailed   int
	FailedFiles   []string
	BytesUploaded int64
	Error         string
	StartedUTC    time.Time
	FinishedUTC   time.Time
}

// Executor runs file-backup and full-image-backup runs against one
// customer's remote tree.
type Executor struct {
	Adapter         transport.Adapter
	StatusPublisher *status.Publisher
	LocalIndexPath  string
	MachineName     string
	AgentVersion    string

	// NextScheduled, if set, reports the scheduler's next-run time so
	// publish can populate spec.md §3's next_scheduled_utc. Left nil in
	// tests that don't run a scheduler alongside the executor.
	NextScheduled func() time.Time
}

// NewExecutor wires an Executor over adapter for one customer, publishing
// status via publisher and rotating the local index at localIndexPath.
// machineName and agentVersion are carried into every published Status
// document per spec.md §3.
func NewExecutor(adapter transport.Adapter, publisher *status.Publisher, localIndexPath, machineName, agentVersion string) *Executor {
	return &Executor{
		Adapter:         adapter,
		StatusPublisher: publisher,
		LocalIndexPath:  localIndexPath,
		MachineName:     machineName,
		AgentVersion:    agentVersion,
	}
}

func newRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}

// resolveRunID looks for a run directory under customerBase/runs that has
// no manifest.json — a crashed or interrupted run — and reuses the most
// recent one so the chunks and resume.json it already wrote are picked up
// again, instead of always starting a new run directory (spec §4.4 failure
// semantics: "a crashed run leaves behind a usable resume log inside the run
// directory so a subsequent attempt can continue"). If none is found, or the
// remote can't be listed, it mints a fresh run id.
func (e *Executor) resolveRunID(ctx context.Context, customerBase string) string {
	runsDir := customerBase + "/runs"
	entries, err := e.Adapter.ReadDir(ctx, runsDir)
	if err != nil {
		return newRunID()
	}

	var names []string
	for _, fi := range entries {
		if fi.IsDir() {
			names = append(names, fi.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		runDir := runsDir + "/" + name
		if _, err := transport.LoadManifest(ctx, e.Adapter, runDir); err != nil {
			return name
		}
	}
	return newRunID()
}

// RunFileBackup implements spec §4.4's file-backup algorithm.
func (e *Executor) RunFileBackup(ctx context.Context, cfg *config.Config, log zerolog.Logger) RunResult {
	if e.Adapter == nil {
		result := RunResult{RunID: newRunID(), Kind: KindFile, StartedUTC: time.Now().UTC()}
		result.Outcome = status.OutcomeFailed
		result.Error = transport.ErrNotConnected.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	customerBase := cfg.Connection.RemoteBasePath
	result := RunResult{RunID: e.resolveRunID(ctx, customerBase), Kind: KindFile, StartedUTC: time.Now().UTC()}
	log = log.With().Str("run_id", result.RunID).Str("kind", KindFile).Logger()

	runBaseDir := customerBase + "/runs/" + result.RunID
	dataDir := runBaseDir + "/data"

	excluder, err := glob.Compile(cfg.ExcludePatterns)
	if err != nil {
		log.Error().Err(err).Msg("invalid exclude patterns, aborting run")
		result.Outcome = status.OutcomeFailed
		result.Error = err.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	previous, err := index.LoadIndex(e.LocalIndexPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load previous index, aborting run")
		result.Outcome = status.OutcomeFailed
		result.Error = err.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	scan := index.Scan(cfg.SourceRoots, excluder, log)
	hashed := hashChanged(cfg.SourceRoots, previous, scan, log)
	diff := index.Compute(previous, hashed)

	if len(diff.Changed) == 0 {
		result.Outcome = status.OutcomeSkipped
		result.FinishedUTC = time.Now().UTC()
		e.writeIndex(hashed, log)
		e.publish(ctx, cfg, result)
		return result
	}

	usage, err := retention.Usage(ctx, e.Adapter, customerBase, log)
	if err != nil {
		log.Warn().Err(err).Msg("usage query failed, proceeding without quota enforcement")
	}
	var changedBytes int64
	for _, c := range diff.Changed {
		changedBytes += c.SizeBytes
	}
	// QuotaBytes == 0 means no cap configured (unlimited), not a zero-byte
	// cap: spec §3 allows quotaBytes == 0 as a valid value, but a hard cap of
	// zero bytes would abort every run with any change, which is never the
	// intent of leaving the field unset.
	if cfg.QuotaBytes > 0 && usage+changedBytes > cfg.QuotaBytes {
		log.Warn().Int64("usage", usage).Int64("incoming", changedBytes).Int64("quota", cfg.QuotaBytes).Msg("quota exceeded, aborting before upload")
		result.Outcome = status.OutcomeQuotaExceeded
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	resume, err := transport.LoadResumeLog(ctx, e.Adapter, runBaseDir)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load resume log, starting a fresh one")
		resume = transport.NewResumeLog()
	}

	manifest := &transport.Manifest{RunID: result.RunID, Kind: KindFile, Deletions: diff.Deleted}

	for _, entry := range diff.Changed {
		fullPath, ok := resolveUnderRoots(cfg.SourceRoots, entry.RelativePath)
		if !ok {
			log.Warn().Str("relative_path", entry.RelativePath).Msg("source file vanished before upload, recording failure")
			result.FilesFailed++
			result.FailedFiles = append(result.FailedFiles, entry.RelativePath)
			continue
		}

		manifestEntry, err := e.sendFile(ctx, fullPath, dataDir, runBaseDir, entry.RelativePath, cfg, resume)
		if err != nil {
			log.Warn().Err(err).Str("relative_path", entry.RelativePath).Msg("upload failed")
			result.FilesFailed++
			result.FailedFiles = append(result.FailedFiles, entry.RelativePath)
			continue
		}

		manifest.Files = append(manifest.Files, manifestEntry)
		result.FilesUploaded++
		result.BytesUploaded += manifestEntry.SizeBytes
	}

	if err := e.writeRemoteIndex(ctx, runBaseDir, hashed); err != nil {
		log.Error().Err(err).Msg("failed to write remote run index")
		result.Outcome = status.OutcomeFailed
		result.Error = err.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	if err := transport.SaveManifest(ctx, e.Adapter, manifest, runBaseDir); err != nil {
		log.Error().Err(err).Msg("failed to write run manifest")
		result.Outcome = status.OutcomeFailed
		result.Error = err.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	// The local current-index is rotated only now that the manifest has been
	// durably written (spec §4.4/§5: "a run never partially mutates the
	// current-index file; it is only rotated after the manifest is
	// successfully written"). Rotating it earlier would let a subsequent
	// writeRemoteIndex/SaveManifest failure leave the local index claiming
	// files as current that the remote run never finished recording.
	e.writeIndex(hashed, log)

	switch {
	case result.FilesUploaded == 0 && result.FilesFailed > 0:
		result.Outcome = status.OutcomeFailed
	case result.FilesFailed > 0:
		result.Outcome = status.OutcomePartial
	default:
		result.Outcome = status.OutcomeSuccess
	}

	result.FinishedUTC = time.Now().UTC()
	e.publish(ctx, cfg, result)
	return result
}

// sendFile opens fullPath as a read-only stream and hands it to
// transport.Send, closing it once the upload finishes (spec §4.4 step 5).
func (e *Executor) sendFile(ctx context.Context, fullPath, dataDir, runBaseDir, relPath string, cfg *config.Config, resume *transport.ResumeLog) (transport.ManifestEntry, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return transport.ManifestEntry{}, fmt.Errorf("opening %s: %w", fullPath, err)
	}
	defer f.Close()

	return transport.Send(ctx, e.Adapter, dataDir, runBaseDir, relPath, f, transport.SendOptions{
		ChunkBytes: cfg.ChunkBytes,
		Compress:   cfg.CompressBeforeUpload,
		Passphrase: cfg.EncryptionPassphrase,
	}, resume)
}

// RunFullImageBackup implements spec §4.4's full-image algorithm: the image
// tool's stdout is streamed straight through as a single logical file entry;
// transport chunking handles size without ever buffering the whole image.
func (e *Executor) RunFullImageBackup(ctx context.Context, cfg *config.Config, imageRelPath string, image io.Reader, log zerolog.Logger) RunResult {
	if e.Adapter == nil {
		result := RunResult{RunID: newRunID(), Kind: KindFullImage, StartedUTC: time.Now().UTC()}
		result.Outcome = status.OutcomeFailed
		result.Error = transport.ErrNotConnected.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	customerBase := cfg.Connection.RemoteBasePath
	result := RunResult{RunID: e.resolveRunID(ctx, customerBase), Kind: KindFullImage, StartedUTC: time.Now().UTC()}
	log = log.With().Str("run_id", result.RunID).Str("kind", KindFullImage).Logger()

	runBaseDir := customerBase + "/runs/" + result.RunID
	dataDir := runBaseDir + "/data"

	resume, err := transport.LoadResumeLog(ctx, e.Adapter, runBaseDir)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load resume log, starting a fresh one")
		resume = transport.NewResumeLog()
	}

	manifestEntry, err := transport.Send(ctx, e.Adapter, dataDir, runBaseDir, imageRelPath, image, transport.SendOptions{
		ChunkBytes: cfg.ChunkBytes,
		Compress:   cfg.CompressBeforeUpload,
		Passphrase: cfg.EncryptionPassphrase,
	}, resume)
	if err != nil {
		log.Error().Err(err).Msg("full image upload failed")
		result.Outcome = status.OutcomeFailed
		result.Error = err.Error()
		result.FilesFailed = 1
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	if previous, err := index.LoadIndex(e.LocalIndexPath); err == nil {
		if err := e.writeRemoteIndex(ctx, runBaseDir, previous.Entries); err != nil {
			log.Error().Err(err).Msg("failed to write remote run index")
			result.Outcome = status.OutcomeFailed
			result.Error = err.Error()
			result.FinishedUTC = time.Now().UTC()
			e.publish(ctx, cfg, result)
			return result
		}
	}

	manifest := &transport.Manifest{RunID: result.RunID, Kind: KindFullImage, Files: []transport.ManifestEntry{manifestEntry}}
	if err := transport.SaveManifest(ctx, e.Adapter, manifest, runBaseDir); err != nil {
		log.Error().Err(err).Msg("failed to write run manifest")
		result.Outcome = status.OutcomeFailed
		result.Error = err.Error()
		result.FinishedUTC = time.Now().UTC()
		e.publish(ctx, cfg, result)
		return result
	}

	result.FilesUploaded = 1
	result.BytesUploaded = manifestEntry.SizeBytes
	result.Outcome = status.OutcomeSuccess
	result.FinishedUTC = time.Now().UTC()
	e.publish(ctx, cfg, result)
	return result
}

func (e *Executor) writeIndex(idx []index.FileEntry, log zerolog.Logger) {
	updated := &index.FileIndex{Entries: idx}
	if err := index.SaveIndex(updated, e.LocalIndexPath); err != nil {
		log.Error().Err(err).Msg("failed to persist updated index")
	}
}

// writeRemoteIndex atomically writes the run's post-run file index to
// runBaseDir/index.json on the remote (spec §3 data model), the same
// temp-then-rename pattern transport.SaveManifest uses, so a reader that
// needs a run's file listing without reassembling the manifest can read it
// directly.
func (e *Executor) writeRemoteIndex(ctx context.Context, runBaseDir string, entries []index.FileEntry) error {
	data, err := json.MarshalIndent(&index.FileIndex{Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run index: %w", err)
	}

	if err := e.Adapter.MkdirAll(ctx, runBaseDir); err != nil {
		return fmt.Errorf("creating run directory %s: %w", runBaseDir, err)
	}

	finalPath := path.Join(runBaseDir, runIndexName)
	tmpPath := finalPath + ".tmp"

	w, err := e.Adapter.Create(ctx, tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp run index %s: %w", tmpPath, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing temp run index %s: %w", tmpPath, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing temp run index %s: %w", tmpPath, err)
	}
	if err := e.Adapter.Rename(ctx, tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming run index into place: %w", err)
	}
	return nil
}

func (e *Executor) publish(ctx context.Context, cfg *config.Config, result RunResult) {
	if e.StatusPublisher == nil {
		return
	}

	var usage int64
	if e.Adapter != nil {
		var err error
		usage, err = retention.Usage(ctx, e.Adapter, cfg.Connection.RemoteBasePath, zerolog.Nop())
		if err != nil {
			usage = 0
		}
	}

	var nextScheduled time.Time
	if e.NextScheduled != nil {
		nextScheduled = e.NextScheduled()
	}

	e.StatusPublisher.Publish(ctx, status.Status{
		CustomerID:       cfg.CustomerID,
		MachineName:      e.MachineName,
		AgentVersion:     e.AgentVersion,
		LastRunID:        result.RunID,
		LastOutcome:      result.Outcome,
		LastBackupUTC:    result.FinishedUTC,
		NextScheduledUTC: nextScheduled,
		QuotaBytes:       cfg.QuotaBytes,
		BytesUsed:        usage,
		UpdatedUTC:       time.Now().UTC(),
		Kind:             result.Kind,
		FilesUploaded:    result.FilesUploaded,
		FilesFailed:      result.FilesFailed,
		BytesUploaded:    result.BytesUploaded,
		Error:            result.Error,
	})
}

// hashChanged computes SHA256 for entries that are new or whose size/mtime
// differ from the previous record, and carries over the previous hash
// otherwise (spec §4.4 step 2's "skip hashing... optimization").
func hashChanged(roots []string, previous *index.FileIndex, scan []index.FileEntry, log zerolog.Logger) []index.FileEntry {
	out := make([]index.FileEntry, 0, len(scan))
	for _, e := range scan {
		prev, ok := previous.Get(e.RelativePath)
		if ok && prev.SizeBytes == e.SizeBytes && prev.LastModifiedUTC.Equal(e.LastModifiedUTC) {
			e.SHA256 = prev.SHA256
			out = append(out, e)
			continue
		}

		fullPath, found := resolveUnderRoots(roots, e.RelativePath)
		if !found {
			log.Warn().Str("relative_path", e.RelativePath).Msg("cannot resolve source path for hashing, skipping")
			continue
		}

		sum, err := index.HashFile(fullPath)
		if err != nil {
			log.Warn().Err(err).Str("relative_path", e.RelativePath).Msg("failed to hash file, skipping")
			continue
		}
		e.SHA256 = sum
		out = append(out, e)
	}
	return out
}

func resolveUnderRoots(roots []string, relPath string) (string, bool) {
	for _, root := range roots {
		candidate := filepath.Join(root, filepath.FromSlash(relPath))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}
