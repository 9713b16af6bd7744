// Package index implements the file index (spec §4.2): scanning source
// roots into FileEntry tuples, loading and atomically saving the index,
// and diffing the current scan against the previously stored index.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FileEntry describes one file as recorded in the index (spec §3).
type FileEntry struct {
	RelativePath     string    `json:"relativePath"`
	SizeBytes        int64     `json:"sizeBytes"`
	LastModifiedUTC  time.Time `json:"lastModifiedUtc"`
	SHA256           string    `json:"sha256,omitempty"`
}

// normalizedKey returns the case-insensitive, forward-slash key used to
// identify an entry across scans (spec §3, §4.2).
func normalizedKey(relPath string) string {
	return strings.ToLower(filepath.ToSlash(relPath))
}

// FileIndex is an ordered set of FileEntry, keyed case-insensitively by
// RelativePath, with no duplicates.
type FileIndex struct {
	Entries []FileEntry `json:"entries"`
}

// Get returns the entry for key (case-insensitive), if present.
func (idx *FileIndex) Get(relPath string) (FileEntry, bool) {
	key := normalizedKey(relPath)
	for _, e := range idx.Entries {
		if normalizedKey(e.RelativePath) == key {
			return e, true
		}
	}
	return FileEntry{}, false
}

// Put inserts or replaces the entry matching e.RelativePath (case-insensitive).
func (idx *FileIndex) Put(e FileEntry) {
	key := normalizedKey(e.RelativePath)
	for i, existing := range idx.Entries {
		if normalizedKey(existing.RelativePath) == key {
			idx.Entries[i] = e
			return
		}
	}
	idx.Entries = append(idx.Entries, e)
}

// LoadIndex reads a FileIndex from path. A missing file yields an empty
// index rather than an error, per spec §4.2.
func LoadIndex(path string) (*FileIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileIndex{}, nil
		}
		return nil, fmt.Errorf("reading index %s: %w", path, err)
	}

	var idx FileIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parsing index %s: %w", path, err)
	}
	return &idx, nil
}

// SaveIndex writes idx to path using temp-file-then-rename semantics.
func SaveIndex(idx *FileIndex, path string) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating index directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".index-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp index file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp index file into place: %w", err)
	}
	return nil
}

// HashFile computes the SHA-256 digest of the file at path, streaming its
// contents rather than loading the whole file into memory first.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Excluder matches a candidate file name/path against configured exclude
// patterns. internal/glob.Matcher satisfies this.
type Excluder interface {
	Match(name, relPath string) bool
}

// Scan enumerates the current state of the given source roots, returning a
// FileEntry per file with SHA256 left empty — hashing is the executor's
// responsibility (spec §4.4 step 2: only new/changed entries get hashed).
// Permission errors on directories are logged and the whole subtree is
// skipped; metadata errors on individual files degrade to a warning and the
// file is skipped. Duplicates (same normalized relative path reachable from
// more than one root) are suppressed, keeping the first occurrence.
func Scan(roots []string, exclude Excluder, log zerolog.Logger) []FileEntry {
	seen := make(map[string]bool)
	var entries []FileEntry

	for _, root := range roots {
		root = filepath.Clean(root)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsPermission(err) {
					log.Warn().Str("path", path).Err(err).Msg("skipping subtree: permission denied")
					if info != nil && info.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
				log.Warn().Str("path", path).Err(err).Msg("skipping entry: walk error")
				return nil
			}
			if info.IsDir() {
				return nil
			}

			relPath, relErr := filepath.Rel(root, path)
			if relErr != nil {
				log.Warn().Str("path", path).Err(relErr).Msg("skipping file: cannot compute relative path")
				return nil
			}
			relPath = filepath.ToSlash(relPath)

			if exclude != nil && exclude.Match(info.Name(), relPath) {
				return nil
			}

			key := normalizedKey(relPath)
			if seen[key] {
				return nil
			}
			seen[key] = true

			entries = append(entries, FileEntry{
				RelativePath:    relPath,
				SizeBytes:       info.Size(),
				LastModifiedUTC: info.ModTime().UTC(),
			})
			return nil
		})
		if err != nil {
			log.Warn().Str("root", root).Err(err).Msg("scan error on source root")
		}
	}

	return entries
}
