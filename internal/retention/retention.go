// Package retention bounds remote storage per customer: it enforces a
// keep-last-N policy over run directories and computes recursive usage
// totals, both walked through internal/transport's Adapter seam rather than
// a local filesystem.
package retention

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/rs/zerolog"

	"github.com/zimbackup/agent/internal/transport"
)

// RunDir describes one immediate child of a customer's runs/ directory.
type RunDir struct {
	Name string
	Path string
}

// Run enforces the customer's retention policy: list run directories under
// customerBasePath + "/runs", sort by name ascending (run names begin with a
// sortable timestamp so this is also chronological), and recursively delete
// the oldest entries beyond keepLast. keepLast <= 0 disables the constraint
// entirely. It returns the names of the directories actually removed.
func Run(ctx context.Context, adapter transport.Adapter, customerBasePath string, keepLast int, log zerolog.Logger) ([]string, error) {
	if adapter == nil {
		return nil, transport.ErrNotConnected
	}
	if keepLast <= 0 {
		log.Debug().Msg("retention: no keep-last constraint configured, skipping")
		return nil, nil
	}

	runsPath := path.Join(customerBasePath, "runs")
	dirs, err := listRunDirs(ctx, adapter, runsPath)
	if err != nil {
		return nil, fmt.Errorf("listing run directories under %s: %w", runsPath, err)
	}

	toDelete := SelectForDeletion(dirs, keepLast)
	if len(toDelete) == 0 {
		log.Debug().Int("total_runs", len(dirs)).Msg("retention: nothing to delete")
		return nil, nil
	}

	var removed []string
	for _, d := range toDelete {
		if err := removeRecursive(ctx, adapter, d.Path); err != nil {
			log.Warn().Err(err).Str("run", d.Name).Msg("retention: failed to delete run directory")
			continue
		}
		log.Info().Str("run", d.Name).Msg("retention: deleted old run")
		removed = append(removed, d.Name)
	}

	return removed, nil
}

// SelectForDeletion returns the oldest len(dirs)-keepLast entries of dirs,
// sorted by name ascending, for the test property "given r1 < r2 < ... < rn
// and keepLast = k, enforcement deletes exactly {r1 .. r(n-k)}".
func SelectForDeletion(dirs []RunDir, keepLast int) []RunDir {
	if keepLast <= 0 || len(dirs) <= keepLast {
		return nil
	}

	sorted := make([]RunDir, len(dirs))
	copy(sorted, dirs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	return sorted[:len(sorted)-keepLast]
}

func listRunDirs(ctx context.Context, adapter transport.Adapter, runsPath string) ([]RunDir, error) {
	infos, err := adapter.ReadDir(ctx, runsPath)
	if err != nil {
		if transport.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []RunDir
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		dirs = append(dirs, RunDir{Name: info.Name(), Path: path.Join(runsPath, info.Name())})
	}
	return dirs, nil
}

// removeRecursive deletes remotePath post-order: files first, then the
// now-empty directories, continuing past per-entry errors (spec §4.5).
func removeRecursive(ctx context.Context, adapter transport.Adapter, remotePath string) error {
	infos, err := adapter.ReadDir(ctx, remotePath)
	if err != nil {
		if transport.IsNotExist(err) {
			return nil
		}
		return err
	}

	var firstErr error
	for _, info := range infos {
		childPath := path.Join(remotePath, info.Name())
		if info.IsDir() {
			if err := removeRecursive(ctx, adapter, childPath); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := adapter.Remove(ctx, childPath); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := adapter.Remove(ctx, remotePath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Usage recursively sums file sizes under customerBasePath. Inaccessible
// subtrees contribute zero and are logged, matching spec §4.5's "neither
// operation opens individual files" constraint — only Stat/ReadDir metadata
// is consulted.
func Usage(ctx context.Context, adapter transport.Adapter, customerBasePath string, log zerolog.Logger) (int64, error) {
	if adapter == nil {
		return 0, transport.ErrNotConnected
	}
	return usageRecursive(ctx, adapter, customerBasePath, log), nil
}

func usageRecursive(ctx context.Context, adapter transport.Adapter, remotePath string, log zerolog.Logger) int64 {
	infos, err := adapter.ReadDir(ctx, remotePath)
	if err != nil {
		if !transport.IsNotExist(err) {
			log.Warn().Err(err).Str("path", remotePath).Msg("retention: usage scan could not read directory")
		}
		return 0
	}

	var total int64
	for _, info := range infos {
		childPath := path.Join(remotePath, info.Name())
		if info.IsDir() {
			total += usageRecursive(ctx, adapter, childPath, log)
			continue
		}
		total += info.Size()
	}
	return total
}
