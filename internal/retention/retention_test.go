package retention

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/zimbackup/agent/internal/transport"
)

func discardLog() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.Disabled)
}

func TestSelectForDeletion_KeepLast(t *testing.T) {
	dirs := []RunDir{
		{Name: "20260101-000000-a", Path: "/c/runs/20260101-000000-a"},
		{Name: "20260102-000000-b", Path: "/c/runs/20260102-000000-b"},
		{Name: "20260103-000000-c", Path: "/c/runs/20260103-000000-c"},
		{Name: "20260104-000000-d", Path: "/c/runs/20260104-000000-d"},
	}

	result := SelectForDeletion(dirs, 2)
	if len(result) != 2 {
		t.Fatalf("expected 2 deletions, got %d", len(result))
	}
	if result[0].Name != "20260101-000000-a" || result[1].Name != "20260102-000000-b" {
		t.Errorf("expected the two oldest runs, got %v", result)
	}
}

func TestSelectForDeletion_UnsortedInputIsSortedFirst(t *testing.T) {
	dirs := []RunDir{
		{Name: "c"},
		{Name: "a"},
		{Name: "b"},
	}
	result := SelectForDeletion(dirs, 1)
	if len(result) != 2 {
		t.Fatalf("expected 2 deletions, got %d", len(result))
	}
	if result[0].Name != "a" || result[1].Name != "b" {
		t.Errorf("expected a, b in order, got %v", result)
	}
}

func TestSelectForDeletion_CountBelowKeepLast(t *testing.T) {
	dirs := []RunDir{{Name: "a"}, {Name: "b"}}
	if result := SelectForDeletion(dirs, 5); result != nil {
		t.Errorf("expected no deletions, got %v", result)
	}
}

func TestSelectForDeletion_KeepLastDisabled(t *testing.T) {
	dirs := []RunDir{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	if result := SelectForDeletion(dirs, 0); result != nil {
		t.Errorf("expected no deletions when keepLast is 0, got %v", result)
	}
}

func seedRun(t *testing.T, adapter transport.Adapter, runPath string, files map[string][]byte) {
	t.Helper()
	ctx := context.Background()
	if err := adapter.MkdirAll(ctx, runPath); err != nil {
		t.Fatalf("MkdirAll(%s): %v", runPath, err)
	}
	for name, data := range files {
		w, err := adapter.Create(ctx, runPath+"/"+name)
		if err != nil {
			t.Fatalf("Create(%s): %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close(%s): %v", name, err)
		}
	}
}

func TestRun_DeletesOldestRunDirectoriesOnly(t *testing.T) {
	adapter := transport.NewMemAdapter()
	ctx := context.Background()

	runs := []string{
		"20260101-000000-a",
		"20260102-000000-b",
		"20260103-000000-c",
		"20260104-000000-d",
	}
	for _, r := range runs {
		seedRun(t, adapter, "/customer1/runs/"+r, map[string][]byte{"manifest.json": []byte("{}")})
	}

	removed, err := Run(ctx, adapter, "/customer1", 2, discardLog())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %v", removed)
	}

	remaining, err := adapter.ReadDir(ctx, "/customer1/runs")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	names := map[string]bool{}
	for _, info := range remaining {
		names[info.Name()] = true
	}
	if !names["20260103-000000-c"] || !names["20260104-000000-d"] {
		t.Errorf("expected c and d to remain, got %v", names)
	}
	if names["20260101-000000-a"] || names["20260102-000000-b"] {
		t.Errorf("expected a and b to be deleted, got %v", names)
	}
}

func TestRun_NilAdapterReturnsNotConnected(t *testing.T) {
	_, err := Run(context.Background(), nil, "/customer1", 2, discardLog())
	if err != transport.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRun_NoRunsDirectoryIsNotAnError(t *testing.T) {
	adapter := transport.NewMemAdapter()
	removed, err := Run(context.Background(), adapter, "/customer1", 2, discardLog())
	if err != nil {
		t.Fatalf("expected no error for missing runs dir, got %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("expected no removals, got %v", removed)
	}
}

func TestUsage_RecursiveSum(t *testing.T) {
	adapter := transport.NewMemAdapter()
	seedRun(t, adapter, "/customer1/runs/r1", map[string][]byte{
		"a.txt": make([]byte, 100),
		"b.txt": make([]byte, 50),
	})
	seedRun(t, adapter, "/customer1/runs/r2", map[string][]byte{
		"c.txt": make([]byte, 25),
	})

	total, err := Usage(context.Background(), adapter, "/customer1", discardLog())
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if total != 175 {
		t.Errorf("expected usage 175, got %d", total)
	}
}

func TestUsage_NilAdapterReturnsNotConnected(t *testing.T) {
	_, err := Usage(context.Background(), nil, "/customer1", discardLog())
	if err != transport.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestUsage_MissingPathContributesZero(t *testing.T) {
	adapter := transport.NewMemAdapter()
	total, err := Usage(context.Background(), adapter, "/does-not-exist", discardLog())
	if err != nil {
		t.Fatalf("Usage failed: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0 usage for missing path, got %d", total)
	}
}
