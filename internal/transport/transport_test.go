package transport

import (
	"bytes"
	"context"
	"fmt"
	"testing"
)

const (
	testRunDir  = "/customer1/runs/run1"
	testDataDir = "/customer1/runs/run1/data"
)

func TestSendReceive_RoundTrip(t *testing.T) {
	cases := []struct {
		name       string
		size       int
		compress   bool
		passphrase string
	}{
		{"small-plain", 10, false, ""},
		{"small-compressed", 10, true, ""},
		{"small-encrypted", 10, false, "pw"},
		{"small-both", 10, true, "pw"},
		{"exact-chunk-boundary", 64, false, ""},
		{"one-over-boundary", 65, false, ""},
		{"one-under-boundary", 63, false, ""},
		{"two-chunk-boundary", 128, false, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := NewMemAdapter()
			content := bytes.Repeat([]byte{0x42}, tc.size)

			resume := NewResumeLog()
			entry, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader(content), SendOptions{
				ChunkBytes: 64,
				Compress:   tc.compress,
				Passphrase: tc.passphrase,
			}, resume)
			if err != nil {
				t.Fatalf("Send failed: %v", err)
			}
			if entry.SizeBytes != int64(tc.size) {
				t.Errorf("expected SizeBytes %d, got %d", tc.size, entry.SizeBytes)
			}

			var out bytes.Buffer
			if err := Receive(context.Background(), adapter, testDataDir, entry, tc.passphrase, &out); err != nil {
				t.Fatalf("Receive failed: %v", err)
			}
			if !bytes.Equal(out.Bytes(), content) {
				t.Errorf("round trip mismatch: got %d bytes, want %d bytes", out.Len(), len(content))
			}
		})
	}
}

func TestChunkName_SingleChunkUsesBarePath(t *testing.T) {
	if got := ChunkName("data/p", 0, 1); got != "data/p" {
		t.Errorf("ChunkName(single) = %q, want %q", got, "data/p")
	}
}

func TestChunkName_MultiChunkUsesPartSuffix(t *testing.T) {
	if got := ChunkName("data/p", 0, 2); got != "data/p.part0000" {
		t.Errorf("ChunkName(0,2) = %q, want %q", got, "data/p.part0000")
	}
	if got := ChunkName("data/p", 1, 2); got != "data/p.part0001" {
		t.Errorf("ChunkName(1,2) = %q, want %q", got, "data/p.part0001")
	}
}

func TestSend_ChunkBoundaryLayout(t *testing.T) {
	adapter := NewMemAdapter()
	content := bytes.Repeat([]byte{0x01}, 128) // 2 * chunkSize(64)

	resume := NewResumeLog()
	entry, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader(content), SendOptions{
		ChunkBytes: 64,
	}, resume)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if entry.ChunkCount != 2 {
		t.Fatalf("expected 2 chunks, got %d", entry.ChunkCount)
	}

	for _, name := range []string{"p.part0000", "p.part0001"} {
		if !resume.IsComplete(name) {
			t.Errorf("resume log missing completed chunk %q", name)
		}
		if _, err := adapter.Stat(context.Background(), testDataDir+"/"+name); err != nil {
			t.Errorf("expected chunk %q to exist remotely: %v", name, err)
		}
	}
}

func TestSend_ResumeSkipsCompletedChunks(t *testing.T) {
	adapter := NewMemAdapter()
	content := bytes.Repeat([]byte{0x07}, 192) // 3 chunks of 64

	resume := NewResumeLog()
	// Pre-seed chunk 0 as already complete with a bogus checksum so we can
	// detect whether Send re-uploaded it (it shouldn't).
	resume.MarkComplete("p.part0000", "not-the-real-hash")

	entry, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader(content), SendOptions{
		ChunkBytes: 64,
	}, resume)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if entry.ChunkCount != 3 {
		t.Fatalf("expected 3 chunks, got %d", entry.ChunkCount)
	}

	// Chunk 0 was never (re)written by this Send call, so it must not exist
	// in the adapter's backing store.
	if _, err := adapter.Stat(context.Background(), testDataDir+"/p.part0000"); err == nil {
		t.Error("expected chunk 0 to have been skipped, but it exists")
	}
	for _, name := range []string{"p.part0001", "p.part0002"} {
		if !resume.IsComplete(name) {
			t.Errorf("resume log missing completed chunk %q", name)
		}
	}
}

func TestSend_PersistsResumeLogAfterEachChunk(t *testing.T) {
	adapter := NewMemAdapter()
	content := bytes.Repeat([]byte{0x03}, 192) // 3 chunks of 64

	if _, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader(content), SendOptions{
		ChunkBytes: 64,
	}, NewResumeLog()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	reloaded, err := LoadResumeLog(context.Background(), adapter, testRunDir)
	if err != nil {
		t.Fatalf("LoadResumeLog failed: %v", err)
	}
	for _, name := range []string{"p.part0000", "p.part0001", "p.part0002"} {
		if !reloaded.IsComplete(name) {
			t.Errorf("expected remote resume log to record %q complete", name)
		}
	}
}

func TestSend_NilAdapterReturnsNotConnected(t *testing.T) {
	_, err := Send(context.Background(), nil, testDataDir, testRunDir, "p", bytes.NewReader([]byte("x")), SendOptions{ChunkBytes: 64}, nil)
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReceive_NilAdapterReturnsNotConnected(t *testing.T) {
	var out bytes.Buffer
	err := Receive(context.Background(), nil, testDataDir, ManifestEntry{}, "", &out)
	if err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReceive_EncryptedWithoutPassphraseFails(t *testing.T) {
	adapter := NewMemAdapter()
	entry, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader([]byte("secret")), SendOptions{
		ChunkBytes: 64,
		Passphrase: "pw",
	}, NewResumeLog())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var out bytes.Buffer
	if err := Receive(context.Background(), adapter, testDataDir, entry, "", &out); err != ErrPassphraseRequired {
		t.Errorf("expected ErrPassphraseRequired, got %v", err)
	}
}

func TestReceive_MissingChunkBeforeLastReturnsChunkMissing(t *testing.T) {
	adapter := NewMemAdapter()
	resume := NewResumeLog()
	entry, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader(bytes.Repeat([]byte{9}, 192)), SendOptions{
		ChunkBytes: 64,
	}, resume)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if err := adapter.Remove(context.Background(), testDataDir+"/p.part0001"); err != nil {
		t.Fatalf("removing chunk for test setup: %v", err)
	}

	var out bytes.Buffer
	if err := Receive(context.Background(), adapter, testDataDir, entry, "", &out); err != ErrChunkMissing {
		t.Errorf("expected ErrChunkMissing, got %v", err)
	}
}

func TestReceive_IntegrityMismatchOnTamperedChunk(t *testing.T) {
	adapter := NewMemAdapter()
	entry, err := Send(context.Background(), adapter, testDataDir, testRunDir, "p", bytes.NewReader([]byte("hello world")), SendOptions{
		ChunkBytes: 64,
	}, NewResumeLog())
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	w, err := adapter.Create(context.Background(), testDataDir+"/p.tmp")
	if err != nil {
		t.Fatalf("create for tamper: %v", err)
	}
	fmt.Fprint(w, "tampered bytes!!")
	w.Close()
	if err := adapter.Rename(context.Background(), testDataDir+"/p.tmp", testDataDir+"/p"); err != nil {
		t.Fatalf("rename for tamper: %v", err)
	}

	var out bytes.Buffer
	if err := Receive(context.Background(), adapter, testDataDir, entry, "", &out); err != ErrIntegrityMismatch {
		t.Errorf("expected ErrIntegrityMismatch, got %v", err)
	}
}

func TestSend_ChunkSizeExceedingCapIsInvalid(t *testing.T) {
	_, err := Send(context.Background(), NewMemAdapter(), testDataDir, testRunDir, "p", bytes.NewReader([]byte("x")), SendOptions{
		ChunkBytes: MaxFrameBytes + 1,
	}, NewResumeLog())
	if err != ErrFrameInvalid {
		t.Errorf("expected ErrFrameInvalid, got %v", err)
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	adapter := NewMemAdapter()
	m := &Manifest{
		RunID: "run1",
		Kind:  "file",
		Files: []ManifestEntry{{RelativePath: "a.txt", SizeBytes: 3, SHA256: "abc", ChunkCount: 1}},
	}

	if err := SaveManifest(context.Background(), adapter, m, testRunDir); err != nil {
		t.Fatalf("SaveManifest failed: %v", err)
	}

	got, err := LoadManifest(context.Background(), adapter, testRunDir)
	if err != nil {
		t.Fatalf("LoadManifest failed: %v", err)
	}
	if got.RunID != "run1" || len(got.Files) != 1 || got.Files[0].RelativePath != "a.txt" {
		t.Errorf("unexpected manifest contents: %+v", got)
	}
}

func TestLoadManifest_MissingIsError(t *testing.T) {
	adapter := NewMemAdapter()
	if _, err := LoadManifest(context.Background(), adapter, testRunDir); err == nil {
		t.Fatal("expected error loading manifest from a run directory with no manifest written")
	}
}
