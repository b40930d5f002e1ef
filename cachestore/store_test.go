package cachestore

import (
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tweag/resourcetracker/cacheentry"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %s: %v", raw, err)
	}
	return u
}

func TestIsCacheableOnlyHTTP(t *testing.T) {
	cs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !cs.IsCacheable(mustURL(t, "https://example.com/a.jar"), "") {
		t.Error("https should be cacheable")
	}
	if cs.IsCacheable(mustURL(t, "file:///tmp/a.jar"), "") {
		t.Error("file:// should not be cacheable")
	}
}

func TestOpenOutputStreamCommitsAtomically(t *testing.T) {
	cs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := mustURL(t, "https://example.com/a.jar")
	finalPath := cs.CacheFileFor(u, "")

	w, err := cs.OpenOutputStream(u, "")
	if err != nil {
		t.Fatalf("OpenOutputStream: %v", err)
	}
	if _, err := os.Stat(finalPath); err == nil {
		t.Fatal("final path should not exist before Close")
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("content = %q, want %q", data, "hello")
	}
}

func TestAbortDiscardsStagedFile(t *testing.T) {
	cs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := mustURL(t, "https://example.com/a.jar")
	w, err := cs.OpenOutputStream(u, "")
	if err != nil {
		t.Fatalf("OpenOutputStream: %v", err)
	}
	w.Abort()
	if _, err := os.Stat(cs.CacheFileFor(u, "")); !os.IsNotExist(err) {
		t.Fatal("aborted download should never reach the final path")
	}
}

func TestIsCurrentComparesSidecarLastModified(t *testing.T) {
	cs, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u := mustURL(t, "https://example.com/a.jar")
	cacheFile := cs.CacheFileFor(u, "")

	current, err := cs.IsCurrent(u, "", time.Now())
	if err != nil || current {
		t.Fatalf("IsCurrent with no cached file = (%v, %v), want (false, nil)", current, err)
	}

	if err := os.MkdirAll(filepath.Dir(cacheFile), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cacheFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	olderRemote := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	entry := cacheentry.Entry{LastModified: olderRemote}
	if err := cs.StoreEntry(cacheFile, entry); err != nil {
		t.Fatalf("StoreEntry: %v", err)
	}

	current, err = cs.IsCurrent(u, "", olderRemote)
	if err != nil || !current {
		t.Fatalf("IsCurrent with matching Last-Modified = (%v, %v), want (true, nil)", current, err)
	}

	newerRemote := olderRemote.Add(24 * time.Hour)
	current, err = cs.IsCurrent(u, "", newerRemote)
	if err != nil || current {
		t.Fatalf("IsCurrent with newer remote Last-Modified = (%v, %v), want (false, nil)", current, err)
	}
}

func TestSweepRemovesStagingLeftoversAndOrphanedBlobs(t *testing.T) {
	root := t.TempDir()
	cs, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	u := mustURL(t, "https://example.com/a.jar")
	w, err := cs.OpenOutputStream(u, "")
	if err != nil {
		t.Fatalf("OpenOutputStream: %v", err)
	}
	stagingLeftover := w.file.Name()
	w.file.WriteString("partial")
	// simulate a crash: never Close or Abort, leaving the staging file behind

	orphan := filepath.Join(root, "cas", "zz", "orphan")
	if err := os.MkdirAll(filepath.Dir(orphan), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(orphan, []byte("no sidecar"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := cs.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(stagingLeftover); !os.IsNotExist(err) {
		t.Error("staging leftover should have been removed")
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned blob without a sidecar should have been removed")
	}
}
