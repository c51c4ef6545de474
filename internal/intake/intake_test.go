package intake

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"evidenced/internal/seal"
)

func newTestWatcher(t *testing.T, dir string) *Watcher {
	t.Helper()
	w, err := New([]string{dir}, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	return w
}

func TestStartRejectsMissingDirectory(t *testing.T) {
	w := newTestWatcher(t, filepath.Join(t.TempDir(), "absent"))
	if err := w.Start(); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestStartRejectsFilePath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	w := newTestWatcher(t, file)
	if err := w.Start(); err == nil {
		t.Error("expected error for non-directory watch path")
	}
}

func TestArrivalCarriesSeal(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	content := []byte("scanned witness statement")
	path := filepath.Join(dir, "statement.txt")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("failed to create evidence file: %v", err)
	}

	select {
	case a := <-w.Arrivals():
		if a.Path != path {
			t.Errorf("expected path %s, got %s", path, a.Path)
		}
		if a.Name != "statement.txt" {
			t.Errorf("unexpected name %q", a.Name)
		}
		if a.Size != int64(len(content)) {
			t.Errorf("expected size %d, got %d", len(content), a.Size)
		}
		if want := seal.Digest(content); a.Digest != want {
			t.Errorf("digest mismatch: got %s, want %s", a.Digest, want)
		}
		if a.Type != "text/plain" {
			t.Errorf("expected text/plain, got %q", a.Type)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for arrival")
	}
}

func TestUnknownExtensionHasEmptyType(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "dump.evidenceblob")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0600); err != nil {
		t.Fatalf("failed to create evidence file: %v", err)
	}

	select {
	case a := <-w.Arrivals():
		if a.Type != "" {
			t.Errorf("expected empty type for unknown extension, got %q", a.Type)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for arrival")
	}
}

func TestExistingFilesAreNotAnnounced(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "already-there.txt")
	if err := os.WriteFile(existing, []byte("old"), 0600); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}

	w := newTestWatcher(t, dir)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	select {
	case a := <-w.Arrivals():
		t.Errorf("unexpected arrival for pre-existing file: %s", a.Path)
	case <-time.After(2 * time.Second):
	}
}

func TestRapidRewritesDebounceToOneArrival(t *testing.T) {
	dir := t.TempDir()
	w := newTestWatcher(t, dir)
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "growing.bin")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte{byte(i)}, 0600); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	count := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-w.Arrivals():
			count++
			if count > 1 {
				t.Error("expected a single arrival after debouncing")
				return
			}
		case <-timeout:
			if count != 1 {
				t.Errorf("expected 1 arrival, got %d", count)
			}
			return
		}
	}
}

func TestDeletedPendingFileIsForgotten(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir}, 2*time.Second)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer w.Stop()

	path := filepath.Join(dir, "transient.txt")
	if err := os.WriteFile(path, []byte("gone soon"), 0600); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Pending() == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Errorf("expected pending count to drop to 0, got %d", w.Pending())
}
