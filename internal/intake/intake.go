// Package intake watches evidence drop directories and seals files as they
// arrive.
//
// A file is announced only after it has been stable for the debounce
// interval, so partially copied evidence is never sealed mid-write. Files
// already present when the watcher starts are never announced: only create
// and write notifications enter the pending set, so announcements cover new
// arrivals and modifications alone.
package intake

import (
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"evidenced/internal/seal"
)

// Arrival describes one sealed evidence file ready for ingestion.
type Arrival struct {
	Path     string
	Name     string
	Type     string // MIME type guessed from the extension, "" when unknown
	Size     int64
	Digest   string // hex SHA-256
	Modified time.Time
	SealedAt time.Time
}

// Watcher monitors evidence directories.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dirs      []string
	debounce  time.Duration

	// pending maps a path to the time it was last written; a path leaves
	// the map once announced or deleted.
	pending   map[string]time.Time
	pendingMu sync.Mutex

	arrivals chan Arrival
	errors   chan error

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the given directories. debounce is how long a
// file must stay unmodified before it is sealed and announced.
func New(dirs []string, debounce time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		dirs:      dirs,
		debounce:  debounce,
		pending:   make(map[string]time.Time),
		arrivals:  make(chan Arrival, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Arrivals returns the channel of sealed evidence arrivals.
func (w *Watcher) Arrivals() <-chan Arrival {
	return w.arrivals
}

// Errors returns the channel of non-fatal per-file errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start registers the watch directories and begins announcing arrivals.
// Files already present at start are skipped.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		info, err := os.Stat(absDir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return &os.PathError{Op: "watch", Path: absDir, Err: os.ErrInvalid}
		}
		if err := w.fsWatcher.Add(absDir); err != nil {
			return err
		}
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down and closes both channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.arrivals)
	close(w.errors)
	return w.fsWatcher.Close()
}

// Pending returns the number of files awaiting stabilization.
func (w *Watcher) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return len(w.pending)
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					w.pendingMu.Lock()
					delete(w.pending, event.Name)
					w.pendingMu.Unlock()
				}
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}

			w.pendingMu.Lock()
			w.pending[event.Name] = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.announceStable(now)
		}
	}
}

// announceStable seals and announces every pending file untouched for the
// debounce interval. Sealing runs without the lock so a large file never
// stalls the event loop; a path modified during sealing stays pending.
func (w *Watcher) announceStable(now time.Time) {
	threshold := now.Add(-w.debounce)

	type candidate struct {
		path     string
		lastSeen time.Time
	}
	var stable []candidate

	w.pendingMu.Lock()
	for path, lastSeen := range w.pending {
		if lastSeen.Before(threshold) {
			stable = append(stable, candidate{path: path, lastSeen: lastSeen})
		}
	}
	w.pendingMu.Unlock()

	for _, c := range stable {
		digest, size, err := seal.DigestFile(c.path)
		if err != nil {
			// Fatal for this file only; siblings continue.
			select {
			case w.errors <- err:
			default:
			}
			w.pendingMu.Lock()
			delete(w.pending, c.path)
			w.pendingMu.Unlock()
			continue
		}

		info, err := os.Stat(c.path)
		if err != nil {
			w.pendingMu.Lock()
			delete(w.pending, c.path)
			w.pendingMu.Unlock()
			continue
		}

		w.pendingMu.Lock()
		lastSeen, exists := w.pending[c.path]
		if !exists || !lastSeen.Equal(c.lastSeen) {
			// Rewritten while sealing; wait for it to stabilize again.
			w.pendingMu.Unlock()
			continue
		}

		a := Arrival{
			Path:     c.path,
			Name:     filepath.Base(c.path),
			Type:     guessType(c.path),
			Size:     size,
			Digest:   digest,
			Modified: info.ModTime(),
			SealedAt: now,
		}

		select {
		case w.arrivals <- a:
			delete(w.pending, c.path)
		default:
			// Channel full; announce on a later tick.
		}
		w.pendingMu.Unlock()
	}
}

// guessType maps a file extension to a MIME type, dropping any charset
// parameter. An unknown extension yields "".
func guessType(path string) string {
	t := mime.TypeByExtension(filepath.Ext(path))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	return t
}
