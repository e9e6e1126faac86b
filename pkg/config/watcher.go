package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SecurityToggles is the subset of SSO configuration that may change at
// runtime. Everything else requires a restart.
type SecurityToggles struct {
	CheckClientIP  bool
	CheckUserAgent bool
}

// Watcher reloads the security toggles from the YAML config file whenever it
// changes on disk. Reads are lock-protected so handlers can consult the
// current toggles on every request.
type Watcher struct {
	path string

	mu      sync.RWMutex
	toggles SecurityToggles

	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher seeded from cfg. If path is empty the watcher
// is static and Run returns immediately.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	w := &Watcher{
		path: path,
		toggles: SecurityToggles{
			CheckClientIP:  cfg.SSO.CheckClientIP,
			CheckUserAgent: cfg.SSO.CheckUserAgent,
		},
	}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops a
	// watch registered on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w.watcher = fsw
	return w, nil
}

// Toggles returns the current security toggles.
func (w *Watcher) Toggles() SecurityToggles {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.toggles
}

// Run processes file events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if w.watcher == nil {
		<-ctx.Done()
		return nil
	}
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			w.reload()
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg := defaultConfig()
	if err := cfg.loadFile(w.path); err != nil {
		// Keep the previous toggles on a malformed file
		return
	}
	w.mu.Lock()
	w.toggles = SecurityToggles{
		CheckClientIP:  cfg.SSO.CheckClientIP,
		CheckUserAgent: cfg.SSO.CheckUserAgent,
	}
	w.mu.Unlock()
}
