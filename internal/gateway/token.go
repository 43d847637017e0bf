package gateway

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/fieldsync/internal/syncstate"
)

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// FileToken serves the token stored in a file and reloads it whenever the
// file is rewritten, so rotated credentials are picked up without a restart.
type FileToken struct {
	path    string
	logger  syncstate.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileToken(path string, logger syncstate.Logger) (*FileToken, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	ft := &FileToken{path: path, logger: logger, done: make(chan struct{})}
	if err := ft.reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch token file: %w", err)
	}
	// Watch the directory: editors and secret mounts replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch token file: %w", err)
	}
	ft.watcher = watcher
	go ft.watch()
	return ft, nil
}

func (f *FileToken) Token() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.token, nil
}

func (f *FileToken) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.watcher.Close()
		<-f.done
	})
	return err
}

// reload keeps the last good token when the file is briefly missing
// mid-rotation.
func (f *FileToken) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	f.mu.Lock()
	f.token = strings.TrimSpace(string(data))
	f.mu.Unlock()
	return nil
}

func (f *FileToken) watch() {
	defer close(f.done)
	target := filepath.Base(f.path)
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := f.reload(); err != nil {
				f.logf("token reload failed: %v", err)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logf("token watcher: %v", err)
		}
	}
}

func (f *FileToken) logf(format string, args ...any) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}
