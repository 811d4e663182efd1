package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"hearth/internal/logging"
)

const watchDebounce = 500 * time.Millisecond

// FileStore persists settings to a single JSON file and picks up external
// edits via fsnotify. Writes go through Set; the watcher only handles reloads
// so a dashboard-side edit and a file edit converge on the same state.
type FileStore struct {
	path   string
	logger logging.Logger

	mu     sync.RWMutex
	values map[string]any

	watcher  *fsnotify.Watcher
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewFileStore loads (or creates) the settings file at path.
func NewFileStore(path string, logger logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("settings path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	s := &FileStore{
		path:   filepath.Clean(path),
		logger: logging.OrNop(logger),
		values: make(map[string]any),
		stopCh: make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

func (s *FileStore) save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.values, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStore) Set(key string, value any) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return s.save()
}

func (s *FileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}

// Watch starts reloading the file on external changes. Stop releases the
// watcher.
func (s *FileStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch settings dir: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()
	return nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.scheduleReload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("settings watcher: %v", err)
		}
	}
}

// scheduleReload debounces bursts of file events into one reload.
func (s *FileStore) scheduleReload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(watchDebounce, func() {
		if err := s.load(); err != nil {
			s.logger.Warn("settings reload failed: %v", err)
			return
		}
		s.logger.Info("settings reloaded from %s", s.path)
	})
}

// Stop closes the watcher. Safe to call multiple times.
func (s *FileStore) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}
