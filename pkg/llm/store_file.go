package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// modelFile is the on-disk layout of a FileConfigStore.
type modelFile struct {
	Models []ModelSpec `yaml:"models"`
}

// FileConfigStoreConfig configures a FileConfigStore.
type FileConfigStoreConfig struct {
	Path string
	// Debounce collapses bursts of writes into one reload.
	Debounce time.Duration
	// OnChange runs after a successful reload triggered by the watcher.
	OnChange func()
	Logger   zerolog.Logger
}

// FileConfigStore serves model specs from a YAML file and reloads it when
// the file changes.
type FileConfigStore struct {
	cfg    FileConfigStoreConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	specs map[string]ModelSpec

	watcher  *fsnotify.Watcher
	timerMu  sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewFileConfigStore loads cfg.Path. A missing file yields an empty store.
func NewFileConfigStore(cfg FileConfigStoreConfig) (*FileConfigStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("model config path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	s := &FileConfigStore{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "model_config").Logger(),
		specs:  make(map[string]ModelSpec),
		done:   make(chan struct{}),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. A parse failure keeps the previous contents.
func (s *FileConfigStore) Reload() error {
	data, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.specs = make(map[string]ModelSpec)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read model config: %w", err)
	}

	var file modelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse model config %s: %w", s.cfg.Path, err)
	}
	specs := make(map[string]ModelSpec, len(file.Models))
	for _, spec := range file.Models {
		if spec.ID == "" {
			return fmt.Errorf("parse model config %s: model without id", s.cfg.Path)
		}
		specs[spec.ID] = spec
	}

	s.mu.Lock()
	s.specs = specs
	s.mu.Unlock()
	s.logger.Debug().Int("models", len(specs)).Str("path", s.cfg.Path).Msg("Model config loaded")
	return nil
}

func (s *FileConfigStore) Get(_ context.Context, id string) (ModelSpec, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[id]
	if !ok {
		return ModelSpec{}, false, nil
	}
	return spec.clone(), true, nil
}

func (s *FileConfigStore) List(_ context.Context) ([]ModelSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ModelSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		out = append(out, spec.clone())
	}
	return out, nil
}

// Watch starts reloading on file changes. The parent directory is watched
// so editors that replace the file are seen.
func (s *FileConfigStore) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.cfg.Path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch model config: %w", err)
	}
	s.watcher = watcher
	go s.eventLoop()
	s.logger.Info().Str("path", s.cfg.Path).Msg("Model config watcher started")
	return nil
}

func (s *FileConfigStore) eventLoop() {
	target := filepath.Clean(s.cfg.Path)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.debounce()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Model config watcher error")

		case <-s.done:
			return
		}
	}
}

func (s *FileConfigStore) debounce() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.cfg.Debounce, func() {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.Reload(); err != nil {
			s.logger.Error().Err(err).Msg("Model config reload failed")
			return
		}
		if s.cfg.OnChange != nil {
			s.cfg.OnChange()
		}
	})
}

// Close stops the watcher.
func (s *FileConfigStore) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.timerMu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.timerMu.Unlock()
		if s.watcher != nil {
			err = s.watcher.Close()
		}
	})
	return err
}
