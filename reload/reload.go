// Package reload hot-applies guard tuning changes when the tuning file
// is rewritten, so thresholds can be recalibrated without a restart.
package reload

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"vaultgate/guard"
)

// Config holds reload manager configuration.
type Config struct {
	TuningPath   string
	DebounceTime time.Duration // minimum time between reloads
	WatchEnabled bool
	// Apply installs a freshly loaded tuning. Required.
	Apply func(*guard.Config)
	// OnReload runs after every successful apply (metrics hook).
	OnReload func()
}

// Manager watches the tuning file and reloads it on change.
type Manager struct {
	watcher    *fsnotify.Watcher
	tuningPath string
	apply      func(*guard.Config)
	onReload   func()

	mu         sync.Mutex
	lastReload time.Time
	debounce   time.Duration
	stopChan   chan struct{}
}

// NewManager creates a reload manager and starts watching when enabled.
func NewManager(config Config) (*Manager, error) {
	if config.Apply == nil {
		return nil, fmt.Errorf("reload: Apply function is required")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if config.DebounceTime == 0 {
		config.DebounceTime = 2 * time.Second
	}
	if config.OnReload == nil {
		config.OnReload = func() {}
	}

	m := &Manager{
		watcher:    watcher,
		tuningPath: config.TuningPath,
		apply:      config.Apply,
		onReload:   config.OnReload,
		debounce:   config.DebounceTime,
		stopChan:   make(chan struct{}),
	}

	if config.WatchEnabled && config.TuningPath != "" {
		// Watch the directory, not the file, so atomic replace works.
		if err := m.watcher.Add(filepath.Dir(config.TuningPath)); err != nil {
			log.Printf("Warning: Could not watch tuning file - %v (automatic reloads will be unavailable)", err)
		} else {
			log.Printf("Now monitoring tuning file for changes: %s", config.TuningPath)
			go m.watch()
		}
	}

	return m, nil
}

func (m *Manager) watch() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != filepath.Base(m.tuningPath) {
				continue
			}
			m.handleChange()

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("File watcher error: %v", err)

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) handleChange() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.lastReload) < m.debounce {
		return
	}

	log.Printf("Tuning file changed, reloading...")
	if err := m.reload(); err != nil {
		log.Printf("Error: Failed to reload tuning - %v", err)
		return
	}
	m.lastReload = time.Now()
	log.Printf("Successfully reloaded tuning")
}

// reload loads and applies the tuning file. Caller holds m.mu.
func (m *Manager) reload() error {
	cfg, err := guard.LoadConfig(m.tuningPath)
	if err != nil {
		return err
	}
	m.apply(cfg)
	m.onReload()
	return nil
}

// ReloadAll manually reloads the tuning file (SIGHUP and admin paths).
func (m *Manager) ReloadAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tuningPath == "" {
		return nil
	}
	if err := m.reload(); err != nil {
		return fmt.Errorf("tuning reload: %w", err)
	}
	m.lastReload = time.Now()
	return nil
}

// Stop stops the file watcher.
func (m *Manager) Stop() error {
	close(m.stopChan)
	return m.watcher.Close()
}
