package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"voiceos/internal/logging"
	"voiceos/internal/types"
)

// Threshold bounds. The resolver reads the live value on every decision.
const (
	MinThreshold     = 50
	MaxThreshold     = 95
	DefaultThreshold = 70
)

// thresholdFileName is the state file watched for hot reload.
const thresholdFileName = "threshold.yaml"

type thresholdFile struct {
	ConfidenceThreshold int `yaml:"confidence_threshold"`
}

// ThresholdStore holds the process-wide confidence threshold: persisted,
// validated, and hot-reloadable via an fsnotify watcher on the state file.
// Out-of-range writes are rejected and the prior value retained.
type ThresholdStore struct {
	mu       sync.RWMutex
	value    int
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	lastLoad time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewThresholdStore loads the persisted threshold from the state directory,
// falling back to the given boot value (and then to DefaultThreshold if that
// is out of range).
func NewThresholdStore(stateDir string, bootValue int) (*ThresholdStore, error) {
	if bootValue < MinThreshold || bootValue > MaxThreshold {
		bootValue = DefaultThreshold
	}

	ts := &ThresholdStore{
		value:    bootValue,
		path:     filepath.Join(stateDir, thresholdFileName),
		debounce: 200 * time.Millisecond,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	if err := ts.loadFromDisk(); err != nil {
		if !os.IsNotExist(err) {
			logging.Get(logging.CategoryConfig).Warn("Threshold file unreadable, keeping %d: %v", ts.value, err)
		}
	}

	logging.Config("Confidence threshold initialized at %d%%", ts.Get())
	return ts, nil
}

// Get returns the current threshold percent.
func (ts *ThresholdStore) Get() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.value
}

// Set validates, applies, and persists a new threshold. Values outside
// [50,95] fail with ErrInvalidThreshold and leave the prior value in place.
func (ts *ThresholdStore) Set(percent int) error {
	if percent < MinThreshold || percent > MaxThreshold {
		return fmt.Errorf("%w: %d not in [%d,%d]", types.ErrInvalidThreshold, percent, MinThreshold, MaxThreshold)
	}

	ts.mu.Lock()
	prev := ts.value
	ts.value = percent
	ts.mu.Unlock()

	if err := ts.persist(percent); err != nil {
		logging.Get(logging.CategoryConfig).Warn("Failed to persist threshold: %v", err)
		return fmt.Errorf("failed to persist threshold: %w", err)
	}

	if prev != percent {
		logging.Config("Confidence threshold changed: %d%% -> %d%%", prev, percent)
	}
	return nil
}

func (ts *ThresholdStore) persist(percent int) error {
	data, err := yaml.Marshal(thresholdFile{ConfidenceThreshold: percent})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(ts.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(ts.path, data, 0644)
}

// loadFromDisk reads the state file and applies it when valid. Invalid
// content keeps the prior value.
func (ts *ThresholdStore) loadFromDisk() error {
	data, err := os.ReadFile(ts.path)
	if err != nil {
		return err
	}

	var tf thresholdFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		logging.Get(logging.CategoryConfig).Warn("Threshold file malformed, keeping %d: %v", ts.Get(), err)
		return nil
	}
	if tf.ConfidenceThreshold < MinThreshold || tf.ConfidenceThreshold > MaxThreshold {
		logging.Get(logging.CategoryConfig).Warn("Threshold file value %d out of range, keeping %d",
			tf.ConfidenceThreshold, ts.Get())
		return nil
	}

	ts.mu.Lock()
	ts.value = tf.ConfidenceThreshold
	ts.mu.Unlock()
	return nil
}

// Watch begins watching the state file's directory for external edits and
// hot-reloads the value. Non-blocking; stop with Close.
func (ts *ThresholdStore) Watch() error {
	ts.mu.Lock()
	if ts.running {
		ts.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		ts.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	ts.watcher = watcher
	ts.running = true
	ts.mu.Unlock()

	// Watch the directory: editors replace files, which drops per-file
	// watches.
	if err := watcher.Add(filepath.Dir(ts.path)); err != nil {
		watcher.Close()
		ts.mu.Lock()
		ts.running = false
		ts.mu.Unlock()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(ts.path), err)
	}

	go ts.watchLoop()
	logging.ConfigDebug("Threshold watcher started on %s", ts.path)
	return nil
}

func (ts *ThresholdStore) watchLoop() {
	defer close(ts.doneCh)

	for {
		select {
		case <-ts.stopCh:
			return
		case event, ok := <-ts.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(ts.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce rapid saves
			ts.mu.Lock()
			if time.Since(ts.lastLoad) < ts.debounce {
				ts.mu.Unlock()
				continue
			}
			ts.lastLoad = time.Now()
			ts.mu.Unlock()

			if err := ts.loadFromDisk(); err != nil {
				logging.Get(logging.CategoryConfig).Warn("Threshold reload failed: %v", err)
				continue
			}
			logging.Config("Confidence threshold hot-reloaded: %d%%", ts.Get())
		case err, ok := <-ts.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryConfig).Warn("Threshold watcher error: %v", err)
		}
	}
}

// Close stops the watcher, if running.
func (ts *ThresholdStore) Close() error {
	ts.mu.Lock()
	if !ts.running {
		ts.mu.Unlock()
		return nil
	}
	ts.running = false
	ts.mu.Unlock()

	close(ts.stopCh)
	err := ts.watcher.Close()
	<-ts.doneCh
	return err
}
