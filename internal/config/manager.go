package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"caster/pkg/logx"
)

const (
	watchDebounce    = 250 * time.Millisecond
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validateTimeout  = 5 * time.Second
)

// Validator is called with a candidate config before it is committed. A
// non-nil error keeps the previous config active.
type Validator func(ctx context.Context, cfg *Config) error

// Manager owns the active configuration: it loads the file, watches it for
// changes and fans committed snapshots out to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	current  *Config
	lastHash [sha256.Size]byte
	subs     map[chan *Config]struct{}

	validate Validator
}

func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{
		path: path,
		log:  log.With(logx.String("component", "config")),
		subs: make(map[chan *Config]struct{}),
	}
}

// SetValidator installs the pre-commit hook used by Watch. Set it before
// calling Watch.
func (m *Manager) SetValidator(v Validator) { m.validate = v }

// Parse decodes raw file bytes (YAML or JSON, chosen by extension) into a
// Config, rejecting unknown fields and trailing garbage.
func Parse(path string, data []byte) (*Config, error) {
	j, err := yamlToJSON(path, data)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(j))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if dec.More() {
		return nil, errors.New("decode config: trailing data after document")
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) check() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Platform.BaseURL == "" {
		return errors.New("platform.base_url is required")
	}
	if c.Alert != nil && c.Alert.Enabled && c.Alert.Token == "" {
		return errors.New("alert.token is required when alert is enabled")
	}
	// Surface bad duration strings at load time, not first use.
	for _, d := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.poll_interval", c.Dispatch.PollInterval},
		{"dispatch.sweep_interval", c.Dispatch.SweepInterval},
		{"dispatch.claim_timeout", c.Dispatch.ClaimTimeout},
		{"dispatch.deliver_timeout", c.Dispatch.DeliverTimeout},
		{"api.read_timeout", c.API.ReadTimeout},
		{"api.write_timeout", c.API.WriteTimeout},
		{"platform.timeout", c.Platform.Timeout},
	} {
		if _, err := parseDuration(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// Load reads, parses and commits the config file.
func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(m.path, data)
	if err != nil {
		return nil, err
	}
	m.commit(cfg, sha256.Sum256(data))
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, hash [sha256.Size]byte) {
	m.mu.Lock()
	m.current = cfg
	m.lastHash = hash
	m.mu.Unlock()
}

// Get returns the last committed config. Callers must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe returns a channel receiving each committed config after a
// successful reload. Slow subscribers lose the oldest snapshot, never the
// newest.
func (m *Manager) Subscribe() chan *Config {
	ch := make(chan *Config, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.mu.Lock()
	delete(m.subs, ch)
	m.mu.Unlock()
}

func (m *Manager) publish(cfg *Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// Watch blocks until ctx is done, reloading the config whenever the file
// changes. Writes are debounced, unchanged content is skipped, and a broken
// watcher is recreated with jittered backoff. Reload failures are logged and
// the previous config stays active.
func (m *Manager) Watch(ctx context.Context) {
	backoff := watchBackoffBase
	for {
		if err := m.watchOnce(ctx); err == nil || ctx.Err() != nil {
			return
		} else {
			m.log.Warn("config watcher failed, restarting", logx.Err(err))
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
}

func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and config management tools typically
	// replace the file, which drops a watch on the file itself.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(m.path)

	var (
		pendMu  sync.Mutex
		pending *time.Timer
	)
	defer func() {
		pendMu.Lock()
		if pending != nil {
			pending.Stop()
		}
		pendMu.Unlock()
	}()

	schedule := func() {
		pendMu.Lock()
		defer pendMu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(watchDebounce, func() { m.reload(ctx) })
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.log.Warn("config reload: read failed", logx.Err(err))
		return
	}

	hash := sha256.Sum256(data)
	m.mu.RLock()
	unchanged := hash == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := Parse(m.path, data)
	if err != nil {
		m.log.Warn("config reload: rejected, keeping previous", logx.Err(err))
		return
	}

	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload: validator rejected, keeping previous", logx.Err(err))
			return
		}
	}

	m.commit(cfg, hash)
	m.log.Info("config reloaded", logx.String("path", m.path))
	m.publish(cfg)
}
