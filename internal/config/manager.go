package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"sync"

	logx "quoteflow/pkg/logx"
)

// Validator vets a parsed config before Watch commits it.
type Validator func(ctx context.Context, cfg *Config) error

// ConfigManager owns the current config and hands reloaded versions to
// subscribers.
type ConfigManager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64
	log      logx.Logger
	validate Validator

	// fanMu covers subscriber sends and closes together.
	fanMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop(), subs: map[chan *Config]struct{}{}}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator installs the check Watch runs on every changed file.
func (m *ConfigManager) SetValidator(fn Validator) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

func (m *ConfigManager) logger() logx.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.log
}

// Path returns the watched config file.
func (m *ConfigManager) Path() string { return m.path }

// Parse reads the file, decodes it strictly (unknown keys and trailing data
// are errors), then overlays QUOTEFLOW_* env vars. It does not commit.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	js, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeStrict(js)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(m.path), err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

func decodeStrict(js []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(js))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	switch err := dec.Decode(&struct{}{}); {
	case err == io.EOF:
		return &cfg, nil
	case err == nil:
		return nil, errors.New("trailing data after config document")
	default:
		return nil, err
	}
}

// Commit makes cfg current without notifying subscribers.
func (m *ConfigManager) Commit(cfg *Config) {
	sum := checksum(cfg)
	m.mu.Lock()
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
}

// checksum hashes the JSON form of cfg with FNV-64a. Equal sums mean a
// rewrite changed nothing.
func checksum(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if cfg == nil || err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Load parses and commits the file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err == nil {
		m.Commit(cfg)
	}
	return cfg, err
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel that receives every published config.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.fanMu.Lock()
	m.subs[ch] = struct{}{}
	m.fanMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

// publish hands cfg to every subscriber. A full channel loses its oldest
// pending config so the newest one always gets in.
func (m *ConfigManager) publish(cfg *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.logger().Debug("config update dropped for slow subscriber", logx.Int("cap", cap(ch)))
		}
	}
}
