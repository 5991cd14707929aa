package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "quoteflow/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDelay     = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// Watch reloads the config whenever its file changes, until ctx is done.
// The directory is watched rather than the file so editors that replace
// the file on save keep working. Bursts of events collapse into a single
// reload; a watcher that dies is recreated with growing delays.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	d := &debounce{delay: reloadDelay, fn: func() { m.reload(ctx) }}
	defer d.cancel()

	delay := rewatchMin
	for {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err == nil {
			delay = rewatchMin
			m.logger().Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))
			stopped := m.consume(ctx, w, name, d)
			_ = w.Close()
			if stopped {
				return nil
			}
		} else {
			m.logger().Warn("config watch init failed", logx.String("dir", dir), logx.Err(err))
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		delay = min(delay*2, rewatchMax)
		m.logger().Warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consume handles watcher events for name. It returns true when ctx ended
// and false when the watcher broke.
func (m *ConfigManager) consume(ctx context.Context, w *fsnotify.Watcher, name string, d *debounce) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) && ev.Op != 0 {
				m.logger().Debug("config change detected", logx.String("op", ev.Op.String()))
				d.trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger().Warn("config watch overflow; reloading", logx.Err(err))
				d.trigger()
				continue
			}
			m.logger().Warn("config watch error", logx.Err(err))
		}
	}
}

func (m *ConfigManager) reload(ctx context.Context) {
	log := m.logger().With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}

	sum := checksum(cfg)
	m.mu.RLock()
	same, validate := sum != 0 && sum == m.sum, m.validate
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}
	if validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := validate(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("checksum", fmt.Sprintf("%x", sum)))
}

// debounce runs fn once, delay after the most recent trigger.
type debounce struct {
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer *time.Timer
}

func (d *debounce) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

func (d *debounce) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
