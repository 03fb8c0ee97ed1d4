package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "affibot/pkg/logx"
)

// Overrides are the runtime-tunable settings. Every field is optional; a nil
// field means "keep the startup value". The file is validated before commit so
// a bad edit never clobbers a working config.
type Overrides struct {
	AffiliateTag  *string  `yaml:"affiliate_tag"`
	RewriteLevel  *float64 `yaml:"rewrite_level"`
	ExtraHashtags *string  `yaml:"extra_hashtags"`
	Shortening    *bool    `yaml:"shortening"`
	LogLevel      *string  `yaml:"log_level"`
}

func (o *Overrides) validate() error {
	if o == nil {
		return nil
	}
	if o.AffiliateTag != nil && strings.TrimSpace(*o.AffiliateTag) == "" {
		return fmt.Errorf("affiliate_tag: must not be blank")
	}
	if o.RewriteLevel != nil && (*o.RewriteLevel < 0 || *o.RewriteLevel > 1) {
		return fmt.Errorf("rewrite_level: must be within [0,1], got %v", *o.RewriteLevel)
	}
	if o.LogLevel != nil {
		switch strings.ToLower(strings.TrimSpace(*o.LogLevel)) {
		case "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("log_level: unknown level %q", *o.LogLevel)
		}
	}
	return nil
}

// OverridesManager loads and watches the overrides file. Subscribers receive
// the newly committed overrides after each successful reload.
type OverridesManager struct {
	path string
	log  logx.Logger

	mu  sync.RWMutex
	cur *Overrides

	subsMu sync.Mutex
	subs   []chan *Overrides
}

func NewOverridesManager(path string, log logx.Logger) *OverridesManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &OverridesManager{path: path, log: log}
}

func (m *OverridesManager) parse() (*Overrides, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var o Overrides
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("overrides yaml: %w", err)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Load parses and commits the overrides file. A missing file is not an error;
// it simply means no overrides yet.
func (m *OverridesManager) Load() (*Overrides, error) {
	o, err := m.parse()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	m.mu.Lock()
	m.cur = o
	m.mu.Unlock()
	return o, nil
}

func (m *OverridesManager) Get() *Overrides {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *OverridesManager) Subscribe(buffer int) chan *Overrides {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan *Overrides, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *OverridesManager) Unsubscribe(ch chan *Overrides) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

func (m *OverridesManager) publish(o *Overrides) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if ch == nil {
			continue
		}
		// Deliver the latest; if the subscriber is slow, drop one stale item
		// and retry once.
		select {
		case ch <- o:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- o:
			default:
			}
		}
	}
}

// Watch blocks until ctx is done, reloading the overrides file on change.
// Reloads are debounced to ride out partial editor writes; a parse or
// validation failure keeps the previous overrides in effect.
func (m *OverridesManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			o, err := m.parse()
			if err != nil {
				if os.IsNotExist(err) {
					m.log.Debug("overrides file removed; keeping current values", logx.String("path", m.path))
					return
				}
				m.log.Warn("overrides rejected", logx.String("path", m.path), logx.Err(err))
				return
			}
			m.mu.Lock()
			m.cur = o
			m.mu.Unlock()
			m.publish(o)
			m.log.Info("overrides reloaded", logx.String("path", m.path))
		})
	}

	// Recreate the watcher with backoff when it breaks (editor rename
	// storms, stale inotify handles).
	backoff := 250 * time.Millisecond
	const backoffMax = 5 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err == nil {
			err = w.Add(dir)
			if err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			m.log.Warn("overrides watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < backoffMax {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case werr, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if werr == nil {
					continue
				}
				m.log.Warn("overrides watch error", logx.Err(werr), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(werr.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < backoffMax {
			backoff *= 2
		}
	}
}
