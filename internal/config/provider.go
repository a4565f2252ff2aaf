package config

import (
	"binance-momentum-bot-go/internal/models"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Provider serves the current configuration and reloads it when the file changes.
type Provider struct {
	path    string
	current atomic.Pointer[models.Config]
	logger  *zap.Logger

	mu        sync.Mutex
	modTime   time.Time
	listeners []func(*models.Config)
}

// NewProvider loads path and returns a provider watching it.
func NewProvider(path string, logger *zap.Logger) (*Provider, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, logger: logger}
	p.current.Store(cfg)
	if fi, err := os.Stat(path); err == nil {
		p.modTime = fi.ModTime()
	}
	return p, nil
}

// NewStaticProvider wraps a fixed configuration. Reload is a no-op.
func NewStaticProvider(cfg *models.Config) *Provider {
	p := &Provider{logger: zap.NewNop()}
	p.current.Store(cfg)
	return p
}

// Current returns the active configuration. Callers must not mutate it.
func (p *Provider) Current() *models.Config {
	return p.current.Load()
}

// Set replaces the configuration and notifies listeners.
func (p *Provider) Set(cfg *models.Config) {
	p.current.Store(cfg)
	p.mu.Lock()
	ls := append([]func(*models.Config){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range ls {
		fn(cfg)
	}
}

// OnChange registers fn to be called after every successful reload.
func (p *Provider) OnChange(fn func(*models.Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// Reload re-reads the file if its modification time moved. An invalid file keeps
// the previous configuration in place and returns the error.
func (p *Provider) Reload() (bool, error) {
	if p.path == "" {
		return false, nil
	}
	fi, err := os.Stat(p.path)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	unchanged := !fi.ModTime().After(p.modTime)
	p.modTime = fi.ModTime()
	p.mu.Unlock()
	if unchanged {
		return false, nil
	}

	cfg, err := LoadConfig(p.path)
	if err != nil {
		p.logger.Warn("Config reload failed, keeping current config", zap.String("path", p.path), zap.Error(err))
		return false, err
	}
	p.Set(cfg)
	p.logger.Info("Config reloaded", zap.String("path", p.path))
	return true, nil
}
