// Package file provides file-based configuration with hot reload.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tjfontaine/reputation-gateway/internal/config"
)

// debounce collapses the burst of events an editor produces on save.
const debounce = 100 * time.Millisecond

// Provider loads the config file and reloads it when the file changes.
type Provider struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	watcher *fsnotify.Watcher
	current *config.Config
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider creates a provider for the config file at path.
func NewProvider(path string, opts ...Option) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	p := &Provider{path: abs, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Path returns the absolute path of the watched file.
func (p *Provider) Path() string {
	return p.path
}

// Load reads and validates the config file.
func (p *Provider) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(p.path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.current = cfg
	p.mu.Unlock()

	p.logger.Info("config loaded", slog.String("path", p.path))
	return cfg, nil
}

// Current returns the last successfully loaded config.
func (p *Provider) Current() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Watch calls onChange with each successfully reloaded config until ctx is
// done. The parent directory is watched so atomic replace-on-save is seen. A
// config that fails to load or validate is logged and the previous one stays
// in effect.
func (p *Provider) Watch(ctx context.Context, onChange func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	p.logger.Info("watching config file for changes", slog.String("path", p.path))

	go p.loop(ctx, watcher, onChange)
	return nil
}

func (p *Provider) loop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(*config.Config)) {
	defer watcher.Close()

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("config watch stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			p.logger.Info("config file changed, reloading", slog.String("path", p.path))

			cfg, err := config.Load(p.path)
			if err != nil {
				p.logger.Error("failed to reload config",
					slog.String("error", err.Error()),
					slog.String("path", p.path))
				continue
			}

			p.mu.Lock()
			p.current = cfg
			p.mu.Unlock()

			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("config watch error", slog.String("error", err.Error()))
		}
	}
}

// Close stops watching the config file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}
