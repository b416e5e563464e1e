package diff

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/auditledger/pkg/async"
	"github.com/platinummonkey/auditledger/pkg/observability"
)

// Provider holds the active dictionary snapshot. Readers never block; a
// reload replaces the whole snapshot.
type Provider struct {
	current atomic.Pointer[Dictionary]
}

// NewProvider creates a provider seeded with d, or the defaults when d is nil
func NewProvider(d *Dictionary) *Provider {
	p := &Provider{}
	if d == nil {
		d = DefaultDictionary()
	}
	p.current.Store(d)
	return p
}

// Current implements Source
func (p *Provider) Current() *Dictionary {
	return p.current.Load()
}

// Set swaps the snapshot
func (p *Provider) Set(d *Dictionary) {
	if d != nil {
		p.current.Store(d)
	}
}

// FileProvider reloads dictionaries from a YAML file
type FileProvider struct {
	*Provider
	path   string
	logger *observability.Logger
}

// NewFileProvider creates a provider for path. The defaults stay active until
// the first successful reload.
func NewFileProvider(path string, logger *observability.Logger) *FileProvider {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &FileProvider{
		Provider: NewProvider(nil),
		path:     path,
		logger:   logger.WithField("component", "dictionary"),
	}
}

// Name identifies the provider in scheduler logs and metrics
func (p *FileProvider) Name() string { return "dictionary" }

// Reload reads the file and swaps the snapshot. On error the previous
// snapshot stays in effect.
func (p *FileProvider) Reload(_ context.Context) error {
	d, err := LoadFile(p.path)
	if err != nil {
		return err
	}
	p.Set(d)
	p.logger.WithField("resources", len(d.Resources)).Debug("dictionary reloaded")
	return nil
}

// Watch reloads whenever the file changes until ctx is done
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the directory so editors that replace the file are seen
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", p.path, err)
	}

	async.SafeGo(ctx, 0, "dictionary watcher", p.logger, func(ctx context.Context) error {
		defer watcher.Close()
		target := filepath.Clean(p.path)
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := p.Reload(ctx); err != nil {
					p.logger.WithError(err).Warn("dictionary reload after change failed")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				p.logger.WithError(err).Warn("dictionary watcher error")
			}
		}
	})
	return nil
}
