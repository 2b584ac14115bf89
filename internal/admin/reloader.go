package admin

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"denim/internal/authz"
	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/store"
)

// Reloader re-reads the app definition and brings the database and the
// authorizer in line with it.
type Reloader struct {
	mu         sync.Mutex
	provider   *engine.Provider
	source     metadata.Source
	migrator   *store.Migrator
	authorizer *authz.Authorizer
	logger     *zap.SugaredLogger
}

// NewReloader returns a Reloader. migrator may be nil when no table is
// stored in SQL.
func NewReloader(p *engine.Provider, src metadata.Source, mig *store.Migrator, a *authz.Authorizer, logger *zap.SugaredLogger) *Reloader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reloader{provider: p, source: src, migrator: mig, authorizer: a, logger: logger}
}

// Reload swaps in the current definition. A definition whose roles do not
// validate is rolled back.
func (r *Reloader) Reload(ctx context.Context) (*metadata.AppDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg := r.provider.Registry()
	previous := reg.Snapshot()

	def, err := r.provider.ReloadSchema(r.source)
	if err != nil {
		return nil, err
	}
	if err := r.authorizer.ValidateRoles(); err != nil {
		if rbErr := reg.Load(previous); rbErr != nil {
			r.logger.Errorw("rollback failed", "error", rbErr)
		}
		r.provider.Validators().Purge()
		return nil, fmt.Errorf("invalid roles: %w", err)
	}
	if r.migrator != nil {
		if err := r.migrator.MigrateAll(ctx, reg); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return def, nil
}

// Watch reloads whenever the definition file at path changes, until ctx is
// done. Bursts of events are coalesced.
func (r *Reloader) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// editors replace files by rename, so watch the directory
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer w.Close()
		const settle = 200 * time.Millisecond
		timer := time.NewTimer(settle)
		timer.Stop()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				timer.Reset(settle)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Warnw("schema watcher error", "error", err)
			case <-timer.C:
				def, err := r.Reload(ctx)
				if err != nil {
					r.logger.Errorw("schema reload failed", "path", path, "error", err)
					continue
				}
				r.logger.Infow("schema file reloaded", "path", path, "tables", len(def.Tables))
			}
		}
	}()
	return nil
}
