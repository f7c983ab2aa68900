// Package watch reconciles the cache index with external changes to the
// payload directory. When another process (or an operator) deletes payload
// files, the matching index rows are evicted so lookups don't chase files
// that no longer exist.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Evicter is the index operation the reconciler needs.
type Evicter interface {
	DeleteByFileName(name string) (int, error)
}

// Stats tracks reconciler activity.
type Stats struct {
	Removals  int
	Evictions int
	Errors    int
	LastEvent time.Time
}

// Reconciler watches a payload directory and evicts index rows for files
// removed behind the cache's back.
type Reconciler struct {
	watcher *fsnotify.Watcher
	dir     string
	idx     Evicter
	log     *zap.Logger
	doneCh  chan struct{}

	mu    sync.Mutex
	stats Stats
}

// Start begins watching dir. The reconciler stops when ctx is cancelled or
// Close is called.
func Start(ctx context.Context, dir string, idx Evicter, log *zap.Logger) (*Reconciler, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Reconciler{
		watcher: watcher,
		dir:     dir,
		idx:     idx,
		log:     log,
		doneCh:  make(chan struct{}),
	}
	go r.loop(ctx)
	return r, nil
}

// Close stops the reconciler and waits for its goroutine to exit.
func (r *Reconciler) Close() error {
	err := r.watcher.Close()
	<-r.doneCh
	return err
}

// Stats returns a snapshot of reconciler activity.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneCh)
	for {
		select {
		case <-ctx.Done():
			r.watcher.Close()
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handle(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("payload watcher error", zap.Error(err))
			r.mu.Lock()
			r.stats.Errors++
			r.mu.Unlock()
		}
	}
}

func (r *Reconciler) handle(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Base(event.Name)
	// Only payload files matter; index db files and staging files churn
	// as part of normal operation.
	if !strings.HasSuffix(name, ".json") {
		return
	}

	r.mu.Lock()
	r.stats.Removals++
	r.stats.LastEvent = time.Now()
	r.mu.Unlock()

	n, err := r.idx.DeleteByFileName(name)
	if err != nil {
		r.log.Warn("failed to evict index rows for removed payload",
			zap.String("file", name), zap.Error(err))
		r.mu.Lock()
		r.stats.Errors++
		r.mu.Unlock()
		return
	}
	if n > 0 {
		r.log.Info("evicted index rows for externally removed payload",
			zap.String("file", name), zap.Int("rows", n))
		r.mu.Lock()
		r.stats.Evictions += n
		r.mu.Unlock()
	}
}
