// Package cache memoizes expensive function results on disk. Results are
// keyed by the function name plus the rendered argument literals, stored as
// JSON payload files next to a SQLite index, and aged out after a
// configurable maximum age.
package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"diskcache/internal/config"
	"diskcache/internal/index"
	"diskcache/internal/payload"
	"diskcache/internal/repr"
	"diskcache/internal/watch"
	"diskcache/pkg/callreport"
)

// Cache owns a payload directory and its index.
type Cache struct {
	dir           string
	idx           *index.Index
	defaultMaxAge time.Duration
	log           *zap.Logger
}

// Options tunes Open beyond what config.Config carries.
type Options struct {
	// Logger receives cache activity; nil means no logging.
	Logger *zap.Logger

	// SkipInitialPrune leaves stale entries in place at open time.
	SkipInitialPrune bool
}

// Open prepares the cache directory, opens the index and prunes entries
// that went stale since the last run.
func Open(cfg config.Config, opts Options) (*Cache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", cfg.Dir, err)
	}

	idx, err := index.Open(cfg.IndexPath(), cfg.LockMaxWaitDuration())
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Cache{
		dir:           cfg.Dir,
		idx:           idx,
		defaultMaxAge: cfg.DefaultMaxAge(),
		log:           log,
	}

	if !opts.SkipInitialPrune {
		if removed, err := c.Prune(context.Background()); err != nil {
			log.Warn("initial prune failed", zap.Error(err))
		} else if removed > 0 {
			log.Info("pruned stale cache entries", zap.Int("removed", removed))
		}
	}
	return c, nil
}

// Close closes the index. Wrapped functions must not be called afterwards.
func (c *Cache) Close() error {
	return c.idx.Close()
}

// Dir returns the payload directory.
func (c *Cache) Dir() string {
	return c.dir
}

// key builds the payload filename stem for a call: the function name joined
// with the SHA-1 of name and rendered arguments. Filtered kwargs feed the
// hash, so excluded payload arguments never influence the key.
func key(name, argsRepr, kwargsRepr string) string {
	sum := sha1.Sum([]byte(name + "_" + argsRepr + "_" + kwargsRepr))
	return name + "_" + hex.EncodeToString(sum[:])
}

// Prune removes entries past their max age and entries whose payload file
// vanished, deleting payload files as it goes.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	stale, err := c.idx.Stale(time.Now())
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		c.log.Info("removing stale cache entry",
			zap.String("function", e.Function),
			zap.String("file", e.FileName),
			zap.Duration("max_age", e.MaxAge))
		if err := payload.Remove(c.dir, e.FileName); err != nil {
			return removed, err
		}
		if err := c.idx.Delete(e.Function, e.ArgsRepr, e.KwargsRepr); err != nil {
			return removed, err
		}
		removed++
	}

	// Rows whose payload disappeared behind our back are dead weight.
	all, err := c.idx.All()
	if err != nil {
		return removed, err
	}
	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if _, statErr := os.Stat(c.payloadPath(e.FileName)); os.IsNotExist(statErr) {
			c.log.Warn("cache payload missing, dropping entry",
				zap.String("function", e.Function),
				zap.String("file", e.FileName))
			if err := c.idx.Delete(e.Function, e.ArgsRepr, e.KwargsRepr); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// MigrateLegacyNames renames payload files that still carry pre-hash
// sequential names to the current name_<sha1> scheme and updates the index.
func (c *Cache) MigrateLegacyNames(ctx context.Context) error {
	all, err := c.idx.All()
	if err != nil {
		return err
	}
	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := key(e.Function, e.ArgsRepr, e.KwargsRepr) + ".json"
		if e.FileName == want {
			continue
		}
		c.log.Info("renaming cache payload",
			zap.String("from", e.FileName),
			zap.String("to", want))
		if err := os.Rename(c.payloadPath(e.FileName), c.payloadPath(want)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("cache: rename %s: %w", e.FileName, err)
		}
		if err := c.idx.RenameFile(e.FileName, want); err != nil {
			return err
		}
	}
	return nil
}

// ClearFunction removes every entry and payload for the named function.
func (c *Cache) ClearFunction(name string) error {
	files, err := c.idx.DeleteFunction(name)
	if err != nil {
		return err
	}
	c.log.Info("cleared cache for function",
		zap.String("function", name), zap.Int("entries", len(files)))
	return c.removeFiles(context.Background(), files)
}

// SizeOf returns the number of cached entries for the named function.
func (c *Cache) SizeOf(name string) (int, error) {
	return c.idx.CountFunction(name)
}

// Functions returns per-function entry and hit totals from the index.
func (c *Cache) Functions() ([]index.FunctionStats, error) {
	return c.idx.Functions()
}

// Watch starts a reconciler that evicts index rows when payload files are
// deleted externally. Stop it by cancelling ctx.
func (c *Cache) Watch(ctx context.Context) (*watch.Reconciler, error) {
	return watch.Start(ctx, c.dir, c.idx, c.log)
}

func (c *Cache) payloadPath(name string) string {
	return filepath.Join(c.dir, name)
}

// removeFiles deletes payload files concurrently.
func (c *Cache) removeFiles(ctx context.Context, files []string) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, f := range files {
		f := f
		g.Go(func() error {
			return payload.Remove(c.dir, f)
		})
	}
	return g.Wait()
}

// lookup returns the cached value for the rendered key triple, pruning the
// entry when it is stale or its payload is unreadable.
func (c *Cache) lookup(name, argsRepr, kwargsRepr string) (any, bool, error) {
	now := time.Now()
	e, ok, err := c.idx.Lookup(name, argsRepr, kwargsRepr, now)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	if e.Stale(now) {
		c.log.Info("cache entry stale, removing",
			zap.String("function", name), zap.String("file", e.FileName))
		if err := payload.Remove(c.dir, e.FileName); err != nil {
			return nil, false, err
		}
		if err := c.idx.Delete(name, argsRepr, kwargsRepr); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	value, ok := payload.Read(c.dir, e.FileName)
	if !ok {
		c.log.Warn("cache payload unreadable, treating as miss",
			zap.String("function", name), zap.String("file", e.FileName))
		if err := c.idx.Delete(name, argsRepr, kwargsRepr); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return value, true, nil
}

// store writes the payload and records the entry.
func (c *Cache) store(name, argsRepr, kwargsRepr string, maxAge time.Duration, value any) error {
	file := key(name, argsRepr, kwargsRepr) + ".json"
	if err := payload.Write(c.dir, file, name, value); err != nil {
		return err
	}
	now := time.Now()
	return c.idx.Put(index.Entry{
		Function:     name,
		ArgsRepr:     argsRepr,
		KwargsRepr:   kwargsRepr,
		FileName:     file,
		MaxAge:       maxAge,
		CreatedAt:    now,
		LastAccessed: now,
	})
}

// renderKey applies kwargs exclusion and renders the key literals for a
// call. Positional arguments combined with a non-empty exclusion set are a
// contract violation, same as in callreport.
func renderKey(exclude []string, args callreport.Args, kwargs callreport.Kwargs) (argsRepr, kwargsRepr string, err error) {
	if len(exclude) > 0 {
		if len(args) > 0 {
			return "", "", &callreport.ContractViolationError{
				Excluded:   append([]string(nil), exclude...),
				Positional: len(args),
			}
		}
		kwargs = kwargs.Without(exclude...)
	}
	pairs := make([]repr.Pair, len(kwargs))
	for i, kv := range kwargs {
		pairs[i] = repr.Pair{Key: kv.Key, Value: kv.Value}
	}
	return repr.Tuple(args), repr.Map(pairs), nil
}
