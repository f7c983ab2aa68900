package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"diskcache/pkg/callreport"
)

// Stats counts cache activity for one wrapped function.
type Stats struct {
	Hits    uint64
	Misses  uint64
	NoCache uint64
}

// NoCacheError lets a wrapped function deliver a value to the caller while
// preventing it from being cached, e.g. a partial response after a network
// failure that is likely temporary.
type NoCacheError struct {
	Value any
}

func (e *NoCacheError) Error() string {
	return "cache: result flagged as not cacheable"
}

// NoCache wraps value in a *NoCacheError for returning from a wrapped
// function.
func NoCache(value any) error {
	return &NoCacheError{Value: value}
}

// Fn is a memoized function handle.
type Fn struct {
	cache    *Cache
	name     string
	fn       callreport.Func
	maxAge   time.Duration
	exclude  []string
	reporter *callreport.Reporter

	mu    sync.Mutex
	stats Stats
}

// WrapOption tunes a single wrapped function.
type WrapOption func(*Fn)

// WithMaxAge overrides the cache's default max age for this function.
// Zero keeps results forever.
func WithMaxAge(d time.Duration) WrapOption {
	return func(f *Fn) { f.maxAge = d }
}

// WithExclude removes the named keyword arguments from the cache key, so
// that bulky payload arguments don't fragment the cache. Calls must then be
// keyword-only; positional arguments raise a contract violation.
func WithExclude(names ...string) WrapOption {
	return func(f *Fn) { f.exclude = append([]string(nil), names...) }
}

// WithReporter reports every invocation through r before the cache lookup.
func WithReporter(r *callreport.Reporter) WrapOption {
	return func(f *Fn) { f.reporter = r }
}

// Wrap returns a memoized handle for fn. name must be stable across runs:
// it namespaces the function's entries in the index and on disk.
func (c *Cache) Wrap(name string, fn callreport.Func, opts ...WrapOption) *Fn {
	f := &Fn{cache: c, name: name, fn: fn, maxAge: c.defaultMaxAge}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Call looks the arguments up in the cache, invoking the wrapped function
// only on a miss. The result of a miss is stored unless the function flags
// it with NoCache.
func (f *Fn) Call(ctx context.Context, args callreport.Args, kwargs callreport.Kwargs) (any, error) {
	if f.reporter != nil {
		if err := f.reporter.Report(f.name, args, kwargs); err != nil {
			return nil, err
		}
	}

	argsRepr, kwargsRepr, err := renderKey(f.exclude, args, kwargs)
	if err != nil {
		return nil, err
	}

	value, ok, err := f.cache.lookup(f.name, argsRepr, kwargsRepr)
	if err != nil {
		return nil, err
	}
	if ok {
		f.count(func(s *Stats) { s.Hits++ })
		f.cache.log.Debug("cache hit",
			zap.String("function", f.name), zap.String("args", argsRepr))
		return value, nil
	}

	f.count(func(s *Stats) { s.Misses++ })
	f.cache.log.Debug("cache miss",
		zap.String("function", f.name),
		zap.String("args", argsRepr),
		zap.String("kwargs", kwargsRepr))

	value, err = f.fn(ctx, args, kwargs)
	if err != nil {
		var nc *NoCacheError
		if errors.As(err, &nc) {
			f.count(func(s *Stats) { s.NoCache++ })
			f.cache.log.Debug("result flagged no-cache", zap.String("function", f.name))
			return nc.Value, nil
		}
		return nil, err
	}

	if err := f.cache.store(f.name, argsRepr, kwargsRepr, f.maxAge, value); err != nil {
		return nil, fmt.Errorf("cache: store %s: %w", f.name, err)
	}
	return value, nil
}

// Stats returns a snapshot of the hit/miss/nocache counters.
func (f *Fn) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// ClearCache removes every cached entry for this function.
func (f *Fn) ClearCache() error {
	return f.cache.ClearFunction(f.name)
}

// CacheSize returns the number of cached entries for this function.
func (f *Fn) CacheSize() (int, error) {
	return f.cache.SizeOf(f.name)
}

func (f *Fn) count(update func(*Stats)) {
	f.mu.Lock()
	update(&f.stats)
	f.mu.Unlock()
}
