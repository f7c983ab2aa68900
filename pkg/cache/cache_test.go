package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskcache/internal/config"
	"diskcache/pkg/callreport"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cfg := config.Config{
		Dir:         t.TempDir(),
		IndexFile:   "cache_index.db",
		LockMaxWait: "5s",
	}
	c, err := Open(cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func countingFunc(calls *int, result any) callreport.Func {
	return func(ctx context.Context, args callreport.Args, kwargs callreport.Kwargs) (any, error) {
		*calls++
		return result, nil
	}
}

func TestCall_MissThenHit(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("gen_datasets", countingFunc(&calls, map[string]any{"rows": []any{1.0, 2.0}}))

	kwargs := callreport.Kwargs{{Key: "symbol_id", Value: "ETHUSDT"}}
	ctx := context.Background()

	first, err := fn.Call(ctx, nil, kwargs)
	require.NoError(t, err)
	second, err := fn.Call(ctx, nil, kwargs)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "second call must come from cache")
	assert.Equal(t, first, second)
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, fn.Stats())

	size, err := fn.CacheSize()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestCall_DistinctArgsDistinctEntries(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", func(ctx context.Context, args callreport.Args, kwargs callreport.Kwargs) (any, error) {
		calls++
		return args[0], nil
	})

	ctx := context.Background()
	a, err := fn.Call(ctx, callreport.Args{"x"}, nil)
	require.NoError(t, err)
	b, err := fn.Call(ctx, callreport.Args{"y"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "x", a)
	assert.Equal(t, "y", b)
	assert.Equal(t, 2, calls)
}

func TestCall_ExcludedKwargsDoNotFragmentKey(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("gen", countingFunc(&calls, "result"), WithExclude("datasets"))

	ctx := context.Background()
	_, err := fn.Call(ctx, nil, callreport.Kwargs{
		{Key: "datasets", Value: []int{1, 2, 3}},
		{Key: "symbol_id", Value: "ETHUSDT"},
	})
	require.NoError(t, err)

	// Different excluded payload, same remaining kwargs: must hit.
	_, err = fn.Call(ctx, nil, callreport.Kwargs{
		{Key: "datasets", Value: []int{9, 9, 9}},
		{Key: "symbol_id", Value: "ETHUSDT"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, fn.Stats())
}

func TestCall_ExclusionWithPositionalFails(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("gen", countingFunc(&calls, nil), WithExclude("datasets"))

	_, err := fn.Call(context.Background(), callreport.Args{1}, nil)
	var cv *callreport.ContractViolationError
	require.ErrorAs(t, err, &cv)
	assert.Zero(t, calls)
	assert.Equal(t, Stats{}, fn.Stats())
}

func TestCall_NoCacheResult(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("flaky", func(ctx context.Context, args callreport.Args, kwargs callreport.Kwargs) (any, error) {
		calls++
		return nil, NoCache("partial")
	})

	ctx := context.Background()
	got, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial", got)

	// Nothing was cached, so the function runs again.
	_, err = fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, Stats{Misses: 2, NoCache: 2}, fn.Stats())

	size, err := fn.CacheSize()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestCall_ErrorNotCached(t *testing.T) {
	c := openTestCache(t)
	sentinel := errors.New("boom")
	fail := true
	fn := c.Wrap("f", func(ctx context.Context, args callreport.Args, kwargs callreport.Kwargs) (any, error) {
		if fail {
			return nil, sentinel
		}
		return "ok", nil
	})

	ctx := context.Background()
	_, err := fn.Call(ctx, nil, nil)
	assert.ErrorIs(t, err, sentinel)

	fail = false
	got, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestCall_Expiry(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"), WithMaxAge(50*time.Millisecond))

	ctx := context.Background()
	_, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, err = fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "stale entry must be refreshed")
}

func TestCall_ZeroMaxAgeKeepsForever(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"), WithMaxAge(0))

	ctx := context.Background()
	_, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestCall_CorruptPayloadIsMiss(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"))

	ctx := context.Background()
	_, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)

	// Truncate the payload behind the cache's back.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), e.Name()), []byte("garbage"), 0o644))
		}
	}

	got, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, 2, calls)
}

func TestCall_WithReporter(t *testing.T) {
	c := openTestCache(t)
	var buf bytes.Buffer
	rep := callreport.New(callreport.WithExclude("datasets"), callreport.WithOutput(&buf))

	calls := 0
	fn := c.Wrap("gen_LOBDatasets", countingFunc(&calls, "done"),
		WithExclude("datasets"), WithReporter(rep))

	_, err := fn.Call(context.Background(), nil, callreport.Kwargs{
		{Key: "datasets", Value: []int{1, 2, 3}},
		{Key: "symbol_id", Value: "ETHUSDT"},
		{Key: "cusum_vol_clip", Value: []float64{0.0001, 0.0002}},
		{Key: "target_filter", Value: 0.0003},
	})
	require.NoError(t, err)

	want := "original_func name: gen_LOBDatasets\n" +
		"args: ()\n" +
		"kwargs: {'symbol_id': 'ETHUSDT', 'cusum_vol_clip': [0.0001, 0.0002], 'target_filter': 0.0003}\n"
	assert.Equal(t, want, buf.String())
	assert.Equal(t, 1, calls)
}

func TestCall_ReporterViolationSkipsEverything(t *testing.T) {
	c := openTestCache(t)
	var buf bytes.Buffer
	rep := callreport.New(callreport.WithExclude("datasets"), callreport.WithOutput(&buf))

	calls := 0
	fn := c.Wrap("gen", countingFunc(&calls, nil), WithReporter(rep))

	_, err := fn.Call(context.Background(), callreport.Args{"positional"}, nil)
	var cv *callreport.ContractViolationError
	require.ErrorAs(t, err, &cv)
	assert.Zero(t, buf.Len())
	assert.Zero(t, calls)
}

func TestClearCache(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"))

	ctx := context.Background()
	_, err := fn.Call(ctx, callreport.Args{1}, nil)
	require.NoError(t, err)
	_, err = fn.Call(ctx, callreport.Args{2}, nil)
	require.NoError(t, err)

	require.NoError(t, fn.ClearCache())
	size, err := fn.CacheSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	// Payload files are gone too.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".json", filepath.Ext(e.Name()))
	}

	_, err = fn.Call(ctx, callreport.Args{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPrune_RemovesStaleAndOrphans(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	stale := c.Wrap("stale_fn", countingFunc(&calls, "v"), WithMaxAge(30*time.Millisecond))
	fresh := c.Wrap("fresh_fn", countingFunc(&calls, "v"))

	ctx := context.Background()
	_, err := stale.Call(ctx, nil, nil)
	require.NoError(t, err)
	_, err = fresh.Call(ctx, nil, nil)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	removed, err := c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := c.SizeOf("stale_fn")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.SizeOf("fresh_fn")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Delete the fresh payload file directly; prune drops the orphan row.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			require.NoError(t, os.Remove(filepath.Join(c.Dir(), e.Name())))
		}
	}
	removed, err = c.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestOpen_InitialPrune(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{Dir: dir, IndexFile: "cache_index.db", LockMaxWait: "5s"}

	c, err := Open(cfg, Options{})
	require.NoError(t, err)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"), WithMaxAge(30*time.Millisecond))
	_, err = fn.Call(context.Background(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	time.Sleep(80 * time.Millisecond)

	c2, err := Open(cfg, Options{})
	require.NoError(t, err)
	defer c2.Close()
	n, err := c2.SizeOf("f")
	require.NoError(t, err)
	assert.Zero(t, n, "stale entries are pruned at open")
}

func TestMigrateLegacyNames(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"))

	ctx := context.Background()
	_, err := fn.Call(ctx, nil, callreport.Kwargs{{Key: "n", Value: 1}})
	require.NoError(t, err)

	// Simulate a legacy sequentially-named payload.
	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	var hashed string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			hashed = e.Name()
		}
	}
	require.NotEmpty(t, hashed)
	require.NoError(t, os.Rename(filepath.Join(c.Dir(), hashed), filepath.Join(c.Dir(), "1.json")))
	require.NoError(t, c.idx.RenameFile(hashed, "1.json"))

	require.NoError(t, c.MigrateLegacyNames(ctx))

	// The hashed name is back and lookups hit again.
	_, err = os.Stat(filepath.Join(c.Dir(), hashed))
	require.NoError(t, err)
	_, err = fn.Call(ctx, nil, callreport.Kwargs{{Key: "n", Value: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWatch_EvictsExternallyRemovedPayloads(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fn := c.Wrap("f", countingFunc(&calls, "v"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := fn.Call(ctx, nil, nil)
	require.NoError(t, err)

	rec, err := c.Watch(ctx)
	require.NoError(t, err)
	defer rec.Close()

	entries, err := os.ReadDir(c.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			require.NoError(t, os.Remove(filepath.Join(c.Dir(), e.Name())))
		}
	}

	assert.Eventually(t, func() bool {
		n, err := c.SizeOf("f")
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}
