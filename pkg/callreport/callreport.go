// Package callreport wraps functions so that every invocation prints the
// function name, positional arguments and keyword arguments before the call
// runs. Selected keyword arguments (large data payloads, credentials) can be
// suppressed from the report through an exclusion set.
//
// Because exclusion only works on named arguments, a reporter configured with
// a non-empty exclusion set refuses calls that carry positional arguments:
// letting those through would silently leak unfiltered values.
package callreport

import (
	"context"
	"fmt"
	"io"
	"os"

	"diskcache/internal/repr"
)

// Args holds the ordered positional arguments of a call.
type Args []any

// KV is a single keyword argument.
type KV struct {
	Key   string
	Value any
}

// Kwargs holds keyword arguments in the order the caller supplied them.
type Kwargs []KV

// Get returns the value for name and whether it is present.
func (k Kwargs) Get(name string) (any, bool) {
	for _, kv := range k {
		if kv.Key == name {
			return kv.Value, true
		}
	}
	return nil, false
}

// Has reports whether name is present.
func (k Kwargs) Has(name string) bool {
	_, ok := k.Get(name)
	return ok
}

// Without returns a copy of k with every named key removed.
// Names that are not present are ignored.
func (k Kwargs) Without(names ...string) Kwargs {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	out := make(Kwargs, 0, len(k))
	for _, kv := range k {
		if _, ok := drop[kv.Key]; ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (k Kwargs) pairs() []repr.Pair {
	ps := make([]repr.Pair, len(k))
	for i, kv := range k {
		ps[i] = repr.Pair{Key: kv.Key, Value: kv.Value}
	}
	return ps
}

// Func is the calling convention for wrapped functions.
type Func func(ctx context.Context, args Args, kwargs Kwargs) (any, error)

// ContractViolationError is returned when a reporter with a non-empty
// exclusion set is handed positional arguments.
type ContractViolationError struct {
	Excluded   []string
	Positional int
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("callreport: %d positional argument(s) passed with exclusion set %v; calls with excluded kwargs must be keyword-only", e.Positional, e.Excluded)
}

// Reporter renders invocation reports. The zero value reports everything
// to os.Stdout with no exclusions.
type Reporter struct {
	exclude []string
	out     io.Writer
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithExclude sets the keyword-argument names omitted from reports.
// The slice is copied; later mutation by the caller has no effect.
func WithExclude(names ...string) Option {
	return func(r *Reporter) {
		r.exclude = append([]string(nil), names...)
	}
}

// WithOutput redirects reports to w instead of os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Reporter) { r.out = w }
}

// New builds a Reporter.
func New(opts ...Option) *Reporter {
	r := &Reporter{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Excluded returns a copy of the configured exclusion set.
func (r *Reporter) Excluded() []string {
	return append([]string(nil), r.exclude...)
}

// Report writes the three-line invocation report for a call to name.
//
// If the exclusion set is non-empty and args is not empty the call violates
// the keyword-only contract: Report returns a *ContractViolationError and
// writes nothing.
func (r *Reporter) Report(name string, args Args, kwargs Kwargs) error {
	if len(r.exclude) > 0 && len(args) > 0 {
		return &ContractViolationError{
			Excluded:   append([]string(nil), r.exclude...),
			Positional: len(args),
		}
	}

	filtered := kwargs
	if len(r.exclude) > 0 {
		filtered = kwargs.Without(r.exclude...)
	}

	out := r.out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "original_func name: %s\nargs: %s\nkwargs: %s\n",
		name, repr.Tuple(args), repr.Map(filtered.pairs()))
	if err != nil {
		return fmt.Errorf("callreport: write report: %w", err)
	}
	return nil
}

// Wrap returns a function that reports each invocation and then forwards to
// fn, returning its result. A failed report (including the keyword-only
// contract violation) aborts the call before fn runs.
func (r *Reporter) Wrap(name string, fn Func) Func {
	return func(ctx context.Context, args Args, kwargs Kwargs) (any, error) {
		if err := r.Report(name, args, kwargs); err != nil {
			return nil, err
		}
		return fn(ctx, args, kwargs)
	}
}
