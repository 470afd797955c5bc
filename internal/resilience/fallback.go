package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all entries failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// Logger receives failover diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary value and zero or more fallbacks of the same
// type, each behind its own circuit breaker. Entries are tried in
// registration order; an entry whose breaker is open is skipped.
//
// Entries must be added before the group is shared. Execute is safe for
// concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	logger  *slog.Logger
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fg := &FallbackGroup[T]{cfg: cfg, logger: logger}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Logger == nil {
		cbCfg.Logger = fg.logger
	}
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Breaker returns the breaker of the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for i := range fg.entries {
		if fg.entries[i].name == name {
			return fg.entries[i].breaker
		}
	}
	return nil
}

// Execute tries fn against each entry until one succeeds. The error wraps
// [ErrAllFailed] and the last entry error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for functions that return a
// value. It is a package-level function because methods cannot take type
// parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			if i > 0 {
				fg.logger.Info("using fallback", "entry", entry.name)
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.logger.Debug("skipping entry (circuit open)", "entry", entry.name)
		} else {
			fg.logger.Warn("entry failed, trying next", "entry", entry.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
