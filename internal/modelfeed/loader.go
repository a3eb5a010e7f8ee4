// Package modelfeed loads a per-device resource so that only the newest
// request can publish its result.
package modelfeed

import (
	"context"
	"errors"
	"sync"

	"github.com/meshled/meshpanel/internal/metrics"
)

// ErrSuperseded is returned by a load that was overtaken by a newer load or
// a Reset before it finished.
var ErrSuperseded = errors.New("superseded by a newer request")

// Loader serializes loads of one logical resource. Starting a load cancels
// the one in flight; a result that arrives after a newer load started is
// discarded.
type Loader[T any] struct {
	metrics *metrics.Metrics

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	current    T
	hasCurrent bool
}

// NewLoader creates a Loader. m may be nil.
func NewLoader[T any](m *metrics.Metrics) *Loader[T] {
	return &Loader[T]{metrics: m}
}

// Load runs fetch, cancelling any earlier load. The result is published and
// returned only if no newer Load or Reset happened meanwhile.
func (l *Loader[T]) Load(ctx context.Context, fetch func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.generation++
	gen := l.generation
	l.cancel = cancel
	l.mu.Unlock()

	value, err := fetch(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	if gen != l.generation {
		cancel()
		l.metrics.RecordModelSuperseded()
		return zero, ErrSuperseded
	}
	l.cancel = nil
	cancel()

	if err != nil {
		return zero, err
	}
	l.current = value
	l.hasCurrent = true
	return value, nil
}

// Reset cancels the load in flight and forgets the published value. Call it
// when the target device changes.
func (l *Loader[T]) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.generation++
	var zero T
	l.current = zero
	l.hasCurrent = false
}

// Current returns the last published value.
func (l *Loader[T]) Current() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current, l.hasCurrent
}
