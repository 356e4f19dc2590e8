// Package bootstrap holds the dependency providers shared by the coordinator
// and participant binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/health"
)

// Resources collects the health checks and closers of everything opened
// while the dependency graph is wired.
type Resources struct {
	mu       sync.Mutex
	checkers []health.Checker
	closers  []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

func NewResources() *Resources { return &Resources{} }

// Track registers v as a health checker and as a closer, whichever it
// implements. name labels close errors.
func (r *Resources) Track(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := v.(health.Checker); ok {
		r.checkers = append(r.checkers, c)
	}
	if c, ok := v.(io.Closer); ok {
		r.closers = append(r.closers, namedCloser{name: name, Closer: c})
	}
}

func (r *Resources) Checkers() []health.Checker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.checkers)
}

// Shutdown closes tracked resources in reverse order of registration.
func (r *Resources) Shutdown(_ context.Context) error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}
