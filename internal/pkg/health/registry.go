// Package health tracks the health of downstream dependencies (stores,
// brokers, gateways) for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Checker is implemented by every store and gateway with a backing service.
type Checker interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	ComponentName string
	Check         func(ctx context.Context) error
}

func (c CheckFunc) Name() string                          { return c.ComponentName }
func (c CheckFunc) HealthCheck(ctx context.Context) error { return c.Check(ctx) }

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
}

// New creates an empty registry; each check gets at most timeout, zero
// meaning the caller's deadline only.
func New(timeout time.Duration) *Registry {
	return &Registry{timeout: timeout}
}

func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers = append(r.checkers, checkers...)
}

// CheckAll runs every check concurrently and returns the results keyed by
// checker name. Nil values are healthy components.
func (r *Registry) CheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	checkers := make([]Checker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(checkers))
	)
	for _, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			cctx := ctx
			if r.timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, r.timeout)
				defer cancel()
			}
			err := c.HealthCheck(cctx)

			mu.Lock()
			results[c.Name()] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Healthy reports whether every result is nil.
func Healthy(results map[string]error) bool {
	for _, err := range results {
		if err != nil {
			return false
		}
	}
	return true
}
