// Package harness defines the lifecycle contract shared by everything the
// acceptance suite provisions, plus a teardown stack for cleaning up
// partially-created resource sets.
package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Harness is an ephemeral test resource: created before a scenario runs,
// destroyed after it, no matter how the scenario ended.
type Harness interface {
	Create(context.Context) error
	Destroy(context.Context) error
}

// Stack is a LIFO queue of teardown functions. Resources push their
// destructor immediately after successful creation; Teardown then destroys
// everything in reverse creation order, attempting every entry and joining
// whatever errors occur.
type Stack struct {
	mu          sync.Mutex
	destructors []func(context.Context) error
	done        bool
}

// Push queues a destructor. Pushing after Teardown has run reports an
// error, since the destructor would never be called.
func (s *Stack) Push(fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("teardown already done")
	}
	s.destructors = append(s.destructors, fn)
	return nil
}

// Teardown runs all queued destructors in reverse order. Every destructor
// is attempted regardless of earlier failures; the joined errors are
// returned. Teardown runs at most once.
func (s *Stack) Teardown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return fmt.Errorf("teardown already done")
	}
	s.done = true
	destructors := s.destructors
	s.mu.Unlock()

	var errs error
	for _, destructor := range slices.Backward(destructors) {
		errs = errors.Join(errs, destructor(ctx))
	}
	return errs
}
