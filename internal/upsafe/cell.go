// Package upsafe provides the kernel's single-core exclusive-access guard.
//
// A Cell grants exactly one accessor at a time to the value it wraps. The
// guard must be released before any control transfer: a flow that parks in
// switcher.Switch while holding a guard blocks every other flow that needs
// the same cell, and the kernel stops.
//
// A multi-core kernel would need per-core Processor instances and a ready
// list safe for concurrent use; Cell only serialises, it does not scale.
package upsafe

import "sync"

// Cell wraps a value of type T behind an exclusive-access guard.
type Cell[T any] struct {
	mu    sync.Mutex
	value T
}

// New returns a Cell holding v.
func New[T any](v T) *Cell[T] {
	return &Cell[T]{value: v}
}

// ExclusiveAccess acquires the guard and returns the wrapped value together
// with the function that releases it. Callers must call release exactly once,
// and always before transferring control away from the current flow.
func (c *Cell[T]) ExclusiveAccess() (v *T, release func()) {
	c.mu.Lock()
	var once sync.Once
	return &c.value, func() { once.Do(c.mu.Unlock) }
}

// With runs fn while holding the guard.
func (c *Cell[T]) With(fn func(v *T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.value)
}

// Get runs fn while holding the guard and returns its result.
func Get[T, R any](c *Cell[T], fn func(v *T) R) R {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&c.value)
}
