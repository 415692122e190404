// Package switcher implements the control-transfer primitive: it moves the
// single logical CPU from one saved execution context to another.
//
// Each Context is backed by its own goroutine stack. Exactly one context
// holding a flow is runnable at a time; all others are parked on their
// resume channel. Switch(save, restore) wakes restore and then parks the
// caller on save, so control does not return to the caller until some other
// flow later switches back into save.
package switcher

import (
	"runtime"
	"sync"
)

// Context is a saved execution context. The zero value is not usable; create
// one with NewIdle or New.
type Context struct {
	resume chan bool // true resumes the flow, false abandons it
	entry  func()
	start  sync.Once
}

// NewIdle returns a context for a flow that already exists, such as the
// dispatch loop's own goroutine. It is filled in by the first Switch that
// saves into it.
func NewIdle() *Context {
	return &Context{resume: make(chan bool, 1)}
}

// New returns a context whose flow begins executing entry the first time it
// is restored. entry must never return: it has to leave the CPU through a
// Switch, usually one with a nil save location.
func New(entry func()) *Context {
	return &Context{resume: make(chan bool, 1), entry: entry}
}

// Switcher transfers the CPU between two contexts.
type Switcher interface {
	// Switch saves the calling flow into saveInto and restores restoreFrom.
	// It returns only after another flow switches back into saveInto.
	// A nil saveInto abandons the calling flow instead.
	Switch(saveInto, restoreFrom *Context)
}

// Handoff is the goroutine-backed Switcher.
type Handoff struct{}

// Switch implements Switcher.
func (Handoff) Switch(saveInto, restoreFrom *Context) {
	restoreFrom.launch()
	restoreFrom.resume <- true

	if saveInto == nil {
		runtime.Goexit()
	}
	if !<-saveInto.resume {
		runtime.Goexit()
	}
}

// Abandon discards a parked or never-started flow. The flow's goroutine, if
// any, exits without running further user code. Abandoning the context of the
// currently executing flow is a caller error.
func (c *Context) Abandon() {
	c.start.Do(func() {}) // a context abandoned before its first restore never starts
	select {
	case c.resume <- false:
	default:
	}
}

func (c *Context) launch() {
	if c.entry == nil {
		return
	}
	c.start.Do(func() {
		go func() {
			if !<-c.resume {
				return
			}
			c.entry()
		}()
	})
}
