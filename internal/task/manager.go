package task

import (
	"container/list"
	"fmt"

	"github.com/me/stridek/internal/upsafe"
)

// Manager owns the ready list and picks the next task by stride.
type Manager struct {
	ready *upsafe.Cell[*list.List]
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{ready: upsafe.New(list.New())}
}

// Add appends t to the tail of the ready list. Exited tasks are never
// dispatched again; queueing one panics.
func (m *Manager) Add(t *TaskControlBlock) {
	if status := t.Status(); status.IsTerminal() {
		panic(fmt.Sprintf("task: %v queued in status %s", t, status))
	}
	m.ready.With(func(l **list.List) { (*l).PushBack(t) })
}

// Fetch removes and returns the ready task with the lowest stride. Among
// equal strides the earliest inserted wins. It returns false when no task is
// ready.
func (m *Manager) Fetch() (*TaskControlBlock, bool) {
	l, release := m.ready.ExclusiveAccess()
	defer release()

	var (
		min       *list.Element
		minStride uint64
	)
	for e := (*l).Front(); e != nil; e = e.Next() {
		stride := e.Value.(*TaskControlBlock).Stride()
		if min == nil || stride < minStride {
			min, minStride = e, stride
		}
	}
	if min == nil {
		return nil, false
	}
	return (*l).Remove(min).(*TaskControlBlock), true
}

// Len returns the number of ready tasks.
func (m *Manager) Len() int {
	return upsafe.Get(m.ready, func(l **list.List) int { return (*l).Len() })
}

// Snapshot returns the ready tasks in insertion order without removing them.
func (m *Manager) Snapshot() []*TaskControlBlock {
	return upsafe.Get(m.ready, func(l **list.List) []*TaskControlBlock {
		out := make([]*TaskControlBlock, 0, (*l).Len())
		for e := (*l).Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*TaskControlBlock))
		}
		return out
	})
}

// Drain empties the ready list and returns what it held.
func (m *Manager) Drain() []*TaskControlBlock {
	return upsafe.Get(m.ready, func(l **list.List) []*TaskControlBlock {
		out := make([]*TaskControlBlock, 0, (*l).Len())
		for e := (*l).Front(); e != nil; e = e.Next() {
			out = append(out, e.Value.(*TaskControlBlock))
		}
		(*l).Init()
		return out
	})
}
