// Package task holds the scheduling core: task control blocks, the ready
// list with its stride policy, and the processor that transfers the CPU
// between the dispatch loop and one task at a time.
package task

import (
	"errors"
	"fmt"

	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/internal/switcher"
	"github.com/me/stridek/internal/upsafe"
	"github.com/me/stridek/pkg/model"
)

// MinPriority is the lowest priority a task may run with.
const MinPriority = 2

// ErrInvalidPriority is returned for priorities below MinPriority.
var ErrInvalidPriority = errors.New("priority must be at least 2")

// TrapContext holds the user registers saved on trap entry.
type TrapContext struct {
	X       [32]uint64
	Sstatus uint64
	Sepc    uint64
}

// TaskControlBlock is a task handle. The same pointer is shared by the ready
// list and the processor's current slot, but it sits in at most one of them.
type TaskControlBlock struct {
	pid       int
	name      string
	bigStride uint64
	inner     *upsafe.Cell[TaskControlBlockInner]
}

// TaskControlBlockInner is the mutable part of a task, guarded separately
// from the ready list.
type TaskControlBlockInner struct {
	Status    model.TaskStatus
	Context   *switcher.Context
	TrapCx    TrapContext
	MemorySet *mm.MemorySet

	Priority uint64
	Pass     uint64
	// Stride never decreases; the scheduler reads it fresh on every scan.
	Stride uint64

	SyscallTimes [model.MaxSyscallNum]uint32
	// StartTime is the clock reading at first dispatch, valid once Started.
	StartTime  uint64
	Started    bool
	Dispatches uint64
	ExitCode   int
}

// NewTaskControlBlock creates a Ready task whose flow starts at entry.
func NewTaskControlBlock(pid int, name string, ms *mm.MemorySet, entry func(), bigStride, priority uint64) (*TaskControlBlock, error) {
	if priority < MinPriority {
		return nil, fmt.Errorf("task %q: %w", name, ErrInvalidPriority)
	}
	inner := TaskControlBlockInner{
		Status:    model.TaskStatusUnInit,
		Context:   switcher.New(entry),
		MemorySet: ms,
		Priority:  priority,
		Pass:      bigStride / priority,
	}
	inner.Transition(pid, model.TaskStatusReady)
	return &TaskControlBlock{
		pid:       pid,
		name:      name,
		bigStride: bigStride,
		inner:     upsafe.New(inner),
	}, nil
}

// Transition moves the task of the given pid to next. A move the lifecycle
// does not allow means the scheduler's bookkeeping is corrupt, so it panics.
func (in *TaskControlBlockInner) Transition(pid int, next model.TaskStatus) {
	if !in.Status.CanTransitionTo(next) {
		panic(&model.InvalidTransitionError{PID: pid, From: in.Status, To: next})
	}
	in.Status = next
}

// PID returns the task identifier.
func (t *TaskControlBlock) PID() int { return t.pid }

// Name returns the task name.
func (t *TaskControlBlock) Name() string { return t.name }

// InnerExclusiveAccess acquires the task's guard. release must be called
// before the task's flow is switched away from.
func (t *TaskControlBlock) InnerExclusiveAccess() (inner *TaskControlBlockInner, release func()) {
	return t.inner.ExclusiveAccess()
}

// Stride returns the current stride under the task guard.
func (t *TaskControlBlock) Stride() uint64 {
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) uint64 { return in.Stride })
}

// Status returns the current status under the task guard.
func (t *TaskControlBlock) Status() model.TaskStatus {
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) model.TaskStatus { return in.Status })
}

// SetPriority changes the task's weight. The new pass applies from the next
// dispatch on; the accumulated stride is kept.
func (t *TaskControlBlock) SetPriority(priority uint64) error {
	if priority < MinPriority {
		return ErrInvalidPriority
	}
	t.inner.With(func(in *TaskControlBlockInner) {
		in.Priority = priority
		in.Pass = t.bigStride / priority
	})
	return nil
}

// GetUserToken returns the page-table token of the task's address space.
func (t *TaskControlBlock) GetUserToken() uint64 {
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) uint64 { return in.MemorySet.Token() })
}

// InsertFramedArea maps [start, end) into the task's address space.
func (t *TaskControlBlock) InsertFramedArea(start, end mm.VirtAddr, perm mm.MapPermission) error {
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) error {
		return in.MemorySet.InsertFramedArea(start, end, perm)
	})
}

// FreeFramedArea removes the framed area covering exactly [start, end).
func (t *TaskControlBlock) FreeFramedArea(start, end mm.VirtAddr) error {
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) error {
		return in.MemorySet.FreeFramedArea(start, end)
	})
}

func (t *TaskControlBlock) String() string {
	return fmt.Sprintf("task(%d %s)", t.pid, t.name)
}
