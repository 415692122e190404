package task

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/me/stridek/internal/logging"
	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/internal/switcher"
	"github.com/me/stridek/internal/upsafe"
	"github.com/me/stridek/pkg/model"
)

// Dispatch describes one transfer of the CPU into a task.
type Dispatch struct {
	Seq      uint64
	Task     *TaskControlBlock
	Stride   uint64 // before the pass was added
	Pass     uint64
	Priority uint64
	At       uint64
}

// ProcessorOption configures optional Processor behaviour.
type ProcessorOption func(*Processor)

// WithIdleBackoff makes the dispatch loop sleep for d between polls of an
// empty ready list instead of spinning.
func WithIdleBackoff(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.idleBackoff = d
	}
}

// WithDispatchHook registers fn to run after each dispatch decision, with
// every guard released and before control is transferred.
func WithDispatchHook(fn func(Dispatch)) ProcessorOption {
	return func(p *Processor) {
		p.onDispatch = fn
	}
}

type processorState struct {
	current *TaskControlBlock
	idle    *switcher.Context
}

// Processor owns the current-task slot and the dispatch loop's own context.
type Processor struct {
	state    *upsafe.Cell[processorState]
	manager  *Manager
	switcher switcher.Switcher
	clock    Clock
	logger   *slog.Logger

	idleBackoff time.Duration
	onDispatch  func(Dispatch)
	seq         uint64
}

// NewProcessor creates an idle Processor that dispatches from mgr.
func NewProcessor(mgr *Manager, sw switcher.Switcher, clock Clock, logger *slog.Logger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		state:    upsafe.New(processorState{idle: switcher.NewIdle()}),
		manager:  mgr,
		switcher: sw,
		clock:    clock,
		logger:   logger.With("component", "processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TakeCurrent empties the current slot and returns what it held.
func (p *Processor) TakeCurrent() (*TaskControlBlock, bool) {
	st, release := p.state.ExclusiveAccess()
	defer release()
	t := st.current
	st.current = nil
	return t, t != nil
}

// Current returns the current task without clearing the slot.
func (p *Processor) Current() (*TaskControlBlock, bool) {
	st, release := p.state.ExclusiveAccess()
	defer release()
	return st.current, st.current != nil
}

// RunTasks is the dispatch loop. It repeatedly fetches the lowest-stride task,
// marks it Running, advances its stride and switches into it; control comes
// back only when a task calls Schedule. With nothing ready it reports the
// condition and polls again. It returns when ctx is cancelled, which is
// observed between dispatches.
func (p *Processor) RunTasks(ctx context.Context) error {
	p.logger.Info("dispatch loop started", "idle_backoff", p.idleBackoff)
	starved := false

	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("dispatch loop stopping", "dispatches", p.seq)
			return err
		}

		st, release := p.state.ExclusiveAccess()
		t, ok := p.manager.Fetch()
		if !ok {
			release()
			if !starved {
				p.logger.Warn("no tasks available in run_tasks")
				starved = true
			} else {
				p.logger.Debug("no tasks available in run_tasks")
			}
			p.idle(ctx)
			continue
		}
		starved = false

		idle := st.idle
		inner, releaseTask := t.InnerExclusiveAccess()
		next := inner.Context
		now := p.clock.NowMillis()
		p.seq++
		d := Dispatch{
			Seq:      p.seq,
			Task:     t,
			Stride:   inner.Stride,
			Pass:     inner.Pass,
			Priority: inner.Priority,
			At:       now,
		}
		inner.Transition(t.PID(), model.TaskStatusRunning)
		if !inner.Started {
			inner.StartTime = now
			inner.Started = true
		}
		inner.Stride += inner.Pass
		inner.Dispatches++
		releaseTask()

		st.current = t
		release()

		p.logger.Log(ctx, logging.LevelTrace, "dispatch", "pid", t.PID(), "name", t.Name(), "stride", d.Stride, "pass", d.Pass)
		if p.onDispatch != nil {
			p.onDispatch(d)
		}
		p.switcher.Switch(idle, next)
	}
}

func (p *Processor) idle(ctx context.Context) {
	if p.idleBackoff <= 0 {
		runtime.Gosched()
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(p.idleBackoff):
	}
}

// Schedule switches from the calling task back into the dispatch loop,
// saving the task's flow into saveInto. The caller has already decided
// whether the task goes back on the ready list. A nil saveInto abandons the
// calling flow, which is how exited tasks leave the CPU.
func (p *Processor) Schedule(saveInto *switcher.Context) {
	st, release := p.state.ExclusiveAccess()
	idle := st.idle
	release()
	p.switcher.Switch(saveInto, idle)
}

// mustCurrent returns the current task or panics: task-relative operations
// are only legal while a task is running.
func mustCurrent(st *processorState, op string) *TaskControlBlock {
	if st.current == nil {
		panic(fmt.Sprintf("task: %s called with no current task", op))
	}
	return st.current
}

// CurrentUserToken returns the page-table token of the current task.
func (p *Processor) CurrentUserToken() uint64 {
	st, release := p.state.ExclusiveAccess()
	defer release()
	return mustCurrent(st, "CurrentUserToken").GetUserToken()
}

// CurrentTrapCx returns the current task's trap frame. The pointer stays
// valid for the task's lifetime and may be written by trap handling code.
func (p *Processor) CurrentTrapCx() *TrapContext {
	st, release := p.state.ExclusiveAccess()
	defer release()
	t := mustCurrent(st, "CurrentTrapCx")
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) *TrapContext { return &in.TrapCx })
}

// CountSyscall increments the current task's counter for syscall id. id must
// be below model.MaxSyscallNum.
func (p *Processor) CountSyscall(id int) {
	st, release := p.state.ExclusiveAccess()
	defer release()
	mustCurrent(st, "CountSyscall").inner.With(func(in *TaskControlBlockInner) {
		in.SyscallTimes[id]++
	})
}

// CurrentTaskInfo returns a snapshot of the current task's status, syscall
// counters and milliseconds elapsed since its first dispatch.
func (p *Processor) CurrentTaskInfo() model.TaskInfo {
	st, release := p.state.ExclusiveAccess()
	defer release()
	t := mustCurrent(st, "CurrentTaskInfo")
	now := p.clock.NowMillis()
	return upsafe.Get(t.inner, func(in *TaskControlBlockInner) model.TaskInfo {
		info := model.TaskInfo{Status: in.Status, SyscallTimes: in.SyscallTimes}
		if in.Started && now > in.StartTime {
			info.Time = now - in.StartTime
		}
		return info
	})
}

// Mmap maps [start, start+length) into the current task with the access
// rights encoded in port. start must be page aligned, port must request at
// least one of read, write, execute and must not set the user bit, which is
// always added. Nothing is mapped on failure.
func (p *Processor) Mmap(start, length, port uint64) error {
	st, release := p.state.ExclusiveAccess()
	defer release()

	va := mm.VirtAddr(start)
	if !va.Aligned() {
		return fmt.Errorf("mmap %#x: %w", start, mm.ErrNotAligned)
	}
	perm := mm.PermissionFromPort(port)
	if perm.Has(mm.PermU) {
		return fmt.Errorf("mmap port %#x: %w", port, mm.ErrInvalidPermission)
	}
	if !perm.Accessible() {
		return fmt.Errorf("mmap port %#x: %w", port, mm.ErrEmptyPermission)
	}
	perm |= mm.PermU

	t := mustCurrent(st, "Mmap")
	if err := t.InsertFramedArea(va, mm.VirtAddr(start+length), perm); err != nil {
		return fmt.Errorf("mmap: %w", err)
	}
	return nil
}

// Munmap removes the current task's mapping covering exactly
// [start, start+length).
func (p *Processor) Munmap(start, length uint64) error {
	st, release := p.state.ExclusiveAccess()
	defer release()

	va := mm.VirtAddr(start)
	if !va.Aligned() {
		return fmt.Errorf("munmap %#x: %w", start, mm.ErrNotAligned)
	}
	t := mustCurrent(st, "Munmap")
	if err := t.FreeFramedArea(va, mm.VirtAddr(start+length)); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
