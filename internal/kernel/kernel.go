// Package kernel wires one Manager and one Processor into an explicitly
// constructed kernel context and implements the task-lifecycle operations
// that surround the scheduling core: spawning, yielding and exiting.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/internal/switcher"
	"github.com/me/stridek/internal/task"
	"github.com/me/stridek/pkg/model"
)

// User stack placement. The lowest bytes of the stack double as the scratch
// buffer user programs hand to syscalls that copy data in or out.
const (
	UserStackTop  mm.VirtAddr = 0x4000_0000
	UserStackSize             = 2 * mm.PageSize
	UserScratch               = UserStackTop - UserStackSize
)

// Config holds kernel configuration.
type Config struct {
	BigStride       uint64
	DefaultPriority uint64
	Frames          uint64
	IdleBackoff     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BigStride:       65536,
		DefaultPriority: 16,
		Frames:          4096,
	}
}

// Observer receives scheduling events. Calls are made from whichever flow
// owns the CPU, one at a time.
type Observer interface {
	TaskDispatched(ev model.DispatchEvent)
	TaskExited(ev model.ExitEvent)
}

// Option configures optional Kernel dependencies.
type Option func(*Kernel)

// WithObserver registers an Observer for dispatch and exit events.
func WithObserver(o Observer) Option {
	return func(k *Kernel) {
		k.observer = o
	}
}

// WithClock replaces the monotonic clock, mainly for tests.
func WithClock(c task.Clock) Option {
	return func(k *Kernel) {
		k.clock = c
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(k *Kernel) {
		k.id = id
	}
}

// TaskSummary is a kernel-side view of a task for reporting.
type TaskSummary struct {
	PID         int              `json:"pid"`
	Name        string           `json:"name"`
	Status      model.TaskStatus `json:"status"`
	Priority    uint64           `json:"priority"`
	Stride      uint64           `json:"stride"`
	Dispatches  uint64           `json:"dispatches"`
	ExitCode    int              `json:"exit_code"`
	Queued      bool             `json:"queued"`
	MappedBytes uint64           `json:"mapped_bytes"`
	Syscalls    uint64           `json:"syscalls"`
}

// Kernel is the kernel context handed to every component that needs the
// scheduler. It is created once per boot; tests create one per case.
type Kernel struct {
	id        string
	cfg       Config
	logger    *slog.Logger
	clock     task.Clock
	frames    *mm.FrameAllocator
	manager   *task.Manager
	processor *task.Processor
	observer  Observer

	mu       sync.Mutex
	nextPID  int
	tasks    []*task.TaskControlBlock
	live     int
	done     chan struct{}
	doneOnce sync.Once
}

// New creates a kernel with an empty ready list and an idle processor.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Kernel {
	k := &Kernel{
		id:      "run_" + uuid.New().String(),
		cfg:     cfg,
		logger:  logger.With("component", "kernel"),
		clock:   task.NewMonotonicClock(),
		frames:  mm.NewFrameAllocator(0x80000, cfg.Frames),
		manager: task.NewManager(),
		nextPID: 1,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.processor = task.NewProcessor(k.manager, switcher.Handoff{}, k.clock, logger,
		task.WithIdleBackoff(cfg.IdleBackoff),
		task.WithDispatchHook(k.dispatched),
	)
	return k
}

// ID returns the run identifier of this boot.
func (k *Kernel) ID() string { return k.id }

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() Config { return k.cfg }

// Manager returns the kernel's ready-list manager.
func (k *Kernel) Manager() *task.Manager { return k.manager }

// Processor returns the kernel's processor.
func (k *Kernel) Processor() *task.Processor { return k.processor }

// Frames returns the physical frame allocator.
func (k *Kernel) Frames() *mm.FrameAllocator { return k.frames }

// Clock returns the kernel clock.
func (k *Kernel) Clock() task.Clock { return k.clock }

// Done is closed once every spawned task has exited.
func (k *Kernel) Done() <-chan struct{} { return k.done }

// Spawn creates a task running body and puts it on the ready list. A zero
// priority selects the configured default. If body returns, the task exits
// with code 0.
func (k *Kernel) Spawn(name string, priority uint64, body func()) (*task.TaskControlBlock, error) {
	if priority == 0 {
		priority = k.cfg.DefaultPriority
	}

	ms, err := mm.NewMemorySet(k.frames)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := ms.InsertFramedArea(UserScratch, UserStackTop, mm.PermR|mm.PermW|mm.PermU); err != nil {
		ms.Recycle()
		return nil, fmt.Errorf("spawn %s: map user stack: %w", name, err)
	}

	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	k.mu.Unlock()

	entry := func() {
		body()
		k.ExitCurrentAndRunNext(0)
	}
	tcb, err := task.NewTaskControlBlock(pid, name, ms, entry, k.cfg.BigStride, priority)
	if err != nil {
		ms.Recycle()
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}
	inner, release := tcb.InnerExclusiveAccess()
	inner.TrapCx.X[2] = uint64(UserStackTop)
	release()

	k.mu.Lock()
	k.tasks = append(k.tasks, tcb)
	k.live++
	k.mu.Unlock()

	k.manager.Add(tcb)
	k.logger.Info("task spawned", "pid", pid, "name", name, "priority", priority)
	return tcb, nil
}

// Run runs the dispatch loop until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	k.logger.Info("kernel running", "run_id", k.id, "big_stride", k.cfg.BigStride)
	return k.processor.RunTasks(ctx)
}

// SuspendCurrentAndRunNext puts the current task back on the ready list and
// returns the CPU to the dispatch loop. It returns when the task is next
// dispatched.
func (k *Kernel) SuspendCurrentAndRunNext() {
	t, ok := k.processor.TakeCurrent()
	if !ok {
		panic("kernel: SuspendCurrentAndRunNext called with no current task")
	}
	inner, release := t.InnerExclusiveAccess()
	inner.Transition(t.PID(), model.TaskStatusReady)
	saved := inner.Context
	release()

	k.manager.Add(t)
	k.processor.Schedule(saved)
}

// ExitCurrentAndRunNext terminates the current task with code, releases its
// address space and returns the CPU to the dispatch loop. It never returns.
func (k *Kernel) ExitCurrentAndRunNext(code int) {
	t, ok := k.processor.TakeCurrent()
	if !ok {
		panic("kernel: ExitCurrentAndRunNext called with no current task")
	}
	now := k.clock.NowMillis()

	inner, release := t.InnerExclusiveAccess()
	inner.Transition(t.PID(), model.TaskStatusExited)
	inner.ExitCode = code
	ev := model.ExitEvent{
		RunID:    k.id,
		PID:      t.PID(),
		Name:     t.Name(),
		ExitCode: code,
		Stride:   inner.Stride,
		Syscalls: make(map[int]uint32),
	}
	if inner.Started && now > inner.StartTime {
		ev.Elapsed = now - inner.StartTime
	}
	for id, n := range inner.SyscallTimes {
		if n > 0 {
			ev.Syscalls[id] = n
		}
	}
	if inner.MemorySet != nil {
		inner.MemorySet.Recycle()
		inner.MemorySet = nil
	}
	release()

	k.logger.Info("task exited", "pid", t.PID(), "name", t.Name(), "code", code, "elapsed_ms", ev.Elapsed)
	if k.observer != nil {
		k.observer.TaskExited(ev)
	}
	k.retire()
	k.processor.Schedule(nil)
}

// SetPriority changes the priority of the current task.
func (k *Kernel) SetPriority(priority uint64) error {
	t, ok := k.processor.Current()
	if !ok {
		panic("kernel: SetPriority called with no current task")
	}
	return t.SetPriority(priority)
}

// Shutdown abandons every task still waiting on the ready list and releases
// its memory. Call it after Run has returned.
func (k *Kernel) Shutdown() {
	pending := k.manager.Drain()
	for _, t := range pending {
		inner, release := t.InnerExclusiveAccess()
		inner.Context.Abandon()
		if inner.MemorySet != nil {
			inner.MemorySet.Recycle()
			inner.MemorySet = nil
		}
		release()
	}
	k.logger.Info("kernel shut down", "abandoned", len(pending))
}

// Tasks summarises every task spawned on this kernel in pid order.
func (k *Kernel) Tasks() []TaskSummary {
	k.mu.Lock()
	tasks := append([]*task.TaskControlBlock(nil), k.tasks...)
	k.mu.Unlock()

	queued := make(map[*task.TaskControlBlock]bool)
	for _, t := range k.manager.Snapshot() {
		queued[t] = true
	}

	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		inner, release := t.InnerExclusiveAccess()
		s := TaskSummary{
			PID:        t.PID(),
			Name:       t.Name(),
			Status:     inner.Status,
			Priority:   inner.Priority,
			Stride:     inner.Stride,
			Dispatches: inner.Dispatches,
			ExitCode:   inner.ExitCode,
			Queued:     queued[t],
		}
		if inner.MemorySet != nil {
			s.MappedBytes = inner.MemorySet.MappedBytes()
		}
		for _, n := range inner.SyscallTimes {
			s.Syscalls += uint64(n)
		}
		release()
		out = append(out, s)
	}
	return out
}

func (k *Kernel) retire() {
	k.mu.Lock()
	k.live--
	last := k.live == 0
	k.mu.Unlock()
	if last {
		k.doneOnce.Do(func() { close(k.done) })
	}
}

func (k *Kernel) dispatched(d task.Dispatch) {
	if k.observer == nil {
		return
	}
	k.observer.TaskDispatched(model.DispatchEvent{
		RunID:    k.id,
		Seq:      d.Seq,
		PID:      d.Task.PID(),
		Name:     d.Task.Name(),
		Stride:   d.Stride,
		Pass:     d.Pass,
		Priority: d.Priority,
		AtMillis: d.At,
	})
}
