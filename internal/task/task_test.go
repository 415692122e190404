package task

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/internal/switcher"
	"github.com/me/stridek/pkg/model"
)

const testBigStride = 65536

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced Clock.
type fakeClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *fakeClock) NowMillis() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(ms uint64) {
	c.mu.Lock()
	c.now += ms
	c.mu.Unlock()
}

// newTestTask creates a task with its own address space and the given
// priority. entry may be nil for tasks that are never dispatched.
func newTestTask(t *testing.T, frames *mm.FrameAllocator, pid int, priority uint64, entry func()) *TaskControlBlock {
	t.Helper()
	ms, err := mm.NewMemorySet(frames)
	if err != nil {
		t.Fatalf("NewMemorySet: %v", err)
	}
	if entry == nil {
		entry = func() { panic("test task dispatched unexpectedly") }
	}
	tcb, err := NewTaskControlBlock(pid, "t", ms, entry, testBigStride, priority)
	if err != nil {
		t.Fatalf("NewTaskControlBlock: %v", err)
	}
	return tcb
}

func setStride(tcb *TaskControlBlock, stride uint64) {
	tcb.inner.With(func(in *TaskControlBlockInner) { in.Stride = stride })
}

// testProcessor returns a fresh Manager/Processor pair.
func testProcessor(t *testing.T, opts ...ProcessorOption) (*Processor, *Manager, *fakeClock) {
	t.Helper()
	mgr := NewManager()
	clock := &fakeClock{}
	return NewProcessor(mgr, switcher.Handoff{}, clock, discardLogger(), opts...), mgr, clock
}

// install places tcb in the current slot as the dispatch loop would.
func install(p *Processor, tcb *TaskControlBlock) {
	p.state.With(func(st *processorState) { st.current = tcb })
}

func TestNewTaskControlBlock_RejectsLowPriority(t *testing.T) {
	frames := mm.NewFrameAllocator(0x80000, 8)
	ms, _ := mm.NewMemorySet(frames)
	if _, err := NewTaskControlBlock(1, "t", ms, func() {}, testBigStride, 1); err == nil {
		t.Error("priority 1 accepted")
	}
}

func TestSetPriority_UpdatesPass(t *testing.T) {
	frames := mm.NewFrameAllocator(0x80000, 8)
	tcb := newTestTask(t, frames, 1, 16, nil)

	if err := tcb.SetPriority(8); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	inner, release := tcb.InnerExclusiveAccess()
	pass, prio := inner.Pass, inner.Priority
	release()
	if prio != 8 || pass != testBigStride/8 {
		t.Errorf("priority=%d pass=%d, want 8 and %d", prio, pass, testBigStride/8)
	}
	if err := tcb.SetPriority(0); err == nil {
		t.Error("SetPriority(0) accepted")
	}
}

func TestNewTaskControlBlock_StartsReady(t *testing.T) {
	frames := mm.NewFrameAllocator(0x80000, 8)
	tcb := newTestTask(t, frames, 1, 16, nil)
	if got := tcb.Status(); got != model.TaskStatusReady {
		t.Errorf("Status() = %s, want READY", got)
	}
}

func TestTransition_IllegalMovePanics(t *testing.T) {
	tests := []struct {
		name string
		from model.TaskStatus
		to   model.TaskStatus
	}{
		{"ready to exited", model.TaskStatusReady, model.TaskStatusExited},
		{"exited to ready", model.TaskStatusExited, model.TaskStatusReady},
		{"exited to running", model.TaskStatusExited, model.TaskStatusRunning},
		{"running to running", model.TaskStatusRunning, model.TaskStatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &TaskControlBlockInner{Status: tt.from}
			defer func() {
				r := recover()
				err, ok := r.(error)
				var te *model.InvalidTransitionError
				if !ok || !errors.As(err, &te) {
					t.Fatalf("recovered %v, want *InvalidTransitionError", r)
				}
				if te.PID != 4 || te.From != tt.from || te.To != tt.to {
					t.Errorf("error = %+v", te)
				}
				if in.Status != tt.from {
					t.Errorf("Status = %s after rejected move, want %s", in.Status, tt.from)
				}
			}()
			in.Transition(4, tt.to)
		})
	}
}

func TestTransition_Lifecycle(t *testing.T) {
	in := &TaskControlBlockInner{Status: model.TaskStatusUnInit}
	for _, next := range []model.TaskStatus{
		model.TaskStatusReady,
		model.TaskStatusRunning,
		model.TaskStatusReady,
		model.TaskStatusRunning,
		model.TaskStatusExited,
	} {
		in.Transition(1, next)
		if in.Status != next {
			t.Fatalf("Status = %s, want %s", in.Status, next)
		}
	}
}
