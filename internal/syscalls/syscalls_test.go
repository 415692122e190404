package syscalls

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/pkg/model"
)

type exitRecorder struct {
	mu    sync.Mutex
	exits []model.ExitEvent
}

func (r *exitRecorder) TaskDispatched(model.DispatchEvent) {}

func (r *exitRecorder) TaskExited(ev model.ExitEvent) {
	r.mu.Lock()
	r.exits = append(r.exits, ev)
	r.mu.Unlock()
}

type harness struct {
	k   *kernel.Kernel
	sys *Sys
	out *bytes.Buffer
	rec *exitRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := kernel.DefaultConfig()
	cfg.Frames = 128
	rec := &exitRecorder{}
	k := kernel.New(cfg, logger, kernel.WithObserver(rec))
	out := &bytes.Buffer{}
	d := NewDispatcher(k, out, logger)
	return &harness{k: k, sys: NewSys(k, d), out: out, rec: rec}
}

// run spawns body as a single task and runs the kernel until it exits.
func (h *harness) run(t *testing.T, body func(sys *Sys)) {
	t.Helper()
	if _, err := h.k.Spawn("prog", 0, func() { body(h.sys) }); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		select {
		case <-h.k.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	h.k.Run(ctx)
	h.k.Shutdown()
	select {
	case <-h.k.Done():
	default:
		t.Fatal("program did not exit")
	}
}

func TestSys_Write(t *testing.T) {
	h := newHarness(t)
	var okRet, badFD int64
	h.run(t, func(sys *Sys) {
		okRet = sys.Write(FDStdout, []byte("hello, stride\n"))
		badFD = sys.Write(2, []byte("nope"))
	})

	if okRet != int64(len("hello, stride\n")) {
		t.Errorf("Write returned %d", okRet)
	}
	if badFD != -1 {
		t.Errorf("Write to fd 2 returned %d, want -1", badFD)
	}
	if got := h.out.String(); got != "hello, stride\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestSys_WriteLargerThanScratch(t *testing.T) {
	h := newHarness(t)
	payload := bytes.Repeat([]byte("x"), 3*kernel.UserStackSize+17)
	var ret int64
	h.run(t, func(sys *Sys) {
		ret = sys.Write(FDStdout, payload)
	})
	if ret != int64(len(payload)) || h.out.Len() != len(payload) {
		t.Errorf("Write returned %d and wrote %d bytes, want %d", ret, h.out.Len(), len(payload))
	}
}

func TestSys_HugeLengthsFail(t *testing.T) {
	h := newHarness(t)
	got := map[string]int64{}
	h.run(t, func(sys *Sys) {
		got["write 2^62"] = sys.call(SysWrite, FDStdout, uint64(kernel.UserScratch), 1<<62)
		got["write 2^63"] = sys.call(SysWrite, FDStdout, uint64(kernel.UserScratch), 1<<63)
		got["write past stack"] = sys.call(SysWrite, FDStdout, uint64(kernel.UserScratch), 2*kernel.UserStackSize)
		got["mmap 2^60"] = sys.Mmap(0x5000_0000, 1<<60, 0b001)
		got["mmap after"] = sys.Mmap(0x5000_0000, 4096, 0b001)
	})

	want := map[string]int64{
		"write 2^62":       -1,
		"write 2^63":       -1,
		"write past stack": -1,
		"mmap 2^60":        -1,
		"mmap after":       0,
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s: returned %d, want %d", name, got[name], w)
		}
	}
	if h.out.Len() != 0 {
		t.Errorf("stdout = %q, want nothing written", h.out.String())
	}
}

func TestSys_MmapMunmap(t *testing.T) {
	h := newHarness(t)
	const addr = 0x1000_0000
	got := map[string]int64{}
	h.run(t, func(sys *Sys) {
		got["misaligned"] = sys.Mmap(addr+1, 4096, 0b001)
		got["no rights"] = sys.Mmap(addr, 4096, 0)
		got["user bit"] = sys.Mmap(addr, 4096, 0b1001)
		got["read"] = sys.Mmap(addr, 4096, 0b001)
		got["overlap"] = sys.Mmap(addr, 8192, 0b011)
		got["partial unmap"] = sys.Munmap(addr, 8192)
		got["unmap"] = sys.Munmap(addr, 4096)
		got["unmap again"] = sys.Munmap(addr, 4096)
	})

	want := map[string]int64{
		"misaligned":    -1,
		"no rights":     -1,
		"user bit":      -1,
		"read":          0,
		"overlap":       -1,
		"partial unmap": -1,
		"unmap":         0,
		"unmap again":   -1,
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s: returned %d, want %d", name, got[name], w)
		}
	}
}

func TestSys_TaskInfoCountsCalls(t *testing.T) {
	h := newHarness(t)
	var (
		info model.TaskInfo
		ret  int64
	)
	h.run(t, func(sys *Sys) {
		for i := 0; i < 3; i++ {
			sys.Yield()
		}
		sys.GetTime()
		info, ret = sys.TaskInfo()
	})

	if ret != 0 {
		t.Fatalf("TaskInfo returned %d", ret)
	}
	if info.Status != model.TaskStatusRunning {
		t.Errorf("Status = %s, want RUNNING", info.Status)
	}
	wantCounts := map[int]uint32{SysYield: 3, SysGetTime: 1, SysTaskInfo: 1}
	for id, n := range wantCounts {
		if info.SyscallTimes[id] != n {
			t.Errorf("SyscallTimes[%s] = %d, want %d", Names[id], info.SyscallTimes[id], n)
		}
	}
	if info.SyscallTimes[SysWrite] != 0 {
		t.Errorf("SyscallTimes[write] = %d, want 0", info.SyscallTimes[SysWrite])
	}
}

func TestSys_SetPriority(t *testing.T) {
	h := newHarness(t)
	var rets []int64
	h.run(t, func(sys *Sys) {
		rets = append(rets, sys.SetPriority(5), sys.SetPriority(1), sys.SetPriority(-3))
	})
	want := []int64{5, -1, -1}
	for i := range want {
		if rets[i] != want[i] {
			t.Errorf("SetPriority results = %v, want %v", rets, want)
			break
		}
	}
	if p := h.k.Tasks()[0].Priority; p != 5 {
		t.Errorf("priority = %d, want 5", p)
	}
}

func TestSys_ExitCode(t *testing.T) {
	h := newHarness(t)
	reached := false
	h.run(t, func(sys *Sys) {
		sys.Exit(-2)
		reached = true
	})
	if reached {
		t.Error("code after Exit ran")
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.exits) != 1 || h.rec.exits[0].ExitCode != -2 {
		t.Errorf("exits = %+v, want one exit with code -2", h.rec.exits)
	}
	if h.rec.exits[0].Syscalls[SysExit] != 1 {
		t.Errorf("exit not counted: %v", h.rec.exits[0].Syscalls)
	}
}

func TestSys_UnknownSyscalls(t *testing.T) {
	h := newHarness(t)
	var outOfTable, unknown int64
	var counted uint32
	var sepcDelta uint64
	h.run(t, func(sys *Sys) {
		before := h.k.Processor().CurrentTrapCx().Sepc
		outOfTable = sys.call(model.MaxSyscallNum+1, 0, 0, 0)
		unknown = sys.call(300, 0, 0, 0)
		sepcDelta = h.k.Processor().CurrentTrapCx().Sepc - before
		counted = h.k.Processor().CurrentTaskInfo().SyscallTimes[300]
	})
	if outOfTable != -1 || unknown != -1 {
		t.Errorf("results = %d, %d; want -1, -1", outOfTable, unknown)
	}
	if counted != 1 {
		t.Errorf("SyscallTimes[300] = %d, want 1", counted)
	}
	if sepcDelta != 8 {
		t.Errorf("sepc advanced by %d, want 8", sepcDelta)
	}
}
