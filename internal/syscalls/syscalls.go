// Package syscalls is the trap-side syscall layer. It reads the syscall id
// and arguments from the current task's trap frame, counts the call, runs it
// and writes the result back. Failures become -1 in the result register.
package syscalls

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/pkg/model"
)

// Syscall identifiers.
const (
	SysWrite       = 64
	SysExit        = 93
	SysYield       = 124
	SysSetPriority = 140
	SysGetTime     = 169
	SysMunmap      = 215
	SysMmap        = 222
	SysTaskInfo    = 410
)

// Names maps syscall ids to display names.
var Names = map[int]string{
	SysWrite:       "write",
	SysExit:        "exit",
	SysYield:       "yield",
	SysSetPriority: "set_priority",
	SysGetTime:     "get_time",
	SysMunmap:      "munmap",
	SysMmap:        "mmap",
	SysTaskInfo:    "task_info",
}

// FDStdout is the only writable file descriptor.
const FDStdout = 1

// Register indices in the trap frame.
const (
	regA0 = 10
	regA1 = 11
	regA2 = 12
	regA7 = 17
)

// TimeVal is the user-visible layout written by get_time.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// taskInfoABI is the user-visible layout written by task_info.
type taskInfoABI struct {
	Status       uint32
	SyscallTimes [model.MaxSyscallNum]uint32
	_            uint32
	Time         uint64
}

// TaskInfoSize is the number of bytes task_info writes.
var TaskInfoSize = binary.Size(taskInfoABI{})

var statusCodes = map[model.TaskStatus]uint32{
	model.TaskStatusUnInit:  0,
	model.TaskStatusReady:   1,
	model.TaskStatusRunning: 2,
	model.TaskStatusExited:  3,
}

// Dispatcher handles syscall traps for one kernel.
type Dispatcher struct {
	k      *kernel.Kernel
	out    io.Writer
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher writing fd 1 output to out.
func NewDispatcher(k *kernel.Kernel, out io.Writer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		k:      k,
		out:    out,
		logger: logger.With("component", "syscalls"),
	}
}

// HandleTrap services an environment call from the current task: it steps
// sepc past the ecall, dispatches on a7 and stores the result in a0.
func (d *Dispatcher) HandleTrap() {
	cx := d.k.Processor().CurrentTrapCx()
	cx.Sepc += 4
	id := cx.X[regA7]
	args := [3]uint64{cx.X[regA0], cx.X[regA1], cx.X[regA2]}

	ret := d.Syscall(id, args)

	// The task may have been suspended in between; look the frame up again.
	cx = d.k.Processor().CurrentTrapCx()
	cx.X[regA0] = uint64(ret)
}

// Syscall counts and executes syscall id for the current task.
func (d *Dispatcher) Syscall(id uint64, args [3]uint64) int64 {
	if id >= model.MaxSyscallNum {
		d.logger.Warn("unsupported syscall", "id", id)
		return -1
	}
	d.k.Processor().CountSyscall(int(id))

	switch id {
	case SysWrite:
		return d.write(args[0], mm.VirtAddr(args[1]), args[2])
	case SysExit:
		d.k.ExitCurrentAndRunNext(int(int32(args[0])))
		panic("unreachable: exit returned")
	case SysYield:
		d.k.SuspendCurrentAndRunNext()
		return 0
	case SysSetPriority:
		prio := int64(args[0])
		if prio < 0 {
			return d.fail(id, fmt.Errorf("negative priority %d", prio))
		}
		if err := d.k.SetPriority(uint64(prio)); err != nil {
			return d.fail(id, err)
		}
		return prio
	case SysGetTime:
		return d.getTime(mm.VirtAddr(args[0]))
	case SysMmap:
		if err := d.k.Processor().Mmap(args[0], args[1], args[2]); err != nil {
			return d.fail(id, err)
		}
		return 0
	case SysMunmap:
		if err := d.k.Processor().Munmap(args[0], args[1]); err != nil {
			return d.fail(id, err)
		}
		return 0
	case SysTaskInfo:
		return d.taskInfo(mm.VirtAddr(args[0]))
	default:
		d.logger.Warn("unsupported syscall", "id", id)
		return -1
	}
}

func (d *Dispatcher) fail(id uint64, err error) int64 {
	d.logger.Debug("syscall failed", "syscall", Names[int(id)], "error", err)
	return -1
}

func (d *Dispatcher) write(fd uint64, buf mm.VirtAddr, n uint64) int64 {
	if fd != FDStdout {
		return d.fail(SysWrite, fmt.Errorf("fd %d is not writable", fd))
	}
	if n > math.MaxInt {
		return d.fail(SysWrite, fmt.Errorf("write %d bytes: %w", n, mm.ErrFault))
	}
	data, err := d.copyIn(buf, int(n))
	if err != nil {
		return d.fail(SysWrite, err)
	}
	written, err := d.out.Write(data)
	if err != nil {
		return d.fail(SysWrite, err)
	}
	return int64(written)
}

func (d *Dispatcher) getTime(dst mm.VirtAddr) int64 {
	ms := d.k.Clock().NowMillis()
	tv := TimeVal{Sec: ms / 1000, Usec: (ms % 1000) * 1000}
	if err := d.copyOut(dst, tv); err != nil {
		return d.fail(SysGetTime, err)
	}
	return 0
}

func (d *Dispatcher) taskInfo(dst mm.VirtAddr) int64 {
	info := d.k.Processor().CurrentTaskInfo()
	abi := taskInfoABI{
		Status:       statusCodes[info.Status],
		SyscallTimes: info.SyscallTimes,
		Time:         info.Time,
	}
	if err := d.copyOut(dst, abi); err != nil {
		return d.fail(SysTaskInfo, err)
	}
	return 0
}

func (d *Dispatcher) copyOut(dst mm.VirtAddr, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	return d.withMemorySet(func(ms *mm.MemorySet) error {
		return ms.CopyOut(dst, buf.Bytes())
	})
}

func (d *Dispatcher) copyIn(src mm.VirtAddr, n int) ([]byte, error) {
	var data []byte
	err := d.withMemorySet(func(ms *mm.MemorySet) error {
		var err error
		data, err = ms.CopyIn(src, n)
		return err
	})
	return data, err
}

func (d *Dispatcher) withMemorySet(fn func(ms *mm.MemorySet) error) error {
	t, ok := d.k.Processor().Current()
	if !ok {
		panic("syscalls: user memory access with no current task")
	}
	inner, release := t.InnerExclusiveAccess()
	defer release()
	return fn(inner.MemorySet)
}
