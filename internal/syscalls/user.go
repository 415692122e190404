package syscalls

import (
	"bytes"
	"encoding/binary"

	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/pkg/model"
)

// Sys is the user-side syscall library handed to task programs. Each method
// loads the trap frame registers and traps into the Dispatcher, the way a
// user-mode ecall would.
type Sys struct {
	k *kernel.Kernel
	d *Dispatcher
}

// NewSys returns the user library for tasks of k.
func NewSys(k *kernel.Kernel, d *Dispatcher) *Sys {
	return &Sys{k: k, d: d}
}

func (s *Sys) call(id, a0, a1, a2 uint64) int64 {
	cx := s.k.Processor().CurrentTrapCx()
	cx.X[regA7] = id
	cx.X[regA0], cx.X[regA1], cx.X[regA2] = a0, a1, a2
	s.d.HandleTrap()
	return int64(s.k.Processor().CurrentTrapCx().X[regA0])
}

// Write writes p to fd through the task's scratch buffer.
func (s *Sys) Write(fd uint64, p []byte) int64 {
	var total int64
	for len(p) > 0 {
		chunk := p
		if len(chunk) > kernel.UserStackSize {
			chunk = chunk[:kernel.UserStackSize]
		}
		if err := s.poke(chunk); err != nil {
			return -1
		}
		n := s.call(SysWrite, fd, uint64(kernel.UserScratch), uint64(len(chunk)))
		if n < 0 {
			return n
		}
		total += n
		p = p[len(chunk):]
	}
	return total
}

// Exit terminates the calling task. It does not return.
func (s *Sys) Exit(code int) {
	s.call(SysExit, uint64(code), 0, 0)
}

// Yield gives up the CPU until the task is dispatched again.
func (s *Sys) Yield() int64 {
	return s.call(SysYield, 0, 0, 0)
}

// SetPriority changes the caller's priority; it returns the new priority or
// -1 for values below 2.
func (s *Sys) SetPriority(prio int64) int64 {
	return s.call(SysSetPriority, uint64(prio), 0, 0)
}

// GetTime returns the kernel clock in milliseconds, or -1.
func (s *Sys) GetTime() int64 {
	if s.call(SysGetTime, uint64(kernel.UserScratch), 0, 0) != 0 {
		return -1
	}
	var tv TimeVal
	if err := s.peek(&tv); err != nil {
		return -1
	}
	return int64(tv.Sec*1000 + tv.Usec/1000)
}

// Mmap maps length bytes at start with permission bits port.
func (s *Sys) Mmap(start, length, port uint64) int64 {
	return s.call(SysMmap, start, length, port)
}

// Munmap removes the mapping covering exactly [start, start+length).
func (s *Sys) Munmap(start, length uint64) int64 {
	return s.call(SysMunmap, start, length, 0)
}

// TaskInfo returns the caller's status, syscall counters and running time.
// The second result is the syscall's return value.
func (s *Sys) TaskInfo() (model.TaskInfo, int64) {
	var info model.TaskInfo
	if ret := s.call(SysTaskInfo, uint64(kernel.UserScratch), 0, 0); ret != 0 {
		return info, ret
	}
	var abi taskInfoABI
	if err := s.peek(&abi); err != nil {
		return info, -1
	}
	for status, code := range statusCodes {
		if code == abi.Status {
			info.Status = status
		}
	}
	info.SyscallTimes = abi.SyscallTimes
	info.Time = abi.Time
	return info, 0
}

func (s *Sys) poke(p []byte) error {
	return s.d.withMemorySet(func(ms *mm.MemorySet) error {
		return ms.CopyOut(kernel.UserScratch, p)
	})
}

func (s *Sys) peek(v any) error {
	var raw []byte
	err := s.d.withMemorySet(func(ms *mm.MemorySet) error {
		var err error
		raw, err = ms.CopyIn(kernel.UserScratch, binary.Size(v))
		return err
	})
	if err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, v)
}
