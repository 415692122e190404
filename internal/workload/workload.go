// Package workload turns task specs from a config file into kernel tasks.
// A task body is either a builtin program or a JavaScript script run with goja.
package workload

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/me/stridek/internal/config"
	"github.com/me/stridek/internal/kernel"
	"github.com/me/stridek/internal/mm"
	"github.com/me/stridek/internal/syscalls"
	"github.com/me/stridek/internal/task"
)

// DefaultIterations applies when a task spec leaves iterations unset.
const DefaultIterations = 100

// Program is a task body. It runs inside the task's own flow and talks to
// the kernel only through sys.
type Program func(sys *syscalls.Sys, iterations int)

var builtins = map[string]Program{
	"spin":   spin,
	"stride": stride,
	"mapper": mapper,
	"report": report,
}

// Builtins returns the names of the builtin programs, sorted.
func Builtins() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build resolves a task spec into a Program. Scripts are compiled here so syntax
// errors surface before the kernel boots.
func Build(ts config.TaskSpec, logger *slog.Logger) (Program, error) {
	if ts.Script != "" {
		return compileScript(ts.Name, ts.Script, logger)
	}
	p, ok := builtins[ts.Program]
	if !ok {
		return nil, fmt.Errorf("task %s: unknown program %q", ts.Name, ts.Program)
	}
	return p, nil
}

// Spawn builds every task spec and spawns Count copies of each onto k. Copies of a
// task spec with Count > 1 are named name-0, name-1, and so on.
func Spawn(k *kernel.Kernel, sys *syscalls.Sys, specs []config.TaskSpec, logger *slog.Logger) ([]*task.TaskControlBlock, error) {
	var spawned []*task.TaskControlBlock
	for _, ts := range specs {
		prog, err := Build(ts, logger)
		if err != nil {
			return spawned, err
		}
		iterations := ts.Iterations
		if iterations <= 0 {
			iterations = DefaultIterations
		}
		count := ts.Count
		if count == 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			name := ts.Name
			if count > 1 {
				name = fmt.Sprintf("%s-%d", ts.Name, i)
			}
			tcb, err := k.Spawn(name, ts.Priority, func() { prog(sys, iterations) })
			if err != nil {
				return spawned, err
			}
			spawned = append(spawned, tcb)
		}
	}
	return spawned, nil
}

// spin yields n times.
func spin(sys *syscalls.Sys, n int) {
	for i := 0; i < n; i++ {
		sys.Yield()
	}
}

// stride counts how many times it is dispatched within n milliseconds of
// its first dispatch and prints the count with its priority. Running several
// at different priorities shows the proportional split.
func stride(sys *syscalls.Sys, n int) {
	start := sys.GetTime()
	var count uint64
	for sys.GetTime()-start < int64(n) {
		count++
		sys.Yield()
	}
	info, _ := sys.TaskInfo()
	sys.Write(syscalls.FDStdout, []byte(fmt.Sprintf("count = %d, elapsed = %dms, get_time calls = %d\n",
		count, info.Time, info.SyscallTimes[syscalls.SysGetTime])))
}

const mapperBase = 0x1000_0000

// mapper maps a fresh read-write page, yields while holding it, then unmaps
// it, n times. A failure exits the task with code 1.
func mapper(sys *syscalls.Sys, n int) {
	port := uint64(mm.PermR|mm.PermW) >> 1
	for i := 0; i < n; i++ {
		if sys.Mmap(mapperBase, mm.PageSize, port) != 0 {
			sys.Exit(1)
		}
		sys.Yield()
		if sys.Munmap(mapperBase, mm.PageSize) != 0 {
			sys.Exit(1)
		}
	}
}

// report yields n times and then prints its own task_info.
func report(sys *syscalls.Sys, n int) {
	spin(sys, n)
	info, ret := sys.TaskInfo()
	if ret != 0 {
		sys.Exit(1)
	}
	calls := info.Calls()
	ids := make([]int, 0, len(calls))
	for id := range calls {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	line := fmt.Sprintf("status=%s time=%dms", info.Status, info.Time)
	for _, id := range ids {
		line += fmt.Sprintf(" %s=%d", syscalls.Names[id], calls[id])
	}
	sys.Write(syscalls.FDStdout, []byte(line+"\n"))
}
