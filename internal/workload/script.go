package workload

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dop251/goja"

	"github.com/me/stridek/internal/syscalls"
)

// compileScript compiles src once. Each task running the result gets its own
// runtime, created on the task's flow at first dispatch.
func compileScript(name, src string, logger *slog.Logger) (Program, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("task %s: compile script: %w", name, err)
	}
	return func(sys *syscalls.Sys, iterations int) {
		vm, err := setupVM(sys, iterations)
		if err != nil {
			logger.Error("script setup failed", "task", name, "error", err)
			sys.Exit(1)
			return
		}
		if _, err := vm.RunProgram(prog); err != nil {
			logger.Error("script failed", "task", name, "error", err)
			sys.Exit(1)
		}
	}, nil
}

// setupVM exposes the syscall library to JavaScript as the sys object.
func setupVM(sys *syscalls.Sys, iterations int) (*goja.Runtime, error) {
	vm := goja.New()

	api := map[string]any{
		"write": func(s string) int64 {
			return sys.Write(syscalls.FDStdout, []byte(s))
		},
		"exit": func(code int) {
			sys.Exit(code)
		},
		"yield":       sys.Yield,
		"getTime":     sys.GetTime,
		"setPriority": sys.SetPriority,
		"mmap": func(start, length, port int64) int64 {
			return sys.Mmap(uint64(start), uint64(length), uint64(port))
		},
		"munmap": func(start, length int64) int64 {
			return sys.Munmap(uint64(start), uint64(length))
		},
		"taskInfo": func() map[string]any {
			info, ret := sys.TaskInfo()
			if ret != 0 {
				return nil
			}
			calls := make(map[string]any)
			for id, n := range info.Calls() {
				calls[strconv.Itoa(id)] = n
			}
			return map[string]any{
				"status": info.Status.String(),
				"time":   info.Time,
				"calls":  calls,
			}
		},
	}
	if err := vm.Set("sys", api); err != nil {
		return nil, fmt.Errorf("set sys: %w", err)
	}
	if err := vm.Set("iterations", iterations); err != nil {
		return nil, fmt.Errorf("set iterations: %w", err)
	}
	return vm, nil
}
