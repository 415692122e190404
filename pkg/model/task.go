package model

// MaxSyscallNum bounds the per-task syscall counter table.
const MaxSyscallNum = 500

// TaskInfo is a point-in-time snapshot of the running task.
type TaskInfo struct {
	Status       TaskStatus            `json:"status"`
	SyscallTimes [MaxSyscallNum]uint32 `json:"syscall_times"`
	// Time is the number of milliseconds since the task was first dispatched.
	Time uint64 `json:"time"`
}

// Calls returns only the non-zero counters, keyed by syscall id.
func (ti *TaskInfo) Calls() map[int]uint32 {
	out := make(map[int]uint32)
	for id, n := range ti.SyscallTimes {
		if n > 0 {
			out[id] = n
		}
	}
	return out
}
