package model

import "time"

// Run is one boot of the kernel recorded in the trace store.
type Run struct {
	ID        string     `json:"id"`
	BigStride uint64     `json:"big_stride"`
	Tasks     int        `json:"tasks"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// DispatchEvent records a single transfer of the CPU into a task.
type DispatchEvent struct {
	RunID string `json:"run_id"`
	Seq   uint64 `json:"seq"`
	PID   int    `json:"pid"`
	Name  string `json:"name"`
	// Stride is the task's stride at selection time, before the pass was added.
	Stride   uint64 `json:"stride"`
	Pass     uint64 `json:"pass"`
	Priority uint64 `json:"priority"`
	AtMillis uint64 `json:"at_ms"`
}

// ExitEvent records a task leaving the system.
type ExitEvent struct {
	RunID    string         `json:"run_id"`
	PID      int            `json:"pid"`
	Name     string         `json:"name"`
	ExitCode int            `json:"exit_code"`
	Stride   uint64         `json:"stride"`
	Elapsed  uint64         `json:"elapsed_ms"`
	Syscalls map[int]uint32 `json:"syscalls"`
}

// TaskShare summarises how often one task of a run was dispatched.
type TaskShare struct {
	PID        int     `json:"pid"`
	Name       string  `json:"name"`
	Priority   uint64  `json:"priority"`
	Dispatches int     `json:"dispatches"`
	Share      float64 `json:"share"`
}
