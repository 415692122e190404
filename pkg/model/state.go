package model

// TaskStatus represents the lifecycle state of a task control block.
type TaskStatus string

const (
	TaskStatusUnInit  TaskStatus = "UNINIT"
	TaskStatusReady   TaskStatus = "READY"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusExited  TaskStatus = "EXITED"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the task will never be dispatched again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusExited
}

// ValidTaskTransitions defines the allowed status transitions for tasks.
var ValidTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusUnInit:  {TaskStatusReady},
	TaskStatusReady:   {TaskStatusRunning},
	TaskStatusRunning: {TaskStatusReady, TaskStatusExited},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
