package model

import "testing"

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "Run 'run_123' not found"}
	want := "NOT_FOUND: Run 'run_123' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("Run", "run_abc")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "Run 'run_abc' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{PID: 3, From: TaskStatusExited, To: TaskStatusRunning}
	want := "invalid task status transition: EXITED → RUNNING (pid 3)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
