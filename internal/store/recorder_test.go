package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/stridek/pkg/model"
)

func TestRecorder_BatchesAndFlushes(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	st.CreateRun(ctx, sampleRun("run_1", time.Now()))

	rec := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	rec.batchSize = 3

	for seq := uint64(1); seq <= 4; seq++ {
		rec.TaskDispatched(dispatch("run_1", seq, 1, "a", 16))
	}
	_, total, _ := st.ListDispatches(ctx, "run_1", model.DefaultListOptions())
	if total != 3 {
		t.Errorf("after one full batch total = %d, want 3", total)
	}

	rec.TaskExited(model.ExitEvent{RunID: "run_1", PID: 1, Name: "a", Syscalls: map[int]uint32{}})
	_, total, _ = st.ListDispatches(ctx, "run_1", model.DefaultListOptions())
	if total != 4 {
		t.Errorf("exit did not flush: total = %d, want 4", total)
	}

	rec.TaskDispatched(dispatch("run_1", 5, 2, "b", 16))
	if err := rec.Close(ctx, "run_1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, total, _ = st.ListDispatches(ctx, "run_1", model.DefaultListOptions())
	if total != 5 {
		t.Errorf("Close did not flush: total = %d, want 5", total)
	}
	run, _ := st.GetRun(ctx, "run_1")
	if run.StoppedAt == nil {
		t.Error("Close did not stamp the run stopped")
	}
}

func TestRecorder_ReportsFirstError(t *testing.T) {
	st := testStore(t)
	rec := NewRecorder(st, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec.TaskDispatched(dispatch("run_missing", 1, 1, "a", 16))
	if err := rec.Close(context.Background(), "run_missing"); err == nil {
		t.Error("Close returned nil after writes to an unknown run")
	}
}
