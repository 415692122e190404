package store

import (
	"context"
	"time"

	"github.com/me/stridek/pkg/model"
)

// Store defines the persistence layer for scheduling traces.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	StopRun(ctx context.Context, id string, at time.Time) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)

	// Events
	RecordDispatches(ctx context.Context, events []model.DispatchEvent) error
	RecordExit(ctx context.Context, ev model.ExitEvent) error
	ListDispatches(ctx context.Context, runID string, opts model.ListOptions) ([]model.DispatchEvent, int, error)
	ListExits(ctx context.Context, runID string) ([]model.ExitEvent, error)
	TaskShares(ctx context.Context, runID string) ([]model.TaskShare, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
