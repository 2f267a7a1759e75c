package nerve

import "context"

// RunStore archives workflow-run snapshots and events for post-hoc
// inspection. Archiving is pure history capture: nothing is restored
// into running state on daemon restart. Implementations live in
// store/sqlite and store/postgres.
type RunStore interface {
	// SaveRun upserts a run snapshot keyed by its run id.
	SaveRun(ctx context.Context, info RunInfo) error
	// AppendEvent records one run event.
	AppendEvent(ctx context.Context, runID string, ev Event) error
	// GetRun returns an archived snapshot.
	GetRun(ctx context.Context, runID string) (RunInfo, error)
	// ListRuns returns snapshots for a workflow, newest first.
	// workflowID "" lists across workflows. limit <= 0 means no limit.
	ListRuns(ctx context.Context, workflowID string, limit int) ([]RunInfo, error)
	// Close releases the underlying database resources.
	Close() error
}
