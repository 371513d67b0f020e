package run

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run: not found")
	// ErrTerminalStage is returned by SetStage when the run already ended;
	// a cancellation or failure must never be overwritten by progress.
	ErrTerminalStage = errors.New("run: stage is terminal")
)

// RunRepository persists validation runs. Mutations touch only the columns
// they own so pipeline and API updates cannot clobber each other.
type RunRepository interface {
	Create(ctx context.Context, r *ValidationRun) error
	// Get returns the run without its file content.
	Get(ctx context.Context, id uuid.UUID) (*ValidationRun, error)
	// FileContent returns the stored upload bytes.
	FileContent(ctx context.Context, id uuid.UUID) ([]byte, error)
	// List returns runs newest first, optionally filtered by creator.
	List(ctx context.Context, createdBy string, limit, offset int) ([]*ValidationRun, int, error)
	SetStage(ctx context.Context, id uuid.UUID, stage string, progress int) error
	SetParsed(ctx context.Context, id uuid.UUID, recordsParsed int) error
	// Complete marks the run done with its severity tallies.
	Complete(ctx context.Context, id uuid.UUID, tally Tally) error
	// Fail marks the run failed with an error code and a French message.
	Fail(ctx context.Context, id uuid.UUID, code, message string) error
	// Delete removes the run; records and results cascade.
	Delete(ctx context.Context, id uuid.UUID) error
}

// RecordRepository persists the parsed rows of a run.
type RecordRepository interface {
	BulkInsert(ctx context.Context, records []BillingRecord) error
	ListByRun(ctx context.Context, runID uuid.UUID) ([]BillingRecord, error)
	// DeleteByRun clears rows from an interrupted parse before re-inserting.
	DeleteByRun(ctx context.Context, runID uuid.UUID) error
}

// ResultRepository persists the findings of a run.
type ResultRepository interface {
	BulkInsert(ctx context.Context, results []Result) error
	// ListByRun pages results in seq order; severity "" means all.
	ListByRun(ctx context.Context, runID uuid.UUID, severity string, limit, offset int) ([]Result, int, error)
	DeleteByRun(ctx context.Context, runID uuid.UUID) error
}
