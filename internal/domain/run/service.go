package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ramq/validateur/internal/platform/progress"
	"github.com/ramq/validateur/internal/platform/queue"
	"github.com/ramq/validateur/internal/platform/ramqcsv"
)

var (
	// ErrFileTooLarge is returned when an upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("run: file exceeds upload limit")
	// ErrEmptyFile is returned when the upload has no content.
	ErrEmptyFile = errors.New("run: empty file")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run: already finished")
)

// Service owns run CRUD and hands processing off to the queue.
type Service struct {
	runs           RunRepository
	records        RecordRepository
	results        ResultRepository
	queue          queue.Queue
	hub            *progress.Hub
	maxUploadBytes int64
	logger         zerolog.Logger
}

func NewService(runs RunRepository, records RecordRepository, results ResultRepository,
	q queue.Queue, hub *progress.Hub, maxUploadBytes int64, logger zerolog.Logger) *Service {
	return &Service{
		runs:           runs,
		records:        records,
		results:        results,
		queue:          q,
		hub:            hub,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// CreateRun stores the upload and enqueues the processing job.
func (s *Service) CreateRun(ctx context.Context, createdBy, fileName string, content []byte) (*ValidationRun, error) {
	if len(content) == 0 {
		return nil, ErrEmptyFile
	}
	if int64(len(content)) > s.maxUploadBytes {
		return nil, fmt.Errorf("%w: %d octets, maximum %d", ErrFileTooLarge, len(content), s.maxUploadBytes)
	}

	now := time.Now()
	v := &ValidationRun{
		ID:          uuid.New(),
		CreatedBy:   createdBy,
		FileName:    fileName,
		FileContent: content,
		Stage:       StageQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.runs.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	if _, err := s.queue.Enqueue(ctx, queue.Job{RunID: v.ID}); err != nil {
		return nil, fmt.Errorf("enqueue run: %w", err)
	}
	s.logger.Info().
		Str("run_id", v.ID.String()).
		Str("file", fileName).
		Int("bytes", len(content)).
		Msg("validation run created")

	v.FileContent = nil
	return v, nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*ValidationRun, error) {
	return s.runs.Get(ctx, id)
}

// ListRuns pages runs newest first; createdBy "" lists everyone's.
func (s *Service) ListRuns(ctx context.Context, createdBy string, limit, offset int) ([]*ValidationRun, int, error) {
	return s.runs.List(ctx, createdBy, limit, offset)
}

// Results pages a run's findings in engine order; severity "" means all.
func (s *Service) Results(ctx context.Context, runID uuid.UUID, severity string, limit, offset int) ([]Result, int, error) {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, 0, err
	}
	return s.results.ListByRun(ctx, runID, severity, limit, offset)
}

// Cancel marks the run failed with CANCELLED. The pipeline observes the
// stage change at its next checkpoint and stops without overwriting it.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*ValidationRun, error) {
	v, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Terminal() {
		return nil, ErrRunFinished
	}
	if err := s.runs.Fail(ctx, id, ErrCodeCancelled, "Validation annulée par l'utilisateur."); err != nil {
		return nil, err
	}
	_ = s.hub.Publish(ctx, id.String(), progress.Event{
		Type:  progress.TypeFailed,
		Stage: StageFailed,
		At:    time.Now(),
		Extra: map[string]any{"errorCode": ErrCodeCancelled},
	})
	s.logger.Info().Str("run_id", id.String()).Msg("validation run cancelled")
	return s.runs.Get(ctx, id)
}

// DeleteRun removes the run, its records and results, and drops any retained
// terminal event.
func (s *Service) DeleteRun(ctx context.Context, id uuid.UUID) error {
	if err := s.runs.Delete(ctx, id); err != nil {
		return err
	}
	s.hub.Forget(id.String())
	return nil
}

// ExportSSV writes the run's records in the RAMQ exchange format.
func (s *Service) ExportSSV(ctx context.Context, id uuid.UUID, w io.Writer) error {
	if _, err := s.runs.Get(ctx, id); err != nil {
		return err
	}
	records, err := s.records.ListByRun(ctx, id)
	if err != nil {
		return err
	}
	ssv := make([]ramqcsv.SSVRecord, len(records))
	for i, rec := range records {
		ssv[i] = rec.ToSSV()
	}
	return ramqcsv.WriteSSV(w, ssv)
}
