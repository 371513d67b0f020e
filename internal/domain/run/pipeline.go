package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ramq/validateur/internal/domain/catalog"
	"github.com/ramq/validateur/internal/domain/validation"
	"github.com/ramq/validateur/internal/platform/progress"
	"github.com/ramq/validateur/internal/platform/queue"
	"github.com/ramq/validateur/internal/platform/ramqcsv"
)

// errRunFailed signals that the run was already marked failed and the job
// must be acked, not retried.
var errRunFailed = errors.New("run: marked failed")

const insertChunkSize = 500

// Pipeline processes queued runs: parse, validate, persist. It is the
// queue.Handler wired into the worker. Handle is idempotent by run id: it
// reads the stored stage first, so a retried or restarted job resumes
// instead of redoing finished work.
type Pipeline struct {
	runs        RunRepository
	records     RecordRepository
	results     ResultRepository
	cache       *catalog.Cache
	hub         progress.Publisher
	timeout     time.Duration
	maxAttempts int
	logger      zerolog.Logger
}

func NewPipeline(runs RunRepository, records RecordRepository, results ResultRepository,
	cache *catalog.Cache, hub progress.Publisher, timeout time.Duration, maxAttempts int,
	logger zerolog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Pipeline{
		runs:        runs,
		records:     records,
		results:     results,
		cache:       cache,
		hub:         hub,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Handle implements queue.Handler.
func (p *Pipeline) Handle(ctx context.Context, job queue.Job) error {
	v, err := p.runs.Get(ctx, job.RunID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Run deleted while queued; nothing to do.
			return nil
		}
		return err
	}
	if v.Terminal() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	go p.watchCancellation(ctx, job.RunID, cancel)

	err = p.execute(ctx, v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errRunFailed):
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		p.fail(job.RunID, ErrCodeTimeout,
			fmt.Sprintf("La validation a dépassé le délai maximal de %s.", p.timeout))
		return nil
	case errors.Is(err, context.Canceled):
		if cur, gerr := p.runs.Get(context.Background(), job.RunID); gerr == nil && cur.Cancelled() {
			return nil
		}
		// Worker shutdown: leave the run as-is so a restart resumes it.
		return err
	case errors.Is(err, catalog.ErrReferenceUnavailable):
		if job.Attempt+1 >= p.maxAttempts {
			p.fail(job.RunID, ErrCodeReference,
				"Les données de référence (codes, règles) sont indisponibles; réessayer plus tard.")
			return nil
		}
		return err
	default:
		if job.Attempt+1 >= p.maxAttempts {
			p.fail(job.RunID, ErrCodeInternal,
				"La validation a échoué après plusieurs tentatives; contacter l'administrateur.")
			return nil
		}
		return err
	}
}

func (p *Pipeline) execute(ctx context.Context, v *ValidationRun) error {
	var records []BillingRecord
	var err error

	switch v.Stage {
	case StageQueued, StageParsing:
		records, err = p.parse(ctx, v)
	default:
		// Restarted mid-run: the rows are already stored.
		records, err = p.records.ListByRun(ctx, v.ID)
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.setStage(ctx, v.ID, StageValidating, 30); err != nil {
		return err
	}

	snap, err := p.cache.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("reference snapshot: %w", err)
	}
	rules, err := p.cache.Rules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	engine := validation.NewEngine(p.logger)
	for _, h := range validation.BuildHandlers(rules, p.logger) {
		engine.RegisterRule(h)
	}

	in := &validation.Input{
		RunID:    v.ID,
		Records:  toValidationRecords(records),
		Snapshot: snap,
	}
	findings, err := engine.ValidateRecordsProgress(ctx, in, func(done, total int) {
		p.publishProgress(ctx, v.ID, StageValidating, 30+55*done/total)
	})
	if err != nil {
		return err
	}

	if err := p.setStage(ctx, v.ID, StagePersisting, 90); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.persist(ctx, v.ID, findings); err != nil {
		return err
	}

	tally := TallyFindings(findings)
	if err := p.runs.Complete(ctx, v.ID, tally); err != nil {
		return err
	}
	_ = p.hub.Publish(ctx, v.ID.String(), progress.Event{
		Type:     progress.TypeCompleted,
		Stage:    StageDone,
		Progress: 100,
		At:       time.Now(),
		Extra: map[string]any{
			"errorCount":        tally.Errors,
			"optimizationCount": tally.Optimizations,
			"infoCount":         tally.Infos,
		},
	})
	p.logger.Info().
		Str("run_id", v.ID.String()).
		Int("findings", len(findings)).
		Msg("validation run completed")
	return nil
}

// parse reads the stored upload into billing records. A file the parser
// rejects is a permanent failure; the run is marked failed and the job acked.
func (p *Pipeline) parse(ctx context.Context, v *ValidationRun) ([]BillingRecord, error) {
	if err := p.setStage(ctx, v.ID, StageParsing, 5); err != nil {
		return nil, err
	}

	content, err := p.runs.FileContent(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	result, err := ramqcsv.Parse(bytes.NewReader(content))
	if err != nil {
		msg := "Le fichier CSV n'a pas pu être lu: " + err.Error()
		if errors.Is(err, ramqcsv.ErrNoUsableRecords) {
			msg = "Le fichier ne contient aucune facturation exploitable."
		}
		p.fail(v.ID, ErrCodeParse, msg)
		return nil, errRunFailed
	}
	for _, re := range result.RowErrors {
		p.logger.Warn().
			Str("run_id", v.ID.String()).
			Int("row", re.Row).
			Str("reason", re.Reason).
			Msg("row rejected")
	}

	// A retried parse starts clean.
	if err := p.records.DeleteByRun(ctx, v.ID); err != nil {
		return nil, err
	}

	records := make([]BillingRecord, len(result.Records))
	for i, rec := range result.Records {
		records[i] = NewBillingRecord(v.ID, rec)
	}
	for start := 0; start < len(records); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := p.records.BulkInsert(ctx, records[start:end]); err != nil {
			return nil, err
		}
		p.publishProgress(ctx, v.ID, StageParsing, 5+25*end/len(records))
	}
	if err := p.runs.SetParsed(ctx, v.ID, len(records)); err != nil {
		return nil, err
	}
	return records, nil
}

// persist replaces the run's findings. Transient storage errors are retried
// in place before bubbling up to the job retry path.
func (p *Pipeline) persist(ctx context.Context, runID uuid.UUID, findings []validation.Finding) error {
	results := make([]Result, len(findings))
	for i, f := range findings {
		results[i] = NewResult(runID, i+1, f)
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		if err = p.results.DeleteByRun(ctx, runID); err != nil {
			continue
		}
		if err = p.results.BulkInsert(ctx, results); err == nil {
			return nil
		}
		p.logger.Warn().Err(err).
			Str("run_id", runID.String()).
			Int("attempt", attempt+1).
			Msg("result persistence failed")
	}
	return fmt.Errorf("persist results: %w", err)
}

func (p *Pipeline) setStage(ctx context.Context, id uuid.UUID, stage string, pct int) error {
	if err := p.runs.SetStage(ctx, id, stage, pct); err != nil {
		if errors.Is(err, ErrTerminalStage) {
			// Cancelled or failed from outside; stop without overwriting.
			return errRunFailed
		}
		return err
	}
	_ = p.hub.Publish(ctx, id.String(), progress.Event{
		Type:     progress.TypeStage,
		Stage:    stage,
		Progress: pct,
		At:       time.Now(),
	})
	return nil
}

func (p *Pipeline) publishProgress(ctx context.Context, id uuid.UUID, stage string, pct int) {
	_ = p.runs.SetStage(ctx, id, stage, pct)
	_ = p.hub.Publish(ctx, id.String(), progress.Event{
		Type:     progress.TypeProgress,
		Stage:    stage,
		Progress: pct,
		At:       time.Now(),
	})
}

// fail marks the run failed and emits the terminal event. It uses a fresh
// context so the write survives the (possibly expired) run context.
func (p *Pipeline) fail(id uuid.UUID, code, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.runs.Fail(ctx, id, code, message); err != nil {
		p.logger.Error().Err(err).Str("run_id", id.String()).Msg("mark run failed")
	}
	_ = p.hub.Publish(ctx, id.String(), progress.Event{
		Type:  progress.TypeFailed,
		Stage: StageFailed,
		At:    time.Now(),
		Extra: map[string]any{"errorCode": code, "errorMessage": message},
	})
	p.logger.Warn().
		Str("run_id", id.String()).
		Str("error_code", code).
		Msg("validation run failed")
}

// watchCancellation polls the store and tears the run context down when a
// user cancels; the engine notices between rules.
func (p *Pipeline) watchCancellation(ctx context.Context, id uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v, err := p.runs.Get(ctx, id); err == nil && v.Cancelled() {
				cancel()
				return
			}
		}
	}
}

func toValidationRecords(records []BillingRecord) []validation.Record {
	out := make([]validation.Record, len(records))
	for i, rec := range records {
		out[i] = rec.ToValidation()
	}
	return out
}
