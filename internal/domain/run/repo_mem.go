package run

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory repositories back the offline validate command and tests.

type memRunRepo struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*ValidationRun
}

func NewMemRunRepo() RunRepository {
	return &memRunRepo{runs: make(map[uuid.UUID]*ValidationRun)}
}

func (r *memRunRepo) Create(_ context.Context, v *ValidationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *v
	r.runs[v.ID] = &cp
	return nil
}

func (r *memRunRepo) Get(_ context.Context, id uuid.UUID) (*ValidationRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	cp.FileContent = nil
	return &cp, nil
}

func (r *memRunRepo) FileContent(_ context.Context, id uuid.UUID) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.FileContent...), nil
}

func (r *memRunRepo) List(_ context.Context, createdBy string, limit, offset int) ([]*ValidationRun, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*ValidationRun
	for _, v := range r.runs {
		if createdBy != "" && v.CreatedBy != createdBy {
			continue
		}
		cp := *v
		cp.FileContent = nil
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memRunRepo) update(id uuid.UUID, fn func(*ValidationRun)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.runs[id]
	if !ok {
		return ErrNotFound
	}
	fn(v)
	v.UpdatedAt = time.Now()
	return nil
}

func (r *memRunRepo) SetStage(_ context.Context, id uuid.UUID, stage string, progress int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.runs[id]
	if !ok {
		return ErrNotFound
	}
	if v.Terminal() {
		return ErrTerminalStage
	}
	v.Stage = stage
	v.Progress = progress
	v.UpdatedAt = time.Now()
	return nil
}

func (r *memRunRepo) SetParsed(_ context.Context, id uuid.UUID, recordsParsed int) error {
	return r.update(id, func(v *ValidationRun) { v.RecordsParsed = recordsParsed })
}

func (r *memRunRepo) Complete(_ context.Context, id uuid.UUID, tally Tally) error {
	return r.update(id, func(v *ValidationRun) {
		v.Stage = StageDone
		v.Progress = 100
		v.ErrorCount = tally.Errors
		v.OptimizationCount = tally.Optimizations
		v.InfoCount = tally.Infos
	})
}

func (r *memRunRepo) Fail(_ context.Context, id uuid.UUID, code, message string) error {
	return r.update(id, func(v *ValidationRun) {
		v.Stage = StageFailed
		v.ErrorCode = &code
		v.ErrorMessage = &message
	})
}

func (r *memRunRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; !ok {
		return ErrNotFound
	}
	delete(r.runs, id)
	return nil
}

type memRecordRepo struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]BillingRecord
}

func NewMemRecordRepo() RecordRepository {
	return &memRecordRepo{records: make(map[uuid.UUID][]BillingRecord)}
}

func (r *memRecordRepo) BulkInsert(_ context.Context, records []BillingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.records[rec.ValidationRunID] = append(r.records[rec.ValidationRunID], rec)
	}
	return nil
}

func (r *memRecordRepo) ListByRun(_ context.Context, runID uuid.UUID) ([]BillingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]BillingRecord(nil), r.records[runID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].RecordNumber < out[j].RecordNumber })
	return out, nil
}

func (r *memRecordRepo) DeleteByRun(_ context.Context, runID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, runID)
	return nil
}

type memResultRepo struct {
	mu      sync.RWMutex
	results map[uuid.UUID][]Result
}

func NewMemResultRepo() ResultRepository {
	return &memResultRepo{results: make(map[uuid.UUID][]Result)}
}

func (r *memResultRepo) BulkInsert(_ context.Context, results []Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		r.results[res.ValidationRunID] = append(r.results[res.ValidationRunID], res)
	}
	return nil
}

func (r *memResultRepo) ListByRun(_ context.Context, runID uuid.UUID, severity string, limit, offset int) ([]Result, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []Result
	for _, res := range r.results[runID] {
		if severity != "" && res.Severity != severity {
			continue
		}
		all = append(all, res)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *memResultRepo) DeleteByRun(_ context.Context, runID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.results, runID)
	return nil
}
