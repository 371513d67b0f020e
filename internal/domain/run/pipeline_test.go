package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ramq/validateur/internal/domain/catalog"
	"github.com/ramq/validateur/internal/platform/progress"
	"github.com/ramq/validateur/internal/platform/queue"
	"github.com/ramq/validateur/internal/platform/ramqcsv"
)

func overLimitRows() []csvRow {
	// Seven 30-minute interventions on one day: 210 minutes, over the 180
	// daily limit.
	rows := make([]csvRow, 7)
	for i := range rows {
		rows[i] = csvRow{
			facture: "F" + string(rune('1'+i)),
			date:    "2025-02-06",
			code:    "8857",
			prelim:  "59,70",
		}
	}
	return rows
}

func TestPipeline_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "facturation.csv", buildCSV(overLimitRows()...))
	if err != nil {
		t.Fatal(err)
	}

	events, cancelSub := env.hub.Subscribe(v.ID.String())
	defer cancelSub()

	if err := env.process(t, v.ID); err != nil {
		t.Fatalf("pipeline: %v", err)
	}

	got, err := env.svc.GetRun(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != StageDone || got.Progress != 100 {
		t.Fatalf("stage/progress: %s/%d", got.Stage, got.Progress)
	}
	if got.RecordsParsed != 7 {
		t.Errorf("recordsParsed: %d", got.RecordsParsed)
	}
	if got.ErrorCount != 1 {
		t.Errorf("errorCount: %d", got.ErrorCount)
	}

	results, total, err := env.svc.Results(ctx, v.ID, "", 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(results) != 1 {
		t.Fatalf("results: total=%d len=%d", total, len(results))
	}
	if results[0].Severity != "error" || results[0].Seq != 1 {
		t.Errorf("result: severity=%s seq=%d", results[0].Severity, results[0].Seq)
	}
	if results[0].RuleData["monetaryImpact"] == nil {
		t.Error("ruleData should mirror monetaryImpact")
	}

	// The subscriber must have seen the terminal event.
	var last progress.Event
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-events:
			last = ev
			if ev.Terminal() {
				break drain
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
	if last.Type != progress.TypeCompleted || last.Progress != 100 {
		t.Errorf("terminal event: %+v", last)
	}
}

func TestPipeline_SeverityFilterAndPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := overLimitRows()
	// Two annual claims for the same patient: one more error.
	rows = append(rows,
		csvRow{facture: "A1", date: "2025-01-10", code: "15804", prelim: "48,45"},
		csvRow{facture: "A2", date: "2025-06-10", code: "15804", prelim: "48,45"},
	)
	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(rows...))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.process(t, v.ID); err != nil {
		t.Fatal(err)
	}

	errResults, total, err := env.svc.Results(ctx, v.ID, "error", 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("error results: %d", total)
	}
	for _, r := range errResults {
		if r.Severity != "error" {
			t.Errorf("severity filter leaked: %s", r.Severity)
		}
	}

	page, total, err := env.svc.Results(ctx, v.ID, "", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Seq != 2 {
		t.Errorf("paging: len=%d seq=%d total=%d", len(page), page[0].Seq, total)
	}
}

func TestPipeline_ParseFailureIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "notes.txt", []byte("ceci n'est pas un csv"))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.process(t, v.ID); err != nil {
		t.Fatalf("parse failures must ack the job, got %v", err)
	}

	got, err := env.svc.GetRun(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != StageFailed {
		t.Fatalf("stage: %s", got.Stage)
	}
	if got.ErrorCode == nil || *got.ErrorCode != ErrCodeParse {
		t.Errorf("errorCode: %v", got.ErrorCode)
	}
}

func TestPipeline_CancelledRunIsNotResurrected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(overLimitRows()...))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Cancel(ctx, v.ID); err != nil {
		t.Fatal(err)
	}

	if err := env.process(t, v.ID); err != nil {
		t.Fatalf("cancelled runs must ack, got %v", err)
	}
	got, err := env.svc.GetRun(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Cancelled() {
		t.Fatalf("run should stay cancelled, got stage=%s code=%v", got.Stage, got.ErrorCode)
	}
}

func TestPipeline_ResumesFromStoredRecords(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A run interrupted after parsing: stage validating, records stored, no
	// file re-read needed.
	id := uuid.New()
	now := time.Now()
	if err := env.runs.Create(ctx, &ValidationRun{
		ID: id, FileName: "f.csv", Stage: StageQueued, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := env.runs.SetStage(ctx, id, StageValidating, 30); err != nil {
		t.Fatal(err)
	}

	parsed, err := ramqcsv.Parse(bytesReader(buildCSV(overLimitRows()...)))
	if err != nil {
		t.Fatal(err)
	}
	records := make([]BillingRecord, len(parsed.Records))
	for i, rec := range parsed.Records {
		records[i] = NewBillingRecord(id, rec)
	}
	if err := env.records.BulkInsert(ctx, records); err != nil {
		t.Fatal(err)
	}
	if err := env.runs.SetParsed(ctx, id, len(records)); err != nil {
		t.Fatal(err)
	}

	if err := env.pipe.Handle(ctx, queue.Job{RunID: id}); err != nil {
		t.Fatal(err)
	}
	got, err := env.svc.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != StageDone || got.ErrorCount != 1 {
		t.Fatalf("resume: stage=%s errors=%d", got.Stage, got.ErrorCount)
	}
}

func TestPipeline_TimeoutMarksRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(overLimitRows()...))
	if err != nil {
		t.Fatal(err)
	}

	tight := NewPipeline(env.runs, env.records, env.results, nil, env.hub, time.Nanosecond, 3, zerolog.Nop())
	job, err := env.queue.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tight.Handle(ctx, job); err != nil {
		t.Fatalf("timeouts must ack, got %v", err)
	}

	got, err := env.svc.GetRun(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ErrorCode == nil || *got.ErrorCode != ErrCodeTimeout {
		t.Fatalf("errorCode: %v (stage %s)", got.ErrorCode, got.Stage)
	}
}

// outageCodeRepo simulates a reference backend that is down.
type outageCodeRepo struct{}

var errCodesDown = errors.New("codes: backend indisponible")

func (outageCodeRepo) Upsert(context.Context, *catalog.BillingCode) error { return errCodesDown }
func (outageCodeRepo) GetByCode(context.Context, string) (*catalog.BillingCode, error) {
	return nil, errCodesDown
}
func (outageCodeRepo) List(context.Context, string, int, int) ([]*catalog.BillingCode, int, error) {
	return nil, 0, errCodesDown
}
func (outageCodeRepo) ListAll(context.Context) ([]*catalog.BillingCode, error) {
	return nil, errCodesDown
}
func (outageCodeRepo) Delete(context.Context, string) error { return errCodesDown }

func TestPipeline_ReferenceOutageRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv",
		buildCSV(csvRow{facture: "F1", date: "2025-02-06", code: "8857", prelim: "59,70"}))
	if err != nil {
		t.Fatal(err)
	}

	cache := catalog.NewCache(outageCodeRepo{}, catalog.NewContextRepoMem(),
		catalog.NewEstablishmentRepoMem(), env.rules, time.Hour, time.Hour, zerolog.Nop())
	pipe := NewPipeline(env.runs, env.records, env.results, cache, env.hub, time.Minute, 2, zerolog.Nop())

	job, err := env.queue.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// The first attempt surfaces the outage so the queue retries it.
	if err := pipe.Handle(ctx, job); err == nil {
		t.Fatal("expected a retryable error on the first attempt")
	}
	got, err := env.svc.GetRun(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Terminal() {
		t.Fatalf("run must not be terminal before attempts are exhausted, stage=%s", got.Stage)
	}

	// The last attempt acks and classifies the failure as a reference outage.
	job.Attempt++
	if err := pipe.Handle(ctx, job); err != nil {
		t.Fatalf("exhausted attempts must ack, got %v", err)
	}
	got, err = env.svc.GetRun(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Stage != StageFailed || got.ErrorCode == nil || *got.ErrorCode != ErrCodeReference {
		t.Fatalf("errorCode: %v (stage %s)", got.ErrorCode, got.Stage)
	}
}

func TestPipeline_MissingRunAcks(t *testing.T) {
	env := newTestEnv(t)
	if err := env.pipe.Handle(context.Background(), queue.Job{RunID: uuid.New()}); err != nil {
		t.Fatalf("jobs for deleted runs must ack, got %v", err)
	}
}
