package run

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestService_CreateRunChecksSize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.CreateRun(ctx, "u1", "f.csv", nil); !errors.Is(err, ErrEmptyFile) {
		t.Fatalf("empty upload: %v", err)
	}

	big := make([]byte, 2*1024*1024)
	if _, err := env.svc.CreateRun(ctx, "u1", "f.csv", big); !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("oversized upload: %v", err)
	}
}

func TestService_CreateRunEnqueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(csvRow{facture: "F1", date: "2025-02-06", code: "8857", prelim: "59,70"}))
	if err != nil {
		t.Fatal(err)
	}
	if v.Stage != StageQueued {
		t.Errorf("stage: %s", v.Stage)
	}
	if v.FileContent != nil {
		t.Error("file content must not leak into the response")
	}

	job, err := env.queue.Dequeue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.RunID != v.ID {
		t.Errorf("job run id: %s", job.RunID)
	}
}

func TestService_ListRunsFiltersByCreator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	content := buildCSV(csvRow{facture: "F1", date: "2025-02-06", code: "8857", prelim: "59,70"})

	if _, err := env.svc.CreateRun(ctx, "alice", "a.csv", content); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.CreateRun(ctx, "bob", "b.csv", content); err != nil {
		t.Fatal(err)
	}

	mine, total, err := env.svc.ListRuns(ctx, "alice", 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(mine) != 1 || mine[0].CreatedBy != "alice" {
		t.Fatalf("filtered list: total=%d len=%d", total, len(mine))
	}

	_, total, err = env.svc.ListRuns(ctx, "", 20, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Fatalf("unfiltered list: %d", total)
	}
}

func TestService_CancelTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(csvRow{facture: "F1", date: "2025-02-06", code: "8857", prelim: "59,70"}))
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := env.svc.Cancel(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled.Cancelled() {
		t.Fatalf("stage=%s code=%v", cancelled.Stage, cancelled.ErrorCode)
	}

	if _, err := env.svc.Cancel(ctx, v.ID); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestService_DeleteRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(overLimitRows()...))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.process(t, v.ID); err != nil {
		t.Fatal(err)
	}

	if err := env.svc.DeleteRun(ctx, v.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.GetRun(ctx, v.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after delete: %v", err)
	}
	// Late subscribers must not replay the deleted run's terminal event.
	events, cancelSub := env.hub.Subscribe(v.ID.String())
	defer cancelSub()
	select {
	case ev := <-events:
		t.Fatalf("unexpected replayed event: %+v", ev)
	default:
	}
}

func TestService_ExportSSV(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.svc.CreateRun(ctx, "u1", "f.csv", buildCSV(
		csvRow{facture: "F1", date: "2025-02-06", code: "8857", prelim: "59,70", paye: "59,70"},
		csvRow{facture: "F2", date: "2025-02-06", code: "00103", prelim: "42,50"},
	))
	if err != nil {
		t.Fatal(err)
	}
	if err := env.process(t, v.ID); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	if err := env.svc.ExportSSV(ctx, v.ID, &out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\r\n"), "\r\n")
	if len(lines) != 3 {
		t.Fatalf("lines: %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "NoPermis;") {
		t.Errorf("header: %s", lines[0])
	}
	first := strings.Split(lines[1], ";")
	if len(first) != 26 {
		t.Fatalf("field count: %d", len(first))
	}
	if first[0] != "dr-1" || first[2] != "2025-02-06" || first[4] != "NAVR60010101" {
		t.Errorf("identification: %s/%s/%s", first[0], first[2], first[4])
	}
	if first[1] != "0" {
		t.Errorf("group: want \"0\", got %q", first[1])
	}
	// Cabinet codes to activity sector 3; every other position stays empty.
	if first[10] != "3" {
		t.Errorf("sector: want \"3\", got %q", first[10])
	}
	for _, i := range []int{5, 6, 7, 8, 9, 11, 14, 15, 25} {
		if first[i] != "" {
			t.Errorf("column %d must be empty, got %q", i+1, first[i])
		}
	}
}
