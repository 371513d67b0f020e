package run

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
	"github.com/ramq/validateur/internal/platform/progress"
	"github.com/ramq/validateur/internal/platform/queue"
)

const csvHeader = "Facture;ID RAMQ;Date de Service;Début;Fin;Période;Lieu de pratique;" +
	"Secteur d'activité;Diagnostic;Code;Unités;Rôle;Élément de contexte;" +
	"Montant Preliminaire;Montant Payé;Doctor Info;Patient"

type csvRow struct {
	facture string
	date    string
	code    string
	prelim  string
	paye    string
}

func buildCSV(rows ...csvRow) []byte {
	var b strings.Builder
	b.WriteString(csvHeader + "\n")
	for _, r := range rows {
		idRamq := "R-" + r.facture
		b.WriteString(strings.Join([]string{
			r.facture, idRamq, r.date, "", "", "", "55369",
			"Cabinet", "", r.code, "", "1", "",
			r.prelim, r.paye, "dr-1", "NAVR60010101",
		}, ";") + "\n")
	}
	return []byte(b.String())
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// testEnv wires the run domain onto in-memory backends.
type testEnv struct {
	runs    RunRepository
	records RecordRepository
	results ResultRepository
	queue   *queue.MemoryQueue
	hub     *progress.Hub
	svc     *Service
	pipe    *Pipeline
	rules   catalog.RuleRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	codes := catalog.NewCodeRepoMem()
	contexts := catalog.NewContextRepoMem()
	establishments := catalog.NewEstablishmentRepoMem()
	rules := catalog.NewRuleRepoMem()

	ctx := context.Background()
	seed := []*catalog.BillingCode{
		{Code: "8857", TariffValue: decimal.RequireFromString("59.70"), TopLevel: "A - INTERVENTION CLINIQUE", Active: true},
		{Code: "8859", TariffValue: decimal.RequireFromString("29.85"), UnitRequired: true, TopLevel: "A - INTERVENTION CLINIQUE", Active: true},
		{Code: "19928", TariffValue: decimal.RequireFromString("32.40"), Active: true},
		{Code: "19929", TariffValue: decimal.RequireFromString("64.80"), Active: true},
		{Code: "00103", TariffValue: decimal.RequireFromString("42.50"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE", Active: true},
		{Code: "15804", TariffValue: decimal.RequireFromString("48.45"), Leaf: "Visite de prise en charge", Active: true},
	}
	for _, c := range seed {
		if err := codes.Upsert(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	for _, rt := range []string{"daily_time_limit", "office_fee", "annual_per_patient", "visit_duration_optimization"} {
		r := &catalog.Rule{
			ID:        uuid.New(),
			Name:      "règle " + rt,
			RuleType:  rt,
			Condition: json.RawMessage(`{}`),
			Enabled:   true,
		}
		if err := rules.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	cache := catalog.NewCache(codes, contexts, establishments, rules, time.Hour, time.Hour, zerolog.Nop())

	env := &testEnv{
		runs:    NewMemRunRepo(),
		records: NewMemRecordRepo(),
		results: NewMemResultRepo(),
		queue:   queue.NewMemoryQueue(16),
		hub:     progress.NewHub(),
		rules:   rules,
	}
	env.svc = NewService(env.runs, env.records, env.results, env.queue, env.hub, 1024*1024, zerolog.Nop())
	env.pipe = NewPipeline(env.runs, env.records, env.results, cache, env.hub, time.Minute, 3, zerolog.Nop())
	return env
}

// process runs the queued job for a run through the pipeline.
func (e *testEnv) process(t *testing.T, runID uuid.UUID) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job.RunID != runID {
		t.Fatalf("dequeued job for %s, want %s", job.RunID, runID)
	}
	return e.pipe.Handle(ctx, job)
}
