package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func seedRepos(t *testing.T) (CodeRepository, ContextRepository, EstablishmentRepository, RuleRepository) {
	t.Helper()
	ctx := context.Background()
	codes := NewCodeRepoMem()
	contexts := NewContextRepoMem()
	establishments := NewEstablishmentRepoMem()
	rules := NewRuleRepoMem()

	if err := codes.Upsert(ctx, &BillingCode{Code: "8857", TariffValue: decimal.RequireFromString("59.70"), Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := contexts.Upsert(ctx, &ContextElement{Name: "G160", Tags: []string{"garde"}}); err != nil {
		t.Fatal(err)
	}
	if err := establishments.Upsert(ctx, &Establishment{Name: "55369", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := rules.Create(ctx, &Rule{Name: "r1", RuleType: "office_fee", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := rules.Create(ctx, &Rule{Name: "r2", RuleType: "prohibition", Enabled: false}); err != nil {
		t.Fatal(err)
	}
	return codes, contexts, establishments, rules
}

func TestCache_SnapshotLookups(t *testing.T) {
	codes, contexts, establishments, rules := seedRepos(t)
	cache := NewCache(codes, contexts, establishments, rules, time.Hour, time.Hour, zerolog.Nop())

	snap, err := cache.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if _, ok := snap.Code("8857"); !ok {
		t.Error("code 8857 missing from snapshot")
	}
	if _, ok := snap.ContextElement("#G160"); !ok {
		t.Error("context lookup should ignore leading #")
	}
	if _, ok := snap.Establishment("55369"); !ok {
		t.Error("establishment missing from snapshot")
	}
}

func TestSnapshot_CodeIndexes(t *testing.T) {
	snap := NewSnapshot([]*BillingCode{
		{Code: "15804", TopLevel: "B - CONSULTATION, EXAMEN ET VISITE", Leaf: "Visite de prise en charge", Active: true},
		{Code: "15815", TopLevel: "B - CONSULTATION, EXAMEN ET VISITE", Leaf: "Visite périodique", Active: true},
		{Code: "8857", TopLevel: "A - INTERVENTION CLINIQUE", Active: true},
		{Code: "19928", Active: true},
	}, nil, nil)

	if got := snap.ByTopLevel("b - consultation, examen et visite"); len(got) != 2 {
		t.Errorf("ByTopLevel: %d codes", len(got))
	}
	if got := snap.ByTopLevel("A - INTERVENTION CLINIQUE"); len(got) != 1 || got[0].Code != "8857" {
		t.Errorf("ByTopLevel: %+v", got)
	}
	if got := snap.ByTopLevel("inconnu"); got != nil {
		t.Errorf("unknown heading: %+v", got)
	}

	// Leaf matching is a case-insensitive substring, as rule conditions
	// configure partial labels.
	if got := snap.MatchLeaf("visite de PRISE en charge"); len(got) != 1 || got[0].Code != "15804" {
		t.Errorf("MatchLeaf: %+v", got)
	}
	if got := snap.MatchLeaf("Visite"); len(got) != 2 {
		t.Errorf("MatchLeaf partial: %d codes", len(got))
	}
	if got := snap.MatchLeaf("absent"); len(got) != 0 {
		t.Errorf("MatchLeaf miss: %+v", got)
	}
}

func TestCache_RulesFiltersDisabled(t *testing.T) {
	codes, contexts, establishments, rules := seedRepos(t)
	cache := NewCache(codes, contexts, establishments, rules, time.Hour, time.Hour, zerolog.Nop())

	got, err := cache.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules: %v", err)
	}
	if len(got) != 1 || got[0].Name != "r1" {
		t.Fatalf("expected only enabled rule r1, got %+v", got)
	}
}

func TestCache_SnapshotReusedWithinTTL(t *testing.T) {
	codes, contexts, establishments, rules := seedRepos(t)
	cache := NewCache(codes, contexts, establishments, rules, time.Hour, time.Hour, zerolog.Nop())

	ctx := context.Background()
	first, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A write bypassing the service must not show up until invalidation.
	if err := codes.Upsert(ctx, &BillingCode{Code: "19928", Active: true}); err != nil {
		t.Fatal(err)
	}
	second, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("snapshot should be reused within TTL")
	}

	cache.Invalidate()
	third, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := third.Code("19928"); !ok {
		t.Error("invalidation should force a reload")
	}
}

type failingCodeRepo struct {
	CodeRepository
	fail bool
}

func (r *failingCodeRepo) ListAll(ctx context.Context) ([]*BillingCode, error) {
	if r.fail {
		return nil, errors.New("db down")
	}
	return r.CodeRepository.ListAll(ctx)
}

func TestCache_StaleSnapshotServedOnRefreshError(t *testing.T) {
	codes, contexts, establishments, rules := seedRepos(t)
	failing := &failingCodeRepo{CodeRepository: codes}
	cache := NewCache(failing, contexts, establishments, rules, time.Hour, time.Hour, zerolog.Nop())

	ctx := context.Background()
	snap, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	failing.fail = true
	cache.Invalidate()
	stale, err := cache.Snapshot(ctx)
	if err == nil {
		t.Fatal("invalidate dropped the snapshot, refresh failure should surface")
	}
	_ = stale

	// Reload once, then break the repo: the stale snapshot must be served.
	failing.fail = false
	if _, err := cache.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	failing.fail = true
	cache.mu.Lock()
	cache.snapshotAt = time.Now().Add(-2 * time.Hour) // expire the TTL
	cache.mu.Unlock()
	got, err := cache.Snapshot(ctx)
	if err != nil {
		t.Fatalf("stale snapshot should be served, got error %v", err)
	}
	if _, ok := got.Code("8857"); !ok {
		t.Error("stale snapshot content lost")
	}
	_ = snap
}

func TestCache_NoSnapshotAndLoadFailureIsRetryable(t *testing.T) {
	codes, contexts, establishments, rules := seedRepos(t)
	failing := &failingCodeRepo{CodeRepository: codes, fail: true}
	cache := NewCache(failing, contexts, establishments, rules, time.Hour, time.Hour, zerolog.Nop())

	_, err := cache.Snapshot(context.Background())
	if !errors.Is(err, ErrReferenceUnavailable) {
		t.Fatalf("expected ErrReferenceUnavailable, got %v", err)
	}
}

func TestSplitContexts(t *testing.T) {
	got := SplitContexts("#G160, ICEP ,#AR")
	want := []string{"G160", "ICEP", "AR"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d: got %q want %q", i, got[i], want[i])
		}
	}
	if SplitContexts("") != nil {
		t.Error("empty input should yield nil")
	}
}
