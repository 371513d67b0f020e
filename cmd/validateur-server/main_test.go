package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ramq/validateur/internal/domain/catalog"
	"github.com/ramq/validateur/internal/domain/validation"
)

func TestSeedCatalog_MatchesMigrationSeed(t *testing.T) {
	ctx := context.Background()
	codes := catalog.NewCodeRepoMem()
	contexts := catalog.NewContextRepoMem()
	rules := catalog.NewRuleRepoMem()

	if err := seedCatalog(ctx, codes, contexts, rules); err != nil {
		t.Fatal(err)
	}

	for _, code := range []string{"8857", "8859", "19928", "19929", "00103", "15804", "15815"} {
		if _, err := codes.GetByCode(ctx, code); err != nil {
			t.Errorf("code %s missing: %v", code, err)
		}
	}
	c, err := codes.GetByCode(ctx, "8857")
	if err != nil {
		t.Fatal(err)
	}
	if c.TariffValue.StringFixed(2) != "59.70" || !c.Active {
		t.Errorf("8857 seed: tariff=%s active=%v", c.TariffValue, c.Active)
	}

	all, err := contexts.ListAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Errorf("contexts seeded: %d", len(all))
	}

	seeded, err := rules.ListEnabled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(seeded) != 4 {
		t.Fatalf("rules seeded: %d", len(seeded))
	}
	// Every seeded rule must produce a working handler.
	handlers := validation.BuildHandlers(seeded, zerolog.Nop())
	if len(handlers) != 4 {
		t.Errorf("buildable rules: %d of 4", len(handlers))
	}

	// Every seeded visit-duration key must land in the decoded params; a
	// misspelled key would be dropped and silently replaced by a default.
	for _, r := range seeded {
		if r.RuleType != "visit_duration_optimization" {
			continue
		}
		var p validation.VisitDurationParams
		if err := json.Unmarshal(r.Condition, &p); err != nil {
			t.Fatal(err)
		}
		if p.MinDurationMinutes != 30 || p.BaseTariff != "59.70" || p.ExtraTariff != "29.85" {
			t.Errorf("visit duration condition: %+v", p)
		}
		if p.TopLevel != "B - CONSULTATION, EXAMEN ET VISITE" || len(p.ExcludedCodes) != 2 {
			t.Errorf("visit duration scope: %+v", p)
		}
	}
}

func TestRunOffline(t *testing.T) {
	header := "Facture;ID RAMQ;Date de Service;Début;Fin;Période;Lieu de pratique;" +
		"Secteur d'activité;Diagnostic;Code;Unités;Rôle;Élément de contexte;" +
		"Montant Preliminaire;Montant Payé;Doctor Info;Patient"
	var b strings.Builder
	b.WriteString(header + "\n")
	for i := 0; i < 7; i++ {
		b.WriteString("F" + string(rune('1'+i)) + ";R1;2025-02-06;;;;55369;Cabinet;;8857;;1;;59,70;;dr-1;NAVR60010101\n")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "facturation.csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := runOffline(path); err != nil {
		t.Fatalf("offline validation: %v", err)
	}

	bad := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(bad, []byte("ceci n'est pas un csv"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := runOffline(bad); err == nil {
		t.Fatal("expected an error for an unparseable file")
	}
}
