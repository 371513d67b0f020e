package validation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("bad date %q: %v", s, err)
	}
	return d
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func paidAmount(s string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(s), Valid: true}
}

func unpaid() decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.Zero, Valid: true}
}

// mkRecord builds a plausible cabinet record; opts override fields.
func mkRecord(t *testing.T, code string, opts ...func(*Record)) Record {
	t.Helper()
	r := Record{
		ID:                  uuid.New(),
		Facture:             "F-" + uuid.NewString()[:8],
		IDRamq:              "R-" + uuid.NewString()[:8],
		DateService:         mustDate(t, "2025-02-06"),
		LieuPratique:        "55369",
		SecteurActivite:     "Cabinet",
		Code:                code,
		DoctorInfo:          "dr-1",
		Patient:             "NAVR60010101",
		MontantPreliminaire: decimal.Zero,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func onDate(t *testing.T, s string) func(*Record) {
	day := mustDate(t, s)
	return func(r *Record) { r.DateService = day }
}

func between(debut, fin string) func(*Record) {
	return func(r *Record) { r.Debut, r.Fin = debut, fin }
}

func withContext(s string) func(*Record) {
	return func(r *Record) { r.ElementContexte = s }
}

func withUnits(u string) func(*Record) {
	return func(r *Record) { r.Unites = u }
}

func withDoctor(d string) func(*Record) {
	return func(r *Record) { r.DoctorInfo = d }
}

func withPatient(p string) func(*Record) {
	return func(r *Record) { r.Patient = p }
}

func withLieu(l string) func(*Record) {
	return func(r *Record) { r.LieuPratique = l }
}

func withPreliminaire(s string) func(*Record) {
	return func(r *Record) { r.MontantPreliminaire = dec(s) }
}

func withPaye(s string) func(*Record) {
	return func(r *Record) { r.MontantPaye = paidAmount(s) }
}

func asUnpaid() func(*Record) {
	return func(r *Record) { r.MontantPaye = unpaid() }
}

func testSnapshot() *catalog.Snapshot {
	codes := []*catalog.BillingCode{
		{Code: "8857", Description: "Intervention clinique, 30 premières minutes", TariffValue: dec("59.70"), TopLevel: "A - INTERVENTION CLINIQUE", Active: true},
		{Code: "8859", Description: "Intervention clinique, période additionnelle", TariffValue: dec("29.85"), ExtraUnitValue: dec("29.85"), UnitRequired: true, TopLevel: "A - INTERVENTION CLINIQUE", Active: true},
		{Code: "19928", Description: "Frais de bureau", TariffValue: dec("32.40"), Active: true},
		{Code: "19929", Description: "Frais de bureau", TariffValue: dec("64.80"), Active: true},
		{Code: "00103", Description: "Visite de contrôle", TariffValue: dec("42.50"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE", Active: true},
		{Code: "15804", Description: "Visite de prise en charge", TariffValue: dec("48.45"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE", Leaf: "Visite de prise en charge", Active: true},
		{Code: "15815", Description: "Visite périodique", TariffValue: dec("46.80"), TopLevel: "B - CONSULTATION, EXAMEN ET VISITE", Leaf: "Visite périodique", Active: true},
	}
	var contexts []*catalog.ContextElement
	for _, name := range []string{"G160", "AR", "ICEP", "ICSM", "ICTOX", "CLSC"} {
		contexts = append(contexts, &catalog.ContextElement{Name: name})
	}
	establishments := []*catalog.Establishment{{Name: "55369", Active: true}}
	return catalog.NewSnapshot(codes, contexts, establishments)
}

func mkRule(t *testing.T, ruleType, condition string) *catalog.Rule {
	t.Helper()
	cond := json.RawMessage(`{}`)
	if condition != "" {
		cond = json.RawMessage(condition)
	}
	return &catalog.Rule{
		ID:       uuid.New(),
		Name:     "règle " + ruleType,
		RuleType: ruleType,
		Condition: cond,
		Enabled:  true,
	}
}

func runRule(t *testing.T, h RuleHandler, records []Record) []Finding {
	t.Helper()
	findings, err := h.Validate(context.Background(), &Input{
		RunID:    uuid.New(),
		Records:  records,
		Snapshot: testSnapshot(),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return findings
}

func findBySeverity(fs []Finding, severity string) []Finding {
	var out []Finding
	for _, f := range fs {
		if f.Severity == severity {
			out = append(out, f)
		}
	}
	return out
}

func scenarioOf(f Finding) string {
	s, _ := f.RuleData["scenarioId"].(string)
	return s
}
