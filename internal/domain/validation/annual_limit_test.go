package validation

import (
	"testing"
)

func newAnnualRule(t *testing.T) RuleHandler {
	t.Helper()
	h, err := newAnnualPerPatient(mkRule(t, "annual_per_patient", ""))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// Scenario: an annual code billed twice for the same patient, never paid.
func TestAnnualPerPatient_AllUnpaid(t *testing.T) {
	h := newAnnualRule(t)
	records := []Record{
		mkRecord(t, "15804", onDate(t, "2025-01-10")),
		mkRecord(t, "15804", onDate(t, "2025-06-12")),
	}

	findings := runRule(t, h, records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Severity != SeverityError {
		t.Errorf("severity: %s", f.Severity)
	}
	if !f.MonetaryImpact.Equal(dec("48.45")) {
		t.Errorf("unpaid duplicates are recoverable, impact should be +48.45, got %s", f.MonetaryImpact)
	}
	if f.RuleData["count"] != 2 || f.RuleData["unpaidCount"] != 2 {
		t.Errorf("counts: %+v", f.RuleData)
	}
	if f.BillingRecordID == nil || *f.BillingRecordID != records[0].ID {
		t.Error("anchor should be the earliest claim")
	}
}

func TestAnnualPerPatient_AllPaid(t *testing.T) {
	h := newAnnualRule(t)
	records := []Record{
		mkRecord(t, "15815", onDate(t, "2025-01-10"), withPaye("46.80")),
		mkRecord(t, "15815", onDate(t, "2025-06-12"), withPaye("46.80")),
	}

	findings := runRule(t, h, records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if !f.MonetaryImpact.IsZero() {
		t.Errorf("already paid twice, impact should be 0, got %s", f.MonetaryImpact)
	}
	if f.Solution == nil {
		t.Fatal("solution missing")
	}
}

func TestAnnualPerPatient_Mixed(t *testing.T) {
	h := newAnnualRule(t)
	paid := mkRecord(t, "15804", onDate(t, "2025-01-10"), withPaye("48.45"))
	unpaid1 := mkRecord(t, "15804", onDate(t, "2025-03-02"))
	unpaid2 := mkRecord(t, "15804", onDate(t, "2025-08-20"))

	findings := runRule(t, h, []Record{paid, unpaid1, unpaid2})
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if !f.MonetaryImpact.IsZero() {
		t.Errorf("impact should be 0, got %s", f.MonetaryImpact)
	}
	if f.RuleData["paidIdRamq"] != paid.IDRamq {
		t.Errorf("paidIdRamq: %v", f.RuleData["paidIdRamq"])
	}
	ids, ok := f.RuleData["unpaidIdRamq"].([]string)
	if !ok || len(ids) != 2 || ids[0] != unpaid1.IDRamq || ids[1] != unpaid2.IDRamq {
		t.Errorf("unpaidIdRamq: %v", f.RuleData["unpaidIdRamq"])
	}
}

// Calendar years bound the grouping: December and January claims are fine.
func TestAnnualPerPatient_CalendarYearBoundary(t *testing.T) {
	h := newAnnualRule(t)
	records := []Record{
		mkRecord(t, "15804", onDate(t, "2024-12-31")),
		mkRecord(t, "15804", onDate(t, "2025-01-01")),
	}
	if findings := runRule(t, h, records); len(findings) != 0 {
		t.Fatalf("claims in different years must pass, got %d findings", len(findings))
	}
}

func TestAnnualPerPatient_GroupsByPatientAndCode(t *testing.T) {
	h := newAnnualRule(t)
	records := []Record{
		// Different patients, same code.
		mkRecord(t, "15804", withPatient("P1")),
		mkRecord(t, "15804", withPatient("P2")),
		// Same patient, different annual codes.
		mkRecord(t, "15815", withPatient("P1")),
		// Non-annual code twice.
		mkRecord(t, "00103", withPatient("P1")),
		mkRecord(t, "00103", withPatient("P1")),
	}
	if findings := runRule(t, h, records); len(findings) != 0 {
		t.Fatalf("no group exceeds one claim, got %d findings", len(findings))
	}
}
