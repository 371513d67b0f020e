package validation

import (
	"testing"
)

func mustBuild(t *testing.T, ruleType, condition string) RuleHandler {
	t.Helper()
	h, err := buildHandler(mkRule(t, ruleType, condition))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestProhibition(t *testing.T) {
	h := mustBuild(t, "prohibition", `{"codes":["00103"],"conflictingCodes":["15804"]}`)

	conflict := []Record{
		mkRecord(t, "00103", withPaye("42.50")),
		mkRecord(t, "15804"),
	}
	findings := runRule(t, h, conflict)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Category != "prohibition" || f.Severity != SeverityError {
		t.Errorf("category/severity: %s/%s", f.Category, f.Severity)
	}
	if !f.MonetaryImpact.Equal(dec("-42.50")) {
		t.Errorf("impact: %s", f.MonetaryImpact)
	}
	if len(f.AffectedRecords) != 2 {
		t.Errorf("affected: %d", len(f.AffectedRecords))
	}

	// Different day, default patient_day scope: no conflict.
	apart := []Record{
		mkRecord(t, "00103"),
		mkRecord(t, "15804", onDate(t, "2025-02-07")),
	}
	if findings := runRule(t, h, apart); len(findings) != 0 {
		t.Fatalf("different days must not conflict, got %d", len(findings))
	}
}

func TestRequirement(t *testing.T) {
	h := mustBuild(t, "requirement", `{"code":"8859","requiredCode":"8857"}`)

	missing := []Record{mkRecord(t, "8859", withUnits("30"))}
	findings := runRule(t, h, missing)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}

	satisfied := []Record{
		mkRecord(t, "8857"),
		mkRecord(t, "8859", withUnits("30")),
	}
	if findings := runRule(t, h, satisfied); len(findings) != 0 {
		t.Fatalf("required code present, got %d findings", len(findings))
	}
}

func TestTimeRestriction(t *testing.T) {
	h := mustBuild(t, "time_restriction", `{"code":"00103","startTime":"08:00","endTime":"18:00"}`)

	records := []Record{
		mkRecord(t, "00103", between("07:30", "08:00")),
		mkRecord(t, "00103", between("09:00", "09:30")),
		mkRecord(t, "00103"), // no start time, skipped
	}
	findings := runRule(t, h, records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].RuleData["debut"] != "07:30" {
		t.Errorf("debut: %v", findings[0].RuleData["debut"])
	}
}

func TestTimeRestriction_WindowAcrossMidnight(t *testing.T) {
	h := mustBuild(t, "time_restriction", `{"code":"00103","startTime":"20:00","endTime":"06:00"}`)

	inside := []Record{
		mkRecord(t, "00103", between("23:00", "23:30")),
		mkRecord(t, "00103", between("05:00", "05:30")),
	}
	if findings := runRule(t, h, inside); len(findings) != 0 {
		t.Fatalf("inside overnight window, got %d findings", len(findings))
	}
	outside := []Record{mkRecord(t, "00103", between("12:00", "12:30"))}
	if findings := runRule(t, h, outside); len(findings) != 1 {
		t.Fatalf("midday is outside the overnight window, got %d findings", len(findings))
	}
}

func TestLocationRestriction(t *testing.T) {
	h := mustBuild(t, "location_restriction", `{"code":"19928","allowedPrefixes":["5"]}`)

	records := []Record{
		mkRecord(t, "19928"),                    // cabinet, lieu 55369
		mkRecord(t, "19928", withLieu("12345")), // not allowed
	}
	findings := runRule(t, h, records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].RuleData["lieuPratique"] != "12345" {
		t.Errorf("lieuPratique: %v", findings[0].RuleData["lieuPratique"])
	}
}

func TestAgeRestriction(t *testing.T) {
	h := mustBuild(t, "age_restriction", `{"code":"00103","minAge":0,"maxAge":17}`)

	withDOB := func(dob string) func(*Record) {
		return func(r *Record) {
			r.CustomFields = map[string]string{"Date de Naissance": dob}
		}
	}

	records := []Record{
		mkRecord(t, "00103", withDOB("2015-06-01")), // 9 years old
		mkRecord(t, "00103", withDOB("1960-01-01")), // 65
		mkRecord(t, "00103"),                        // no DOB, skipped
		mkRecord(t, "00103", withDOB("pas une date")),
	}
	findings := runRule(t, h, records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].RuleData["age"] != 65 {
		t.Errorf("age: %v", findings[0].RuleData["age"])
	}
}

func TestAmountLimit(t *testing.T) {
	h := mustBuild(t, "amount_limit", `{"codes":["00103"],"maxAmount":"100.00","scope":"patient_day"}`)

	over := []Record{
		mkRecord(t, "00103", withPreliminaire("60.00"), withPaye("60.00")),
		mkRecord(t, "00103", withPreliminaire("50.00")),
	}
	findings := runRule(t, h, over)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].RuleData["total"] != 110.0 {
		t.Errorf("total: %v", findings[0].RuleData["total"])
	}
	if !findings[0].MonetaryImpact.Equal(dec("-60.00")) {
		t.Errorf("impact: %s", findings[0].MonetaryImpact)
	}

	under := []Record{
		mkRecord(t, "00103", withPreliminaire("60.00")),
		mkRecord(t, "00103", withPreliminaire("40.00")),
	}
	if findings := runRule(t, h, under); len(findings) != 0 {
		t.Fatalf("total at the limit must pass, got %d findings", len(findings))
	}
}

func TestMutualExclusion(t *testing.T) {
	h := mustBuild(t, "mutual_exclusion", `{"codes":["15804","15815"]}`)

	both := []Record{
		mkRecord(t, "15804"),
		mkRecord(t, "15815"),
	}
	findings := runRule(t, h, both)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	if findings[0].RuleData["distinct"] != 2 {
		t.Errorf("distinct: %v", findings[0].RuleData["distinct"])
	}

	// Same code twice is not a mutual-exclusion conflict.
	repeated := []Record{
		mkRecord(t, "15804"),
		mkRecord(t, "15804"),
	}
	if findings := runRule(t, h, repeated); len(findings) != 0 {
		t.Fatalf("same code repeated, got %d findings", len(findings))
	}
}

func TestMissingAnnualOpportunity(t *testing.T) {
	h := mustBuild(t, "missing_annual_opportunity", `{"codes":["15804","15815"]}`)

	seen := []Record{
		mkRecord(t, "00103", withPatient("P1")),
		mkRecord(t, "00103", withPatient("P1")),
		mkRecord(t, "15804", withPatient("P2")),
	}
	findings := runRule(t, h, seen)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding for P1 only, got %d", len(findings))
	}
	f := findings[0]
	if f.Severity != SeverityInfo {
		t.Errorf("severity: %s", f.Severity)
	}
	// Opportunity value is the highest tariff among the expected codes.
	if !f.MonetaryImpact.Equal(dec("48.45")) {
		t.Errorf("impact: %s", f.MonetaryImpact)
	}
}

func TestAnnualLimitExplicitCodes(t *testing.T) {
	h := mustBuild(t, "annual_limit", `{"codes":["00103"],"maxPerYear":2}`)

	records := []Record{
		mkRecord(t, "00103", onDate(t, "2025-01-10")),
		mkRecord(t, "00103", onDate(t, "2025-04-15")),
		mkRecord(t, "00103", onDate(t, "2025-09-01"), withPaye("42.50")),
	}
	findings := runRule(t, h, records)
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.RuleData["count"] != 3 || f.RuleData["maxPerYear"] != 2 {
		t.Errorf("counts: %+v", f.RuleData)
	}
	if !f.MonetaryImpact.Equal(dec("-42.50")) {
		t.Errorf("impact: %s", f.MonetaryImpact)
	}

	if findings := runRule(t, h, records[:2]); len(findings) != 0 {
		t.Fatalf("within the yearly maximum, got %d findings", len(findings))
	}
}

func TestDeclarativeConstructorsRejectBadParams(t *testing.T) {
	cases := []struct {
		ruleType  string
		condition string
	}{
		{"prohibition", `{"codes":["00103"]}`},
		{"requirement", `{"code":"8859"}`},
		{"time_restriction", `{"code":"00103","startTime":"25:00","endTime":"18:00"}`},
		{"location_restriction", `{"code":"19928"}`},
		{"age_restriction", `{}`},
		{"amount_limit", `{"codes":["00103"],"maxAmount":"beaucoup"}`},
		{"mutual_exclusion", `{"codes":["15804"]}`},
		{"missing_annual_opportunity", `{}`},
		{"annual_limit", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.ruleType, func(t *testing.T) {
			if _, err := buildHandler(mkRule(t, tc.ruleType, tc.condition)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
