package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// The declarative rule families share a scoping notion: records are grouped
// per patient, per (patient, day) or per invoice before the predicate runs.
const (
	ScopePatient    = "patient"
	ScopePatientDay = "patient_day"
	ScopeInvoice    = "invoice"
)

func scopeKey(scope string, rec Record) string {
	switch scope {
	case ScopeInvoice:
		return rec.Facture
	case ScopePatient:
		return rec.Patient
	default:
		return rec.Patient + "|" + rec.DayKey()
	}
}

// groupByScope partitions records, preserving first-seen group order.
func groupByScope(records []Record, scope string) ([]string, map[string][]Record) {
	groups := make(map[string][]Record)
	var order []string
	for _, rec := range records {
		k := scopeKey(scope, rec)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}
	return order, groups
}

func codeSet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}

// -- prohibition: codes X and Y must not co-occur in scope --

type ProhibitionParams struct {
	Codes            []string `json:"codes"`
	ConflictingCodes []string `json:"conflictingCodes"`
	Scope            string   `json:"scope"`
}

type prohibitionRule struct {
	rule   *catalog.Rule
	params ProhibitionParams
}

func newProhibition(rule *catalog.Rule) (RuleHandler, error) {
	var p ProhibitionParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if len(p.Codes) == 0 || len(p.ConflictingCodes) == 0 {
		return nil, fmt.Errorf("prohibition rule requires codes and conflictingCodes")
	}
	return &prohibitionRule{rule: rule, params: p}, nil
}

func (r *prohibitionRule) Rule() *catalog.Rule { return r.rule }

func (r *prohibitionRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	left := codeSet(r.params.Codes)
	right := codeSet(r.params.ConflictingCodes)

	var findings []Finding
	order, groups := groupByScope(in.Records, r.params.Scope)
	for _, k := range order {
		recs := groups[k]
		var leftRecs, rightRecs []Record
		for _, rec := range recs {
			if left[rec.Code] {
				leftRecs = append(leftRecs, rec)
			}
			if right[rec.Code] {
				rightRecs = append(rightRecs, rec)
			}
		}
		if len(leftRecs) == 0 || len(rightRecs) == 0 {
			continue
		}
		affected := append(append([]Record(nil), leftRecs...), rightRecs...)
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "prohibition",
			MonetaryImpact: paidImpact(affected),
			Message: fmt.Sprintf("Les codes %s ne peuvent pas être facturés avec les codes %s pour la même portée (%s).",
				strings.Join(r.params.Codes, ", "), strings.Join(r.params.ConflictingCodes, ", "), scopeLabel(r.params.Scope)),
			Solution: strPtr("Annuler l'une des deux facturations incompatibles."),
			RuleData: map[string]any{
				"codes":            r.params.Codes,
				"conflictingCodes": r.params.ConflictingCodes,
				"scope":            r.params.Scope,
			},
		}
		findings = append(findings, f.anchor(earliest(affected), affected))
	}
	sortFindings(findings)
	return findings, nil
}

// -- requirement: code X requires code Y in scope --

type RequirementParams struct {
	Code         string `json:"code"`
	RequiredCode string `json:"requiredCode"`
	Scope        string `json:"scope"`
}

type requirementRule struct {
	rule   *catalog.Rule
	params RequirementParams
}

func newRequirement(rule *catalog.Rule) (RuleHandler, error) {
	var p RequirementParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if p.Code == "" || p.RequiredCode == "" {
		return nil, fmt.Errorf("requirement rule requires code and requiredCode")
	}
	return &requirementRule{rule: rule, params: p}, nil
}

func (r *requirementRule) Rule() *catalog.Rule { return r.rule }

func (r *requirementRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	var findings []Finding
	order, groups := groupByScope(in.Records, r.params.Scope)
	for _, k := range order {
		recs := groups[k]
		var offenders []Record
		hasRequired := false
		for _, rec := range recs {
			if rec.Code == r.params.Code {
				offenders = append(offenders, rec)
			}
			if rec.Code == r.params.RequiredCode {
				hasRequired = true
			}
		}
		if len(offenders) == 0 || hasRequired {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "requirement",
			MonetaryImpact: paidImpact(offenders),
			Message: fmt.Sprintf("Le code %s exige la présence du code %s pour la même portée (%s).",
				r.params.Code, r.params.RequiredCode, scopeLabel(r.params.Scope)),
			Solution: strPtr(fmt.Sprintf("Ajouter la facturation du code %s ou annuler le code %s.", r.params.RequiredCode, r.params.Code)),
			RuleData: map[string]any{
				"code":         r.params.Code,
				"requiredCode": r.params.RequiredCode,
				"scope":        r.params.Scope,
			},
		}
		findings = append(findings, f.anchor(earliest(offenders), offenders))
	}
	sortFindings(findings)
	return findings, nil
}

// -- time_restriction: code X only valid inside a clock window --

type TimeRestrictionParams struct {
	Code      string `json:"code"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type timeRestrictionRule struct {
	rule       *catalog.Rule
	params     TimeRestrictionParams
	start, end int
}

func newTimeRestriction(rule *catalog.Rule) (RuleHandler, error) {
	var p TimeRestrictionParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	start, ok := parseClock(p.StartTime)
	if !ok {
		return nil, fmt.Errorf("time_restriction rule: invalid startTime %q", p.StartTime)
	}
	end, ok := parseClock(p.EndTime)
	if !ok {
		return nil, fmt.Errorf("time_restriction rule: invalid endTime %q", p.EndTime)
	}
	if p.Code == "" {
		return nil, fmt.Errorf("time_restriction rule requires code")
	}
	return &timeRestrictionRule{rule: rule, params: p, start: start, end: end}, nil
}

func (r *timeRestrictionRule) Rule() *catalog.Rule { return r.rule }

func (r *timeRestrictionRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	var findings []Finding
	for _, rec := range in.Records {
		if rec.Code != r.params.Code {
			continue
		}
		at, ok := parseClock(rec.Debut)
		if !ok {
			continue
		}
		inWindow := at >= r.start && at <= r.end
		if r.end < r.start { // window crossing midnight
			inWindow = at >= r.start || at <= r.end
		}
		if inWindow {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "time_restriction",
			MonetaryImpact: paidImpact([]Record{rec}),
			Message: fmt.Sprintf("Le code %s facturé à %s n'est admissible qu'entre %s et %s.",
				rec.Code, rec.Debut, r.params.StartTime, r.params.EndTime),
			Solution: strPtr("Vérifier l'heure de début de l'acte ou annuler la facturation."),
			RuleData: map[string]any{
				"code":      rec.Code,
				"debut":     rec.Debut,
				"startTime": r.params.StartTime,
				"endTime":   r.params.EndTime,
			},
		}
		findings = append(findings, f.anchor(rec, []Record{rec}))
	}
	sortFindings(findings)
	return findings, nil
}

// -- location_restriction: code X only valid in an establishment class --

type LocationRestrictionParams struct {
	Code            string   `json:"code"`
	AllowedPrefixes []string `json:"allowedPrefixes"`
}

type locationRestrictionRule struct {
	rule   *catalog.Rule
	params LocationRestrictionParams
}

func newLocationRestriction(rule *catalog.Rule) (RuleHandler, error) {
	var p LocationRestrictionParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if p.Code == "" || len(p.AllowedPrefixes) == 0 {
		return nil, fmt.Errorf("location_restriction rule requires code and allowedPrefixes")
	}
	return &locationRestrictionRule{rule: rule, params: p}, nil
}

func (r *locationRestrictionRule) Rule() *catalog.Rule { return r.rule }

func (r *locationRestrictionRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	var findings []Finding
	for _, rec := range in.Records {
		if rec.Code != r.params.Code {
			continue
		}
		allowed := false
		for _, prefix := range r.params.AllowedPrefixes {
			if strings.HasPrefix(rec.LieuPratique, prefix) {
				allowed = true
				break
			}
		}
		if allowed {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "location_restriction",
			MonetaryImpact: paidImpact([]Record{rec}),
			Message: fmt.Sprintf("Le code %s n'est pas admissible au lieu de pratique %s.",
				rec.Code, rec.LieuPratique),
			Solution: strPtr("Vérifier le lieu de pratique ou annuler la facturation."),
			RuleData: map[string]any{
				"code":            rec.Code,
				"lieuPratique":    rec.LieuPratique,
				"allowedPrefixes": r.params.AllowedPrefixes,
			},
		}
		findings = append(findings, f.anchor(rec, []Record{rec}))
	}
	sortFindings(findings)
	return findings, nil
}

// -- age_restriction: code X requires patient age in range --

type AgeRestrictionParams struct {
	Code           string `json:"code"`
	MinAge         int    `json:"minAge"`
	MaxAge         int    `json:"maxAge"`
	BirthDateField string `json:"birthDateField"`
}

type ageRestrictionRule struct {
	rule   *catalog.Rule
	params AgeRestrictionParams
}

func newAgeRestriction(rule *catalog.Rule) (RuleHandler, error) {
	var p AgeRestrictionParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, fmt.Errorf("age_restriction rule requires code")
	}
	if p.BirthDateField == "" {
		p.BirthDateField = "Date de Naissance"
	}
	if p.MaxAge == 0 {
		p.MaxAge = 150
	}
	return &ageRestrictionRule{rule: rule, params: p}, nil
}

func (r *ageRestrictionRule) Rule() *catalog.Rule { return r.rule }

func (r *ageRestrictionRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	var findings []Finding
	for _, rec := range in.Records {
		if rec.Code != r.params.Code {
			continue
		}
		// Patient date of birth travels as a custom CSV column; no DOB
		// means no finding.
		raw, ok := rec.CustomFields[r.params.BirthDateField]
		if !ok || raw == "" {
			continue
		}
		dob, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		age := ageAt(dob, rec.DateService)
		if age >= r.params.MinAge && age <= r.params.MaxAge {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "age_restriction",
			MonetaryImpact: paidImpact([]Record{rec}),
			Message: fmt.Sprintf("Le code %s exige un patient de %d à %d ans; le patient a %d ans à la date de service.",
				rec.Code, r.params.MinAge, r.params.MaxAge, age),
			Solution: strPtr("Vérifier l'identité du patient ou utiliser le code approprié au groupe d'âge."),
			RuleData: map[string]any{
				"code":   rec.Code,
				"minAge": r.params.MinAge,
				"maxAge": r.params.MaxAge,
				"age":    age,
			},
		}
		findings = append(findings, f.anchor(rec, []Record{rec}))
	}
	sortFindings(findings)
	return findings, nil
}

func ageAt(dob, at time.Time) int {
	age := at.Year() - dob.Year()
	if at.YearDay() < dob.YearDay() {
		age--
	}
	return age
}

// -- amount_limit: scope total must not exceed a threshold --

type AmountLimitParams struct {
	Codes     []string `json:"codes"`
	MaxAmount string   `json:"maxAmount"`
	Scope     string   `json:"scope"`
}

type amountLimitRule struct {
	rule   *catalog.Rule
	params AmountLimitParams
	max    decimal.Decimal
}

func newAmountLimit(rule *catalog.Rule) (RuleHandler, error) {
	var p AmountLimitParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if len(p.Codes) == 0 {
		return nil, fmt.Errorf("amount_limit rule requires codes")
	}
	max, err := decimal.NewFromString(p.MaxAmount)
	if err != nil {
		return nil, fmt.Errorf("amount_limit rule: invalid maxAmount %q", p.MaxAmount)
	}
	return &amountLimitRule{rule: rule, params: p, max: max}, nil
}

func (r *amountLimitRule) Rule() *catalog.Rule { return r.rule }

func (r *amountLimitRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	set := codeSet(r.params.Codes)

	var findings []Finding
	order, groups := groupByScope(in.Records, r.params.Scope)
	for _, k := range order {
		var matched []Record
		total := decimal.Zero
		for _, rec := range groups[k] {
			if !set[rec.Code] {
				continue
			}
			matched = append(matched, rec)
			total = total.Add(rec.MontantPreliminaire)
		}
		if len(matched) == 0 || !total.GreaterThan(r.max) {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "amount_limit",
			MonetaryImpact: paidImpact(matched),
			Message: fmt.Sprintf("Le total facturé de %s $ pour les codes %s dépasse le maximum de %s $ (%s).",
				total.StringFixed(2), strings.Join(r.params.Codes, ", "), r.max.StringFixed(2), scopeLabel(r.params.Scope)),
			Solution: strPtr("Annuler les facturations excédentaires pour respecter le maximum."),
			RuleData: map[string]any{
				"codes":     r.params.Codes,
				"total":     total.InexactFloat64(),
				"maxAmount": r.max.InexactFloat64(),
				"scope":     r.params.Scope,
			},
		}
		findings = append(findings, f.anchor(earliest(matched), matched))
	}
	sortFindings(findings)
	return findings, nil
}

// -- mutual_exclusion: at most one of a set may be billed in scope --

type MutualExclusionParams struct {
	Codes []string `json:"codes"`
	Scope string   `json:"scope"`
}

type mutualExclusionRule struct {
	rule   *catalog.Rule
	params MutualExclusionParams
}

func newMutualExclusion(rule *catalog.Rule) (RuleHandler, error) {
	var p MutualExclusionParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if len(p.Codes) < 2 {
		return nil, fmt.Errorf("mutual_exclusion rule requires at least two codes")
	}
	return &mutualExclusionRule{rule: rule, params: p}, nil
}

func (r *mutualExclusionRule) Rule() *catalog.Rule { return r.rule }

func (r *mutualExclusionRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	set := codeSet(r.params.Codes)

	var findings []Finding
	order, groups := groupByScope(in.Records, r.params.Scope)
	for _, k := range order {
		var matched []Record
		distinct := make(map[string]bool)
		for _, rec := range groups[k] {
			if set[rec.Code] {
				matched = append(matched, rec)
				distinct[rec.Code] = true
			}
		}
		if len(distinct) <= 1 {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "mutual_exclusion",
			MonetaryImpact: paidImpact(matched),
			Message: fmt.Sprintf("Un seul des codes %s peut être facturé pour la même portée (%s); %d ont été trouvés.",
				strings.Join(r.params.Codes, ", "), scopeLabel(r.params.Scope), len(distinct)),
			Solution: strPtr("Conserver une seule des facturations mutuellement exclusives."),
			RuleData: map[string]any{
				"codes":    r.params.Codes,
				"distinct": len(distinct),
				"scope":    r.params.Scope,
			},
		}
		findings = append(findings, f.anchor(earliest(matched), matched))
	}
	sortFindings(findings)
	return findings, nil
}

// -- missing_annual_opportunity: patient seen but no annual code billed --

type MissingAnnualOpportunityParams struct {
	Codes []string `json:"codes"`
}

type missingAnnualOpportunityRule struct {
	rule   *catalog.Rule
	params MissingAnnualOpportunityParams
}

func newMissingAnnualOpportunity(rule *catalog.Rule) (RuleHandler, error) {
	var p MissingAnnualOpportunityParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if len(p.Codes) == 0 {
		return nil, fmt.Errorf("missing_annual_opportunity rule requires codes")
	}
	return &missingAnnualOpportunityRule{rule: rule, params: p}, nil
}

func (r *missingAnnualOpportunityRule) Rule() *catalog.Rule { return r.rule }

func (r *missingAnnualOpportunityRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	set := codeSet(r.params.Codes)

	// Highest tariff among the expected codes is the opportunity value.
	best := decimal.Zero
	for code := range set {
		if bc, ok := in.Snapshot.Code(code); ok && bc.TariffValue.GreaterThan(best) {
			best = bc.TariffValue
		}
	}

	type key struct {
		patient string
		year    int
	}
	groups := make(map[key][]Record)
	var order []key
	for _, rec := range in.Records {
		if rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		k := key{patient: rec.Patient, year: rec.DateService.Year()}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}

	var findings []Finding
	for _, k := range order {
		recs := groups[k]
		hasAnnual := false
		for _, rec := range recs {
			if set[rec.Code] {
				hasAnnual = true
				break
			}
		}
		if hasAnnual {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityInfo,
			Category:       "revenue_optimization",
			MonetaryImpact: best,
			Message: fmt.Sprintf("Le patient a été vu en %d sans qu'aucun des codes annuels %s ne soit facturé.",
				k.year, strings.Join(r.params.Codes, ", ")),
			Solution: strPtr("Évaluer si une visite annuelle est admissible et la facturer."),
			RuleData: map[string]any{
				"codes": r.params.Codes,
				"year":  k.year,
			},
		}
		findings = append(findings, f.anchor(earliest(recs), recs))
	}
	sortFindings(findings)
	return findings, nil
}

// -- annual_limit: explicit code set, at most N per (patient, code, year) --

type AnnualLimitParams struct {
	Codes      []string `json:"codes"`
	MaxPerYear int      `json:"maxPerYear"`
}

type annualLimitRule struct {
	rule   *catalog.Rule
	params AnnualLimitParams
}

func newAnnualLimit(rule *catalog.Rule) (RuleHandler, error) {
	var p AnnualLimitParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	if len(p.Codes) == 0 {
		return nil, fmt.Errorf("annual_limit rule requires codes")
	}
	if p.MaxPerYear == 0 {
		p.MaxPerYear = 1
	}
	return &annualLimitRule{rule: rule, params: p}, nil
}

func (r *annualLimitRule) Rule() *catalog.Rule { return r.rule }

func (r *annualLimitRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	set := codeSet(r.params.Codes)

	type key struct {
		patient, code string
		year          int
	}
	groups := make(map[key][]Record)
	var order []key
	for _, rec := range in.Records {
		if !set[rec.Code] || rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		k := key{patient: rec.Patient, code: rec.Code, year: rec.DateService.Year()}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], rec)
	}

	var findings []Finding
	for _, k := range order {
		recs := groups[k]
		if len(recs) <= r.params.MaxPerYear {
			continue
		}
		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "annual_limit",
			MonetaryImpact: paidImpact(recs),
			Message: fmt.Sprintf("Le code %s a été facturé %d fois en %d pour le même patient; le maximum est de %d par année.",
				k.code, len(recs), k.year, r.params.MaxPerYear),
			Solution: strPtr("Annuler les facturations excédentaires pour l'année."),
			RuleData: map[string]any{
				"code":       k.code,
				"year":       k.year,
				"count":      len(recs),
				"maxPerYear": r.params.MaxPerYear,
			},
		}
		findings = append(findings, f.anchor(earliest(recs), recs))
	}
	sortFindings(findings)
	return findings, nil
}

// paidImpact returns the negated sum of paid amounts, or zero when nothing
// was paid yet.
func paidImpact(records []Record) decimal.Decimal {
	total := decimal.Zero
	for _, rec := range records {
		total = total.Add(rec.PaidAmount())
	}
	if total.IsPositive() {
		return total.Neg()
	}
	return decimal.Zero
}

func scopeLabel(scope string) string {
	switch scope {
	case ScopeInvoice:
		return "même facture"
	case ScopePatient:
		return "même patient"
	default:
		return "même patient, même jour"
	}
}
