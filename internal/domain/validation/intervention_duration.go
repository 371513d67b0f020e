package validation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// VisitDurationParams parameterize the revenue optimization that compares a
// visit's billed amount against the intervention clinique tariff for the
// same duration.
type VisitDurationParams struct {
	MinDurationMinutes int      `json:"minDurationMinutes"`
	BaseTariff         string   `json:"baseTariff"`
	ExtraTariff        string   `json:"extraTariff"`
	TopLevel           string   `json:"topLevel"`
	ExcludedCodes      []string `json:"excludedCodes"`
	BaseCode           string   `json:"baseCode"`
	ExtraCode          string   `json:"extraCode"`
}

func (p *VisitDurationParams) applyDefaults() {
	if p.MinDurationMinutes == 0 {
		p.MinDurationMinutes = 30
	}
	if p.BaseTariff == "" {
		p.BaseTariff = "59.70"
	}
	if p.ExtraTariff == "" {
		p.ExtraTariff = "29.85"
	}
	if p.TopLevel == "" {
		p.TopLevel = "B - CONSULTATION, EXAMEN ET VISITE"
	}
	if p.ExcludedCodes == nil {
		p.ExcludedCodes = []string{"8857", "8859"}
	}
	if p.BaseCode == "" {
		p.BaseCode = "8857"
	}
	if p.ExtraCode == "" {
		p.ExtraCode = "8859"
	}
}

type visitDurationRule struct {
	rule   *catalog.Rule
	params VisitDurationParams
	base   decimal.Decimal
	extra  decimal.Decimal
}

func newVisitDuration(rule *catalog.Rule) (RuleHandler, error) {
	var p VisitDurationParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	p.applyDefaults()

	base, err := decimal.NewFromString(p.BaseTariff)
	if err != nil {
		return nil, fmt.Errorf("baseTariff: %w", err)
	}
	extra, err := decimal.NewFromString(p.ExtraTariff)
	if err != nil {
		return nil, fmt.Errorf("extraTariff: %w", err)
	}
	return &visitDurationRule{rule: rule, params: p, base: base, extra: extra}, nil
}

func (r *visitDurationRule) Rule() *catalog.Rule { return r.rule }

// interventionAmount is the intervention clinique tariff for a duration:
// the base tariff covers the first 30 minutes, each started 15-minute
// period beyond that adds the extra-unit tariff.
func (r *visitDurationRule) interventionAmount(minutes int) decimal.Decimal {
	extraPeriods := (minutes - r.params.MinDurationMinutes + 14) / 15
	if extraPeriods < 0 {
		extraPeriods = 0
	}
	return r.base.Add(r.extra.Mul(decimal.NewFromInt(int64(extraPeriods))))
}

func (r *visitDurationRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	excluded := make(map[string]bool, len(r.params.ExcludedCodes))
	for _, c := range r.params.ExcludedCodes {
		excluded[c] = true
	}

	var findings []Finding
	analyzed := 0
	optimizations := 0
	totalGain := decimal.Zero
	totalMinutes := 0

	for _, rec := range in.Records {
		if excluded[rec.Code] {
			continue
		}
		bc, ok := in.Snapshot.Code(rec.Code)
		if !ok || bc.TopLevel != r.params.TopLevel {
			continue
		}
		minutes, ok := rec.DurationMinutes()
		if !ok || minutes < r.params.MinDurationMinutes {
			continue
		}

		analyzed++
		totalMinutes += minutes

		current := rec.MontantPreliminaire
		intervention := r.interventionAmount(minutes)
		if !intervention.GreaterThan(current) {
			continue
		}
		gain := intervention.Sub(current)
		optimizations++
		totalGain = totalGain.Add(gain)

		suggested := []string{r.params.BaseCode}
		if minutes >= r.params.MinDurationMinutes+15 {
			suggested = []string{r.params.BaseCode, r.params.ExtraCode}
		}

		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityOptimization,
			Category:       "revenue_optimization",
			MonetaryImpact: gain,
			Message: fmt.Sprintf("La visite %s de %d minutes du %s est facturée %s $; en intervention clinique elle vaudrait %s $ (+%s $).",
				rec.Code, minutes, rec.DayKey(), current.StringFixed(2), intervention.StringFixed(2), gain.StringFixed(2)),
			Solution: strPtr(fmt.Sprintf("Refacturer la visite avec le(s) code(s) %v si le contenu clinique correspond à une intervention clinique.", suggested)),
			RuleData: map[string]any{
				"currentCode":        rec.Code,
				"duration":           minutes,
				"currentAmount":      current.InexactFloat64(),
				"interventionAmount": intervention.InexactFloat64(),
				"gain":               gain.InexactFloat64(),
				"suggestedCodes":     suggested,
			},
		}
		findings = append(findings, f.anchor(rec, []Record{rec}))
	}
	sortFindings(findings)

	if analyzed > 0 {
		rate := float64(optimizations) / float64(analyzed) * 100
		avg := float64(totalMinutes) / float64(analyzed)
		findings = append(findings, Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityInfo,
			Category:       "revenue_optimization",
			MonetaryImpact: decimal.Zero,
			Message: fmt.Sprintf("Analyse des durées de visite: %d visites analysées, %d optimisations possibles pour un potentiel de %s $.",
				analyzed, optimizations, totalGain.StringFixed(2)),
			RuleData: map[string]any{
				"analyzed":              analyzed,
				"optimizations":         optimizations,
				"totalPotentialRevenue": totalGain.InexactFloat64(),
				"optimizationRate":      rate,
				"avgDuration":           avg,
				"monetaryImpact":        0.0,
			},
		})
	}
	return findings, nil
}
