package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// DailyTimeLimitParams parameterize the intervention clinique daily cap.
type DailyTimeLimitParams struct {
	PrimaryCode            string   `json:"primaryCode"`
	PrimaryDurationMinutes int      `json:"primaryDurationMinutes"`
	SecondaryCode          string   `json:"secondaryCode"`
	ExcludedContexts       []string `json:"excludedContexts"`
	DailyMaxMinutes        int      `json:"dailyMaxMinutes"`
}

func (p *DailyTimeLimitParams) applyDefaults() {
	if p.PrimaryCode == "" {
		p.PrimaryCode = "8857"
	}
	if p.PrimaryDurationMinutes == 0 {
		p.PrimaryDurationMinutes = 30
	}
	if p.SecondaryCode == "" {
		p.SecondaryCode = "8859"
	}
	if p.ExcludedContexts == nil {
		p.ExcludedContexts = []string{"ICEP", "ICSM", "ICTOX"}
	}
	if p.DailyMaxMinutes == 0 {
		p.DailyMaxMinutes = 180
	}
}

type dailyTimeLimitRule struct {
	rule   *catalog.Rule
	params DailyTimeLimitParams
}

func newDailyTimeLimit(rule *catalog.Rule) (RuleHandler, error) {
	var p DailyTimeLimitParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	p.applyDefaults()
	return &dailyTimeLimitRule{rule: rule, params: p}, nil
}

func (r *dailyTimeLimitRule) Rule() *catalog.Rule { return r.rule }

func (r *dailyTimeLimitRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	p := r.params

	type groupKey struct{ doctor, day string }
	groups := make(map[groupKey][]Record)
	var order []groupKey

	for _, rec := range in.Records {
		if rec.Code != p.PrimaryCode && rec.Code != p.SecondaryCode {
			continue
		}
		if rec.DoctorInfo == "" || rec.DateService.IsZero() {
			continue
		}
		if rec.HasAnyContext(p.ExcludedContexts) {
			continue
		}
		key := groupKey{doctor: rec.DoctorInfo, day: rec.DayKey()}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], rec)
	}

	var findings []Finding
	for _, key := range order {
		recs := groups[key]

		primaryMinutes, secondaryMinutes := 0, 0
		for _, rec := range recs {
			if rec.Code == p.PrimaryCode {
				primaryMinutes += p.PrimaryDurationMinutes
			} else {
				secondaryMinutes += rec.Units()
			}
		}
		total := primaryMinutes + secondaryMinutes
		if total <= p.DailyMaxMinutes {
			continue
		}
		excess := total - p.DailyMaxMinutes

		paidAtRisk := decimal.Zero
		for _, rec := range recs {
			paidAtRisk = paidAtRisk.Add(rec.PaidAmount())
		}
		impact := decimal.Zero
		if paidAtRisk.IsPositive() {
			impact = paidAtRisk.Neg()
		}

		sorted := append([]Record(nil), recs...)
		sort.SliceStable(sorted, func(i, j int) bool {
			if !sorted[i].DateService.Equal(sorted[j].DateService) {
				return sorted[i].DateService.Before(sorted[j].DateService)
			}
			return sorted[i].Debut < sorted[j].Debut
		})

		f := Finding{
			RuleID:         r.rule.ID,
			RuleName:       r.rule.Name,
			Severity:       SeverityError,
			Category:       "intervention_clinique",
			MonetaryImpact: impact,
			Message: fmt.Sprintf(
				"La limite quotidienne de %d minutes d'intervention clinique est dépassée: %d minutes facturées le %s (excédent de %d minutes).",
				p.DailyMaxMinutes, total, key.day, excess),
			Solution: strPtr(fmt.Sprintf(
				"Ajouter un contexte d'exception (%s) aux interventions admissibles ou annuler %d minutes de facturation pour respecter la limite.",
				strings.Join(p.ExcludedContexts, ", "), excess)),
			RuleData: map[string]any{
				"totalMinutes":  total,
				"limit":         p.DailyMaxMinutes,
				"excessMinutes": excess,
				fmt.Sprintf("code%sMinutes", p.PrimaryCode):   primaryMinutes,
				fmt.Sprintf("code%sMinutes", p.SecondaryCode): secondaryMinutes,
				"recordCount": len(recs),
				"doctor":      key.doctor,
				"date":        key.day,
			},
		}
		findings = append(findings, f.anchor(sorted[0], recs))
	}
	sortFindings(findings)
	return findings, nil
}
