package validation

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// OfficeFeeParams parameterize the 19928/19929 office-fee rule. Walk-in
// contexts are accepted with or without a leading '#'.
type OfficeFeeParams struct {
	CodeA                string   `json:"codeA"`
	CodeB                string   `json:"codeB"`
	TariffA              string   `json:"tariffA"`
	TariffB              string   `json:"tariffB"`
	DailyMax             string   `json:"dailyMax"`
	WalkInContexts       []string `json:"walkInContexts"`
	RegisteredThresholdA int      `json:"registeredThresholdA"`
	RegisteredThresholdB int      `json:"registeredThresholdB"`
	WalkInThresholdA     int      `json:"walkInThresholdA"`
	WalkInThresholdB     int      `json:"walkInThresholdB"`
}

func (p *OfficeFeeParams) applyDefaults() {
	if p.CodeA == "" {
		p.CodeA = "19928"
	}
	if p.CodeB == "" {
		p.CodeB = "19929"
	}
	if p.TariffA == "" {
		p.TariffA = "32.40"
	}
	if p.TariffB == "" {
		p.TariffB = "64.80"
	}
	if p.DailyMax == "" {
		p.DailyMax = "64.80"
	}
	if p.WalkInContexts == nil {
		p.WalkInContexts = []string{"G160", "AR"}
	}
	if p.RegisteredThresholdA == 0 {
		p.RegisteredThresholdA = 6
	}
	if p.RegisteredThresholdB == 0 {
		p.RegisteredThresholdB = 12
	}
	if p.WalkInThresholdA == 0 {
		p.WalkInThresholdA = 10
	}
	if p.WalkInThresholdB == 0 {
		p.WalkInThresholdB = 20
	}
}

const (
	groupRegistered = "inscrits"
	groupWalkIn     = "sans rendez-vous"
)

type officeFeeRule struct {
	rule    *catalog.Rule
	params  OfficeFeeParams
	tariffA decimal.Decimal
	tariffB decimal.Decimal
	max     decimal.Decimal
}

func newOfficeFee(rule *catalog.Rule) (RuleHandler, error) {
	var p OfficeFeeParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	p.applyDefaults()

	tariffA, err := decimal.NewFromString(p.TariffA)
	if err != nil {
		return nil, fmt.Errorf("tariffA: %w", err)
	}
	tariffB, err := decimal.NewFromString(p.TariffB)
	if err != nil {
		return nil, fmt.Errorf("tariffB: %w", err)
	}
	max, err := decimal.NewFromString(p.DailyMax)
	if err != nil {
		return nil, fmt.Errorf("dailyMax: %w", err)
	}
	return &officeFeeRule{rule: rule, params: p, tariffA: tariffA, tariffB: tariffB, max: max}, nil
}

func (r *officeFeeRule) Rule() *catalog.Rule { return r.rule }

// dayScope is everything billed by one doctor on one date.
type dayScope struct {
	doctor, day string
	officeFees  []Record
	visits      []Record

	registeredPaid   int
	registeredUnpaid int
	walkInPaid       int
	walkInUnpaid     int
}

func (r *officeFeeRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	type key struct{ doctor, day string }
	scopes := make(map[key]*dayScope)
	var order []key

	for _, rec := range in.Records {
		if rec.DoctorInfo == "" || rec.DateService.IsZero() {
			continue
		}
		k := key{doctor: rec.DoctorInfo, day: rec.DayKey()}
		sc, ok := scopes[k]
		if !ok {
			sc = &dayScope{doctor: k.doctor, day: k.day}
			scopes[k] = sc
			order = append(order, k)
		}
		if rec.Code == r.params.CodeA || rec.Code == r.params.CodeB {
			sc.officeFees = append(sc.officeFees, rec)
			continue
		}
		sc.visits = append(sc.visits, rec)
		walkIn := rec.HasAnyContext(r.params.WalkInContexts)
		switch {
		case walkIn && rec.Paid():
			sc.walkInPaid++
		case walkIn:
			sc.walkInUnpaid++
		case rec.Paid():
			sc.registeredPaid++
		default:
			sc.registeredUnpaid++
		}
	}

	var findings []Finding
	for _, k := range order {
		sc := scopes[k]
		if len(sc.officeFees) == 0 {
			continue
		}
		findings = append(findings, r.validateScope(sc)...)
	}
	sortFindings(findings)
	return findings, nil
}

func (r *officeFeeRule) validateScope(sc *dayScope) []Finding {
	var findings []Finding

	// Location check first: office fees are cabinet-only.
	remaining := sc.officeFees[:0:0]
	for _, fee := range sc.officeFees {
		if !fee.IsCabinet() {
			findings = append(findings, r.locationError(sc, fee))
			continue
		}
		remaining = append(remaining, fee)
	}

	total := decimal.Zero
	for _, fee := range remaining {
		total = total.Add(r.tariff(fee.Code))
	}
	if total.GreaterThan(r.max) {
		findings = append(findings, r.dailyMaxFindings(sc, remaining, total)...)
		return findings
	}

	for _, fee := range remaining {
		findings = append(findings, r.thresholdFinding(sc, fee))
	}
	findings = append(findings, r.optimizations(sc, remaining, total)...)
	return findings
}

func (r *officeFeeRule) tariff(code string) decimal.Decimal {
	if code == r.params.CodeB {
		return r.tariffB
	}
	return r.tariffA
}

// feeGroup classifies the office-fee record itself: a walk-in context on
// the fee means it claims the walk-in patient count.
func (r *officeFeeRule) feeGroup(fee Record) string {
	if fee.HasAnyContext(r.params.WalkInContexts) {
		return groupWalkIn
	}
	return groupRegistered
}

// threshold returns the paid-visit count a fee of the given code needs in
// the given group.
func (r *officeFeeRule) threshold(group, code string) int {
	if code == r.params.CodeB {
		if group == groupWalkIn {
			return r.params.WalkInThresholdB
		}
		return r.params.RegisteredThresholdB
	}
	if group == groupWalkIn {
		return r.params.WalkInThresholdA
	}
	return r.params.RegisteredThresholdA
}

func (r *officeFeeRule) paidCount(sc *dayScope, group string) int {
	if group == groupWalkIn {
		return sc.walkInPaid
	}
	return sc.registeredPaid
}

func (r *officeFeeRule) baseFinding(sc *dayScope, severity, scenarioID, message string, impact decimal.Decimal, data map[string]any) Finding {
	if data == nil {
		data = map[string]any{}
	}
	data["scenarioId"] = scenarioID
	data["doctor"] = sc.doctor
	data["date"] = sc.day
	return Finding{
		RuleID:         r.rule.ID,
		RuleName:       r.rule.Name,
		Severity:       severity,
		Category:       "office_fee",
		Message:        message,
		MonetaryImpact: impact,
		RuleData:       data,
	}
}

func (r *officeFeeRule) locationError(sc *dayScope, fee Record) Finding {
	f := r.baseFinding(sc, SeverityError, "E7",
		fmt.Sprintf("Le frais de bureau %s du %s est facturé hors cabinet (lieu %s): ce code n'est admissible qu'en cabinet.",
			fee.Code, sc.day, fee.LieuPratique),
		fee.PaidAmount().Neg(), map[string]any{
			"code":         fee.Code,
			"lieuPratique": fee.LieuPratique,
		})
	f.Solution = strPtr("Annuler le frais de bureau ou corriger le lieu de pratique si la facturation provient réellement d'un cabinet.")
	return f.anchor(fee, []Record{fee})
}

// dailyMaxFindings handles the case where the office fees together exceed
// the daily maximum. When one fee is the higher code and its group
// qualifies, the cheaper fee is directed for cancellation (E6 registered,
// E8 walk-in); otherwise a generic E5 is emitted.
func (r *officeFeeRule) dailyMaxFindings(sc *dayScope, fees []Record, total decimal.Decimal) []Finding {
	if len(fees) == 2 {
		var codeB, codeA *Record
		for i := range fees {
			switch fees[i].Code {
			case r.params.CodeB:
				codeB = &fees[i]
			case r.params.CodeA:
				codeA = &fees[i]
			}
		}
		if codeA != nil && codeB != nil {
			groupB := r.feeGroup(*codeB)
			if r.paidCount(sc, groupB) >= r.threshold(groupB, codeB.Code) {
				scenario := "E6"
				groupA := r.feeGroup(*codeA)
				if groupA == groupWalkIn {
					scenario = "E8"
				}
				f := r.baseFinding(sc, SeverityError, scenario,
					fmt.Sprintf("Les frais de bureau %s et %s du %s totalisent %s $, au-delà du maximum quotidien de %s $: annuler le %s (%s), le %s couvre déjà la journée.",
						codeA.Code, codeB.Code, sc.day, total.StringFixed(2), r.max.StringFixed(2), codeA.Code, groupA, codeB.Code),
					r.tariffA.Neg(), map[string]any{
						"code":       codeA.Code,
						"keptCode":   codeB.Code,
						"dailyTotal": total.InexactFloat64(),
						"dailyMax":   r.max.InexactFloat64(),
					})
				f.Solution = strPtr(fmt.Sprintf("Annuler le frais de bureau %s (%s) facturé le %s.", codeA.Code, groupA, sc.day))
				return []Finding{f.anchor(*codeA, fees)}
			}
		}
	}

	paid := decimal.Zero
	for _, fee := range fees {
		paid = paid.Add(fee.PaidAmount())
	}
	impact := decimal.Zero
	if paid.IsPositive() {
		impact = paid.Neg()
	}
	f := r.baseFinding(sc, SeverityError, "E5",
		fmt.Sprintf("Les frais de bureau facturés le %s totalisent %s $, au-delà du maximum quotidien de %s $ par médecin.",
			sc.day, total.StringFixed(2), r.max.StringFixed(2)),
		impact, map[string]any{
			"dailyTotal": total.InexactFloat64(),
			"dailyMax":   r.max.InexactFloat64(),
			"feeCount":   len(fees),
		})
	f.Solution = strPtr("Annuler les frais de bureau excédentaires pour ramener le total quotidien sous le maximum.")
	return []Finding{f.anchor(earliest(fees), fees)}
}

func (r *officeFeeRule) thresholdFinding(sc *dayScope, fee Record) Finding {
	group := r.feeGroup(fee)
	paidVisits := r.paidCount(sc, group)
	required := r.threshold(group, fee.Code)

	scenarioPass, scenarioFail := "P1", "E1"
	if group == groupWalkIn {
		scenarioPass, scenarioFail = "P3", "E3"
	}
	if fee.Code == r.params.CodeB {
		scenarioPass, scenarioFail = "P2", "E2"
		if group == groupWalkIn {
			scenarioPass, scenarioFail = "P4", "E4"
		}
	}

	data := map[string]any{
		"code":     fee.Code,
		"group":    group,
		"required": required,
		"actual":   paidVisits,
	}

	if paidVisits >= required {
		f := r.baseFinding(sc, SeverityInfo, scenarioPass,
			fmt.Sprintf("Le frais de bureau %s (%s) du %s est conforme: %d visites payées pour un seuil de %d.",
				fee.Code, group, sc.day, paidVisits, required),
			decimal.Zero, data)
		return f.anchor(fee, append([]Record{fee}, sc.visits...))
	}

	f := r.baseFinding(sc, SeverityError, scenarioFail,
		fmt.Sprintf("Le frais de bureau %s (%s) du %s requiert au moins %d visites payées; seulement %d trouvées.",
			fee.Code, group, sc.day, required, paidVisits),
		fee.PaidAmount().Neg(), data)

	// If the other group alone would qualify for this code, redirect the
	// claim instead of cancelling it.
	otherGroup := groupWalkIn
	if group == groupWalkIn {
		otherGroup = groupRegistered
	}
	if r.paidCount(sc, otherGroup) >= r.threshold(otherGroup, fee.Code) {
		f.Solution = strPtr(fmt.Sprintf("Refacturer le frais de bureau %s dans le groupe %s, dont le nombre de visites payées atteint le seuil.",
			fee.Code, otherGroup))
		f.RuleData["suggestedGroup"] = otherGroup
	} else {
		f.Solution = strPtr(fmt.Sprintf("Annuler le frais de bureau %s du %s: le seuil de %d visites payées (%s) n'est pas atteint.",
			fee.Code, sc.day, required, group))
	}
	return f.anchor(fee, append([]Record{fee}, sc.visits...))
}

// optimizations emits O1 (upgrade the lower code to the higher one) and O2
// (a second lower-code fee for the other group). Suggestions never push the
// daily total past the maximum.
func (r *officeFeeRule) optimizations(sc *dayScope, fees []Record, total decimal.Decimal) []Finding {
	var findings []Finding
	upgradeGain := r.tariffB.Sub(r.tariffA)

	if len(fees) == 1 && fees[0].Code == r.params.CodeA {
		fee := fees[0]
		group := r.feeGroup(fee)
		thresholdB := r.threshold(group, r.params.CodeB)
		newTotal := total.Sub(r.tariffA).Add(r.tariffB)
		if r.paidCount(sc, group) >= thresholdB && !newTotal.GreaterThan(r.max) {
			f := r.baseFinding(sc, SeverityOptimization, "O1",
				fmt.Sprintf("Le frais de bureau %s (%s) du %s peut être remplacé par %s: %d visites payées atteignent le seuil de %d (+%s $).",
					fee.Code, group, sc.day, r.params.CodeB, r.paidCount(sc, group), thresholdB, upgradeGain.StringFixed(2)),
				upgradeGain, map[string]any{
					"currentCode":   fee.Code,
					"suggestedCode": r.params.CodeB,
					"group":         group,
					"paidVisits":    r.paidCount(sc, group),
				})
			f.Solution = strPtr(fmt.Sprintf("Remplacer le code %s par %s pour la journée du %s.", fee.Code, r.params.CodeB, sc.day))
			findings = append(findings, f.anchor(fee, append([]Record{fee}, sc.visits...)))
		}

		// O2: the other group alone also supports a lower-code fee.
		otherGroup := groupWalkIn
		otherThresholdA := r.params.WalkInThresholdA
		if group == groupWalkIn {
			otherGroup = groupRegistered
			otherThresholdA = r.params.RegisteredThresholdA
		}
		addTotal := total.Add(r.tariffA)
		if r.paidCount(sc, otherGroup) >= otherThresholdA && !addTotal.GreaterThan(r.max) {
			f := r.baseFinding(sc, SeverityOptimization, "O2",
				fmt.Sprintf("Un second frais de bureau %s (%s) peut être facturé le %s: %d visites payées atteignent le seuil de %d (+%s $).",
					r.params.CodeA, otherGroup, sc.day, r.paidCount(sc, otherGroup), otherThresholdA, r.tariffA.StringFixed(2)),
				r.tariffA, map[string]any{
					"suggestedCode": r.params.CodeA,
					"group":         otherGroup,
					"paidVisits":    r.paidCount(sc, otherGroup),
				})
			f.Solution = strPtr(fmt.Sprintf("Ajouter un frais de bureau %s pour le groupe %s le %s.", r.params.CodeA, otherGroup, sc.day))
			findings = append(findings, f.anchor(fee, append([]Record{fee}, sc.visits...)))
		}
	}
	return findings
}
