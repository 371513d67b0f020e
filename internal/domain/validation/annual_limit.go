package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// AnnualPerPatientParams identify annual codes by their leaf labels in the
// code hierarchy. The code set is resolved against the codes snapshot.
type AnnualPerPatientParams struct {
	LeafPatterns []string `json:"leafPatterns"`
}

func (p *AnnualPerPatientParams) applyDefaults() {
	if p.LeafPatterns == nil {
		p.LeafPatterns = []string{"Visite de prise en charge", "Visite périodique"}
	}
}

type annualPerPatientRule struct {
	rule   *catalog.Rule
	params AnnualPerPatientParams
}

func newAnnualPerPatient(rule *catalog.Rule) (RuleHandler, error) {
	var p AnnualPerPatientParams
	if err := decodeCondition(rule, &p); err != nil {
		return nil, err
	}
	p.applyDefaults()
	return &annualPerPatientRule{rule: rule, params: p}, nil
}

func (r *annualPerPatientRule) Rule() *catalog.Rule { return r.rule }

func (r *annualPerPatientRule) annualCodes(snap *catalog.Snapshot) map[string]*catalog.BillingCode {
	out := make(map[string]*catalog.BillingCode)
	for _, pattern := range r.params.LeafPatterns {
		for _, bc := range snap.MatchLeaf(pattern) {
			out[bc.Code] = bc
		}
	}
	return out
}

func (r *annualPerPatientRule) Validate(_ context.Context, in *Input) ([]Finding, error) {
	annual := r.annualCodes(in.Snapshot)

	type key struct {
		patient, code string
		year          int
	}
	groups := make(map[key][]Record)
	var order []key

	for _, rec := range in.Records {
		if rec.Patient == "" || rec.DateService.IsZero() {
			continue
		}
		if _, ok := annual[rec.Code]; !ok {
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
		if len(recs) <= 1 {
			continue
		}

		var paid, unpaid []Record
		for _, rec := range recs {
			if rec.Paid() {
				paid = append(paid, rec)
			} else {
				unpaid = append(unpaid, rec)
			}
		}

		bc := annual[k.code]
		f := Finding{
			RuleID:   r.rule.ID,
			RuleName: r.rule.Name,
			Severity: SeverityError,
			Category: "annual_limit",
			RuleData: map[string]any{
				"code":        k.code,
				"leaf":        bc.Leaf,
				"year":        k.year,
				"count":       len(recs),
				"paidCount":   len(paid),
				"unpaidCount": len(unpaid),
			},
			MonetaryImpact: decimal.Zero,
		}

		switch {
		case len(unpaid) == 0:
			f.Message = fmt.Sprintf("Le code annuel %s (%s) a été facturé %d fois et payé %d fois pour le même patient en %d; une seule facturation par année est admissible.",
				k.code, bc.Leaf, len(recs), len(paid), k.year)
			f.Solution = strPtr("Vérifier manuellement les facturations et communiquer avec la RAMQ pour régulariser les paiements en double.")
		case len(paid) == 0:
			f.MonetaryImpact = bc.TariffValue
			f.Message = fmt.Sprintf("Le code annuel %s (%s) a été facturé %d fois en %d pour le même patient sans qu'aucune demande ne soit payée.",
				k.code, bc.Leaf, len(recs), k.year)
			f.Solution = strPtr("Vérifier le motif de refus et conserver exactement une demande de paiement pour l'année.")
		default:
			f.Message = fmt.Sprintf("Le code annuel %s (%s) a été payé pour la demande %s en %d; les demandes %s restent non payées et ne seront pas admissibles.",
				k.code, bc.Leaf, paid[0].IDRamq, k.year, strings.Join(ramqIDs(unpaid), ", "))
			f.Solution = strPtr("Remplacer les facturations non payées par des codes de visite conformes à la situation clinique.")
			f.RuleData["paidIdRamq"] = paid[0].IDRamq
			f.RuleData["unpaidIdRamq"] = ramqIDs(unpaid)
		}

		findings = append(findings, f.anchor(earliest(recs), recs))
	}
	sortFindings(findings)
	return findings, nil
}

func ramqIDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.IDRamq
	}
	return ids
}
