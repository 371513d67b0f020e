package validation

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Finding severities.
const (
	SeverityError        = "error"
	SeverityOptimization = "optimization"
	SeverityInfo         = "info"
)

// CategoryRuleError tags findings produced when a handler itself fails.
const CategoryRuleError = "rule_execution_error"

// Finding is one validation result. MonetaryImpact follows a fixed sign
// convention: negative = revenue at risk, positive = potential gain,
// zero = neutral.
type Finding struct {
	RuleID          uuid.UUID       `json:"ruleId"`
	RuleName        string          `json:"ruleName"`
	Severity        string          `json:"severity"`
	Category        string          `json:"category"`
	Message         string          `json:"message"`
	Solution        *string         `json:"solution,omitempty"`
	BillingRecordID *uuid.UUID      `json:"billingRecordId,omitempty"`
	AffectedRecords []uuid.UUID     `json:"affectedRecords"`
	IDRamq          string          `json:"idRamq"`
	MonetaryImpact  decimal.Decimal `json:"monetaryImpact"`
	RuleData        map[string]any  `json:"ruleData"`

	sortTime    time.Time
	sortFacture string
}

func strPtr(s string) *string { return &s }

// anchor ties a finding to its primary offender and fills the ordering keys.
func (f Finding) anchor(primary Record, affected []Record) Finding {
	id := primary.ID
	f.BillingRecordID = &id
	f.AffectedRecords = recordIDs(affected)
	f.IDRamq = primary.IDRamq
	f.sortTime = primary.DateService
	f.sortFacture = primary.Facture
	if f.RuleData == nil {
		f.RuleData = map[string]any{}
	}
	f.RuleData["monetaryImpact"] = f.MonetaryImpact.InexactFloat64()
	return f
}

// sortFindings orders findings by earliest contributing service date, then
// by invoice number. Handlers call this before returning so their output is
// stable regardless of map iteration order.
func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		if !fs[i].sortTime.Equal(fs[j].sortTime) {
			return fs[i].sortTime.Before(fs[j].sortTime)
		}
		return fs[i].sortFacture < fs[j].sortFacture
	})
}
