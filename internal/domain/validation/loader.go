package validation

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// BuildHandlers turns stored rule definitions into executable handlers.
// A rule with an unknown type or an undecodable condition is logged and
// skipped rather than failing the run.
func BuildHandlers(rules []*catalog.Rule, logger zerolog.Logger) []RuleHandler {
	handlers := make([]RuleHandler, 0, len(rules))
	for _, r := range rules {
		h, err := buildHandler(r)
		if err != nil {
			logger.Warn().Err(err).
				Str("rule_id", r.ID.String()).
				Str("rule_type", r.RuleType).
				Msg("rule disabled: cannot build handler")
			continue
		}
		handlers = append(handlers, h)
	}
	return handlers
}

func buildHandler(r *catalog.Rule) (RuleHandler, error) {
	switch r.RuleType {
	case "daily_time_limit":
		return newDailyTimeLimit(r)
	case "office_fee":
		return newOfficeFee(r)
	case "annual_per_patient":
		return newAnnualPerPatient(r)
	case "visit_duration_optimization":
		return newVisitDuration(r)
	case "prohibition":
		return newProhibition(r)
	case "requirement":
		return newRequirement(r)
	case "time_restriction":
		return newTimeRestriction(r)
	case "location_restriction":
		return newLocationRestriction(r)
	case "age_restriction":
		return newAgeRestriction(r)
	case "amount_limit":
		return newAmountLimit(r)
	case "mutual_exclusion":
		return newMutualExclusion(r)
	case "missing_annual_opportunity":
		return newMissingAnnualOpportunity(r)
	case "annual_limit":
		return newAnnualLimit(r)
	default:
		return nil, fmt.Errorf("unknown rule type %q", r.RuleType)
	}
}

func decodeCondition(r *catalog.Rule, into any) error {
	if len(r.Condition) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Condition, into); err != nil {
		return fmt.Errorf("decode condition: %w", err)
	}
	return nil
}
