package validation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// Input bundles what a rule handler may look at: the run's records and the
// reference snapshot taken at the start of the run.
type Input struct {
	RunID    uuid.UUID
	Records  []Record
	Snapshot *catalog.Snapshot
}

// RuleHandler is one executable rule. Validate must not mutate the input
// records; sorting a private copy is fine.
type RuleHandler interface {
	Rule() *catalog.Rule
	Validate(ctx context.Context, in *Input) ([]Finding, error)
}

// Engine applies registered rules to a record set. Rules run sequentially
// in registration order so the finding list is deterministic; the engine
// holds no per-run state.
type Engine struct {
	mu       sync.RWMutex
	handlers []RuleHandler
	logger   zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

// RegisterRule appends a handler. Registration order is emission order.
func (e *Engine) RegisterRule(h RuleHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// ClearRules drops all registered handlers.
func (e *Engine) ClearRules() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}

// ListRules returns the definitions of the registered handlers in order.
func (e *Engine) ListRules() []*catalog.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]*catalog.Rule, len(e.handlers))
	for i, h := range e.handlers {
		rules[i] = h.Rule()
	}
	return rules
}

// ProgressFunc reports how many rules have completed out of the total.
type ProgressFunc func(completed, total int)

// ValidateRecords runs every registered rule over the records and collects
// findings in registration order. A handler failure (returned error or
// panic) becomes a single rule_execution_error finding and the remaining
// rules still run. The only error returned is context cancellation, checked
// between rules.
func (e *Engine) ValidateRecords(ctx context.Context, in *Input) ([]Finding, error) {
	return e.ValidateRecordsProgress(ctx, in, nil)
}

// ValidateRecordsProgress is ValidateRecords with a per-rule progress
// callback, invoked after each handler finishes.
func (e *Engine) ValidateRecordsProgress(ctx context.Context, in *Input, onRule ProgressFunc) ([]Finding, error) {
	e.mu.RLock()
	handlers := make([]RuleHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	var findings []Finding
	for i, h := range handlers {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		ruleFindings, err := e.runHandler(ctx, h, in)
		if err != nil {
			e.logger.Error().Err(err).
				Str("rule_id", h.Rule().ID.String()).
				Str("rule_type", h.Rule().RuleType).
				Msg("rule handler failed")
			findings = append(findings, executionErrorFinding(h.Rule(), err))
			if onRule != nil {
				onRule(i+1, len(handlers))
			}
			continue
		}
		findings = append(findings, ruleFindings...)
		if onRule != nil {
			onRule(i+1, len(handlers))
		}
	}
	return findings, nil
}

func (e *Engine) runHandler(ctx context.Context, h RuleHandler, in *Input) (findings []Finding, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			findings = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	// Handlers receive their own copy of the slice so they may sort freely.
	view := &Input{
		RunID:    in.RunID,
		Records:  append([]Record(nil), in.Records...),
		Snapshot: in.Snapshot,
	}
	return h.Validate(ctx, view)
}

func executionErrorFinding(rule *catalog.Rule, err error) Finding {
	return Finding{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Severity: SeverityError,
		Category: CategoryRuleError,
		Message:  fmt.Sprintf("Erreur lors de l'exécution de la règle «%s»: %v", rule.Name, err),
		Solution: strPtr("Contacter l'administrateur du système; les autres règles ont été appliquées normalement."),
		RuleData: map[string]any{"monetaryImpact": 0.0},
	}
}
