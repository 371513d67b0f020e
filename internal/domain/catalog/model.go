// Package catalog manages the RAMQ reference data the validation engine
// consumes: billing codes with tariff values, context elements,
// establishment identifiers and the rule definitions themselves.
package catalog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BillingCode is one entry of the RAMQ tariff manual.
type BillingCode struct {
	Code           string          `json:"code"`
	Description    string          `json:"description"`
	Category       string          `json:"category"`
	Place          string          `json:"place"`
	TariffValue    decimal.Decimal `json:"tariffValue"`
	ExtraUnitValue decimal.Decimal `json:"extraUnitValue"`
	UnitRequired   bool            `json:"unitRequired"`
	TopLevel       string          `json:"topLevel"`
	Level1Group    string          `json:"level1Group"`
	Level2Group    string          `json:"level2Group"`
	Leaf           string          `json:"leaf"`
	Active         bool            `json:"active"`
	CustomFields   map[string]any  `json:"customFields,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ContextElement is a billing context token ("#G160", "#AR", ...). Tags
// classify the element for rule matching.
type ContextElement struct {
	Name         string         `json:"name"`
	Description  *string        `json:"description,omitempty"`
	Tags         []string       `json:"tags"`
	CustomFields map[string]any `json:"customFields,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Establishment is a practice location identifier (lieu de pratique).
type Establishment struct {
	Name         string         `json:"name"`
	Type         *string        `json:"type,omitempty"`
	Region       *string        `json:"region,omitempty"`
	Active       bool           `json:"active"`
	CustomFields map[string]any `json:"customFields,omitempty"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Rule is a stored validation rule. Condition holds the rule-type specific
// parameters as JSON; the validation engine decodes it into typed params.
type Rule struct {
	ID           uuid.UUID        `json:"id"`
	Name         string           `json:"name"`
	RuleType     string           `json:"ruleType"`
	Category     string           `json:"category"`
	Condition    json.RawMessage  `json:"condition"`
	Threshold    *decimal.Decimal `json:"threshold,omitempty"`
	Enabled      bool             `json:"enabled"`
	CustomFields map[string]any   `json:"customFields,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}
