package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RuleTypes the engine knows how to execute. Stored rules with any other
// type are rejected at write time.
var KnownRuleTypes = map[string]bool{
	"daily_time_limit":            true,
	"office_fee":                  true,
	"annual_per_patient":          true,
	"visit_duration_optimization": true,
	"prohibition":                 true,
	"requirement":                 true,
	"time_restriction":            true,
	"location_restriction":        true,
	"age_restriction":             true,
	"amount_limit":                true,
	"mutual_exclusion":            true,
	"missing_annual_opportunity":  true,
	"annual_limit":                true,
}

type Service struct {
	codes          CodeRepository
	contexts       ContextRepository
	establishments EstablishmentRepository
	rules          RuleRepository
	cache          *Cache
}

func NewService(codes CodeRepository, contexts ContextRepository, establishments EstablishmentRepository, rules RuleRepository, cache *Cache) *Service {
	return &Service{codes: codes, contexts: contexts, establishments: establishments, rules: rules, cache: cache}
}

// Cache exposes the snapshot cache for the validation pipeline.
func (s *Service) Cache() *Cache { return s.cache }

// -- Billing codes --

func (s *Service) UpsertCode(ctx context.Context, c *BillingCode) error {
	if c.Code == "" {
		return fmt.Errorf("code is required")
	}
	if err := s.codes.Upsert(ctx, c); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) GetCode(ctx context.Context, code string) (*BillingCode, error) {
	return s.codes.GetByCode(ctx, code)
}

func (s *Service) ListCodes(ctx context.Context, query string, limit, offset int) ([]*BillingCode, int, error) {
	return s.codes.List(ctx, query, limit, offset)
}

func (s *Service) DeleteCode(ctx context.Context, code string) error {
	if err := s.codes.Delete(ctx, code); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// -- Context elements --

func (s *Service) UpsertContext(ctx context.Context, e *ContextElement) error {
	e.Name = NormalizeContext(e.Name)
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := s.contexts.Upsert(ctx, e); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) GetContext(ctx context.Context, name string) (*ContextElement, error) {
	return s.contexts.GetByName(ctx, NormalizeContext(name))
}

func (s *Service) ListContexts(ctx context.Context) ([]*ContextElement, error) {
	return s.contexts.ListAll(ctx)
}

func (s *Service) DeleteContext(ctx context.Context, name string) error {
	if err := s.contexts.Delete(ctx, NormalizeContext(name)); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// -- Establishments --

func (s *Service) UpsertEstablishment(ctx context.Context, e *Establishment) error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if err := s.establishments.Upsert(ctx, e); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) GetEstablishment(ctx context.Context, name string) (*Establishment, error) {
	return s.establishments.GetByName(ctx, name)
}

func (s *Service) ListEstablishments(ctx context.Context) ([]*Establishment, error) {
	return s.establishments.ListAll(ctx)
}

func (s *Service) DeleteEstablishment(ctx context.Context, name string) error {
	if err := s.establishments.Delete(ctx, name); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

// -- Rules --

func (s *Service) CreateRule(ctx context.Context, r *Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if err := s.rules.Create(ctx, r); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) UpdateRule(ctx context.Context, r *Rule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if err := s.rules.Update(ctx, r); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate()
	return nil
}

func (s *Service) ListRules(ctx context.Context, limit, offset int) ([]*Rule, int, error) {
	return s.rules.List(ctx, limit, offset)
}

// SetRuleEnabled flips a rule on or off without touching its condition.
func (s *Service) SetRuleEnabled(ctx context.Context, id uuid.UUID, enabled bool) (*Rule, error) {
	r, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled
	if err := s.rules.Update(ctx, r); err != nil {
		return nil, err
	}
	s.cache.Invalidate()
	return r, nil
}

func validateRule(r *Rule) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !KnownRuleTypes[r.RuleType] {
		return fmt.Errorf("unknown rule type: %s", r.RuleType)
	}
	return nil
}
