package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory repositories back the offline CLI mode and tests. They hold
// deep-enough copies that callers cannot mutate stored state.

type memCodeRepo struct {
	mu    sync.RWMutex
	codes map[string]BillingCode
}

func NewCodeRepoMem() CodeRepository {
	return &memCodeRepo{codes: make(map[string]BillingCode)}
}

func (r *memCodeRepo) Upsert(_ context.Context, c *BillingCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.UpdatedAt = time.Now()
	r.codes[c.Code] = *c
	return nil
}

func (r *memCodeRepo) GetByCode(_ context.Context, code string) (*BillingCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *memCodeRepo) List(_ context.Context, query string, limit, offset int) ([]*BillingCode, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*BillingCode
	q := strings.ToLower(query)
	for _, c := range r.codes {
		if q != "" && !strings.Contains(strings.ToLower(c.Code), q) && !strings.Contains(strings.ToLower(c.Description), q) {
			continue
		}
		cc := c
		all = append(all, &cc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	total := len(all)
	all = page(all, limit, offset)
	return all, total, nil
}

func (r *memCodeRepo) ListAll(_ context.Context) ([]*BillingCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*BillingCode
	for _, c := range r.codes {
		if !c.Active {
			continue
		}
		cc := c
		all = append(all, &cc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })
	return all, nil
}

func (r *memCodeRepo) Delete(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
	return nil
}

type memContextRepo struct {
	mu       sync.RWMutex
	elements map[string]ContextElement
}

func NewContextRepoMem() ContextRepository {
	return &memContextRepo{elements: make(map[string]ContextElement)}
}

func (r *memContextRepo) Upsert(_ context.Context, e *ContextElement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.UpdatedAt = time.Now()
	r.elements[e.Name] = *e
	return nil
}

func (r *memContextRepo) GetByName(_ context.Context, name string) (*ContextElement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.elements[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (r *memContextRepo) ListAll(_ context.Context) ([]*ContextElement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*ContextElement
	for _, e := range r.elements {
		ee := e
		all = append(all, &ee)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (r *memContextRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.elements, name)
	return nil
}

type memEstablishmentRepo struct {
	mu             sync.RWMutex
	establishments map[string]Establishment
}

func NewEstablishmentRepoMem() EstablishmentRepository {
	return &memEstablishmentRepo{establishments: make(map[string]Establishment)}
}

func (r *memEstablishmentRepo) Upsert(_ context.Context, e *Establishment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.UpdatedAt = time.Now()
	r.establishments[e.Name] = *e
	return nil
}

func (r *memEstablishmentRepo) GetByName(_ context.Context, name string) (*Establishment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.establishments[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (r *memEstablishmentRepo) ListAll(_ context.Context) ([]*Establishment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Establishment
	for _, e := range r.establishments {
		if !e.Active {
			continue
		}
		ee := e
		all = append(all, &ee)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (r *memEstablishmentRepo) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.establishments, name)
	return nil
}

type memRuleRepo struct {
	mu    sync.RWMutex
	rules map[uuid.UUID]Rule
	order []uuid.UUID
}

func NewRuleRepoMem() RuleRepository {
	return &memRuleRepo{rules: make(map[uuid.UUID]Rule)}
}

func (r *memRuleRepo) Create(_ context.Context, rl *Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rl.ID == uuid.Nil {
		rl.ID = uuid.New()
	}
	now := time.Now()
	rl.CreatedAt = now
	rl.UpdatedAt = now
	r.rules[rl.ID] = *rl
	r.order = append(r.order, rl.ID)
	return nil
}

func (r *memRuleRepo) GetByID(_ context.Context, id uuid.UUID) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rl, ok := r.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rl, nil
}

func (r *memRuleRepo) Update(_ context.Context, rl *Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rl.ID]; !ok {
		return ErrNotFound
	}
	rl.UpdatedAt = time.Now()
	r.rules[rl.ID] = *rl
	return nil
}

func (r *memRuleRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *memRuleRepo) List(_ context.Context, limit, offset int) ([]*Rule, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Rule
	for _, id := range r.order {
		rl := r.rules[id]
		all = append(all, &rl)
	}
	total := len(all)
	all = page(all, limit, offset)
	return all, total, nil
}

func (r *memRuleRepo) ListEnabled(_ context.Context) ([]*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []*Rule
	for _, id := range r.order {
		rl := r.rules[id]
		if rl.Enabled {
			all = append(all, &rl)
		}
	}
	return all, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
