package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrReferenceUnavailable marks a reference-data load failure with no prior
// snapshot to fall back on. Runs hitting this should be retried.
var ErrReferenceUnavailable = errors.New("catalog: reference data unavailable")

// Snapshot is an immutable view of the reference data, taken once per
// validation run so every rule sees the same codes and contexts. Codes are
// indexed by hierarchy heading and by leaf label for the rules that select
// code families instead of individual codes.
type Snapshot struct {
	Codes           map[string]*BillingCode
	CodesByTopLevel map[string][]*BillingCode
	CodesByLeaf     map[string][]*BillingCode
	Contexts        map[string]*ContextElement
	Establishments  map[string]*Establishment
	LoadedAt        time.Time
}

// NewSnapshot builds a snapshot and its lookup indexes from reference rows.
func NewSnapshot(codes []*BillingCode, contexts []*ContextElement, establishments []*Establishment) *Snapshot {
	snap := &Snapshot{
		Codes:           make(map[string]*BillingCode, len(codes)),
		CodesByTopLevel: make(map[string][]*BillingCode),
		CodesByLeaf:     make(map[string][]*BillingCode),
		Contexts:        make(map[string]*ContextElement, len(contexts)),
		Establishments:  make(map[string]*Establishment, len(establishments)),
		LoadedAt:        time.Now(),
	}
	for _, code := range codes {
		snap.Codes[code.Code] = code
		if code.TopLevel != "" {
			key := strings.ToLower(code.TopLevel)
			snap.CodesByTopLevel[key] = append(snap.CodesByTopLevel[key], code)
		}
		if code.Leaf != "" {
			key := strings.ToLower(code.Leaf)
			snap.CodesByLeaf[key] = append(snap.CodesByLeaf[key], code)
		}
	}
	for _, el := range contexts {
		snap.Contexts[NormalizeContext(el.Name)] = el
	}
	for _, est := range establishments {
		snap.Establishments[est.Name] = est
	}
	return snap
}

// Code looks up a billing code.
func (s *Snapshot) Code(code string) (*BillingCode, bool) {
	c, ok := s.Codes[code]
	return c, ok
}

// ByTopLevel returns the codes filed under a hierarchy heading,
// case-insensitively.
func (s *Snapshot) ByTopLevel(top string) []*BillingCode {
	return s.CodesByTopLevel[strings.ToLower(top)]
}

// MatchLeaf returns the codes whose leaf label contains the pattern,
// case-insensitively. Distinct leaf labels are far fewer than codes, so the
// substring scan runs over the index keys, not the whole catalogue.
func (s *Snapshot) MatchLeaf(pattern string) []*BillingCode {
	p := strings.ToLower(pattern)
	var out []*BillingCode
	for leaf, codes := range s.CodesByLeaf {
		if strings.Contains(leaf, p) {
			out = append(out, codes...)
		}
	}
	return out
}

// ContextElement looks up a context element by name; a leading '#' on the
// token is ignored.
func (s *Snapshot) ContextElement(name string) (*ContextElement, bool) {
	e, ok := s.Contexts[NormalizeContext(name)]
	return e, ok
}

// Establishment looks up a practice location.
func (s *Snapshot) Establishment(name string) (*Establishment, bool) {
	e, ok := s.Establishments[name]
	return e, ok
}

// NormalizeContext strips the optional '#' prefix and surrounding space from
// a context token.
func NormalizeContext(name string) string {
	return strings.TrimPrefix(strings.TrimSpace(name), "#")
}

// SplitContexts breaks a raw elementContexte cell into normalized tokens.
func SplitContexts(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if tok := NormalizeContext(p); tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// Cache serves reference snapshots and rule lists with independent TTLs.
// Loads are serialized; when a refresh fails a stale snapshot is served
// rather than failing the run.
type Cache struct {
	codes          CodeRepository
	contexts       ContextRepository
	establishments EstablishmentRepository
	rules          RuleRepository
	snapshotTTL    time.Duration
	rulesTTL       time.Duration
	logger         zerolog.Logger

	mu            sync.Mutex
	snapshot      *Snapshot
	snapshotAt    time.Time
	cachedRules   []*Rule
	cachedRulesAt time.Time
}

func NewCache(codes CodeRepository, contexts ContextRepository, establishments EstablishmentRepository, rules RuleRepository, snapshotTTL, rulesTTL time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		codes:          codes,
		contexts:       contexts,
		establishments: establishments,
		rules:          rules,
		snapshotTTL:    snapshotTTL,
		rulesTTL:       rulesTTL,
		logger:         logger,
	}
}

// Snapshot returns the current reference snapshot, refreshing it when the
// TTL has elapsed.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && time.Since(c.snapshotAt) < c.snapshotTTL {
		return c.snapshot, nil
	}

	snap, err := c.load(ctx)
	if err != nil {
		if c.snapshot != nil {
			c.logger.Warn().Err(err).Msg("reference refresh failed, serving stale snapshot")
			return c.snapshot, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrReferenceUnavailable, err)
	}
	c.snapshot = snap
	c.snapshotAt = time.Now()
	return snap, nil
}

// Rules returns the enabled rules, refreshing them when the TTL has elapsed.
func (c *Cache) Rules(ctx context.Context) ([]*Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cachedRules != nil && time.Since(c.cachedRulesAt) < c.rulesTTL {
		return c.cachedRules, nil
	}

	rules, err := c.rules.ListEnabled(ctx)
	if err != nil {
		if c.cachedRules != nil {
			c.logger.Warn().Err(err).Msg("rule refresh failed, serving stale rules")
			return c.cachedRules, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrReferenceUnavailable, err)
	}
	c.cachedRules = rules
	c.cachedRulesAt = time.Now()
	return rules, nil
}

// Invalidate drops both cached views so the next read reloads.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
	c.cachedRules = nil
}

func (c *Cache) load(ctx context.Context) (*Snapshot, error) {
	codes, err := c.codes.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load codes: %w", err)
	}
	contexts, err := c.contexts.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load contexts: %w", err)
	}
	establishments, err := c.establishments.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load establishments: %w", err)
	}

	return NewSnapshot(codes, contexts, establishments), nil
}
