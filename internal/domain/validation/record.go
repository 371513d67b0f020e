// Package validation evaluates billing rules over the canonical records of
// a validation run. Rule handlers are pure: they read an immutable view of
// the records plus a reference snapshot and return findings. All
// user-visible messages are French.
package validation

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/catalog"
)

// Record is one normalized billing row as the rules see it.
type Record struct {
	ID                  uuid.UUID
	RecordNumber        int
	Facture             string
	IDRamq              string
	DateService         time.Time
	Debut               string
	Fin                 string
	Periode             string
	LieuPratique        string
	SecteurActivite     string
	Diagnostic          string
	Code                string
	Unites              string
	Role                string
	ElementContexte     string
	MontantPreliminaire decimal.Decimal
	MontantPaye         decimal.NullDecimal
	DoctorInfo          string
	Patient             string
	CustomFields        map[string]string
}

// Paid reports whether the line was paid by RAMQ (montantPaye > 0).
func (r Record) Paid() bool {
	return r.MontantPaye.Valid && r.MontantPaye.Decimal.IsPositive()
}

// PaidAmount returns the paid amount, zero when unpaid.
func (r Record) PaidAmount() decimal.Decimal {
	if r.Paid() {
		return r.MontantPaye.Decimal
	}
	return decimal.Zero
}

// DayKey returns the wall-clock service date as YYYY-MM-DD.
func (r Record) DayKey() string {
	return r.DateService.Format("2006-01-02")
}

// Contexts returns the record's context tokens, '#'-stripped and upper-cased.
func (r Record) Contexts() []string {
	toks := catalog.SplitContexts(r.ElementContexte)
	for i := range toks {
		toks[i] = strings.ToUpper(toks[i])
	}
	return toks
}

// HasAnyContext reports whether any of the record's context tokens exactly
// matches one of the given names (case-insensitive, '#' ignored). Substring
// matches do not count: EPICENE never matches ICEP.
func (r Record) HasAnyContext(names []string) bool {
	if len(names) == 0 {
		return false
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToUpper(catalog.NormalizeContext(n))] = true
	}
	for _, tok := range r.Contexts() {
		if want[tok] {
			return true
		}
	}
	return false
}

// IsCabinet reports whether the record was billed in a cabinet (outpatient
// clinic), identified by a practice location starting with '5'.
func (r Record) IsCabinet() bool {
	return strings.HasPrefix(r.LieuPratique, "5")
}

// Units parses the unites field as a non-negative integer; empty or
// malformed values count as 0.
func (r Record) Units() int {
	n, err := strconv.Atoi(strings.TrimSpace(r.Unites))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DurationMinutes computes fin − debut in minutes from the HH:MM fields.
// A fin earlier than debut is treated as crossing midnight. The second
// return value is false when either time is missing or malformed.
func (r Record) DurationMinutes() (int, bool) {
	start, ok := parseClock(r.Debut)
	if !ok {
		return 0, false
	}
	end, ok := parseClock(r.Fin)
	if !ok {
		return 0, false
	}
	d := end - start
	if d < 0 {
		d += 24 * 60
	}
	return d, true
}

func parseClock(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// earliest returns the record that comes first by (dateService, debut).
// Used to pick the primary offender of a group finding.
func earliest(records []Record) Record {
	best := records[0]
	for _, r := range records[1:] {
		if r.DateService.Before(best.DateService) ||
			(r.DateService.Equal(best.DateService) && r.Debut < best.Debut) {
			best = r
		}
	}
	return best
}

func recordIDs(records []Record) []uuid.UUID {
	ids := make([]uuid.UUID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
