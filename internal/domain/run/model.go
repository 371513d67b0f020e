// Package run owns the lifecycle of a validation run: upload, background
// processing through the rule engine, stored results, and export.
package run

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ramq/validateur/internal/domain/validation"
	"github.com/ramq/validateur/internal/platform/ramqcsv"
)

// Run stages. A run moves queued → parsing → validating → persisting → done,
// or ends in failed with an error code.
const (
	StageQueued     = "queued"
	StageParsing    = "parsing"
	StageValidating = "validating"
	StagePersisting = "persisting"
	StageDone       = "done"
	StageFailed     = "failed"
)

// Error codes recorded on failed runs.
const (
	ErrCodeParse     = "PARSE_ERROR"
	ErrCodeReference = "REFERENCE_UNAVAILABLE"
	ErrCodeCancelled = "CANCELLED"
	ErrCodeTimeout   = "TIMEOUT"
	ErrCodeInternal  = "INTERNAL"
)

// ValidationRun is one uploaded billing file and its processing state.
// FileContent is kept out of API responses; it only travels store-to-pipeline.
type ValidationRun struct {
	ID                uuid.UUID `json:"id"`
	CreatedBy         string    `json:"createdBy"`
	FileName          string    `json:"fileName"`
	FileContent       []byte    `json:"-"`
	Stage             string    `json:"stage"`
	Progress          int       `json:"progress"`
	RecordsParsed     int       `json:"recordsParsed"`
	ErrorCount        int       `json:"errorCount"`
	OptimizationCount int       `json:"optimizationCount"`
	InfoCount         int       `json:"infoCount"`
	ErrorCode         *string   `json:"errorCode,omitempty"`
	ErrorMessage      *string   `json:"errorMessage,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Terminal reports whether the run finished, successfully or not.
func (r *ValidationRun) Terminal() bool {
	return r.Stage == StageDone || r.Stage == StageFailed
}

// Cancelled reports whether the run was cancelled by a user.
func (r *ValidationRun) Cancelled() bool {
	return r.Stage == StageFailed && r.ErrorCode != nil && *r.ErrorCode == ErrCodeCancelled
}

// BillingRecord is one stored row of a run's parsed file. Amounts stay as
// normalized decimal strings; typed values are built on the way into the
// rule engine.
type BillingRecord struct {
	ID                  uuid.UUID         `json:"id"`
	ValidationRunID     uuid.UUID         `json:"validationRunId"`
	RecordNumber        int               `json:"recordNumber"`
	Facture             string            `json:"facture"`
	IDRamq              string            `json:"idRamq"`
	DateService         time.Time         `json:"dateService"`
	Debut               string            `json:"debut,omitempty"`
	Fin                 string            `json:"fin,omitempty"`
	Periode             string            `json:"periode,omitempty"`
	LieuPratique        string            `json:"lieuPratique"`
	SecteurActivite     string            `json:"secteurActivite"`
	Diagnostic          string            `json:"diagnostic,omitempty"`
	Code                string            `json:"code"`
	Unites              string            `json:"unites,omitempty"`
	Role                string            `json:"role,omitempty"`
	ElementContexte     string            `json:"elementContexte,omitempty"`
	MontantPreliminaire string            `json:"montantPreliminaire"`
	MontantPaye         string            `json:"montantPaye,omitempty"`
	DoctorInfo          string            `json:"doctorInfo,omitempty"`
	Patient             string            `json:"patient"`
	CustomFields        map[string]string `json:"customFields,omitempty"`
}

// NewBillingRecord adopts a parsed CSV row into a stored record of the run.
func NewBillingRecord(runID uuid.UUID, rec ramqcsv.Record) BillingRecord {
	return BillingRecord{
		ID:                  uuid.New(),
		ValidationRunID:     runID,
		RecordNumber:        rec.RecordNumber,
		Facture:             rec.Facture,
		IDRamq:              rec.IDRamq,
		DateService:         rec.DateService,
		Debut:               rec.Debut,
		Fin:                 rec.Fin,
		Periode:             rec.Periode,
		LieuPratique:        rec.LieuPratique,
		SecteurActivite:     rec.SecteurActivite,
		Diagnostic:          rec.Diagnostic,
		Code:                rec.Code,
		Unites:              rec.Unites,
		Role:                rec.Role,
		ElementContexte:     rec.ElementContexte,
		MontantPreliminaire: rec.MontantPreliminaire,
		MontantPaye:         rec.MontantPaye,
		DoctorInfo:          rec.DoctorInfo,
		Patient:             rec.Patient,
		CustomFields:        rec.CustomFields,
	}
}

// ToValidation converts the stored row into the typed record the rule
// engine consumes. Unparseable amounts degrade to zero / unpaid.
func (b BillingRecord) ToValidation() validation.Record {
	prelim, err := decimal.NewFromString(b.MontantPreliminaire)
	if err != nil {
		prelim = decimal.Zero
	}
	var paye decimal.NullDecimal
	if d, err := decimal.NewFromString(b.MontantPaye); err == nil {
		paye = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return validation.Record{
		ID:                  b.ID,
		RecordNumber:        b.RecordNumber,
		Facture:             b.Facture,
		IDRamq:              b.IDRamq,
		DateService:         b.DateService,
		Debut:               b.Debut,
		Fin:                 b.Fin,
		Periode:             b.Periode,
		LieuPratique:        b.LieuPratique,
		SecteurActivite:     b.SecteurActivite,
		Diagnostic:          b.Diagnostic,
		Code:                b.Code,
		Unites:              b.Unites,
		Role:                b.Role,
		ElementContexte:     b.ElementContexte,
		MontantPreliminaire: prelim,
		MontantPaye:         paye,
		DoctorInfo:          b.DoctorInfo,
		Patient:             b.Patient,
		CustomFields:        b.CustomFields,
	}
}

// ToSSV maps the stored row onto the RAMQ exchange layout.
func (b BillingRecord) ToSSV() ramqcsv.SSVRecord {
	visitDate := ""
	if !b.DateService.IsZero() {
		visitDate = b.DateService.Format("2006-01-02")
	}
	return ramqcsv.SSVRecord{
		DoctorLicense: b.DoctorInfo,
		VisitDate:     visitDate,
		VisitTime:     b.Debut,
		NAM:           b.Patient,
		Sector:        ramqcsv.SectorDigit(b.SecteurActivite),
	}
}

// Result is one stored finding of a run. Seq preserves the engine's emission
// order so listings are reproducible.
type Result struct {
	ID              uuid.UUID      `json:"id"`
	ValidationRunID uuid.UUID      `json:"validationRunId"`
	RuleID          uuid.UUID      `json:"ruleId"`
	Seq             int            `json:"seq"`
	Severity        string         `json:"severity"`
	Category        string         `json:"category"`
	Message         string         `json:"message"`
	Solution        *string        `json:"solution,omitempty"`
	BillingRecordID *uuid.UUID     `json:"billingRecordId,omitempty"`
	AffectedRecords []uuid.UUID    `json:"affectedRecords"`
	IDRamq          string         `json:"idRamq"`
	RuleData        map[string]any `json:"ruleData"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// NewResult freezes a finding into its stored form.
func NewResult(runID uuid.UUID, seq int, f validation.Finding) Result {
	return Result{
		ID:              uuid.New(),
		ValidationRunID: runID,
		RuleID:          f.RuleID,
		Seq:             seq,
		Severity:        f.Severity,
		Category:        f.Category,
		Message:         f.Message,
		Solution:        f.Solution,
		BillingRecordID: f.BillingRecordID,
		AffectedRecords: f.AffectedRecords,
		IDRamq:          f.IDRamq,
		RuleData:        f.RuleData,
		CreatedAt:       time.Now(),
	}
}

// Tally counts findings per severity.
type Tally struct {
	Errors        int
	Optimizations int
	Infos         int
}

// TallyFindings aggregates severities for the run summary columns.
func TallyFindings(findings []validation.Finding) Tally {
	var t Tally
	for _, f := range findings {
		switch f.Severity {
		case validation.SeverityError:
			t.Errors++
		case validation.SeverityOptimization:
			t.Optimizations++
		default:
			t.Infos++
		}
	}
	return t
}
