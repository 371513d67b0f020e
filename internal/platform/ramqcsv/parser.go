// Package ramqcsv reads the semicolon-delimited billing CSV produced by
// Quebec billing software and writes the RAMQ SSV exchange format. Headers
// are French labels; numeric fields use the Quebec locale (comma decimal
// separator); files are UTF-8 with a Latin-1 fallback.
package ramqcsv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Canonical field keys.
const (
	FieldFacture             = "facture"
	FieldIDRamq              = "idRamq"
	FieldDateService         = "dateService"
	FieldDebut               = "debut"
	FieldFin                 = "fin"
	FieldPeriode             = "periode"
	FieldLieuPratique        = "lieuPratique"
	FieldSecteurActivite     = "secteurActivite"
	FieldDiagnostic          = "diagnostic"
	FieldCode                = "code"
	FieldUnites              = "unites"
	FieldRole                = "role"
	FieldElementContexte     = "elementContexte"
	FieldMontantPreliminaire = "montantPreliminaire"
	FieldMontantPaye         = "montantPaye"
	FieldDoctorInfo          = "doctorInfo"
	FieldPatient             = "patient"
)

// headerMap maps the exact French CSV labels to canonical field keys.
var headerMap = map[string]string{
	"Facture":              FieldFacture,
	"ID RAMQ":              FieldIDRamq,
	"Date de Service":      FieldDateService,
	"Début":                FieldDebut,
	"Fin":                  FieldFin,
	"Période":              FieldPeriode,
	"Lieu de pratique":     FieldLieuPratique,
	"Secteur d'activité":   FieldSecteurActivite,
	"Diagnostic":           FieldDiagnostic,
	"Code":                 FieldCode,
	"Unités":               FieldUnites,
	"Rôle":                 FieldRole,
	"Élément de contexte":  FieldElementContexte,
	"Montant Preliminaire": FieldMontantPreliminaire,
	"Montant Payé":         FieldMontantPaye,
	"Doctor Info":          FieldDoctorInfo,
	"Patient":              FieldPatient,
}

// criticalColumns must be present in the header row for a file to be usable.
var criticalColumns = []string{FieldDateService, FieldCode, FieldMontantPreliminaire}

// Record is one parsed billing row. String fields use "" for absent values;
// DateService is the zero time when the cell was empty or unparseable.
type Record struct {
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
	MontantPreliminaire string
	MontantPaye         string
	DoctorInfo          string
	Patient             string
	CustomFields        map[string]string

	raw []string
}

// RowError records why one row was rejected; the run continues.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Result holds the parsed records, the original header order (for
// round-trip emission), and accumulated per-row errors.
type Result struct {
	Headers   []string
	Records   []Record
	RowErrors []RowError
}

// ErrNoUsableRecords is returned when a file parses but yields nothing.
var ErrNoUsableRecords = errors.New("ramqcsv: no usable records")

// Parse reads an entire billing CSV. It fails only when the header is
// missing a critical column or no usable record survives; individual bad
// rows are reported in Result.RowErrors.
func Parse(r io.Reader) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	data = decodeBytes(data)

	cr := csv.NewReader(strings.NewReader(string(data)))
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header row: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	columns := make([]string, len(header)) // canonical key or "" for unknown
	seen := make(map[string]bool)
	for i, label := range header {
		if key, ok := headerMap[label]; ok {
			columns[i] = key
			seen[key] = true
		}
	}
	for _, key := range criticalColumns {
		if !seen[key] {
			return nil, fmt.Errorf("missing critical column for %s", key)
		}
	}

	result := &Result{Headers: header}
	rowIndex := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowIndex++
		if err != nil {
			result.RowErrors = append(result.RowErrors, RowError{Row: rowIndex, Reason: err.Error()})
			continue
		}
		if isBlankRow(row) {
			continue
		}

		rec, rowErr := parseRow(header, columns, row)
		if rowErr != "" {
			result.RowErrors = append(result.RowErrors, RowError{Row: rowIndex, Reason: rowErr})
			continue
		}
		rec.RecordNumber = len(result.Records) + 1
		result.Records = append(result.Records, rec)
	}

	if len(result.Records) == 0 {
		return result, ErrNoUsableRecords
	}
	return result, nil
}

func parseRow(header []string, columns []string, row []string) (Record, string) {
	rec := Record{
		CustomFields: map[string]string{},
		raw:          append([]string(nil), row...),
	}

	for i, cell := range row {
		if i >= len(columns) {
			break
		}
		value := strings.TrimSpace(cell)
		switch columns[i] {
		case FieldFacture:
			rec.Facture = value
		case FieldIDRamq:
			rec.IDRamq = value
		case FieldDateService:
			if value != "" {
				t, err := parseDate(value)
				if err != nil {
					return rec, fmt.Sprintf("date de service invalide: %q", value)
				}
				rec.DateService = t
			}
		case FieldDebut:
			rec.Debut = value
		case FieldFin:
			rec.Fin = value
		case FieldPeriode:
			rec.Periode = value
		case FieldLieuPratique:
			rec.LieuPratique = value
		case FieldSecteurActivite:
			rec.SecteurActivite = value
		case FieldDiagnostic:
			rec.Diagnostic = value
		case FieldCode:
			rec.Code = value
		case FieldUnites:
			rec.Unites = value
		case FieldRole:
			rec.Role = value
		case FieldElementContexte:
			rec.ElementContexte = value
		case FieldMontantPreliminaire:
			rec.MontantPreliminaire = NormalizeAmount(value)
		case FieldMontantPaye:
			rec.MontantPaye = NormalizeAmount(value)
		default:
			if value != "" {
				rec.CustomFields[header[i]] = value
			}
		}
	}

	if rec.Code == "" {
		return rec, "code absent"
	}
	if rec.DateService.IsZero() {
		return rec, "date de service absente"
	}
	return rec, ""
}

// NormalizeAmount converts a Quebec-locale amount ("1 234,56 $") into a
// plain decimal string ("1234.56"). Empty input stays empty.
func NormalizeAmount(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, " ", "") // non-breaking space used as thousands separator
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", ".")
	return s
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// decodeBytes strips a UTF-8 BOM and transcodes Latin-1 input.
func decodeBytes(data []byte) []byte {
	data = stripBOM(data)
	if utf8.Valid(data) {
		return data
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return data
	}
	return decoded
}

func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

// Write re-emits a parsed result with the original column order. Rows are
// written from the raw cells, so a canonical file round-trips byte-for-byte
// modulo line endings.
func Write(w io.Writer, result *Result) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'

	if err := cw.Write(result.Headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, rec := range result.Records {
		if err := cw.Write(rec.raw); err != nil {
			return fmt.Errorf("write record %d: %w", rec.RecordNumber, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
