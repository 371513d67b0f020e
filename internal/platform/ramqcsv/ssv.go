package ramqcsv

import (
	"fmt"
	"io"
	"strings"
)

// ssvFieldCount is fixed by the RAMQ exchange layout; every row carries all
// 26 positions even when a value is empty.
const ssvFieldCount = 26

// ssvHeader lists the 26 SSV exchange columns in wire order.
var ssvHeader = [ssvFieldCount]string{
	"NoPermis",
	"NoGroupe",
	"DateVisite",
	"HeureVisite",
	"NAM",
	"DateNaissance",
	"Sexe",
	"CodeActe",
	"Unites",
	"Role",
	"SecteurActivite",
	"Diagnostic",
	"ElementContexte",
	"LieuPratique",
	"Montant",
	"MontantPaye",
	"NoFacture",
	"Periode",
	"Debut",
	"Fin",
	"CodeEtablissement",
	"CodeLocalite",
	"Territoire",
	"Reserve1",
	"Reserve2",
	"Reserve3",
}

// sectorDigits maps activity sector labels from the billing file onto the
// single-digit sector codes of the exchange layout. Unknown labels code 0.
var sectorDigits = map[string]string{
	"etablissement":   "1",
	"établissement":   "1",
	"urgence":         "2",
	"cabinet":         "3",
	"clsc":            "4",
	"domicile":        "5",
	"soins intensifs": "6",
	"telemedecine":    "7",
	"télémédecine":    "7",
}

// SectorDigit converts an activity sector label to its exchange digit (0-7).
func SectorDigit(label string) string {
	if d, ok := sectorDigits[strings.ToLower(strings.TrimSpace(label))]; ok {
		return d
	}
	return "0"
}

// SSVRecord is one row of the SSV export. The exchange only carries the
// visit identification fields; every other position is emitted empty.
type SSVRecord struct {
	DoctorLicense string // 7-digit license, column 1
	GroupNumber   string // 5-digit group, column 2; empty emits "0"
	VisitDate     string // YYYY-MM-DD, column 3
	VisitTime     string // HH:MM, column 4
	NAM           string // column 5
	Sector        string // single digit 0-7, column 11; empty emits "0"
}

func (r SSVRecord) fields() [ssvFieldCount]string {
	group := r.GroupNumber
	if group == "" {
		group = "0"
	}
	sector := r.Sector
	if sector == "" {
		sector = "0"
	}
	var f [ssvFieldCount]string
	f[0] = r.DoctorLicense
	f[1] = group
	f[2] = r.VisitDate
	f[3] = r.VisitTime
	f[4] = r.NAM
	f[10] = sector
	return f
}

// WriteSSV emits records in the RAMQ SSV exchange format: a header row and
// one semicolon-joined row of 26 fields per record, CRLF line endings. Field
// values must not contain semicolons; offenders are rejected.
func WriteSSV(w io.Writer, records []SSVRecord) error {
	if _, err := io.WriteString(w, strings.Join(ssvHeader[:], ";")+"\r\n"); err != nil {
		return fmt.Errorf("write ssv header: %w", err)
	}
	for i, rec := range records {
		fields := rec.fields()
		for _, f := range fields {
			if strings.ContainsAny(f, ";\r\n") {
				return fmt.Errorf("ssv record %d: field value %q contains a reserved character", i+1, f)
			}
		}
		if _, err := io.WriteString(w, strings.Join(fields[:], ";")+"\r\n"); err != nil {
			return fmt.Errorf("write ssv record %d: %w", i+1, err)
		}
	}
	return nil
}
