package ramqcsv

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const sampleHeader = "Facture;ID RAMQ;Date de Service;Début;Fin;Période;Lieu de pratique;Secteur d'activité;Diagnostic;Code;Unités;Rôle;Élément de contexte;Montant Preliminaire;Montant Payé;Doctor Info;Patient"

func sampleCSV(rows ...string) string {
	return sampleHeader + "\n" + strings.Join(rows, "\n") + "\n"
}

func TestParse_BasicRow(t *testing.T) {
	csv := sampleCSV("F001;NAVR60010101;2025-02-05 09:00:00;09:00;09:35;;55369;Cabinet;401;8857;1;1;G160;59,70;59,70;Dr Tremblay;Patient A")

	result, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}

	rec := result.Records[0]
	if rec.RecordNumber != 1 {
		t.Errorf("expected recordNumber 1, got %d", rec.RecordNumber)
	}
	if rec.Facture != "F001" || rec.IDRamq != "NAVR60010101" {
		t.Errorf("unexpected identifiers: %+v", rec)
	}
	if got := rec.DateService.Format("2006-01-02 15:04"); got != "2025-02-05 09:00" {
		t.Errorf("unexpected dateService: %s", got)
	}
	if rec.MontantPreliminaire != "59.70" || rec.MontantPaye != "59.70" {
		t.Errorf("amounts not normalized: %q %q", rec.MontantPreliminaire, rec.MontantPaye)
	}
	if rec.ElementContexte != "G160" {
		t.Errorf("unexpected elementContexte: %q", rec.ElementContexte)
	}
}

func TestParse_AmountNormalization(t *testing.T) {
	cases := map[string]string{
		"59,70":      "59.70",
		"59,70 $":    "59.70",
		"1 234,56":   "1234.56",
		"1 234,56 $": "1234.56",
		"32.40":      "32.40",
		"":           "",
	}
	for in, want := range cases {
		if got := NormalizeAmount(in); got != want {
			t.Errorf("NormalizeAmount(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParse_UnknownColumnsBecomeCustomFields(t *testing.T) {
	csv := "Facture;Date de Service;Code;Montant Preliminaire;Colonne Maison\n" +
		"F001;2025-02-05;8857;59,70;valeur libre\n"

	result, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := result.Records[0].CustomFields["Colonne Maison"]; got != "valeur libre" {
		t.Errorf("custom field not captured: %q", got)
	}
}

func TestParse_MissingCriticalColumnFails(t *testing.T) {
	csv := "Facture;Date de Service;Montant Preliminaire\nF001;2025-02-05;59,70\n"

	_, err := Parse(strings.NewReader(csv))
	if err == nil || !strings.Contains(err.Error(), "critical column") {
		t.Fatalf("expected critical column error, got %v", err)
	}
}

func TestParse_BadRowsCollectedNotFatal(t *testing.T) {
	csv := sampleCSV(
		"F001;NAM1;pas-une-date;;;;55369;Cabinet;;8857;;;;59,70;;;",
		"F002;NAM2;2025-02-05;;;;55369;Cabinet;;8857;;;;59,70;;;",
		"F003;NAM3;2025-02-05;;;;55369;Cabinet;;;;;;59,70;;;",
	)

	result, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 usable record, got %d", len(result.Records))
	}
	if len(result.RowErrors) != 2 {
		t.Fatalf("expected 2 row errors, got %d: %+v", len(result.RowErrors), result.RowErrors)
	}
	if result.RowErrors[0].Row != 2 || result.RowErrors[1].Row != 4 {
		t.Errorf("row error positions wrong: %+v", result.RowErrors)
	}
}

func TestParse_AllRowsBadIsFatal(t *testing.T) {
	csv := sampleCSV("F001;NAM1;pas-une-date;;;;55369;Cabinet;;8857;;;;59,70;;;")

	result, err := Parse(strings.NewReader(csv))
	if !errors.Is(err, ErrNoUsableRecords) {
		t.Fatalf("expected ErrNoUsableRecords, got %v", err)
	}
	if len(result.RowErrors) != 1 {
		t.Errorf("row errors should still be reported: %+v", result.RowErrors)
	}
}

func TestParse_Latin1Fallback(t *testing.T) {
	// "Élément de contexte" with É (0xC9) and é (0xE9) encoded as Latin-1.
	header := []byte("Facture;Date de Service;Code;Montant Preliminaire;\xC9l\xE9ment de contexte\n")
	row := []byte("F001;2025-02-05;8857;59,70;G160\n")

	result, err := Parse(bytes.NewReader(append(header, row...)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Records[0].ElementContexte != "G160" {
		t.Errorf("Latin-1 header not recognized: %+v", result.Records[0])
	}
}

func TestParse_BOMStripped(t *testing.T) {
	csv := "\xEF\xBB\xBFFacture;Date de Service;Code;Montant Preliminaire\nF001;2025-02-05;8857;59,70\n"

	result, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.Records[0].Facture != "F001" {
		t.Errorf("BOM not stripped from first header: %+v", result.Records[0])
	}
}

func TestWrite_RoundTrip(t *testing.T) {
	csv := sampleCSV(
		"F001;NAM1;2025-02-05;09:00;09:35;;55369;Cabinet;401;8857;1;1;G160;59.70;59.70;Dr Tremblay;Patient A",
		"F002;NAM2;2025-02-05;10:00;10:30;;55369;Cabinet;401;00103;1;1;;42.50;;Dr Tremblay;Patient B",
	)

	result, err := Parse(strings.NewReader(csv))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var out bytes.Buffer
	if err := Write(&out, result); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != csv {
		t.Errorf("round trip changed content:\nin:  %q\nout: %q", csv, out.String())
	}
}

func TestWriteSSV_Layout(t *testing.T) {
	var out bytes.Buffer
	err := WriteSSV(&out, []SSVRecord{{
		DoctorLicense: "1068303",
		VisitDate:     "2025-02-05",
		VisitTime:     "09:00",
		NAM:           "NAVR60010101",
		Sector:        "3",
	}})
	if err != nil {
		t.Fatalf("WriteSSV: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\r\n"), "\r\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines", len(lines))
	}
	for i, line := range lines {
		if got := len(strings.Split(line, ";")); got != 26 {
			t.Errorf("line %d has %d fields, want 26", i, got)
		}
	}
	row := strings.Split(lines[1], ";")
	if row[0] != "1068303" || row[2] != "2025-02-05" || row[3] != "09:00" || row[4] != "NAVR60010101" {
		t.Errorf("identification fields out of position: %v", row)
	}
	if row[1] != "0" {
		t.Errorf("group column: want \"0\", got %q", row[1])
	}
	if row[10] != "3" {
		t.Errorf("sector column: want \"3\", got %q", row[10])
	}
	for _, i := range []int{5, 6, 7, 8, 9} {
		if row[i] != "" {
			t.Errorf("column %d must be empty, got %q", i+1, row[i])
		}
	}
	for i := 11; i < 26; i++ {
		if row[i] != "" {
			t.Errorf("column %d must be empty, got %q", i+1, row[i])
		}
	}
}

func TestSectorDigit(t *testing.T) {
	cases := map[string]string{
		"Cabinet":        "3",
		"cabinet":        "3",
		" CLSC ":         "4",
		"Urgence":        "2",
		"Établissement":  "1",
		"Domicile":       "5",
		"":               "0",
		"Secteur inédit": "0",
	}
	for label, want := range cases {
		if got := SectorDigit(label); got != want {
			t.Errorf("SectorDigit(%q) = %q, want %q", label, got, want)
		}
	}
}

func TestWriteSSV_RejectsReservedCharacters(t *testing.T) {
	err := WriteSSV(&bytes.Buffer{}, []SSVRecord{{NAM: "a;b"}})
	if err == nil {
		t.Fatal("expected error for semicolon in field")
	}
}
