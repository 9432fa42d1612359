package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/carbocation/mriflow"
	"github.com/carbocation/pfx"
	"github.com/extrame/xls"
	"github.com/gocarina/gocsv"
	"golang.org/x/net/html/charset"
)

// SheetRow maps a DICOM PatientID to the subject it should be filed under.
// Columns other than patient_id are optional.
type SheetRow struct {
	PatientID   string `csv:"patient_id"`
	Label       string `csv:"label"`
	Sex         string `csv:"sex"`
	DateOfBirth string `csv:"date_of_birth"`
}

// BirthDate parses the free-form date of birth, returning the zero time when
// it is blank.
func (r SheetRow) BirthDate() (time.Time, error) {
	if strings.TrimSpace(r.DateOfBirth) == "" {
		return time.Time{}, nil
	}

	return dateparse.ParseIn(strings.TrimSpace(r.DateOfBirth), time.UTC)
}

// Sheet is keyed by PatientID.
type Sheet map[string]SheetRow

// LoadSheet reads a subject sheet. Legacy .xls workbooks are read from their
// first worksheet; anything else is treated as delimited text whose
// delimiter and character set are detected.
func LoadSheet(path string) (Sheet, error) {
	path, err := mriflow.ExpandHome(path)
	if err != nil {
		return nil, err
	}

	var records [][]string
	if strings.EqualFold(filepath.Ext(path), ".xls") {
		records, err = readXLS(path)
	} else {
		records, err = readDelimited(path)
	}
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	return parseSheet(records)
}

func parseSheet(records [][]string) (Sheet, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("subject sheet is empty")
	}

	hasID := false
	for i, name := range records[0] {
		records[0][i] = normalizeColumn(name)
		hasID = hasID || records[0][i] == "patient_id"
	}
	if !hasID {
		return nil, fmt.Errorf("subject sheet has no patient_id column (found %v)", records[0])
	}

	var rows []SheetRow
	if err := gocsv.UnmarshalCSV(&recordReader{records: records}, &rows); err != nil {
		return nil, pfx.Err(err)
	}

	out := make(Sheet, len(rows))
	for i, row := range rows {
		row.PatientID = strings.TrimSpace(row.PatientID)
		row.Label = strings.TrimSpace(row.Label)
		if row.PatientID == "" {
			continue
		}
		if _, dup := out[row.PatientID]; dup {
			return nil, fmt.Errorf("row %d: patient %s is listed twice", i+2, row.PatientID)
		}
		if _, err := row.BirthDate(); err != nil {
			return nil, fmt.Errorf("row %d: date of birth %q: %w", i+2, row.DateOfBirth, err)
		}
		out[row.PatientID] = row
	}

	return out, nil
}

// normalizeColumn lets "Patient ID" and "patient_id" name the same column.
func normalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	return strings.Join(strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

func readDelimited(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Spreadsheet exports are often Windows-1252 rather than UTF-8.
	decoded, err := charset.NewReader(f, "text/plain")
	if err != nil {
		return nil, err
	}

	delim, r, err := mriflow.SniffDelimiter(decoded, ',')
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = delim != '\t' && delim != ' '
	cr.FieldsPerRecord = -1

	return cr.ReadAll()
}

func readXLS(path string) ([][]string, error) {
	workbook, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, err
	}
	if workbook.NumSheets() < 1 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	sheet := workbook.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("first sheet could not be read")
	}

	var out [][]string
	for rowID := 0; rowID <= int(sheet.MaxRow); rowID++ {
		row := sheet.Row(rowID)
		if row == nil {
			continue
		}

		record := make([]string, 0, row.LastCol()+1)
		for colID := 0; colID <= row.LastCol(); colID++ {
			record = append(record, row.Col(colID))
		}
		out = append(out, record)
	}

	return out, nil
}

// recordReader feeds already-read records to gocsv.
type recordReader struct {
	records [][]string
}

func (r *recordReader) Read() ([]string, error) {
	if len(r.records) == 0 {
		return nil, io.EOF
	}
	out := r.records[0]
	r.records = r.records[1:]

	return out, nil
}

func (r *recordReader) ReadAll() ([][]string, error) {
	out := r.records
	r.records = nil

	return out, nil
}
