// Package importer parses contact spreadsheets (xlsx or csv) into prepared
// contacts. Rows missing a name or a usable phone are skipped and counted;
// phones are normalized to digits only.
package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/Guzinn01/disp-whtas/internal/store"
)

var ErrUnsupportedFormat = errors.New("importer: unsupported file format")

// Summary reports the outcome of one import.
type Summary struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Read parses the spreadsheet and returns contacts in sheet order, all with
// status prepared. The first row must be a header containing a name column
// (nome/name) and a phone column (telefone/phone/celular).
func Read(r io.Reader, filename string) ([]store.Contact, Summary, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		rows, err := readXLSX(r)
		if err != nil {
			return nil, Summary{}, err
		}
		return collect(rows)
	case ".csv":
		rows, err := readCSV(r)
		if err != nil {
			return nil, Summary{}, err
		}
		return collect(rows)
	default:
		return nil, Summary{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

func readXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("importer: open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("importer: workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("importer: read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1 // ragged rows are handled per-row
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("importer: read csv: %w", err)
	}
	return rows, nil
}

func collect(rows [][]string) ([]store.Contact, Summary, error) {
	if len(rows) == 0 {
		return nil, Summary{}, errors.New("importer: file is empty")
	}
	nameIdx, phoneIdx, err := headerIndexes(rows[0])
	if err != nil {
		return nil, Summary{}, err
	}

	var out []store.Contact
	sum := Summary{Total: len(rows) - 1}
	for _, row := range rows[1:] {
		name := cell(row, nameIdx)
		phone := NormalizePhone(cell(row, phoneIdx))
		if name == "" || phone == "" {
			sum.Skipped++
			continue
		}
		out = append(out, store.Contact{Name: name, Phone: phone, Status: store.ContactPrepared})
		sum.Imported++
	}
	return out, sum, nil
}

func headerIndexes(header []string) (nameIdx, phoneIdx int, err error) {
	nameIdx, phoneIdx = -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "nome", "name":
			if nameIdx < 0 {
				nameIdx = i
			}
		case "telefone", "phone", "celular":
			if phoneIdx < 0 {
				phoneIdx = i
			}
		}
	}
	if nameIdx < 0 || phoneIdx < 0 {
		return 0, 0, errors.New("importer: header must contain name and phone columns")
	}
	return nameIdx, phoneIdx, nil
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// NormalizePhone strips everything but digits. Idempotent by construction.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
