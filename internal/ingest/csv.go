package ingest

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"sheetsync/internal/domain"
)

// RowError describes a record that could not be turned into a row.
type RowError struct {
	Line int
	Err  error
}

// ParseCSV reads a header-driven CSV export. Records that fail to parse or
// carry more fields than the header are reported and skipped; short records
// are padded with empty values.
func ParseCSV(text string) ([]domain.Row, []RowError, error) {
	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(text, "\ufeff")))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, domain.E(domain.KindDecode, "ingest.parse_header", err)
	}

	var (
		rows []domain.Row
		bad  []RowError
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				bad = append(bad, RowError{Line: pe.Line, Err: err})
				continue
			}
			return rows, bad, domain.E(domain.KindDecode, "ingest.parse", err)
		}
		if len(rec) > len(header) {
			line, _ := r.FieldPos(0)
			bad = append(bad, RowError{Line: line, Err: errors.New("more fields than header")})
			continue
		}
		row := make(domain.Row, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, bad, nil
}
