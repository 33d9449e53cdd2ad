package extract

import (
	"encoding/csv"
	"fmt"
	"io"
)

// ParseCSV reads a UTF-8 catalog, with or without a byte order mark.
func ParseCSV(r io.Reader) ([]CatalogRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse CSV: %w", err)
	}
	return parseRows(records)
}
