package csvparser

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"strings"

	"ChargeMail/internal/errs"
)

const DefaultMaxRows = 1000

// RecipientRow represents a single recipient extracted from a CSV.
// Email is taken from the "Email" column (case-insensitive).
// Fields contains all other columns (header -> value) for template data.
type RecipientRow struct {
	Line   int
	Email  string
	Fields map[string]string
}

// TemplateData encodes Fields as the JSON payload stored with the job.
// Headers are used verbatim as keys, so they must match the template's
// data field names (for example "name" or "listingTitle").
func (r RecipientRow) TemplateData() (json.RawMessage, error) {
	if len(r.Fields) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, errs.Mark(errs.Wrapf(err, "encode row %d", r.Line), errs.ErrValidation)
	}
	return raw, nil
}

// ParseFile opens path and parses it with ParseRecipientRows.
func ParseFile(path string, maxRows int) ([]RecipientRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	return ParseRecipientRows(f, maxRows)
}

// ParseRecipientRows parses a CSV from an io.Reader. The CSV must contain a header row
// with an "Email" column (case-insensitive). All other columns are returned as Fields.
//
// maxRows limits how many data rows are parsed (excluding header). Malformed
// rows and rows without an address are skipped. Every error is marked
// errs.ErrValidation.
func ParseRecipientRows(r io.Reader, maxRows int) ([]RecipientRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, invalid("csv is empty")
	}
	if err != nil {
		return nil, errs.Mark(errs.Wrap(err, "read csv header"), errs.ErrValidation)
	}

	emailIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		normalized[i] = h
		if strings.EqualFold(h, "email") {
			emailIdx = i
		}
	}
	if emailIdx == -1 {
		return nil, invalid("csv must contain an Email column")
	}

	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	rows := make([]RecipientRow, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Mark(errs.Wrap(err, "read csv"), errs.ErrValidation)
		}
		line, _ := reader.FieldPos(0)
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		email := strings.TrimSpace(record[emailIdx])
		if email == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-1)
		for i := range record {
			if i == emailIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, RecipientRow{
			Line:   line,
			Email:  email,
			Fields: fields,
		})
	}

	if len(rows) == 0 {
		return nil, invalid("csv must contain at least one data row")
	}

	return rows, nil
}

func invalid(msg string) error {
	return errs.Mark(errs.New(msg), errs.ErrValidation)
}

// ParseMaxRows reads an optional row limit from a form or query value.
func ParseMaxRows(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return DefaultMaxRows, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, invalid("max_rows must be a positive integer")
	}
	return min(n, DefaultMaxRows), nil
}
