package results

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"missionline/internal/domain"
)

const (
	ColumnMissionID = "mission_id"
	ColumnResultID  = "result_id"
	ColumnClarity   = "clarity_score"
	ColumnIntent    = "intent_score"
	ColumnVerified  = "verified"
	ColumnCreatedAt = "created_at"
)

// DefaultColumns is the export layout: identifiers, canonical fields, scores.
var DefaultColumns = append(append([]string{ColumnMissionID, ColumnResultID}, domain.CanonicalFields()...),
	ColumnClarity, ColumnIntent, ColumnVerified, ColumnCreatedAt)

// WriteCSV writes a header row and one row per result. Columns that are not
// result attributes are read from the payload; missing values are empty.
func WriteCSV(w io.Writer, results []domain.Result, columns []string) error {
	if len(columns) == 0 {
		columns = DefaultColumns
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	row := make([]string, len(columns))
	for _, r := range results {
		for i, col := range columns {
			row[i] = cell(r, col)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write result %s: %w", r.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func ToCSV(results []domain.Result, columns []string) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, results, columns); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func cell(r domain.Result, col string) string {
	switch col {
	case ColumnMissionID:
		return r.MissionID
	case ColumnResultID:
		return r.ID
	case ColumnClarity:
		return optionalInt(r.ClarityScore)
	case ColumnIntent:
		return optionalInt(r.IntentScore)
	case ColumnVerified:
		return strconv.FormatBool(r.Verified)
	case ColumnCreatedAt:
		return r.CreatedAt
	}
	return r.Payload.String(col)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

// ParseCSV reads an export back into results. Payload columns become string
// values; empty cells are left out of the payload.
func ParseCSV(r io.Reader) ([]domain.Result, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []domain.Result
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		res := domain.Result{Payload: domain.Payload{}}
		for i, col := range header {
			v := rec[i]
			switch col {
			case ColumnMissionID:
				res.MissionID = v
			case ColumnResultID:
				res.ID = v
			case ColumnClarity:
				if res.ClarityScore, err = parseOptionalInt(col, v); err != nil {
					return nil, err
				}
			case ColumnIntent:
				if res.IntentScore, err = parseOptionalInt(col, v); err != nil {
					return nil, err
				}
			case ColumnVerified:
				res.Verified = v == "true"
			case ColumnCreatedAt:
				res.CreatedAt = v
			default:
				if v != "" {
					res.Payload[col] = v
				}
			}
		}
		out = append(out, res)
	}
}

func parseOptionalInt(col, v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("column %s: %w", col, err)
	}
	return &n, nil
}
