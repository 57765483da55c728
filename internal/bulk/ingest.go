// Package bulk expands batch inputs (CSV files or pasted text) into mission
// submissions and reports per-item outcomes.
package bulk

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxQueryLength matches the submit.max_query_length default.
const DefaultMaxQueryLength = 500

// Format of a batch input.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// Source is a batch input that can be opened once per ingest.
type Source interface {
	Name() string
	Format() Format
	Open() (io.ReadCloser, error)
}

type fileSource struct{ path string }

// FileSource reads a CSV file from disk.
func FileSource(path string) Source { return fileSource{path: path} }

func (s fileSource) Name() string                 { return s.path }
func (s fileSource) Format() Format               { return FormatCSV }
func (s fileSource) Open() (io.ReadCloser, error) { return os.Open(s.path) }

type textSource struct {
	name   string
	format Format
	text   string
}

// TextSource treats text as one query per line.
func TextSource(text string) Source {
	return textSource{name: "text", format: FormatText, text: text}
}

// CSVText treats text as CSV content, as an uploaded file body.
func CSVText(name, text string) Source {
	if name == "" {
		name = "upload.csv"
	}
	return textSource{name: name, format: FormatCSV, text: text}
}

func (s textSource) Name() string   { return s.name }
func (s textSource) Format() Format { return s.format }
func (s textSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.text)), nil
}

// Malformed is an input line that could not become a query.
type Malformed struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

// Batch is the expanded form of a Source.
type Batch struct {
	Source    string      `json:"source"`
	Platform  string      `json:"platform"`
	Queries   []string    `json:"queries"`
	Malformed []Malformed `json:"malformed"`
}

// Ingest expands src using the default query length limit.
func Ingest(src Source, platform string) (Batch, error) {
	return IngestLimit(src, platform, DefaultMaxQueryLength)
}

// IngestLimit expands src, rejecting queries longer than maxLen runes.
// Blank lines are skipped. For CSV, the first non-blank row is the header,
// parsed or not, and the first column of each later row is the query.
func IngestLimit(src Source, platform string, maxLen int) (Batch, error) {
	if src == nil {
		return Batch{}, errors.New("bulk: nil source")
	}
	rc, err := src.Open()
	if err != nil {
		return Batch{}, fmt.Errorf("open %s: %w", src.Name(), err)
	}
	defer rc.Close()

	batch := Batch{Source: src.Name(), Platform: platform}
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	header := src.Format() != FormatCSV
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSuffix(sc.Text(), "\r")
		if line == 1 {
			raw = strings.TrimPrefix(raw, "\ufeff")
		}
		if strings.TrimSpace(raw) == "" {
			continue
		}
		query := strings.TrimSpace(raw)
		if src.Format() == FormatCSV {
			fields, err := parseCSVLine(raw)
			if !header {
				header = true
				if err != nil {
					batch.Malformed = append(batch.Malformed, Malformed{Line: line, Text: raw, Reason: "header: " + err.Error()})
				}
				continue
			}
			if err != nil {
				batch.Malformed = append(batch.Malformed, Malformed{Line: line, Text: raw, Reason: err.Error()})
				continue
			}
			query = strings.TrimSpace(fields[0])
			if query == "" {
				continue
			}
		}
		if reason := checkQuery(query, maxLen); reason != "" {
			batch.Malformed = append(batch.Malformed, Malformed{Line: line, Text: raw, Reason: reason})
			continue
		}
		batch.Queries = append(batch.Queries, query)
	}
	if err := sc.Err(); err != nil {
		return batch, fmt.Errorf("read %s: %w", src.Name(), err)
	}
	return batch, nil
}

func parseCSVLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	fields, err := r.Read()
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return nil, pe.Err
		}
		return nil, err
	}
	if len(fields) == 0 {
		return nil, errors.New("no fields")
	}
	return fields, nil
}

func checkQuery(q string, maxLen int) string {
	if !utf8.ValidString(q) {
		return "invalid utf-8"
	}
	for _, r := range q {
		if r != '\t' && unicode.IsControl(r) {
			return "control characters"
		}
	}
	if maxLen > 0 && utf8.RuneCountInString(q) > maxLen {
		return fmt.Sprintf("longer than %d characters", maxLen)
	}
	return ""
}
