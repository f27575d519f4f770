// Package seed reads task rows from JSON, JSONL or YAML files and adds
// them to a backing store.
//
// A row is a flat object. full_code, finished and rating map to the
// record's fields; every other key becomes a descriptive field. An id key
// is ignored because stores assign ids.
package seed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// Format is a seed file encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown seed format for %s (want .json, .jsonl or .yaml)", path)
	}
}

// Row is one decoded seed row with its position in the file.
type Row struct {
	Line   int
	Record record.Record
}

// Load reads a seed file.
func Load(path string) ([]Row, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return Read(f, format)
}

// Read decodes rows from r.
func Read(r io.Reader, format Format) ([]Row, error) {
	switch format {
	case FormatJSON:
		var raw []map[string]any
		if err := json.NewDecoder(r).Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON seed: %w", err)
		}
		return toRows(raw), nil
	case FormatYAML:
		var raw []map[string]any
		if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
			return nil, fmt.Errorf("invalid YAML seed: %w", err)
		}
		return toRows(raw), nil
	case FormatJSONL:
		return readJSONL(r)
	default:
		return nil, fmt.Errorf("unknown seed format %q", format)
	}
}

func readJSONL(r io.Reader) ([]Row, error) {
	var rows []Row
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		rows = append(rows, Row{Line: lineNum, Record: toRecord(raw)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	return rows, nil
}

func toRows(raw []map[string]any) []Row {
	rows := make([]Row, 0, len(raw))
	for i, m := range raw {
		rows = append(rows, Row{Line: i + 1, Record: toRecord(m)})
	}
	return rows
}

func toRecord(m map[string]any) record.Record {
	var r record.Record
	for k, v := range m {
		s := stringify(v)
		switch strings.ToLower(k) {
		case record.FieldID:
		case record.FieldGroupKey:
			r.GroupKey = s
		case record.FieldFinished:
			r.Finished = s
		case record.FieldRating:
			r.Rating = s
		default:
			if r.Fields == nil {
				r.Fields = make(map[string]string)
			}
			r.Fields[k] = s
		}
	}
	return r
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// ImportOptions controls Import.
type ImportOptions struct {
	// DryRun validates rows without writing.
	DryRun bool
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Added   int
	IDs     []string
	Skipped int
	Errors  []string
}

// Import adds rows to st. Invalid rows and rows the store rejects are
// skipped and reported; the rest are still imported. Only a cancelled
// context stops the import early.
func Import(ctx context.Context, st store.Store, rows []Row, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if strings.TrimSpace(row.Record.GroupKey) == "" {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: missing %s", row.Line, record.FieldGroupKey))
			continue
		}
		if opts.DryRun {
			result.Added++
			continue
		}
		id, err := st.Add(ctx, row.Record)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", row.Line, err))
			continue
		}
		result.Added++
		result.IDs = append(result.IDs, id)
	}
	return result, nil
}

// Write encodes recs as seed rows. Ids are omitted so the output can be
// imported into any store.
func Write(w io.Writer, recs []record.Record, format Format) error {
	rows := make([]map[string]string, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, toRow(r))
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, row := range rows {
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown seed format %q", format)
	}
}

func toRow(r record.Record) map[string]string {
	row := make(map[string]string, len(r.Fields)+3)
	for k, v := range r.Fields {
		row[k] = v
	}
	row[record.FieldGroupKey] = r.GroupKey
	if r.Finished != "" {
		row[record.FieldFinished] = r.Finished
	}
	if r.Rating != "" {
		row[record.FieldRating] = r.Rating
	}
	return row
}
