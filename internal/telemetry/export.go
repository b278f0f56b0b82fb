package telemetry

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Format selects the export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("telemetry: unknown export format %q", s)
	}
}

// Ext returns the file extension for f, including the dot.
func (f Format) Ext() string { return "." + string(f) }

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

type exportDocument struct {
	ExportDate int64     `json:"exportDate"`
	Format     Format    `json:"format"`
	DateRange  dateRange `json:"dateRange"`
	Dataset
}

type dateRange struct {
	Start *int64 `json:"start"`
	End   *int64 `json:"end"`
}

func unixOrNil(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

// Export writes the dataset of rng from store to w. JSON output is a single
// document; CSV output is one table whose first column names the row kind.
func Export(ctx context.Context, store Store, format Format, rng Range, now time.Time, w io.Writer) error {
	ds, err := store.Dataset(ctx, rng)
	if err != nil {
		return fmt.Errorf("telemetry: export: %w", err)
	}
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		doc := exportDocument{
			ExportDate: now.Unix(),
			Format:     format,
			DateRange:  dateRange{Start: unixOrNil(rng.From), End: unixOrNil(rng.To)},
			Dataset:    ds,
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("telemetry: export: %w", err)
		}
		return nil
	case FormatCSV:
		return writeCSV(w, ds)
	default:
		return fmt.Errorf("telemetry: unknown export format %q", format)
	}
}

var csvHeader = []string{"kind", "id", "session_id", "type", "status", "role", "target_type", "target_id", "content", "created_at", "ended_at"}

func writeCSV(w io.Writer, ds Dataset) error {
	cw := csv.NewWriter(w)
	rows := [][]string{csvHeader}
	for _, s := range ds.Sessions {
		rows = append(rows, []string{"session", s.ID, s.ID, string(s.Type), string(s.Status), "", "", "", s.PatientName, stamp(s.StartedAt), stamp(s.EndedAt)})
	}
	for _, m := range ds.Messages {
		rows = append(rows, []string{"message", m.ID, m.SessionID, "", "", m.Role, "", "", m.Content, stamp(m.CreatedAt), ""})
	}
	for _, f := range ds.Feedback {
		rows = append(rows, []string{"feedback", f.ID, f.SessionID, string(f.Type), strconv.Itoa(f.Rating), "", string(f.TargetType), f.TargetID, f.Reason, stamp(f.CreatedAt), ""})
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("telemetry: export csv: %w", err)
	}
	return nil
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
