// Package report exports the per-rep analysis of one session as a table,
// one row per rep and criterion.
package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
)

// Format is a report file format.
type Format string

const (
	Parquet Format = "parquet"
	CSV     Format = "csv"
)

// ParseFormat accepts parquet or csv; empty means parquet.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "parquet":
		return Parquet, nil
	case "csv":
		return CSV, nil
	default:
		return "", fmt.Errorf("unsupported format %q (expected parquet|csv)", s)
	}
}

// Row is one criterion result of one rep.
type Row struct {
	SessionID string  `parquet:"name=session_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Rep       int64   `parquet:"name=rep, type=INT64"`
	StartMs   float64 `parquet:"name=start_ms, type=DOUBLE"`
	MiddleMs  float64 `parquet:"name=middle_ms, type=DOUBLE"`
	EndMs     float64 `parquet:"name=end_ms, type=DOUBLE"`
	Criterion string  `parquet:"name=criterion, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Phase     string  `parquet:"name=phase, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Frame     int64   `parquet:"name=frame, type=INT64"`
	Degrees   float64 `parquet:"name=degrees, type=DOUBLE"`
	Rounded   int64   `parquet:"name=rounded, type=INT64"`
	Verdict   string  `parquet:"name=verdict, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Valid     bool    `parquet:"name=valid, type=BOOLEAN"`
}

var header = []string{
	"session_id", "rep", "start_ms", "middle_ms", "end_ms",
	"criterion", "phase", "frame", "degrees", "rounded", "verdict", "valid",
}

// Rows flattens analyses into report rows. Indeterminate results carry NaN
// degrees and valid=false. Reps are numbered from 1.
func Rows(sessionID string, analyses []analysis.FormMetrics) []Row {
	var rows []Row
	for _, m := range analyses {
		for _, r := range m.Results {
			row := Row{
				SessionID: sessionID,
				Rep:       int64(m.Rep + 1),
				StartMs:   m.StartMs,
				MiddleMs:  m.MiddleMs,
				EndMs:     m.EndMs,
				Criterion: r.Criterion,
				Phase:     string(r.Phase),
				Frame:     int64(r.Frame),
				Degrees:   math.NaN(),
				Verdict:   r.Verdict.String(),
			}
			if r.Degrees != nil && r.Rounded != nil {
				row.Degrees = *r.Degrees
				row.Rounded = int64(*r.Rounded)
				row.Valid = true
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// Marshal encodes rows in format.
func Marshal(format Format, rows []Row) ([]byte, error) {
	switch format {
	case CSV:
		return marshalCSV(rows)
	case Parquet:
		return marshalParquet(rows)
	default:
		return nil, fmt.Errorf("unsupported format %q", string(format))
	}
}

func marshalParquet(rows []Row) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(Row), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

func marshalCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, r := range rows {
		degrees := ""
		rounded := ""
		if r.Valid {
			degrees = strconv.FormatFloat(r.Degrees, 'f', 1, 64)
			rounded = strconv.FormatInt(r.Rounded, 10)
		}
		record := []string{
			r.SessionID,
			strconv.FormatInt(r.Rep, 10),
			formatMs(r.StartMs),
			formatMs(r.MiddleMs),
			formatMs(r.EndMs),
			r.Criterion,
			r.Phase,
			strconv.FormatInt(r.Frame, 10),
			degrees,
			rounded,
			r.Verdict,
			strconv.FormatBool(r.Valid),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteFile writes the report for one session into dir and returns its path.
func WriteFile(dir string, format Format, sessionID string, analyses []analysis.FormMetrics) (string, error) {
	data, err := Marshal(format, Rows(sessionID, analyses))
	if err != nil {
		return "", fmt.Errorf("marshal %s report: %w", format, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("reps_%s_%s.%s", time.Now().Format("20060102_150405"), shortID(sessionID), format)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "session"
	}
	return id
}
