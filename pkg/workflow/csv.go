package workflow

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// writeCSVOutput appends or creates a CSV file from a step's list/map
// output. List-of-map outputs become rows sharing a sorted header union;
// a single map becomes one row.
func writeCSVOutput(cfg *CSVOutputConfig, stepID string, output any) error {
	rows := normalizeCSVRows(output)
	if len(rows) == 0 {
		return nil
	}

	headerSet := make(map[string]bool)
	for _, row := range rows {
		for key := range row {
			headerSet[key] = true
		}
	}
	headers := make([]string, 0, len(headerSet))
	for key := range headerSet {
		headers = append(headers, key)
	}
	sort.Strings(headers)

	filename := cfg.Filename
	if filename == "" {
		filename = fmt.Sprintf("%s-%s.csv", stepID, time.Now().UTC().Format("2006-01-02"))
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return err
	}
	path := filepath.Join(cfg.Directory, filename)

	flags := os.O_CREATE | os.O_WRONLY
	writeHeader := true
	if cfg.Mode == "append" {
		flags |= os.O_APPEND
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			writeHeader = false
		}
	} else {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(headers); err != nil {
			return err
		}
	}
	for _, row := range rows {
		record := make([]string, len(headers))
		for i, key := range headers {
			if v, ok := row[key]; ok && v != nil {
				record[i] = fmt.Sprintf("%v", v)
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func normalizeCSVRows(output any) []map[string]any {
	switch v := output.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		var rows []map[string]any
		for _, item := range v {
			if row, ok := item.(map[string]any); ok {
				rows = append(rows, row)
			} else if item != nil {
				rows = append(rows, map[string]any{"value": item})
			}
		}
		return rows
	default:
		return nil
	}
}
