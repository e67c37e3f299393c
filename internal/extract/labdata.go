package extract

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// blockSeparator joins independent records so each reads as its own
// paragraph when chunked and embedded.
const blockSeparator = "\n\n---\n\n"

// extractLabJSON converts structured JSON medical data into readable text.
// An object becomes one "key: value" block; an array of objects becomes one
// block per element, separated so chunking keeps records apart.
func extractLabJSON(content []byte) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal(content, &obj); err == nil {
		return formatRecord(obj), nil
	}

	var list []map[string]any
	if err := json.Unmarshal(content, &list); err != nil {
		return "", fmt.Errorf("parse lab JSON: %w", err)
	}
	blocks := make([]string, 0, len(list))
	for _, item := range list {
		blocks = append(blocks, formatRecord(item))
	}
	return strings.Join(blocks, blockSeparator), nil
}

// extractLabCSV converts CSV lab data into readable text, one block per row
// with the header names as field labels.
func extractLabCSV(content []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse lab CSV: %w", err)
	}
	if len(rows) < 2 {
		return "", nil
	}
	header := rows[0]
	var blocks []string
	for _, row := range rows[1:] {
		var lines []string
		for i, field := range row {
			if i >= len(header) {
				break
			}
			lines = append(lines, header[i]+": "+field)
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, blockSeparator), nil
}

func formatRecord(record map[string]any) string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, record[k]))
	}
	return strings.Join(lines, "\n")
}
