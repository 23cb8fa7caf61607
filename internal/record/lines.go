package record

import "strings"

// splitLines splits text on any newline convention (\n, \r\n, \r).
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.Split(text, "\n")
}

// tableFields splits a markdown table row on pipes, trimming every field.
func tableFields(line string) []string {
	fields := strings.Split(line, "|")
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// isSeparatorRow reports whether a row is a markdown alignment row such as
// "|---|---|" or "| :--- | ---: |". Every non-empty cell must be dashes with
// optional colons, and at least one cell needs three dashes, so a data row
// like "| - | - |" is kept.
func isSeparatorRow(fields []string) bool {
	seen, long := false, false
	for _, f := range fields {
		if f == "" {
			continue
		}
		if strings.Trim(f, ":-") != "" || !strings.Contains(f, "-") {
			return false
		}
		if strings.Contains(f, "---") {
			long = true
		}
		seen = true
	}
	return seen && long
}

// isRawItemHeader reports whether a cell is the "Raw Item" column title
func isRawItemHeader(cell string) bool {
	return strings.ToLower(cell) == "raw item"
}
