package google

import (
	"fmt"
	"strings"

	ports "finbot/internal/sheets"
)

func headerRange(sheet string) string {
	return fmt.Sprintf("%s!A1:%s1", quoteSheet(sheet), lastColumn())
}

func dataRange(sheet string) string {
	return fmt.Sprintf("%s!A:%s", quoteSheet(sheet), lastColumn())
}

func lastColumn() string {
	return string(rune('A' + len(ports.Header) - 1))
}

// quoteSheet quotes names that A1 notation would otherwise misread.
func quoteSheet(name string) string {
	if strings.ContainsAny(name, " '!:") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}

// toValues converts a row to the API's cell type.
func toValues(row []string) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v
	}
	return out
}
