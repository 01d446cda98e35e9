package parsers

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// basic safety limits to avoid pathological model outputs
const (
	maxContentLen = 64 * 1024 // 64KB
	maxErrSnippet = 200
)

var fenceRe = regexp.MustCompile("(?s)```(?:sql)?\\s*(.*?)```")

// ExtractSQL pulls the executable statement out of raw model output: fenced
// code blocks are unwrapped, surrounding prose trimmed, and the result must
// pass the structural sanity check. Anything that fails is a synthesis
// error, never silently replaced with a default query.
func ExtractSQL(raw string) (string, error) {
	if len(raw) > maxContentLen {
		return "", fmt.Errorf("synthesized output too large (%d bytes)", len(raw))
	}
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("synthesized output is not valid utf8")
	}

	candidate := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(candidate); m != nil {
		candidate = strings.TrimSpace(m[1])
	}
	candidate = strings.TrimSuffix(candidate, ";")
	candidate = strings.TrimSpace(candidate)

	if err := ValidateSQL(candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

// ValidateSQL is the structural sanity check applied before execution: the
// statement must be non-empty and read-shaped (SELECT or WITH).
func ValidateSQL(sqlQuery string) error {
	trimmed := strings.TrimSpace(sqlQuery)
	if trimmed == "" {
		return fmt.Errorf("empty synthesized query")
	}

	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("synthesized query is not a read statement: %q", snippet(trimmed))
	}
	return nil
}

// SanitizeIdentifiers wraps column and table names containing characters
// beyond [A-Za-z0-9_] in double quotes, the warehouse dialect's identifier
// quoting. Backtick-quoted identifiers are rewritten to double quotes.
func SanitizeIdentifiers(sqlQuery string, columnNames []string, tableName string) string {
	if sqlQuery == "" {
		return sqlQuery
	}

	names := make([]string, 0, len(columnNames)+1)
	if tableName != "" {
		names = append(names, tableName)
	}
	names = append(names, columnNames...)

	sanitized := sqlQuery
	for _, name := range names {
		if name == "" || !needsQuoting(name) {
			continue
		}
		escaped := regexp.QuoteMeta(name)

		backtick := regexp.MustCompile("`(" + escaped + ")`")
		sanitized = backtick.ReplaceAllString(sanitized, `"$1"`)

		unquoted := regexp.MustCompile(`([^"` + "`" + `A-Za-z0-9_]|^)(` + escaped + `)([^"` + "`" + `A-Za-z0-9_]|$)`)
		sanitized = unquoted.ReplaceAllString(sanitized, `$1"$2"$3`)
	}
	return sanitized
}

var plainIdentRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func needsQuoting(name string) bool {
	return !plainIdentRe.MatchString(name)
}

func snippet(s string) string {
	if len(s) > maxErrSnippet {
		return s[:maxErrSnippet] + "..."
	}
	return s
}
