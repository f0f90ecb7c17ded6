package oracle

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// forbiddenKeywords may not appear in a migration query outside literals and
// comments.
var forbiddenKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"ALTER": true, "TRUNCATE": true, "MERGE": true, "CREATE": true,
	"EXEC": true, "EXECUTE": true, "GRANT": true, "REVOKE": true,
}

// ValidateQuery checks that query is a single read-only SELECT (or WITH ...
// SELECT) statement.
func ValidateQuery(query string) error {
	code := stripLiterals(TrimStatement(query))
	if strings.TrimSpace(code) == "" {
		return errors.New("query is empty")
	}
	if strings.Contains(code, ";") {
		return errors.New("query must be a single statement")
	}

	words := strings.FieldsFunc(code, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' || r == '#')
	})
	if len(words) == 0 {
		return errors.New("query is empty")
	}
	first := strings.ToUpper(words[0])
	if first != "SELECT" && first != "WITH" {
		return fmt.Errorf("query must start with SELECT or WITH, got %s", first)
	}
	for _, w := range words {
		if upper := strings.ToUpper(w); forbiddenKeywords[upper] {
			return fmt.Errorf("query contains forbidden keyword %s", upper)
		}
	}
	return nil
}

// TrimStatement removes surrounding whitespace and trailing semicolons,
// which Oracle rejects in statements sent through a driver.
func TrimStatement(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), "; \t\r\n")
}

// stripLiterals blanks out comments, string literals and quoted identifiers
// so keyword checks only see SQL text.
func stripLiterals(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			i += 2
			for i+1 < len(q) && !(q[i] == '*' && q[i+1] == '/') {
				i++
			}
			i++
			b.WriteByte(' ')
		case c == '\'' || c == '"':
			i++
			for i < len(q) {
				if q[i] == c {
					if i+1 < len(q) && q[i+1] == c {
						i += 2
						continue
					}
					break
				}
				i++
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
