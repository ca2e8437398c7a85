package freshness

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/checkapp/checkapp-sync-server/internal/config"
)

// TableAlias is the alias the expression uses for the table it is evaluated on.
const TableAlias = "t"

// FallbackSQL is used when a table has none of its candidate columns.
// Every row then looks equally fresh at fetch time.
const FallbackSQL = "now()"

// absentSQL stands in for rows whose candidates are all NULL. Such rows sort
// first and are only delivered by a full sync.
const absentSQL = "'1970-01-01T00:00:00Z'::timestamptz"

// SafeCastFunc parses text into a timestamptz, yielding NULL for values that
// are not valid timestamps. It is created by the schema migrations.
const SafeCastFunc = "public.sync_try_timestamptz"

// Expression is the SQL that computes the freshness of a row of one table.
type Expression struct {
	// SQL evaluates to a timestamptz. Columns are qualified with TableAlias.
	SQL string
	// Columns are the candidate columns that contributed, in priority order.
	Columns []string
	// Fallback is true when no candidate existed and SQL is FallbackSQL.
	Fallback bool
	// Touch is the first timestamp typed candidate. Writers set it to now()
	// so a written row never looks older than before. Empty when none exists.
	Touch string
}

// Build combines the candidates present in columns (column name to
// information_schema data type) into a single expression. The greatest of
// the available values wins so the most recently touched column decides.
func Build(candidates []config.FreshnessCandidate, columns map[string]string) Expression {
	var (
		terms []string
		used  []string
		touch string
	)
	for _, c := range candidates {
		dataType, ok := columns[c.Column]
		if !ok {
			continue
		}
		term, ok := coerce(c, dataType)
		if !ok {
			continue
		}
		terms = append(terms, term)
		used = append(used, c.Column)
		if touch == "" && isTimeType(dataType) && dataType != "date" {
			touch = c.Column
		}
	}

	switch len(terms) {
	case 0:
		return Expression{SQL: FallbackSQL, Fallback: true}
	case 1:
		return Expression{SQL: fmt.Sprintf("COALESCE(%s, %s)", terms[0], absentSQL), Columns: used, Touch: touch}
	default:
		return Expression{
			SQL:     fmt.Sprintf("COALESCE(GREATEST(%s), %s)", strings.Join(terms, ", "), absentSQL),
			Columns: used,
			Touch:   touch,
		}
	}
}

// coerce returns the timestamptz term for one candidate. The actual column
// type wins over the configured kind.
func coerce(c config.FreshnessCandidate, dataType string) (string, bool) {
	ref := TableAlias + "." + pgx.Identifier{c.Column}.Sanitize()

	switch {
	case isTimeType(dataType):
		return ref + "::timestamptz", true
	case isTextType(dataType), dataType == "" && c.Kind == config.FreshnessKindText:
		// Empty strings, non dates and impossible dates are absent, never epoch zero.
		return fmt.Sprintf("%s(%s::text)", SafeCastFunc, ref), true
	case dataType == "":
		return ref + "::timestamptz", true
	default:
		return "", false
	}
}

func isTimeType(dataType string) bool {
	return strings.HasPrefix(dataType, "timestamp") || dataType == "date"
}

func isTextType(dataType string) bool {
	switch dataType {
	case "text", "character varying", "character":
		return true
	}
	return false
}
