package apply

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/checkapp/checkapp-sync-server/internal/freshness"
)

// The statements below take the record id as $1 and the values of columns,
// in order, from $2 on.

func qualifiedTable(info *freshness.TableInfo) string {
	return pgx.Identifier{info.Tenant, info.Table}.Sanitize()
}

func quote(column string) string {
	return pgx.Identifier{column}.Sanitize()
}

func existsSQL(info *freshness.TableInfo) string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1)",
		qualifiedTable(info), quote(info.Config.GetIDColumn()))
}

func insertSQL(info *freshness.TableInfo, columns []string) string {
	names := []string{quote(info.Config.GetIDColumn())}
	values := []string{"$1"}
	for i, c := range columns {
		names = append(names, quote(c))
		values = append(values, fmt.Sprintf("$%d", i+2))
	}
	if touch := info.Expression.Touch; touch != "" {
		names = append(names, quote(touch))
		values = append(values, "now()")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualifiedTable(info), strings.Join(names, ", "), strings.Join(values, ", "))
}

func updateSQL(info *freshness.TableInfo, columns []string) string {
	sets := make([]string, 0, len(columns)+1)
	for i, c := range columns {
		sets = append(sets, fmt.Sprintf("%s = $%d", quote(c), i+2))
	}
	if touch := info.Expression.Touch; touch != "" {
		sets = append(sets, quote(touch)+" = now()")
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE %s = $1",
		qualifiedTable(info), strings.Join(sets, ", "), quote(info.Config.GetIDColumn()))
}

func deleteSQL(info *freshness.TableInfo, column string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1 RETURNING %s::text",
		qualifiedTable(info), quote(column), quote(info.Config.GetIDColumn()))
}
