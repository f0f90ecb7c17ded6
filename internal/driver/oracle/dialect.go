package oracle

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/johndauphine/oracle-mssql-migrate/internal/dbconfig"
)

// QuoteIdentifier returns an Oracle-safe identifier. Unquoted Oracle names
// fold to upper case, so names are upper-cased and only quoted when they
// contain special characters, start with a digit, or are reserved words.
func QuoteIdentifier(name string) string {
	upper := strings.ToUpper(name)

	needsQuote := false
	for i, r := range name {
		if i == 0 && r >= '0' && r <= '9' {
			needsQuote = true
			break
		}
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_') {
			needsQuote = true
			break
		}
	}
	if !needsQuote && reservedWords[upper] {
		needsQuote = true
	}

	if needsQuote {
		return `"` + strings.ReplaceAll(upper, `"`, `""`) + `"`
	}
	return upper
}

// Oracle reserved words that commonly appear as column or table names.
var reservedWords = map[string]bool{
	"ACCESS": true, "ADD": true, "ALL": true, "ALTER": true, "AND": true,
	"ANY": true, "AS": true, "ASC": true, "AUDIT": true, "BETWEEN": true,
	"BY": true, "CHAR": true, "CHECK": true, "CLUSTER": true, "COLUMN": true,
	"COMMENT": true, "COMPRESS": true, "CONNECT": true, "CREATE": true, "CURRENT": true,
	"DATE": true, "DECIMAL": true, "DEFAULT": true, "DELETE": true, "DESC": true,
	"DISTINCT": true, "DROP": true, "ELSE": true, "EXCLUSIVE": true, "EXISTS": true,
	"FILE": true, "FLOAT": true, "FOR": true, "FROM": true, "GRANT": true,
	"GROUP": true, "HAVING": true, "IDENTIFIED": true, "IMMEDIATE": true, "IN": true,
	"INCREMENT": true, "INDEX": true, "INITIAL": true, "INSERT": true, "INTEGER": true,
	"INTERSECT": true, "INTO": true, "IS": true, "LEVEL": true, "LIKE": true,
	"LOCK": true, "LONG": true, "MAXEXTENTS": true, "MINUS": true, "MODE": true,
	"MODIFY": true, "NOAUDIT": true, "NOCOMPRESS": true, "NOT": true, "NOWAIT": true,
	"NULL": true, "NUMBER": true, "OF": true, "OFFLINE": true, "ON": true,
	"ONLINE": true, "OPTION": true, "OR": true, "ORDER": true, "PCTFREE": true,
	"PRIOR": true, "PUBLIC": true, "RAW": true, "RENAME": true, "RESOURCE": true,
	"REVOKE": true, "ROW": true, "ROWID": true, "ROWNUM": true, "ROWS": true,
	"SELECT": true, "SESSION": true, "SET": true, "SHARE": true, "SIZE": true,
	"SMALLINT": true, "START": true, "SUCCESSFUL": true, "SYNONYM": true, "SYSDATE": true,
	"TABLE": true, "THEN": true, "TO": true, "TRIGGER": true, "UID": true,
	"UNION": true, "UNIQUE": true, "UPDATE": true, "USER": true, "VALIDATE": true,
	"VALUES": true, "VARCHAR": true, "VARCHAR2": true, "VIEW": true, "WHENEVER": true,
	"WHERE": true, "WITH": true,
}

// QualifyTable returns OWNER.TABLE, or just TABLE when schema is empty.
func QualifyTable(schema, table string) string {
	if schema == "" {
		return QuoteIdentifier(table)
	}
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}

// TableQuery builds the full-table SELECT used when a table is migrated by
// name instead of by query.
func TableQuery(schema, table string) string {
	return "SELECT * FROM " + QualifyTable(schema, table)
}

// BuildDSN returns a godror connection string. A SID produces a full connect
// descriptor; otherwise Easy Connect host:port/service is used.
func BuildDSN(cfg dbconfig.SourceConfig) string {
	user := url.QueryEscape(cfg.User)
	password := url.QueryEscape(cfg.Password)

	var connect string
	if cfg.SID != "" {
		connect = fmt.Sprintf("(DESCRIPTION=(ADDRESS=(PROTOCOL=TCP)(HOST=%s)(PORT=%d))(CONNECT_DATA=(SID=%s)))",
			cfg.Host, cfg.Port, cfg.SID)
	} else {
		connect = fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Service)
	}

	dsn := fmt.Sprintf("%s/%s@%s", user, password, connect)

	var params []string
	opts := cfg.DSNOptions()
	if n, ok := opts["prefetchCount"].(int); ok {
		params = append(params, fmt.Sprintf("prefetchCount=%d", n))
	}
	if n, ok := opts["fetchArraySize"].(int); ok {
		params = append(params, fmt.Sprintf("fetchArraySize=%d", n))
	}
	if len(params) > 0 {
		dsn += "?" + strings.Join(params, "&")
	}
	return dsn
}
