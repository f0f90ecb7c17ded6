package mssql

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/johndauphine/oracle-mssql-migrate/internal/dbconfig"
	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

// DefaultSchema is used when a target table name has no schema part.
const DefaultSchema = "dbo"

// DefaultPort is the SQL Server TCP port.
const DefaultPort = 1433

// QuoteIdentifier brackets a name, escaping any closing bracket.
func QuoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// QualifyTable returns [schema].[table].
func QualifyTable(schema, table string) string {
	return QuoteIdentifier(schema) + "." + QuoteIdentifier(table)
}

// ParameterPlaceholder returns the positional parameter name go-mssqldb binds.
func ParameterPlaceholder(index int) string {
	return "@p" + strconv.Itoa(index)
}

// ParseTableName splits "schema.table" (or "table") and validates both parts.
// Either part may be bracketed, as QualifyTable renders it.
func ParseTableName(name, defaultSchema string) (schema, table string, err error) {
	if defaultSchema == "" {
		defaultSchema = DefaultSchema
	}
	name = strings.TrimSpace(name)
	schema, table = defaultSchema, name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		schema, table = name[:i], name[i+1:]
	}
	schema, table = unbracket(schema), unbracket(table)
	if err := driver.ValidateIdentifier(schema); err != nil {
		return "", "", fmt.Errorf("invalid schema name: %w", err)
	}
	if err := driver.ValidateIdentifier(table); err != nil {
		return "", "", fmt.Errorf("invalid table name: %w", err)
	}
	return schema, table, nil
}

func unbracket(name string) string {
	if len(name) >= 2 && name[0] == '[' && name[len(name)-1] == ']' {
		return name[1 : len(name)-1]
	}
	return name
}

// BuildDSN returns a sqlserver:// URL for go-mssqldb.
func BuildDSN(cfg dbconfig.TargetConfig) string {
	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
	}
	if cfg.Instance != "" {
		u.Path = "/" + cfg.Instance
	}

	q := url.Values{}
	if cfg.Database != "" {
		q.Set("database", cfg.Database)
	}
	opts := cfg.DSNOptions()
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, fmt.Sprint(opts[k]))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
