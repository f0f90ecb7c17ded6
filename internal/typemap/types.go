// Package typemap holds the fixed Oracle to SQL Server type mapping table.
package typemap

import (
	"fmt"
	"strings"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

const (
	// maxDecimalPrecision is the SQL Server DECIMAL ceiling.
	maxDecimalPrecision = 38
	// maxNVarcharLength is the largest NVARCHAR(n) before (MAX) is required.
	maxNVarcharLength = 4000
	// defaultStringLength is used when the source reports no length.
	defaultStringLength = 255
	// defaultTimeScale is the fractional-second precision of DATETIME2.
	defaultTimeScale = 7
	// oracleFloatScale is the scale Oracle reports for FLOAT and unconstrained
	// floating NUMBER columns.
	oracleFloatScale = -127
)

// ClassifyOracle resolves driver column metadata into a ColumnDescriptor.
// precision and scale come from ColumnType.DecimalSize, length from
// ColumnType.Length.
func ClassifyOracle(name, dbTypeName string, precision, scale, length int, nullable bool) driver.ColumnDescriptor {
	col := driver.ColumnDescriptor{
		Name:             name,
		DatabaseTypeName: strings.ToUpper(strings.TrimSpace(dbTypeName)),
		Precision:        precision,
		Scale:            scale,
		Length:           length,
		Nullable:         nullable,
	}
	base := col.DatabaseTypeName
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}

	switch {
	case base == "NUMBER" || base == "DECIMAL" || base == "NUMERIC":
		switch {
		case scale == oracleFloatScale:
			col.Type = driver.SourceFloat
			col.Scale = 0
		case precision > 0 && precision <= 18 && scale == 0:
			col.Type = driver.SourceInteger
		default:
			col.Type = driver.SourceDecimal
		}
	case base == "INTEGER" || base == "INT" || base == "SMALLINT":
		col.Type = driver.SourceInteger
	case base == "FLOAT" || base == "BINARY_FLOAT" || base == "BINARY_DOUBLE" ||
		base == "IBFLOAT" || base == "IBDOUBLE" || base == "REAL" || base == "DOUBLE PRECISION":
		col.Type = driver.SourceFloat
	case base == "CHAR" || base == "NCHAR" || base == "VARCHAR" || base == "VARCHAR2" ||
		base == "NVARCHAR2" || base == "ROWID" || base == "UROWID":
		col.Type = driver.SourceVarchar
	case base == "CLOB" || base == "NCLOB" || base == "LONG":
		col.Type = driver.SourceClob
	case base == "DATE":
		col.Type = driver.SourceDate
	case strings.HasPrefix(base, "TIMESTAMP"):
		if strings.Contains(base, "TIME ZONE") {
			col.Type = driver.SourceTimestampTZ
		} else {
			col.Type = driver.SourceTimestamp
		}
	case base == "BLOB" || base == "RAW" || base == "LONG RAW" || base == "BFILE":
		col.Type = driver.SourceBinary
	case base == "BOOLEAN" || base == "PL/SQL BOOLEAN":
		col.Type = driver.SourceBoolean
	default:
		col.Type = driver.SourceUnknown
	}
	return col
}

// InferTarget maps a source column to the SQL Server column it would be
// created as.
func InferTarget(col driver.ColumnDescriptor) driver.TargetColumn {
	tc := driver.TargetColumn{Name: col.Name, Nullable: col.Nullable}

	switch col.Type {
	case driver.SourceInteger:
		switch {
		case col.Precision > 0 && col.Precision <= 9:
			tc.Type = driver.TargetInt
		default:
			tc.Type = driver.TargetBigInt
		}
	case driver.SourceDecimal:
		tc.Type = driver.TargetDecimal
		p, s := col.Precision, col.Scale
		if p <= 0 {
			p, s = maxDecimalPrecision, 0
		}
		if p > maxDecimalPrecision {
			p = maxDecimalPrecision
		}
		if s < 0 {
			s = 0
		}
		if s > p {
			s = p
		}
		tc.Precision, tc.Scale = p, s
	case driver.SourceFloat:
		tc.Type = driver.TargetFloat
	case driver.SourceVarchar:
		tc.Type = driver.TargetNVarchar
		switch {
		case col.Length <= 0:
			tc.MaxLength = defaultStringLength
		case col.Length > maxNVarcharLength:
			tc.MaxLength = driver.MaxLength
		default:
			tc.MaxLength = col.Length
		}
	case driver.SourceClob:
		tc.Type = driver.TargetNVarchar
		tc.MaxLength = driver.MaxLength
	case driver.SourceDate, driver.SourceTimestamp, driver.SourceTimestampTZ:
		tc.Type = driver.TargetDateTime2
		tc.Scale = defaultTimeScale
	case driver.SourceBinary:
		tc.Type = driver.TargetVarBinary
		tc.MaxLength = driver.MaxLength
	case driver.SourceBoolean:
		tc.Type = driver.TargetBit
	default:
		tc.Type = driver.TargetNVarchar
		tc.MaxLength = defaultStringLength
	}
	return tc
}

// InferTargets maps every source column.
func InferTargets(cols []driver.ColumnDescriptor) []driver.TargetColumn {
	out := make([]driver.TargetColumn, len(cols))
	for i, c := range cols {
		out[i] = InferTarget(c)
	}
	return out
}

// DDLType renders the SQL Server type of a target column, e.g. "NVARCHAR(MAX)".
func DDLType(tc driver.TargetColumn) string {
	name := tc.Type.String()
	switch tc.Type {
	case driver.TargetDecimal:
		return fmt.Sprintf("%s(%d,%d)", name, tc.Precision, tc.Scale)
	case driver.TargetNVarchar, driver.TargetNChar, driver.TargetVarchar, driver.TargetChar, driver.TargetVarBinary:
		switch {
		case tc.MaxLength == driver.MaxLength:
			return name + "(MAX)"
		case tc.MaxLength > 0:
			return fmt.Sprintf("%s(%d)", name, tc.MaxLength)
		}
		return name
	case driver.TargetDateTime2, driver.TargetDateTimeOffset:
		return fmt.Sprintf("%s(%d)", name, tc.Scale)
	}
	return name
}

// ColumnDefinition renders "[name] TYPE NULL|NOT NULL".
func ColumnDefinition(tc driver.TargetColumn) string {
	null := "NULL"
	if !tc.Nullable {
		null = "NOT NULL"
	}
	return fmt.Sprintf("[%s] %s %s", strings.ReplaceAll(tc.Name, "]", "]]"), DDLType(tc), null)
}

// FromMSSQL builds a TargetColumn from INFORMATION_SCHEMA.COLUMNS values.
// maxLength is CHARACTER_MAXIMUM_LENGTH (-1 for MAX). For date/time types
// scale is DATETIME_PRECISION; otherwise it is NUMERIC_SCALE.
func FromMSSQL(name, dataType string, maxLength, precision, scale int, nullable bool) driver.TargetColumn {
	tc := driver.TargetColumn{Name: name, Nullable: nullable, MaxLength: maxLength}
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "tinyint":
		tc.Type = driver.TargetTinyInt
	case "smallint":
		tc.Type = driver.TargetSmallInt
	case "int":
		tc.Type = driver.TargetInt
	case "bigint":
		tc.Type = driver.TargetBigInt
	case "bit":
		tc.Type = driver.TargetBit
	case "decimal", "numeric":
		tc.Type, tc.Precision, tc.Scale = driver.TargetDecimal, precision, scale
	case "money":
		tc.Type, tc.Precision, tc.Scale = driver.TargetDecimal, 19, 4
	case "smallmoney":
		tc.Type, tc.Precision, tc.Scale = driver.TargetDecimal, 10, 4
	case "float", "real":
		tc.Type = driver.TargetFloat
	case "nvarchar":
		tc.Type = driver.TargetNVarchar
	case "ntext":
		tc.Type, tc.MaxLength = driver.TargetNVarchar, driver.MaxLength
	case "nchar":
		tc.Type = driver.TargetNChar
	case "varchar":
		tc.Type = driver.TargetVarchar
	case "text":
		tc.Type, tc.MaxLength = driver.TargetVarchar, driver.MaxLength
	case "char":
		tc.Type = driver.TargetChar
	case "date":
		tc.Type = driver.TargetDate
	case "datetime", "smalldatetime":
		tc.Type, tc.Scale = driver.TargetDateTime, 3
	case "datetime2":
		tc.Type, tc.Scale = driver.TargetDateTime2, scale
	case "datetimeoffset":
		tc.Type, tc.Scale = driver.TargetDateTimeOffset, scale
	case "varbinary", "binary":
		tc.Type = driver.TargetVarBinary
	case "image":
		tc.Type, tc.MaxLength = driver.TargetVarBinary, driver.MaxLength
	default:
		tc.Type = driver.TargetUnknown
	}
	if tc.Type != driver.TargetNVarchar && tc.Type != driver.TargetNChar && tc.Type != driver.TargetVarchar &&
		tc.Type != driver.TargetChar && tc.Type != driver.TargetVarBinary {
		tc.MaxLength = 0
	}
	return tc
}
