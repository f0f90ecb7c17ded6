// Package coerce converts source row values into values the SQL Server
// target accepts. Every function here is pure: the same value, column pair
// and options always produce the same result, and failures are returned as
// *Error values rather than panics.
package coerce

import (
	"fmt"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
	"github.com/johndauphine/oracle-mssql-migrate/internal/logging"
	"github.com/johndauphine/oracle-mssql-migrate/internal/typemap"
)

// Options tunes coercion strictness.
type Options struct {
	// TruncateOversizedStrings cuts strings to the target length instead of
	// failing with LengthOverflow. Binary values are never truncated.
	TruncateOversizedStrings bool
	// PrecisionLossTolerance is the number of significant fractional digits
	// (decimal places or fractional-second digits) beyond the target scale
	// that may be rounded away. Zero means any rounding is an error.
	PrecisionLossTolerance int
}

type coercer func(v any) (any, error)

type converter func(v any, src driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (any, error)

// Table holds one resolved coercer per column.
type Table struct {
	src []driver.ColumnDescriptor
	dst []driver.TargetColumn
	fns []coercer
}

// NewTable resolves the conversion for every column pair once. Source and
// target must have the same number of columns; they are matched by position.
func NewTable(src []driver.ColumnDescriptor, dst []driver.TargetColumn, opts Options) (*Table, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("column count mismatch: source has %d columns, target has %d", len(src), len(dst))
	}
	t := &Table{src: src, dst: dst, fns: make([]coercer, len(src))}
	for i := range src {
		fn, ok := resolve(src[i], dst[i], opts)
		if !ok {
			logging.Warn("Column %s: %s -> %s is not supported; non-NULL values will be rejected",
				src[i].Name, src[i].TypeLabel(), typemap.DDLType(dst[i]))
		}
		t.fns[i] = fn
	}
	return t, nil
}

// Targets returns the target columns in write order.
func (t *Table) Targets() []driver.TargetColumn { return t.dst }

// Sources returns the source columns in read order.
func (t *Table) Sources() []driver.ColumnDescriptor { return t.src }

// Row coerces one raw row. On failure the returned error is an *Error naming
// the first column that failed.
func (t *Table) Row(raw driver.RawRow) ([]any, error) {
	if len(raw) != len(t.fns) {
		return nil, &Error{Kind: InvalidValue, Detail: fmt.Sprintf("row has %d values, expected %d", len(raw), len(t.fns))}
	}
	out := make([]any, len(raw))
	for i, v := range raw {
		cv, err := t.fns[i](v)
		if err != nil {
			return nil, err
		}
		out[i] = cv
	}
	return out, nil
}

// Value coerces a single value. It is the unresolved form of Table.Row.
func Value(v any, src driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (any, error) {
	fn, _ := resolve(src, dst, opts)
	return fn(v)
}

func resolve(src driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (coercer, bool) {
	conv := converterFor(src.Type, dst.Type)
	fail := func(kind Kind, format string, args ...any) error {
		return &Error{
			Kind:   kind,
			Column: dst.Name,
			Source: src.TypeLabel(),
			Target: typemap.DDLType(dst),
			Detail: fmt.Sprintf(format, args...),
		}
	}
	return func(v any) (any, error) {
		if isNull(v) {
			if dst.Nullable {
				return nil, nil
			}
			return nil, fail(NullViolation, "NULL value for NOT NULL column")
		}
		if conv == nil {
			return nil, fail(UnsupportedType, "no conversion from source type %s to %s", src.TypeLabel(), typemap.DDLType(dst))
		}
		out, err := conv(v, src, dst, opts)
		if err != nil {
			if ce, ok := err.(*Error); ok {
				return nil, fail(ce.Kind, "%s", ce.Detail)
			}
			return nil, fail(InvalidValue, "%v", err)
		}
		return out, nil
	}, conv != nil
}

func isNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []byte:
		return x == nil
	}
	return false
}

// converterFor returns nil when no conversion exists.
func converterFor(src driver.SourceType, dst driver.TargetType) converter {
	if src == driver.SourceUnknown {
		return nil
	}
	switch dst {
	case driver.TargetDecimal:
		if numericSource(src) {
			return toDecimalColumn
		}
	case driver.TargetTinyInt, driver.TargetSmallInt, driver.TargetInt, driver.TargetBigInt:
		if numericSource(src) {
			return toIntegerColumn
		}
	case driver.TargetFloat:
		if numericSource(src) {
			return toFloatColumn
		}
	case driver.TargetBit:
		switch src {
		case driver.SourceBoolean, driver.SourceInteger, driver.SourceDecimal, driver.SourceVarchar:
			return toBitColumn
		}
	case driver.TargetNVarchar, driver.TargetNChar, driver.TargetVarchar, driver.TargetChar:
		return toTextColumn
	case driver.TargetDate, driver.TargetDateTime, driver.TargetDateTime2, driver.TargetDateTimeOffset:
		switch src {
		case driver.SourceDate, driver.SourceTimestamp, driver.SourceTimestampTZ, driver.SourceVarchar, driver.SourceClob:
			return toTemporalColumn
		}
	case driver.TargetVarBinary:
		switch src {
		case driver.SourceBinary, driver.SourceVarchar, driver.SourceClob:
			return toBinaryColumn
		}
	}
	return nil
}

func numericSource(src driver.SourceType) bool {
	switch src {
	case driver.SourceInteger, driver.SourceDecimal, driver.SourceFloat,
		driver.SourceVarchar, driver.SourceClob, driver.SourceBoolean:
		return true
	}
	return false
}

// errorf builds a bare *Error; resolve fills in the column details.
func errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
