package coerce

import "fmt"

// Kind classifies a coercion failure.
type Kind int

const (
	// PrecisionLoss means significant digits (or clock fields) would be dropped.
	PrecisionLoss Kind = iota + 1
	// LengthOverflow means a string or binary value exceeds the target length.
	LengthOverflow
	// NullViolation means a NULL was bound for a NOT NULL column.
	NullViolation
	// UnsupportedType means no conversion exists for the column's types.
	UnsupportedType
	// InvalidValue means the value could not be parsed as the target type.
	InvalidValue
	// Unrepresentable means a character has no mapping in the target code page.
	Unrepresentable
)

var kindNames = map[Kind]string{
	PrecisionLoss:   "PrecisionLoss",
	LengthOverflow:  "LengthOverflow",
	NullViolation:   "NullViolation",
	UnsupportedType: "UnsupportedType",
	InvalidValue:    "InvalidValue",
	Unrepresentable: "Unrepresentable",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a row-scoped coercion failure. It never aborts a run.
type Error struct {
	Kind   Kind
	Column string
	Source string // source type label, e.g. "DECIMAL(12,4)"
	Target string // target DDL type, e.g. "DECIMAL(10,2)"
	Detail string
}

func (e *Error) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("column %s: %s: %s", e.Column, e.Kind, e.Detail)
}

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, &coerce.Error{Kind: coerce.NullViolation}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
