package driver

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// SourceType is the closed set of logical source column types. It is
// resolved once when a query is opened; rows are never re-inspected.
type SourceType int

const (
	SourceUnknown SourceType = iota
	SourceInteger
	SourceDecimal
	SourceFloat
	SourceVarchar
	SourceClob
	SourceDate
	SourceTimestamp
	SourceTimestampTZ
	SourceBinary
	SourceBoolean
)

var sourceTypeNames = map[SourceType]string{
	SourceUnknown:     "UNKNOWN",
	SourceInteger:     "INTEGER",
	SourceDecimal:     "DECIMAL",
	SourceFloat:       "FLOAT",
	SourceVarchar:     "VARCHAR",
	SourceClob:        "CLOB",
	SourceDate:        "DATE",
	SourceTimestamp:   "TIMESTAMP",
	SourceTimestampTZ: "TIMESTAMP_TZ",
	SourceBinary:      "BINARY",
	SourceBoolean:     "BOOLEAN",
}

func (t SourceType) String() string {
	if s, ok := sourceTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("SourceType(%d)", int(t))
}

// ColumnDescriptor describes one column of a source result set.
type ColumnDescriptor struct {
	Name string     `json:"name"`
	Type SourceType `json:"type"`
	// DatabaseTypeName is the driver-reported type name (e.g. "NUMBER").
	DatabaseTypeName string `json:"database_type"`
	Precision        int    `json:"precision,omitempty"`
	Scale            int    `json:"scale,omitempty"`
	Length           int    `json:"length,omitempty"` // 0 when unknown
	Nullable         bool   `json:"nullable"`
}

// TypeLabel renders the descriptor as a type name, e.g. "DECIMAL(10,2)".
func (c ColumnDescriptor) TypeLabel() string {
	switch c.Type {
	case SourceDecimal:
		if c.Precision > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", c.Precision, c.Scale)
		}
	case SourceVarchar:
		if c.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.Length)
		}
	case SourceUnknown:
		if c.DatabaseTypeName != "" {
			return c.DatabaseTypeName
		}
	}
	return c.Type.String()
}

// TargetType is the closed set of SQL Server column types the writer targets.
type TargetType int

const (
	TargetUnknown TargetType = iota
	TargetTinyInt
	TargetSmallInt
	TargetInt
	TargetBigInt
	TargetBit
	TargetDecimal
	TargetFloat
	TargetNVarchar
	TargetNChar
	TargetVarchar
	TargetChar
	TargetDate
	TargetDateTime
	TargetDateTime2
	TargetDateTimeOffset
	TargetVarBinary
)

var targetTypeNames = map[TargetType]string{
	TargetUnknown:        "UNKNOWN",
	TargetTinyInt:        "TINYINT",
	TargetSmallInt:       "SMALLINT",
	TargetInt:            "INT",
	TargetBigInt:         "BIGINT",
	TargetBit:            "BIT",
	TargetDecimal:        "DECIMAL",
	TargetFloat:          "FLOAT",
	TargetNVarchar:       "NVARCHAR",
	TargetNChar:          "NCHAR",
	TargetVarchar:        "VARCHAR",
	TargetChar:           "CHAR",
	TargetDate:           "DATE",
	TargetDateTime:       "DATETIME",
	TargetDateTime2:      "DATETIME2",
	TargetDateTimeOffset: "DATETIMEOFFSET",
	TargetVarBinary:      "VARBINARY",
}

func (t TargetType) String() string {
	if s, ok := targetTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TargetType(%d)", int(t))
}

// IsUnicode reports whether lengths for this type are counted in UTF-16 units.
func (t TargetType) IsUnicode() bool {
	return t == TargetNVarchar || t == TargetNChar
}

// MaxLength is the sentinel used for (MAX) columns.
const MaxLength = -1

// TargetColumn describes one column of the target table.
type TargetColumn struct {
	Name string     `json:"name"`
	Type TargetType `json:"type"`
	// MaxLength is in characters for string types and bytes for VARBINARY.
	// MaxLength (-1) means (MAX); 0 means unbounded for types without a length.
	MaxLength int  `json:"max_length,omitempty"`
	Precision int  `json:"precision,omitempty"`
	Scale     int  `json:"scale,omitempty"`
	Nullable  bool `json:"nullable"`
}

// RawRow holds source-native values aligned with the ColumnDescriptor order.
type RawRow []any

// CoercedRow holds target-representable values aligned with the target
// column order.
type CoercedRow struct {
	// Ordinal is the 1-based position of the row in the source result.
	Ordinal int64
	Values  []any
	// Source is the raw row, kept for failure snapshots.
	Source RawRow
}

// Batch is an ordered group of rows submitted to the target in one write.
type Batch struct {
	Seq   int64
	Rows  []CoercedRow
	Bytes int
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// FirstOrdinal returns the source ordinal of the first row, or 0 if empty.
func (b *Batch) FirstOrdinal() int64 {
	if len(b.Rows) == 0 {
		return 0
	}
	return b.Rows[0].Ordinal
}

// LastOrdinal returns the source ordinal of the last row, or 0 if empty.
func (b *Batch) LastOrdinal() int64 {
	if len(b.Rows) == 0 {
		return 0
	}
	return b.Rows[len(b.Rows)-1].Ordinal
}

// OutcomeStatus is the terminal status of one batch write.
type OutcomeStatus int

const (
	StatusCommitted OutcomeStatus = iota
	StatusPartiallyRejected
	StatusFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusPartiallyRejected:
		return "partially_rejected"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// RowRejection identifies one row the target refused.
type RowRejection struct {
	Index int // position within the batch
	Err   error
}

// BatchOutcome reports what happened to a batch.
type BatchOutcome struct {
	Status    OutcomeStatus
	Committed int
	Rejected  []RowRejection
	Err       error // set when Status is StatusFailed
}

// Committed builds a fully committed outcome.
func Committed(n int) BatchOutcome {
	return BatchOutcome{Status: StatusCommitted, Committed: n}
}

// PartiallyRejected builds an outcome where some rows were refused.
func PartiallyRejected(committed int, rejected []RowRejection) BatchOutcome {
	return BatchOutcome{Status: StatusPartiallyRejected, Committed: committed, Rejected: rejected}
}

// Failed builds an outcome where nothing was committed.
func Failed(err error) BatchOutcome {
	return BatchOutcome{Status: StatusFailed, Err: err}
}

// EstimateSize returns an approximate in-memory size of a row's values, used
// for byte-based batch thresholds.
func EstimateSize(values []any) int {
	size := 0
	for _, v := range values {
		switch val := v.(type) {
		case nil:
			size++
		case string:
			size += len(val)
		case []byte:
			size += len(val)
		case int64, float64, time.Time:
			size += 8
		case bool:
			size++
		case fmt.Stringer:
			size += utf8.RuneCountInString(val.String())
		default:
			size += 16
		}
	}
	return size
}

// ValidateIdentifier checks that a schema, table or column name is safe to
// quote into SQL text. Valid identifiers start with a letter or underscore,
// contain letters, digits, '_', '$', '#' or spaces, and are at most 128
// characters long.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 128 {
		return fmt.Errorf("identifier too long: %d characters (max 128)", len(name))
	}
	for i, r := range name {
		if i == 0 && !isValidIdentifierStart(r) {
			return fmt.Errorf("identifier must start with letter or underscore: %q", name)
		}
		if !isValidIdentifierChar(r) {
			return fmt.Errorf("identifier contains invalid character %q at position %d: %q", r, i, name)
		}
	}
	return nil
}

func isValidIdentifierStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isValidIdentifierChar(r rune) bool {
	return isValidIdentifierStart(r) ||
		(r >= '0' && r <= '9') ||
		r == ' ' || r == '$' || r == '#'
}
