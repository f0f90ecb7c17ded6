package coerce

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

const (
	wallClockLayout = "2006-01-02 15:04:05.999999999"
	zonedLayout     = "2006-01-02 15:04:05.999999999Z07:00"
)

// toText renders a source value as a string. Binary values become upper-case
// hex, matching how SQL Server displays VARBINARY.
func toText(v any, src driver.ColumnDescriptor) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		if src.Type == driver.SourceBinary {
			return strings.ToUpper(hex.EncodeToString(x)), nil
		}
		return string(x), nil
	case time.Time:
		if src.Type == driver.SourceTimestampTZ {
			return x.UTC().Format(zonedLayout), nil
		}
		return x.Format(wallClockLayout), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case decimal.Decimal:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}

func toTextColumn(v any, src driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (any, error) {
	s, err := toText(v, src)
	if err != nil {
		return nil, errorf(InvalidValue, "%v", err)
	}
	if dst.Type.IsUnicode() {
		return fitUnicode(s, dst.MaxLength, opts.TruncateOversizedStrings)
	}
	return fitCodePage(s, dst.MaxLength, opts.TruncateOversizedStrings)
}

// utf16Len counts UTF-16 code units, the unit SQL Server uses for NVARCHAR(n).
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16Width(r)
	}
	return n
}

func utf16Width(r rune) int {
	if r >= 0x10000 {
		return 2
	}
	return 1
}

// truncateUTF16 cuts s to at most max code units without splitting a
// surrogate pair.
func truncateUTF16(s string, max int) string {
	n := 0
	for i, r := range s {
		w := utf16Width(r)
		if n+w > max {
			return s[:i]
		}
		n += w
	}
	return s
}

func fitUnicode(s string, max int, truncate bool) (any, error) {
	if max <= 0 {
		return s, nil
	}
	n := utf16Len(s)
	if n <= max {
		return s, nil
	}
	if truncate {
		return truncateUTF16(s, max), nil
	}
	return nil, errorf(LengthOverflow, "value is %d characters, column allows %d", n, max)
}

// fitCodePage checks a value bound for a non-Unicode column against code
// page 1252, where every representable character is one byte.
func fitCodePage(s string, max int, truncate bool) (any, error) {
	encoded, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil {
		return nil, errorf(Unrepresentable, "value contains characters outside code page 1252")
	}
	if max <= 0 || len(encoded) <= max {
		return s, nil
	}
	if truncate {
		n := 0
		for i := range s {
			if n == max {
				return s[:i], nil
			}
			n++
		}
		return s, nil
	}
	return nil, errorf(LengthOverflow, "value is %d bytes, column allows %d", len(encoded), max)
}

func toBinaryColumn(v any, _ driver.ColumnDescriptor, dst driver.TargetColumn, _ Options) (any, error) {
	var b []byte
	switch x := v.(type) {
	case []byte:
		b = x
	case string:
		b = []byte(x)
	default:
		return nil, errorf(InvalidValue, "unsupported value type %T for VARBINARY", v)
	}
	if dst.MaxLength > 0 && len(b) > dst.MaxLength {
		return nil, errorf(LengthOverflow, "value is %d bytes, column allows %d", len(b), dst.MaxLength)
	}
	return b, nil
}
