package coerce

import (
	"strings"
	"time"

	"github.com/golang-sql/civil"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

// Fractional-second digits SQL Server keeps per type.
const (
	dateTimeScale  = 3
	dateTime2Scale = 7
)

var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999 -07:00",
	}
	wallLayouts = []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02",
	}
)

// toInstant returns the value as wall-clock fields in a UTC time.Time.
// Zoned values (TIMESTAMP WITH TIME ZONE, or strings carrying an offset) are
// converted to UTC; others keep their wall clock unchanged.
func toInstant(v any, src driver.ColumnDescriptor) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		if src.Type == driver.SourceTimestampTZ {
			return x.UTC(), nil
		}
		return wallClock(x), nil
	case civil.Date:
		return x.In(time.UTC), nil
	case civil.DateTime:
		return x.In(time.UTC), nil
	case string:
		return parseInstant(x)
	case []byte:
		return parseInstant(string(x))
	}
	return time.Time{}, errorf(InvalidValue, "unsupported value type %T for a date/time column", v)
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func parseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range wallLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errorf(InvalidValue, "%q is not a recognised date/time", s)
}

// nanosDigits counts significant fractional-second digits (0-9).
func nanosDigits(ns int) int {
	if ns == 0 {
		return 0
	}
	digits := 9
	for ns%10 == 0 {
		ns /= 10
		digits--
	}
	return digits
}

func fitFraction(t time.Time, scale, tolerance int) (time.Time, error) {
	digits := nanosDigits(t.Nanosecond())
	if digits <= scale {
		return t, nil
	}
	if digits-scale > tolerance {
		return t, errorf(PrecisionLoss, "%s has %d fractional-second digits, column keeps %d",
			t.Format(wallClockLayout), digits, scale)
	}
	unit := time.Nanosecond
	for i := 0; i < 9-scale; i++ {
		unit *= 10
	}
	return t.Round(unit), nil
}

func toTemporalColumn(v any, src driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (any, error) {
	t, err := toInstant(v, src)
	if err != nil {
		return nil, err
	}
	if t.Year() < 1 || t.Year() > 9999 {
		return nil, errorf(InvalidValue, "year %d is outside the SQL Server range", t.Year())
	}

	switch dst.Type {
	case driver.TargetDate:
		if t.Hour() != 0 || t.Minute() != 0 || t.Second() != 0 || t.Nanosecond() != 0 {
			return nil, errorf(PrecisionLoss, "%s has a time component, column is DATE", t.Format(wallClockLayout))
		}
		return civil.DateOf(t), nil
	case driver.TargetDateTime:
		if t.Year() < 1753 {
			return nil, errorf(InvalidValue, "year %d is outside the DATETIME range (1753-9999)", t.Year())
		}
		fitted, err := fitFraction(t, dateTimeScale, opts.PrecisionLossTolerance)
		if err != nil {
			return nil, err
		}
		return civil.DateTimeOf(fitted), nil
	case driver.TargetDateTime2:
		fitted, err := fitFraction(t, clampScale(dst.Scale), opts.PrecisionLossTolerance)
		if err != nil {
			return nil, err
		}
		return civil.DateTimeOf(fitted), nil
	default:
		// DATETIMEOFFSET: values without an offset are taken as UTC.
		fitted, err := fitFraction(t, clampScale(dst.Scale), opts.PrecisionLossTolerance)
		if err != nil {
			return nil, err
		}
		return fitted, nil
	}
}

func clampScale(s int) int {
	if s < 0 || s > dateTime2Scale {
		return dateTime2Scale
	}
	return s
}
