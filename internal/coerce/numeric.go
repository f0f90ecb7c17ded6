package coerce

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/johndauphine/oracle-mssql-migrate/internal/driver"
)

const maxDecimalPrecision = 38

var integerBounds = map[driver.TargetType][2]decimal.Decimal{
	driver.TargetTinyInt:  {decimal.NewFromInt(0), decimal.NewFromInt(math.MaxUint8)},
	driver.TargetSmallInt: {decimal.NewFromInt(math.MinInt16), decimal.NewFromInt(math.MaxInt16)},
	driver.TargetInt:      {decimal.NewFromInt(math.MinInt32), decimal.NewFromInt(math.MaxInt32)},
	driver.TargetBigInt:   {decimal.NewFromInt(math.MinInt64), decimal.NewFromInt(math.MaxInt64)},
}

// toDecimal reads any numeric-looking source value exactly.
func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case int64:
		return decimal.NewFromInt(x), nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int32:
		return decimal.NewFromInt(int64(x)), nil
	case int16:
		return decimal.NewFromInt(int64(x)), nil
	case int8:
		return decimal.NewFromInt(int64(x)), nil
	case uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0), nil
	case uint32:
		return decimal.NewFromInt(int64(x)), nil
	case uint16:
		return decimal.NewFromInt(int64(x)), nil
	case uint8:
		return decimal.NewFromInt(int64(x)), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, fmt.Errorf("%v has no decimal representation", x)
		}
		return decimal.NewFromFloat(x), nil
	case float32:
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return decimal.Zero, fmt.Errorf("%v has no decimal representation", x)
		}
		return decimal.NewFromFloat32(x), nil
	case bool:
		if x {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	case string:
		return parseDecimal(x)
	case []byte:
		return parseDecimal(string(x))
	case fmt.Stringer:
		return parseDecimal(x.String())
	}
	return decimal.Zero, fmt.Errorf("unsupported value type %T", v)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a number", s)
	}
	return d, nil
}

// fractionalDigits counts significant digits after the decimal point,
// ignoring trailing zeros.
func fractionalDigits(d decimal.Decimal) int {
	exp := d.Exponent()
	if exp >= 0 {
		return 0
	}
	coef := d.Coefficient()
	ten := big.NewInt(10)
	for exp < 0 {
		q, r := new(big.Int).QuoRem(coef, ten, new(big.Int))
		if r.Sign() != 0 {
			break
		}
		coef = q
		exp++
	}
	return int(-exp)
}

// integerDigits counts digits before the decimal point (0 for |d| < 1).
func integerDigits(d decimal.Decimal) int {
	whole := d.Abs().Truncate(0)
	if whole.IsZero() {
		return 0
	}
	return len(whole.String())
}

// fitScale rounds d to scale places if at most tolerance significant
// digits are lost.
func fitScale(d decimal.Decimal, scale, tolerance int) (decimal.Decimal, error) {
	frac := fractionalDigits(d)
	if frac <= scale {
		return d, nil
	}
	if frac-scale > tolerance {
		return d, errorf(PrecisionLoss, "%s has %d fractional digits, column allows %d", d.String(), frac, scale)
	}
	return d.Round(int32(scale)), nil
}

func toDecimalColumn(v any, _ driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, errorf(InvalidValue, "%v", err)
	}
	precision, scale := dst.Precision, dst.Scale
	if precision <= 0 {
		precision = maxDecimalPrecision
	}
	rounded, err := fitScale(d, scale, opts.PrecisionLossTolerance)
	if err != nil {
		return nil, err
	}
	if n := integerDigits(rounded); n > precision-scale {
		return nil, errorf(PrecisionLoss, "%s needs %d integer digits, DECIMAL(%d,%d) allows %d",
			d.String(), n, precision, scale, precision-scale)
	}
	return rounded.StringFixed(int32(scale)), nil
}

func toIntegerColumn(v any, _ driver.ColumnDescriptor, dst driver.TargetColumn, opts Options) (any, error) {
	d, err := toDecimal(v)
	if err != nil {
		return nil, errorf(InvalidValue, "%v", err)
	}
	rounded, err := fitScale(d, 0, opts.PrecisionLossTolerance)
	if err != nil {
		return nil, err
	}
	bounds := integerBounds[dst.Type]
	if rounded.LessThan(bounds[0]) || rounded.GreaterThan(bounds[1]) {
		return nil, errorf(PrecisionLoss, "%s is outside the %s range", d.String(), dst.Type)
	}
	return rounded.IntPart(), nil
}

func toFloatColumn(v any, _ driver.ColumnDescriptor, _ driver.TargetColumn, _ Options) (any, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, errorf(InvalidValue, "%q is not a number", x)
		}
		f = parsed
	default:
		d, err := toDecimal(v)
		if err != nil {
			return nil, errorf(InvalidValue, "%v", err)
		}
		f = d.InexactFloat64()
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errorf(InvalidValue, "%v cannot be stored in FLOAT", f)
	}
	return f, nil
}

func toBitColumn(v any, _ driver.ColumnDescriptor, _ driver.TargetColumn, _ Options) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(x)) {
		case "1", "Y", "YES", "T", "TRUE":
			return true, nil
		case "0", "N", "NO", "F", "FALSE":
			return false, nil
		}
		return nil, errorf(InvalidValue, "%q is not a boolean", x)
	}
	d, err := toDecimal(v)
	if err != nil {
		return nil, errorf(InvalidValue, "%v", err)
	}
	switch {
	case d.Equal(decimal.NewFromInt(1)):
		return true, nil
	case d.IsZero():
		return false, nil
	}
	return nil, errorf(InvalidValue, "%s is not 0 or 1", d.String())
}
