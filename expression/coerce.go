package expression

import (
	"fmt"
	"strconv"
	"strings"
)

// ResultType is the declared type of a calculation result.
type ResultType string

const (
	ResultCurrency   ResultType = "CURRENCY"
	ResultNumber     ResultType = "NUMBER"
	ResultPercentage ResultType = "PERCENTAGE"
	ResultBoolean    ResultType = "BOOLEAN"
)

// ParseResultType accepts the declared names case-insensitively.
func ParseResultType(s string) (ResultType, error) {
	switch rt := ResultType(strings.ToUpper(strings.TrimSpace(s))); rt {
	case ResultCurrency, ResultNumber, ResultPercentage, ResultBoolean:
		return rt, nil
	}
	return "", Configurationf("parse_result_type", "unknown result type %q", s)
}

// IsNumeric reports whether results of this type are decimals.
func (rt ResultType) IsNumeric() bool {
	return rt == ResultCurrency || rt == ResultNumber || rt == ResultPercentage
}

// Coerce applies the canonical coercion policy: numeric result types become
// *apd.Decimal rounded half-up to scale, BOOLEAN falls back to string parsing
// when the value is not already a bool, everything else passes through.
// A nil value is returned unchanged.
func Coerce(value any, rt ResultType, scale int) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch {
	case rt.IsNumeric():
		d, err := ToDecimal(value)
		if err != nil {
			return nil, &Error{Kind: KindCoercion, Op: "coerce", Message: fmt.Sprintf("cannot coerce to %s", rt), Cause: err}
		}
		r, err := RoundHalfUp(d, scale)
		if err != nil {
			return nil, &Error{Kind: KindCoercion, Op: "coerce", Message: fmt.Sprintf("cannot round to scale %d", scale), Cause: err}
		}
		return r, nil

	case rt == ResultBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(fmt.Sprint(value)))
		if err != nil {
			return nil, &Error{Kind: KindCoercion, Op: "coerce", Message: fmt.Sprintf("%v is not a boolean", value)}
		}
		return b, nil

	default:
		return value, nil
	}
}
