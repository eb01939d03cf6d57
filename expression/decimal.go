package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// DefaultScale is the number of decimal places used when a rule leaves its
// scale unset.
const DefaultScale = 4

// decimalContext is shared read-only; apd contexts are safe for concurrent use
// as long as they are not mutated.
var decimalContext = func() *apd.Context {
	c := apd.BaseContext.WithPrecision(34)
	c.Rounding = apd.RoundHalfUp
	return c
}()

// ToDecimal converts a script or record value to an exact decimal. Doubles
// are converted through their shortest round-tripping representation.
func ToDecimal(v any) (*apd.Decimal, error) {
	switch t := v.(type) {
	case *apd.Decimal:
		if t == nil {
			return nil, fmt.Errorf("nil decimal")
		}
		return new(apd.Decimal).Set(t), nil
	case apd.Decimal:
		return new(apd.Decimal).Set(&t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%v is not a finite number", t)
		}
		return new(apd.Decimal).SetFloat64(t)
	case float32:
		return ToDecimal(float64(t))
	case int:
		return apd.New(int64(t), 0), nil
	case int32:
		return apd.New(int64(t), 0), nil
	case int64:
		return apd.New(t, 0), nil
	case uint64:
		d, _, err := apd.NewFromString(strconv.FormatUint(t, 10))
		return d, err
	case json.Number:
		d, _, err := apd.NewFromString(t.String())
		return d, err
	case string:
		d, _, err := apd.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return nil, fmt.Errorf("%q is not a decimal: %w", t, err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to decimal", v)
	}
}

// RoundHalfUp quantizes d to scale decimal places.
func RoundHalfUp(d *apd.Decimal, scale int) (*apd.Decimal, error) {
	if scale < 0 {
		scale = DefaultScale
	}
	out := new(apd.Decimal)
	if _, err := decimalContext.Quantize(out, d, -int32(scale)); err != nil {
		return nil, err
	}
	return out, nil
}

// decimalFunctions exposes exact decimal arithmetic to scripts. Results are
// handed back as doubles so they compose with ordinary operators.
func decimalFunctions() []cel.EnvOption {
	binary := func(name string, op func(d, x, y *apd.Decimal) (apd.Condition, error)) cel.EnvOption {
		return cel.Function(name,
			cel.Overload(name+"_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
					x, err := ToDecimal(lhs.Value())
					if err != nil {
						return types.NewErr("%s: %v", name, err)
					}
					y, err := ToDecimal(rhs.Value())
					if err != nil {
						return types.NewErr("%s: %v", name, err)
					}
					res := new(apd.Decimal)
					if _, err := op(res, x, y); err != nil {
						return types.NewErr("%s: %v", name, err)
					}
					return decimalToVal(res)
				})))
	}

	return []cel.EnvOption{
		binary("decAdd", decimalContext.Add),
		binary("decSub", decimalContext.Sub),
		binary("decMul", decimalContext.Mul),
		cel.Function("decDiv",
			cel.Overload("decDiv_dyn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType, cel.DynType}, cel.DoubleType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					x, err := ToDecimal(args[0].Value())
					if err != nil {
						return types.NewErr("decDiv: %v", err)
					}
					y, err := ToDecimal(args[1].Value())
					if err != nil {
						return types.NewErr("decDiv: %v", err)
					}
					scale, err := scaleArg(args[2])
					if err != nil {
						return types.NewErr("decDiv: %v", err)
					}
					q := new(apd.Decimal)
					if _, err := decimalContext.Quo(q, x, y); err != nil {
						return types.NewErr("decDiv: %v", err)
					}
					r, err := RoundHalfUp(q, scale)
					if err != nil {
						return types.NewErr("decDiv: %v", err)
					}
					return decimalToVal(r)
				}))),
		cel.Function("roundHalfUp",
			cel.Overload("roundHalfUp_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.DoubleType,
				cel.BinaryBinding(func(value, scaleVal ref.Val) ref.Val {
					x, err := ToDecimal(value.Value())
					if err != nil {
						return types.NewErr("roundHalfUp: %v", err)
					}
					scale, err := scaleArg(scaleVal)
					if err != nil {
						return types.NewErr("roundHalfUp: %v", err)
					}
					r, err := RoundHalfUp(x, scale)
					if err != nil {
						return types.NewErr("roundHalfUp: %v", err)
					}
					return decimalToVal(r)
				}))),
		cel.Function("fail",
			cel.Overload("fail_string", []*cel.Type{cel.StringType}, cel.DynType,
				cel.UnaryBinding(func(msg ref.Val) ref.Val {
					return types.NewErr("%v", msg.Value())
				}))),
	}
}

func scaleArg(v ref.Val) (int, error) {
	switch s := v.Value().(type) {
	case int64:
		return int(s), nil
	case float64:
		if s != math.Trunc(s) {
			return 0, fmt.Errorf("scale %v is not a whole number", s)
		}
		return int(s), nil
	default:
		return 0, fmt.Errorf("scale must be numeric, got %T", s)
	}
}

func decimalToVal(d *apd.Decimal) ref.Val {
	f, err := d.Float64()
	if err != nil {
		return types.NewErr("decimal %s out of range", d.String())
	}
	return types.Double(f)
}
