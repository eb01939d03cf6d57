package expression

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// normalizeNumericLiterals rewrites integer literals used as arithmetic
// operands into double literals so that `limit * 2` works against record
// numbers, which are always doubles. A literal that stands alone between
// call, index or map-key delimiters keeps its integer type.
func normalizeNumericLiterals(src string) string {
	var out strings.Builder
	out.Grow(len(src) + 8)

	n := len(src)
	for i := 0; i < n; {
		c := src[i]

		switch {
		case c == '"' || c == '\'':
			j := skipString(src, i)
			out.WriteString(src[i:j])
			i = j

		case isIdentStart(c):
			j := i + 1
			for j < n && isIdentPart(src[j]) {
				j++
			}
			// r"..." and b'...' prefixes
			if j == i+1 && j < n && (src[j] == '"' || src[j] == '\'') && strings.ContainsRune("rRbB", rune(c)) {
				k := skipString(src, j)
				out.WriteString(src[i:k])
				i = k
				continue
			}
			out.WriteString(src[i:j])
			i = j

		case isDigit(c):
			j := i
			if c == '0' && j+1 < n && (src[j+1] == 'x' || src[j+1] == 'X') {
				j += 2
				for j < n && isHexDigit(src[j]) {
					j++
				}
				if j < n && (src[j] == 'u' || src[j] == 'U') {
					j++
				}
				out.WriteString(src[i:j])
				i = j
				continue
			}
			for j < n && isDigit(src[j]) {
				j++
			}
			isFloat := false
			if j+1 < n && src[j] == '.' && isDigit(src[j+1]) {
				isFloat = true
				j++
				for j < n && isDigit(src[j]) {
					j++
				}
			}
			if j < n && (src[j] == 'e' || src[j] == 'E') {
				isFloat = true
				j++
				if j < n && (src[j] == '+' || src[j] == '-') {
					j++
				}
				for j < n && isDigit(src[j]) {
					j++
				}
			}
			if !isFloat && j < n && (src[j] == 'u' || src[j] == 'U') {
				j++
				out.WriteString(src[i:j])
				i = j
				continue
			}
			out.WriteString(src[i:j])
			if !isFloat && !standsAlone(src[:i], src[j:]) {
				out.WriteString(".0")
			}
			i = j

		default:
			out.WriteByte(c)
			i++
		}
	}
	return out.String()
}

// standsAlone reports whether a literal is delimited as a bare argument,
// index or map key.
func standsAlone(before, after string) bool {
	before = strings.TrimRight(before, " \t\r\n")
	after = strings.TrimLeft(after, " \t\r\n")
	if before == "" || after == "" {
		return false
	}
	return strings.ContainsRune("([,{", rune(before[len(before)-1])) &&
		strings.ContainsRune(",)]:", rune(after[0]))
}

func skipString(src string, i int) int {
	q := src[i]
	raw := i > 0 && (src[i-1] == 'r' || src[i-1] == 'R')
	if i+2 < len(src) && src[i+1] == q && src[i+2] == q {
		end := strings.Index(src[i+3:], strings.Repeat(string(q), 3))
		if end < 0 {
			return len(src)
		}
		return i + 3 + end + 3
	}
	for j := i + 1; j < len(src); j++ {
		switch src[j] {
		case '\\':
			if !raw {
				j++
			}
		case q:
			return j + 1
		}
	}
	return len(src)
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isHexDigit(c byte) bool   { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }

// normalizeRecord copies a record, presenting every number as a double.
func normalizeRecord(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case *apd.Decimal:
		if t == nil {
			return nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		return f
	case apd.Decimal:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		return f
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]any:
		return normalizeRecord(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// toNative converts a CEL result into plain Go values: nil, bool, int64,
// uint64, float64, string, []byte, time values, []any and map[string]any.
func toNative(v ref.Val) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case *types.Err:
		return nil, t
	case types.Null:
		return nil, nil
	case traits.Mapper:
		out := make(map[string]any)
		it := t.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			val, err := toNative(t.Get(k))
			if err != nil {
				return nil, err
			}
			key, ok := k.Value().(string)
			if !ok {
				key = fmt.Sprint(k.Value())
			}
			out[key] = val
		}
		return out, nil
	case traits.Lister:
		size, ok := t.Size().(types.Int)
		if !ok {
			return nil, fmt.Errorf("list has no size")
		}
		out := make([]any, 0, int(size))
		for i := types.Int(0); i < size; i++ {
			val, err := toNative(t.Get(i))
			if err != nil {
				return nil, err
			}
			out = append(out, val)
		}
		return out, nil
	default:
		return v.Value(), nil
	}
}
