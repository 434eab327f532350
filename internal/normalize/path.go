package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// Lookup resolves a dotted path ("ecommerce.transaction_id") inside a
// nested event. Missing keys and non-object intermediates yield ok=false.
func Lookup(obj map[string]any, path string) (any, bool) {
	if obj == nil || path == "" {
		return nil, false
	}
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// asString renders scalars the way they would appear in a URL or a log.
// Numbers decoded from JSON come in as float64 and are printed without an
// exponent or trailing zeros.
func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		return s, s != ""
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return asString(float64(x))
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case json.Number:
		return x.String(), x != ""
	case fmt.Stringer:
		s := x.String()
		return s, s != ""
	default:
		return "", false
	}
}

// asDecimal parses a numeric field. Strings are accepted when they hold a
// number ("10.50"); anything else is an error.
func asDecimal(v any) (*apd.Decimal, error) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("not a finite number: %v", x)
		}
		return new(apd.Decimal).SetFloat64(x)
	case float32:
		return asDecimal(float64(x))
	case int:
		return apd.New(int64(x), 0), nil
	case int64:
		return apd.New(x, 0), nil
	case json.Number:
		return asDecimal(x.String())
	case string:
		d, _, err := apd.NewFromString(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", x)
		}
		if d.Form != apd.Finite {
			return nil, fmt.Errorf("not a finite number: %q", x)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// asQuantity parses an item quantity. Fractional quantities are rejected.
func asQuantity(v any) (int64, error) {
	d, err := asDecimal(v)
	if err != nil {
		return 0, err
	}
	n, err := d.Int64()
	if err != nil {
		return 0, fmt.Errorf("quantity %s: %w", d.Text('f'), err)
	}
	return n, nil
}
