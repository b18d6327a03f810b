package tool

import (
	"fmt"
	"math"

	"github.com/petal-labs/bridgeflow/core"
)

// Parameter type literals used by function schemas.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
)

// ValidateParameters checks a parameter map against a function's declared
// schema. Every required name must be present and non-nil (empty strings do
// not count as present); every supplied name with a declared property is
// type-checked. The check is pure and has no side effects.
func ValidateParameters(params map[string]any, fn core.Function) core.ValidationResult {
	errs := make(map[string]string)

	for _, name := range fn.Parameters.Required {
		value, ok := params[name]
		if !ok || value == nil {
			errs[name] = "required"
			continue
		}
		if s, isString := value.(string); isString && s == "" {
			errs[name] = "required"
		}
	}

	// Explicit nulls are not skipped: a null never satisfies a declared type.
	for name, value := range params {
		spec, declared := fn.Parameters.Properties[name]
		if !declared {
			continue
		}
		if _, already := errs[name]; already {
			continue
		}
		if msg := checkType(value, spec.Type); msg != "" {
			errs[name] = msg
		}
	}

	if len(errs) == 0 {
		return core.ValidationResult{Valid: true, Errors: map[string]string{}}
	}
	return core.ValidationResult{Valid: false, Errors: errs}
}

// checkType returns an empty string when value conforms to the declared type,
// or a descriptive message otherwise. Undeclared types pass unchecked.
func checkType(value any, declaredType string) string {
	switch declaredType {
	case TypeNumber:
		if _, ok := numericValue(value); !ok {
			return fmt.Sprintf("expected a number, got %T", value)
		}
	case TypeInteger:
		n, ok := numericValue(value)
		if !ok {
			return fmt.Sprintf("expected an integer, got %T", value)
		}
		if n != math.Trunc(n) {
			return fmt.Sprintf("expected an integer, got fractional value %v", value)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected a boolean, got %T", value)
		}
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected a string, got %T", value)
		}
	case TypeArray:
		switch value.(type) {
		case []any, []string, []int, []float64, []bool, []map[string]any:
		default:
			return fmt.Sprintf("expected an array, got %T", value)
		}
	case TypeObject:
		m, ok := value.(map[string]any)
		if !ok || m == nil {
			return fmt.Sprintf("expected an object, got %T", value)
		}
	}
	return ""
}

// numericValue normalizes the numeric types JSON decoding and callers produce.
func numericValue(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
