package schemas

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emergent-company/graphcore/domain/graph"
)

// Property types understood by the registry.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeArray   = "array"
	TypeObject  = "object"
)

var dateFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
	"02-01-2006",
}

func coerceToNumber(v graph.Value) (graph.Value, error) {
	switch v.Kind() {
	case graph.KindNumber:
		return v, nil
	case graph.KindString:
		s, _ := v.AsString()
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			return graph.Null(), fmt.Errorf("empty string cannot be converted to number")
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return graph.Null(), fmt.Errorf("invalid number format: %s", s)
		}
		return graph.Number(parsed), nil
	case graph.KindBool:
		if b, _ := v.AsBool(); b {
			return graph.Number(1), nil
		}
		return graph.Number(0), nil
	default:
		return graph.Null(), fmt.Errorf("cannot convert %s to number", v.Kind())
	}
}

func coerceToBoolean(v graph.Value) (graph.Value, error) {
	switch v.Kind() {
	case graph.KindBool:
		return v, nil
	case graph.KindString:
		s, _ := v.AsString()
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "t", "yes", "y", "1":
			return graph.Bool(true), nil
		case "false", "f", "no", "n", "0", "":
			return graph.Bool(false), nil
		default:
			return graph.Null(), fmt.Errorf("invalid boolean format: %s", s)
		}
	case graph.KindNumber:
		n, _ := v.AsNumber()
		return graph.Bool(n != 0), nil
	default:
		return graph.Null(), fmt.Errorf("cannot convert %s to boolean", v.Kind())
	}
}

// coerceToDate normalizes common date spellings to RFC 3339.
func coerceToDate(v graph.Value) (graph.Value, error) {
	s, ok := v.AsString()
	if !ok {
		return graph.Null(), fmt.Errorf("cannot convert %s to date", v.Kind())
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return graph.Null(), fmt.Errorf("empty string cannot be converted to date")
	}
	for _, format := range dateFormats {
		if t, err := time.Parse(format, trimmed); err == nil {
			return graph.String(t.Format(time.RFC3339)), nil
		}
	}
	return graph.Null(), fmt.Errorf("invalid date format: %s (expected ISO 8601 or common formats)", s)
}

func coerceValue(v graph.Value, targetType string) (graph.Value, error) {
	switch targetType {
	case TypeNumber:
		return coerceToNumber(v)
	case TypeBoolean:
		return coerceToBoolean(v)
	case TypeDate:
		return coerceToDate(v)
	case TypeString:
		switch v.Kind() {
		case graph.KindString:
			return v, nil
		case graph.KindNumber:
			n, _ := v.AsNumber()
			return graph.String(strconv.FormatFloat(n, 'f', -1, 64)), nil
		case graph.KindBool:
			b, _ := v.AsBool()
			return graph.String(strconv.FormatBool(b)), nil
		}
		return graph.Null(), fmt.Errorf("expected string, got %s", v.Kind())
	case TypeArray:
		if v.Kind() != graph.KindList {
			return graph.Null(), fmt.Errorf("expected array, got %s", v.Kind())
		}
		return v, nil
	case TypeObject:
		if v.Kind() != graph.KindMap {
			return graph.Null(), fmt.Errorf("expected object, got %s", v.Kind())
		}
		return v, nil
	default:
		return v, nil
	}
}

// ValidationError describes one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating one property map.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Coerced graph.Properties  `json:"coerced,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// ValidateProperties coerces declared properties to their types and checks
// required fields. Undeclared properties pass through unchanged.
func ValidateProperties(props graph.Properties, defs map[string]PropertyDef, required []string) *ValidationResult {
	if len(defs) == 0 && len(required) == 0 {
		return &ValidationResult{Valid: true, Coerced: props}
	}

	validated := make(graph.Properties, len(props))
	var errs []ValidationError

	for key, value := range props {
		def, hasDef := defs[key]
		if !hasDef || value.IsNull() {
			validated[key] = value
			continue
		}
		coerced, err := coerceValue(value, def.Type)
		if err != nil {
			errs = append(errs, ValidationError{Field: key, Message: fmt.Sprintf("coercion failed: %v", err)})
			continue
		}
		validated[key] = coerced
	}

	for _, field := range required {
		if v, ok := validated[field]; !ok || v.IsNull() {
			errs = append(errs, ValidationError{Field: field, Message: "missing required field"})
		}
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return &ValidationResult{Valid: len(errs) == 0, Coerced: validated, Errors: errs}
}
