package patterns

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Clause operators. The set is closed so matching stays exhaustive.
const (
	OpEqual = "eq"    // field equals value
	OpIn    = "in"    // field is one of values
	OpRange = "range" // numeric field within [min, max]
)

// Clause is one predicate over a task-context field.
//
//nolint:govet // field order mirrors the serialized shape
type Clause struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Value  any      `json:"value,omitempty"`  // eq
	Values []any    `json:"values,omitempty"` // in
	Min    *float64 `json:"min,omitempty"`    // range
	Max    *float64 `json:"max,omitempty"`    // range
}

// Condition is a conjunction of clauses. An empty condition matches any
// context.
type Condition []Clause

// ParseCondition decodes the JSON form stored on a pattern record.
func ParseCondition(raw string) (Condition, error) {
	if raw == "" || raw == "[]" {
		return Condition{}, nil
	}

	var cond Condition
	if err := json.Unmarshal([]byte(raw), &cond); err != nil {
		return nil, fmt.Errorf("failed to parse condition: %w", err)
	}

	for _, clause := range cond {
		if err := clause.validate(); err != nil {
			return nil, err
		}
	}

	return cond, nil
}

// Encode returns the JSON form for storage.
func (c Condition) Encode() (string, error) {
	if len(c) == 0 {
		return "[]", nil
	}

	for _, clause := range c {
		if err := clause.validate(); err != nil {
			return "", err
		}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode condition: %w", err)
	}
	return string(data), nil
}

// Matches reports whether every clause holds against the task context.
// A clause over a field the context does not carry fails the match.
func (c Condition) Matches(taskCtx map[string]any) bool {
	for _, clause := range c {
		if !clause.matches(taskCtx) {
			return false
		}
	}
	return true
}

func (cl Clause) validate() error {
	if cl.Field == "" {
		return fmt.Errorf("condition clause missing field")
	}
	switch cl.Op {
	case OpEqual:
		if cl.Value == nil {
			return fmt.Errorf("eq clause on %s missing value", cl.Field)
		}
	case OpIn:
		if len(cl.Values) == 0 {
			return fmt.Errorf("in clause on %s missing values", cl.Field)
		}
	case OpRange:
		if cl.Min == nil && cl.Max == nil {
			return fmt.Errorf("range clause on %s missing both bounds", cl.Field)
		}
	default:
		return fmt.Errorf("unknown condition operator %q", cl.Op)
	}
	return nil
}

func (cl Clause) matches(taskCtx map[string]any) bool {
	value, ok := taskCtx[cl.Field]
	if !ok {
		return false
	}

	switch cl.Op {
	case OpEqual:
		return valuesEqual(value, cl.Value)
	case OpIn:
		for _, candidate := range cl.Values {
			if valuesEqual(value, candidate) {
				return true
			}
		}
		return false
	case OpRange:
		n, ok := toNumber(value)
		if !ok {
			return false
		}
		if cl.Min != nil && n < *cl.Min {
			return false
		}
		if cl.Max != nil && n > *cl.Max {
			return false
		}
		return true
	default:
		return false
	}
}

// valuesEqual compares numerically when both sides are numbers, so a JSON
// float64 still matches an int the caller put in the context.
func valuesEqual(a, b any) bool {
	na, aok := toNumber(a)
	nb, bok := toNumber(b)
	if aok && bok {
		return na == nb
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
