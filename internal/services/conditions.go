package services

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"bizflow/internal/models"
)

// matchConditions evaluates a trigger's predicate list against an event
// payload. Pure and side-effect free. Every entry must hold. An unsupported
// operator returns an EvaluationError so the caller can fail closed.
func matchConditions(conditions []models.TriggerCondition, payload map[string]interface{}) (bool, error) {
	for _, cond := range conditions {
		ok, err := matchCondition(cond, payload)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchCondition(cond models.TriggerCondition, payload map[string]interface{}) (bool, error) {
	value, present := lookupField(payload, cond.Field)

	switch cond.Op {
	case "eq":
		return present && stringify(value) == stringify(cond.Value), nil
	case "neq":
		return present && stringify(value) != stringify(cond.Value), nil
	case "contains":
		return present && strings.Contains(stringify(value), stringify(cond.Value)), nil
	case "in":
		if !present {
			return false, nil
		}
		options, ok := cond.Value.([]interface{})
		if !ok {
			return false, nil
		}
		actual := stringify(value)
		for _, option := range options {
			if stringify(option) == actual {
				return true, nil
			}
		}
		return false, nil
	case "gt", "gte", "lt", "lte":
		if !present {
			return false, nil
		}
		left, okL := toFloat(value)
		right, okR := toFloat(cond.Value)
		if !okL || !okR {
			return false, nil
		}
		switch cond.Op {
		case "gt":
			return left > right, nil
		case "gte":
			return left >= right, nil
		case "lt":
			return left < right, nil
		default:
			return left <= right, nil
		}
	default:
		return false, &EvaluationError{Field: cond.Field, Op: cond.Op}
	}
}

// lookupField walks dotted paths ("customer.segment") through nested maps.
func lookupField(payload map[string]interface{}, field string) (interface{}, bool) {
	if payload == nil || field == "" {
		return nil, false
	}
	parts := strings.Split(field, ".")
	var current interface{} = payload
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

func toFloat(v interface{}) (float64, bool) {
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
