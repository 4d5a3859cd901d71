package services

import (
	"errors"
	"testing"

	"bizflow/internal/models"
)

func TestMatchConditions(t *testing.T) {
	payload := map[string]interface{}{
		"amount": float64(1500),
		"status": "open",
		"tags":   "vip,priority",
		"customer": map[string]interface{}{
			"segment": "enterprise",
		},
	}

	cases := []struct {
		name string
		cond models.TriggerCondition
		want bool
	}{
		{"eq match", models.TriggerCondition{Field: "status", Op: "eq", Value: "open"}, true},
		{"eq miss", models.TriggerCondition{Field: "status", Op: "eq", Value: "closed"}, false},
		{"neq", models.TriggerCondition{Field: "status", Op: "neq", Value: "closed"}, true},
		{"gt match", models.TriggerCondition{Field: "amount", Op: "gt", Value: 1000}, true},
		{"gt miss", models.TriggerCondition{Field: "amount", Op: "gt", Value: 2000}, false},
		{"gte boundary", models.TriggerCondition{Field: "amount", Op: "gte", Value: 1500}, true},
		{"lt", models.TriggerCondition{Field: "amount", Op: "lt", Value: 2000}, true},
		{"lte boundary", models.TriggerCondition{Field: "amount", Op: "lte", Value: 1499}, false},
		{"contains", models.TriggerCondition{Field: "tags", Op: "contains", Value: "vip"}, true},
		{"in", models.TriggerCondition{Field: "status", Op: "in", Value: []interface{}{"open", "pending"}}, true},
		{"in miss", models.TriggerCondition{Field: "status", Op: "in", Value: []interface{}{"closed"}}, false},
		{"dotted path", models.TriggerCondition{Field: "customer.segment", Op: "eq", Value: "enterprise"}, true},
		{"absent field", models.TriggerCondition{Field: "missing", Op: "eq", Value: "x"}, false},
		{"non-numeric gt", models.TriggerCondition{Field: "status", Op: "gt", Value: 1}, false},
	}

	for _, tc := range cases {
		got, err := matchConditions([]models.TriggerCondition{tc.cond}, payload)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s: want %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestMatchConditionsAllMustHold(t *testing.T) {
	payload := map[string]interface{}{"amount": float64(1500), "status": "open"}
	conds := []models.TriggerCondition{
		{Field: "amount", Op: "gt", Value: 1000},
		{Field: "status", Op: "eq", Value: "closed"},
	}
	got, err := matchConditions(conds, payload)
	if err != nil || got {
		t.Fatalf("want non-match without error, got %v, %v", got, err)
	}
}

func TestMatchConditionsUnsupportedOpFailsClosed(t *testing.T) {
	payload := map[string]interface{}{"amount": float64(1)}
	_, err := matchConditions([]models.TriggerCondition{
		{Field: "amount", Op: "regex", Value: ".*"},
	}, payload)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("want EvaluationError, got %v", err)
	}
	if evalErr.Op != "regex" {
		t.Fatalf("error does not name the op: %+v", evalErr)
	}
}
