package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"bizflow/internal/models"
)

func TestRewriteAllCanonicalizesStoredRows(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	legacy := f.createAutomation(t, &AutomationRequest{
		Name:   "legacy ids",
		Status: models.AutomationStatusActive,
		Triggers: []models.Trigger{
			{Type: "cards:deal", Conditions: []models.TriggerCondition{{Field: "amount", Op: "gt", Value: 10}}},
			{Type: "tasks:task"},
		},
		Actions: []models.Action{
			{Type: "cards:deal", Config: models.ActionConfig{
				TargetType: "contacts:customer",
				Fields:     map[string]interface{}{"state": "won"},
			}},
		},
	})
	f.createAutomation(t, &AutomationRequest{
		Name:     "already canonical",
		Status:   models.AutomationStatusActive,
		Triggers: []models.Trigger{{Type: "sales:deal"}},
		Actions:  []models.Action{},
	})

	execution, err := f.ledger.Create(ctx, legacy, "cards:deal", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("create execution: %v", err)
	}

	rewriter := NewTypeRewriteService(f.db, f.registry, quietLogger())
	stats, err := rewriter.RewriteAll(ctx)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if stats.AutomationsScanned != 2 || stats.AutomationsRewritten != 1 {
		t.Fatalf("automation stats: %+v", stats)
	}
	if stats.ExecutionsScanned != 1 || stats.ExecutionsRewritten != 1 {
		t.Fatalf("execution stats: %+v", stats)
	}

	reloaded, err := f.store.Get(ctx, legacy.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	triggers, _ := reloaded.DecodeTriggers()
	if triggers[0].Type != "sales:deal" {
		t.Fatalf("trigger not rewritten: %s", triggers[0].Type)
	}
	if triggers[1].Type != "tasks:task" {
		t.Fatalf("canonical trigger touched: %s", triggers[1].Type)
	}
	if len(triggers[0].Conditions) != 1 || triggers[0].Conditions[0].Field != "amount" {
		t.Fatalf("conditions must survive rewrite: %+v", triggers[0].Conditions)
	}
	actions, _ := reloaded.DecodeActions()
	if actions[0].Type != "sales:deal" || actions[0].Config.TargetType != "core:customer" {
		t.Fatalf("action not rewritten: %+v", actions[0])
	}
	if actions[0].Config.Fields["state"] != "won" {
		t.Fatalf("action fields must survive rewrite: %+v", actions[0].Config.Fields)
	}
	if !strings.Contains(reloaded.TriggerTypes, "sales:deal") || strings.Contains(reloaded.TriggerTypes, "cards:deal") {
		t.Fatalf("trigger_types column stale: %s", reloaded.TriggerTypes)
	}

	ledgerRow, err := f.ledger.Get(ctx, execution.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if ledgerRow.TriggerType != "sales:deal" {
		t.Fatalf("execution trigger_type not rewritten: %s", ledgerRow.TriggerType)
	}
	entries, _ := ledgerRow.DecodeActions()
	if entries[0].ActionType != "sales:deal" {
		t.Fatalf("execution entry not rewritten: %s", entries[0].ActionType)
	}
}

func TestRewriteAllIsIdempotent(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	f.createAutomation(t, &AutomationRequest{
		Name:     "legacy",
		Status:   models.AutomationStatusActive,
		Triggers: []models.Trigger{{Type: "cards:deal"}},
		Actions:  []models.Action{{Type: "contacts:customer", Config: models.ActionConfig{Fields: map[string]interface{}{"a": 1}}}},
	})

	rewriter := NewTypeRewriteService(f.db, f.registry, quietLogger())
	first, err := rewriter.RewriteAll(ctx)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if first.AutomationsRewritten != 1 {
		t.Fatalf("first pass stats: %+v", first)
	}

	second, err := rewriter.RewriteAll(ctx)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if second.AutomationsRewritten != 0 || second.ExecutionsRewritten != 0 {
		t.Fatalf("second pass must be a no-op: %+v", second)
	}
}

func TestRewriteKeepsUnknownIdsUntouched(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	f.createAutomation(t, &AutomationRequest{
		Name:     "unknown namespace",
		Status:   models.AutomationStatusDraft,
		Triggers: []models.Trigger{{Type: "plugin:thing"}},
		Actions:  []models.Action{},
	})

	rewriter := NewTypeRewriteService(f.db, f.registry, quietLogger())
	stats, err := rewriter.RewriteAll(ctx)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if stats.AutomationsRewritten != 0 {
		t.Fatalf("unknown id rewritten: %+v", stats)
	}
}
