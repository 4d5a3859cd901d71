package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bizflow/internal/models"

	"gorm.io/gorm"
)

type engineFixture struct {
	db        *gorm.DB
	registry  *TypeRegistry
	transport *fakeTransport
	router    *MessageRouter
	store     *AutomationService
	ledger    *ExecutionService
	executor  *ActionExecutor
	evaluator *TriggerEvaluator
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	db := newTestDB(t)
	logger := quietLogger()
	registry := newTestRegistry(t)
	transport := &fakeTransport{}

	router := NewMessageRouter(db, logger, time.Second)
	router.RegisterService("sales", transport)
	router.RegisterService("core", transport)
	router.RegisterService("tasks", transport)

	store := NewAutomationService(db, logger)
	ledger := NewExecutionService(db, logger)
	executor := NewActionExecutor(registry, router, ledger, store, logger, 100*time.Millisecond)
	evaluator := NewTriggerEvaluator(store, ledger, executor, registry, logger, 0)

	return &engineFixture{
		db:        db,
		registry:  registry,
		transport: transport,
		router:    router,
		store:     store,
		ledger:    ledger,
		executor:  executor,
		evaluator: evaluator,
	}
}

func (f *engineFixture) createAutomation(t *testing.T, req *AutomationRequest) *models.Automation {
	t.Helper()
	automation, err := f.store.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return automation
}

func flagBigDeals() *AutomationRequest {
	return &AutomationRequest{
		Name:   "flag big deals",
		Status: models.AutomationStatusActive,
		Triggers: []models.Trigger{
			{Type: "cards:deal", Conditions: []models.TriggerCondition{
				{Field: "amount", Op: "gt", Value: 1000},
			}},
		},
		Actions: []models.Action{
			{Type: "cards:deal", Config: models.ActionConfig{
				TargetType: "sales:deal",
				Fields:     map[string]interface{}{"status": "flagged"},
			}},
		},
	}
}

func TestEvaluatorFiresOnceAndRoutesThroughRename(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, flagBigDeals())

	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "cards:deal",
		Payload: json.RawMessage(`{"amount":1500}`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("want exactly one execution, got %d", len(fired))
	}
	f.evaluator.Wait()

	// cards:deal redirects to sales:deal, so the call lands on sales.
	if f.transport.callCount() != 1 {
		t.Fatalf("want one remote call, got %d", f.transport.callCount())
	}
	call := f.transport.lastCall()
	if call.Action != "deals.update" {
		t.Fatalf("unexpected remote action: %s", call.Action)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(call.Payload, &data); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if data["status"] != "flagged" {
		t.Fatalf("unexpected payload: %v", data)
	}

	execution, err := f.ledger.Get(context.Background(), fired[0].ID)
	if err != nil {
		t.Fatalf("load execution: %v", err)
	}
	if execution.Status != models.ExecutionStatusSuccess {
		t.Fatalf("want success, got %s", execution.Status)
	}
	entries, _ := execution.DecodeActions()
	if len(entries) != 1 || entries[0].Status != models.ActionStatusSuccess {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestEvaluatorNewTypeIdMatchesLegacyTrigger(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, flagBigDeals())

	// The automation still stores cards:deal; the event arrives renamed.
	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "sales:deal",
		Payload: json.RawMessage(`{"amount":1500}`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("renamed event must still fire, got %d executions", len(fired))
	}
	f.evaluator.Wait()
}

func TestEvaluatorRepeatEventFiresAgain(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, flagBigDeals())

	event := DomainEvent{Type: "cards:deal", Payload: json.RawMessage(`{"amount":1500}`)}
	first, err := f.evaluator.OnEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	second, err := f.evaluator.OnEvent(context.Background(), event)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	f.evaluator.Wait()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("each occurrence fires once: %d, %d", len(first), len(second))
	}
	if first[0].ID == second[0].ID {
		t.Fatal("distinct events must produce distinct executions")
	}

	var count int64
	f.db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 2 {
		t.Fatalf("want two ledger entries, got %d", count)
	}
}

func TestEvaluatorConditionMissDoesNotFire(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, flagBigDeals())

	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "cards:deal",
		Payload: json.RawMessage(`{"amount":500}`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("condition miss fired %d executions", len(fired))
	}
	if f.transport.callCount() != 0 {
		t.Fatal("no remote call expected")
	}
}

func TestEvaluatorFirstMatchWinsAcrossOverlappingTriggers(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, &AutomationRequest{
		Name:   "overlapping",
		Status: models.AutomationStatusActive,
		Triggers: []models.Trigger{
			{Type: "sales:deal"},
			{Type: "cards:deal"}, // same canonical type
		},
		Actions: []models.Action{},
	})

	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "sales:deal",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	f.evaluator.Wait()
	if len(fired) != 1 {
		t.Fatalf("overlapping triggers double-fired: %d", len(fired))
	}
}

func TestEvaluatorUnsupportedOpFailsClosed(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, &AutomationRequest{
		Name:   "bad operator",
		Status: models.AutomationStatusActive,
		Triggers: []models.Trigger{
			{Type: "sales:deal", Conditions: []models.TriggerCondition{
				{Field: "amount", Op: "regex", Value: ".*"},
			}},
		},
		Actions: []models.Action{},
	})

	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "sales:deal",
		Payload: json.RawMessage(`{"amount":10}`),
	})
	if err != nil {
		t.Fatalf("evaluator must not propagate condition failures: %v", err)
	}
	if len(fired) != 0 {
		t.Fatal("unsupported operator must not fire")
	}
}

func TestEvaluatorEmptyChainSucceedsImmediately(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, &AutomationRequest{
		Name:     "no actions",
		Status:   models.AutomationStatusActive,
		Triggers: []models.Trigger{{Type: "tasks:task"}},
		Actions:  []models.Action{},
	})

	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "tasks:task",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("want one execution, got %d", len(fired))
	}
	f.evaluator.Wait()

	execution, err := f.ledger.Get(context.Background(), fired[0].ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if execution.Status != models.ExecutionStatusSuccess {
		t.Fatalf("empty chain must finish success, got %s", execution.Status)
	}
	entries, _ := execution.DecodeActions()
	if len(entries) != 0 {
		t.Fatalf("want zero action entries, got %d", len(entries))
	}
}

func TestEvaluatorChainedRenameStillMatches(t *testing.T) {
	f := newEngine(t)
	if err := f.registry.Rename("loop:a", "loop:b"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := f.registry.Rename("loop:b", "loop:c"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	f.createAutomation(t, &AutomationRequest{
		Name:     "legacy trigger",
		Status:   models.AutomationStatusActive,
		Triggers: []models.Trigger{{Type: "loop:a"}},
		Actions:  []models.Action{},
	})

	// The trigger still names loop:a; the event arrives two renames later.
	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "loop:c",
		Payload: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	f.evaluator.Wait()
	if len(fired) != 1 {
		t.Fatalf("chained rename should still match, got %d executions", len(fired))
	}
}

func TestEvaluatorNonObjectPayloadStillFiresConditionFreeTrigger(t *testing.T) {
	f := newEngine(t)
	f.createAutomation(t, &AutomationRequest{
		Name:     "no conditions",
		Status:   models.AutomationStatusActive,
		Triggers: []models.Trigger{{Type: "sales:deal"}},
		Actions:  []models.Action{},
	})
	f.createAutomation(t, flagBigDeals())

	// 载荷对引擎透明:数组也是合法事件,只是没有可比对的字段。
	fired, err := f.evaluator.OnEvent(context.Background(), DomainEvent{
		Type:    "sales:deal",
		Payload: json.RawMessage(`[1,2,3]`),
	})
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	f.evaluator.Wait()

	// The condition-free automation fires; the amount-guarded one cannot
	// match a payload without fields.
	if len(fired) != 1 {
		t.Fatalf("want one execution, got %d", len(fired))
	}
	execution, err := f.ledger.Get(context.Background(), fired[0].ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if execution.Status != models.ExecutionStatusSuccess {
		t.Fatalf("want success, got %s", execution.Status)
	}
}

func TestEvaluatorRejectsMalformedEventType(t *testing.T) {
	f := newEngine(t)
	_, err := f.evaluator.OnEvent(context.Background(), DomainEvent{Type: "nocolon"})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}
