package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"bizflow/internal/metrics"
	"bizflow/internal/models"
	"bizflow/pkg/typeid"

	"github.com/sirupsen/logrus"
)

// DomainEvent 入站领域事件：任何服务都可以发布，引擎只认识 TypeId 命名空间
type DomainEvent struct {
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// TriggerEvaluator 把领域事件匹配到存储的自动化规则
// Matching is read-only; a match appends one ledger entry and hands the
// chain to the executor. Executions run independently of each other and of
// the caller; nothing here serializes them.
type TriggerEvaluator struct {
	store    *AutomationService
	ledger   *ExecutionService
	executor *ActionExecutor
	registry *TypeRegistry
	logger   *logrus.Logger

	sem chan struct{} // nil = unbounded
	wg  sync.WaitGroup
}

func NewTriggerEvaluator(store *AutomationService, ledger *ExecutionService, executor *ActionExecutor, registry *TypeRegistry, logger *logrus.Logger, maxConcurrency int) *TriggerEvaluator {
	if logger == nil {
		logger = logrus.New()
	}
	e := &TriggerEvaluator{
		store:    store,
		ledger:   ledger,
		executor: executor,
		registry: registry,
		logger:   logger,
	}
	if maxConcurrency > 0 {
		e.sem = make(chan struct{}, maxConcurrency)
	}
	return e
}

// OnEvent evaluates one incoming event against all active automations and
// returns the executions it fired. Per automation the first matching trigger
// wins, so overlapping trigger definitions cannot double-fire, and every
// event produces at most one execution per automation. Repeating the same
// event fires again: the ledger records occurrences, not deduped facts.
func (e *TriggerEvaluator) OnEvent(ctx context.Context, event DomainEvent) ([]*models.AutomationExecution, error) {
	if _, err := typeid.Parse(event.Type); err != nil {
		return nil, &ValidationError{Field: "type", Reason: err.Error()}
	}
	metrics.IncEventReceived(event.Type)

	aliases, err := e.registry.Aliases(event.Type)
	if err != nil {
		// Registry corruption around this type: surfaced, not fatal.
		e.logger.Warnf("evaluator: aliases for %s: %v", event.Type, err)
		aliases = []string{event.Type}
	}
	canonicalEvent, err := e.registry.Canonical(event.Type)
	if err != nil {
		canonicalEvent = event.Type
	}

	candidates, err := e.store.FindActiveByTriggerTypes(ctx, aliases)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Payload 对引擎透明；非对象形态没有可寻址字段，带条件的触发器不会
	// 匹配，无条件触发器照常触发。
	var payload map[string]interface{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			e.logger.Warnf("evaluator: event %s: payload is not an object: %v", event.Type, err)
			payload = nil
		}
	}

	var fired []*models.AutomationExecution
	for i := range candidates {
		automation := candidates[i]
		execution := e.evaluate(ctx, &automation, canonicalEvent, event, payload)
		if execution != nil {
			fired = append(fired, execution)
		}
	}
	return fired, nil
}

// evaluate runs one automation against one event; returns the execution it
// fired, or nil.
func (e *TriggerEvaluator) evaluate(ctx context.Context, automation *models.Automation, canonicalEvent string, event DomainEvent, payload map[string]interface{}) *models.AutomationExecution {
	triggers, err := automation.DecodeTriggers()
	if err != nil {
		e.logger.Warnf("evaluator: automation %s: bad trigger list: %v", automation.ID, err)
		return nil
	}

	for _, trigger := range triggers {
		canonicalTrigger, err := e.registry.Canonical(trigger.Type)
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				e.store.MarkInvalid(ctx, automation.ID, cfgErr.Error())
				return nil
			}
			e.logger.Warnf("evaluator: automation %s trigger %s: %v", automation.ID, trigger.Type, err)
			continue
		}
		if canonicalTrigger != canonicalEvent {
			continue
		}

		matched, err := matchConditions(trigger.Conditions, payload)
		if err != nil {
			// Fail closed: non-match, logged, evaluator keeps running.
			e.logger.Warnf("evaluator: automation %s trigger %s: %v", automation.ID, trigger.Type, err)
			continue
		}
		if !matched {
			continue
		}

		execution, err := e.ledger.Create(ctx, automation, trigger.Type, event.Payload)
		if err != nil {
			e.logger.Errorf("evaluator: automation %s: create execution: %v", automation.ID, err)
			return nil
		}
		metrics.IncTriggerFired(trigger.Type)
		e.logger.Infof("evaluator: automation %s fired on %s (execution %s)", automation.ID, event.Type, execution.ID)
		e.dispatch(execution, automation)
		return execution
	}
	return nil
}

// dispatch runs the action chain off the caller's goroutine. A failure in
// one chain terminates only that chain.
func (e *TriggerEvaluator) dispatch(execution *models.AutomationExecution, automation *models.Automation) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.sem != nil {
			e.sem <- struct{}{}
			defer func() { <-e.sem }()
		}
		if err := e.executor.Run(context.Background(), execution, automation); err != nil {
			e.logger.Warnf("executor: execution %s: %v", execution.ID, err)
		}
	}()
}

// Wait blocks until all in-flight executions finish. Used at shutdown and
// by tests; there is no external cancel for a running execution.
func (e *TriggerEvaluator) Wait() {
	e.wg.Wait()
}
