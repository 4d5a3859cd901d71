package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"bizflow/internal/metrics"
	"bizflow/internal/models"

	"github.com/sirupsen/logrus"
)

// ActionExecutor 串行执行动作链并逐步落账
// One RPC attempt per action with a bounded timeout; remote mutations are
// not assumed idempotent, so nothing here retries. A timeout cancels only
// that action, never the whole chain.
type ActionExecutor struct {
	registry *TypeRegistry
	router   *MessageRouter
	ledger   *ExecutionService
	store    *AutomationService
	feed     *ExecutionFeed // optional
	logger   *logrus.Logger

	actionTimeout time.Duration
}

func NewActionExecutor(registry *TypeRegistry, router *MessageRouter, ledger *ExecutionService, store *AutomationService, logger *logrus.Logger, actionTimeout time.Duration) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if actionTimeout <= 0 {
		actionTimeout = 10 * time.Second
	}
	return &ActionExecutor{
		registry:      registry,
		router:        router,
		ledger:        ledger,
		store:         store,
		logger:        logger,
		actionTimeout: actionTimeout,
	}
}

// SetFeed 注入执行事件推送（可选）
func (e *ActionExecutor) SetFeed(feed *ExecutionFeed) {
	e.feed = feed
}

// Run walks the execution's action chain in order. Each step is persisted
// before and after its remote call, so a crash mid-chain leaves a correctly
// attributed partial ledger entry. After the first failure the remaining
// steps are recorded as skipped unless the automation continues on error.
func (e *ActionExecutor) Run(ctx context.Context, execution *models.AutomationExecution, automation *models.Automation) error {
	actions, err := automation.DecodeActions()
	if err != nil {
		return fmt.Errorf("execution %s: decode actions: %w", execution.ID, err)
	}
	entries, err := execution.DecodeActions()
	if err != nil {
		return fmt.Errorf("execution %s: decode entries: %w", execution.ID, err)
	}
	if len(actions) != len(entries) {
		return fmt.Errorf("execution %s: %d actions vs %d entries", execution.ID, len(actions), len(entries))
	}

	var payload map[string]interface{}
	if execution.TriggerPayload != "" {
		if err := json.Unmarshal([]byte(execution.TriggerPayload), &payload); err != nil {
			e.logger.Warnf("execution %s: trigger payload not an object: %v", execution.ID, err)
		}
	}

	stopped := false
	for i, action := range actions {
		if stopped {
			e.recordStep(ctx, execution, i, models.ExecutionAction{
				ActionType: action.Type,
				Status:     models.ActionStatusSkipped,
			})
			continue
		}

		e.recordStep(ctx, execution, i, models.ExecutionAction{
			ActionType: action.Type,
			Status:     models.ActionStatusRunning,
		})

		entry := e.invoke(ctx, execution, action, payload)
		e.recordStep(ctx, execution, i, entry)

		if entry.Status == models.ActionStatusFailed && !automation.ContinueOnError {
			stopped = true
		}
	}

	final, err := execution.DecodeActions()
	if err != nil {
		return err
	}
	status := DeriveStatus(final)
	if err := e.ledger.Finish(ctx, execution, status); err != nil {
		return fmt.Errorf("execution %s: finish: %w", execution.ID, err)
	}
	metrics.IncExecutionFinished(status)
	e.publish(execution, -1)
	e.logger.Infof("executor: execution %s finished %s", execution.ID, status)
	return nil
}

// invoke performs one remote action and returns its outcome entry.
func (e *ActionExecutor) invoke(ctx context.Context, execution *models.AutomationExecution, action models.Action, payload map[string]interface{}) models.ExecutionAction {
	entry := models.ExecutionAction{ActionType: action.Type}

	target := action.Config.TargetType
	if target == "" {
		target = action.Type
	}
	owner, err := e.registry.Resolve(target)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			// Unresolvable type is a rule problem, not a runtime one.
			e.store.MarkInvalid(ctx, execution.AutomationID, cfgErr.Error())
		}
		entry.Status = models.ActionStatusFailed
		entry.Error = err.Error()
		return entry
	}

	remoteAction := action.Config.Action
	if remoteAction == "" {
		remoteAction = owner.Collection + ".update"
	}

	data, err := json.Marshal(renderFields(action.Config.Fields, payload))
	if err != nil {
		entry.Status = models.ActionStatusFailed
		entry.Error = err.Error()
		return entry
	}

	reply, err := e.router.Send(ctx, owner.Service, remoteAction, data, SendOptions{
		Mode:    SendModeRPC,
		Timeout: e.actionTimeout,
	})
	if err != nil {
		entry.Status = models.ActionStatusFailed
		entry.Error = err.Error()
		return entry
	}
	entry.Status = models.ActionStatusSuccess
	entry.Result = reply
	return entry
}

func (e *ActionExecutor) recordStep(ctx context.Context, execution *models.AutomationExecution, index int, entry models.ExecutionAction) {
	if err := e.ledger.UpdateAction(ctx, execution, index, entry); err != nil {
		e.logger.Warnf("executor: execution %s step %d: %v", execution.ID, index, err)
		return
	}
	e.publish(execution, index)
}

func (e *ActionExecutor) publish(execution *models.AutomationExecution, index int) {
	if e.feed == nil {
		return
	}
	e.feed.Publish(FeedEvent{
		Type:         "execution.updated",
		ExecutionID:  execution.ID,
		AutomationID: execution.AutomationID,
		Status:       execution.Status,
		ActionIndex:  index,
		Timestamp:    time.Now(),
	})
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*trigger\.([a-zA-Z0-9_.]+)\s*\}\}`)

// renderFields builds the remote payload from the action's field template,
// substituting "{{trigger.<path>}}" references with values from the trigger
// payload. A field that is exactly one placeholder keeps the raw value;
// embedded placeholders interpolate as strings.
func renderFields(fields map[string]interface{}, payload map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return map[string]interface{}{}
	}
	rendered := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		rendered[key] = renderValue(value, payload)
	}
	return rendered
}

func renderValue(value interface{}, payload map[string]interface{}) interface{} {
	text, ok := value.(string)
	if !ok {
		return value
	}
	if match := placeholderPattern.FindStringSubmatch(text); match != nil && match[0] == text {
		if resolved, present := lookupField(payload, match[1]); present {
			return resolved
		}
		return nil
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		path := placeholderPattern.FindStringSubmatch(m)[1]
		if resolved, present := lookupField(payload, path); present {
			return stringify(resolved)
		}
		return ""
	})
}
