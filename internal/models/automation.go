package models

import (
	"encoding/json"
	"time"
)

// 自动化状态
const (
	AutomationStatusActive   = "active"
	AutomationStatusDraft    = "draft"
	AutomationStatusArchived = "archived"
	AutomationStatusInvalid  = "invalid" // type no longer resolves; excluded from evaluation
)

// Execution 状态
const (
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusPartial = "partial"
	ExecutionStatusFailed  = "failed"
)

// 单个动作状态
const (
	ActionStatusPending = "pending"
	ActionStatusRunning = "running"
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
	ActionStatusSkipped = "skipped"
)

// TriggerCondition describes one predicate entry evaluated against the
// event payload.
type TriggerCondition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"` // eq, neq, gt, gte, lt, lte, contains, in
	Value interface{} `json:"value"`
}

// Trigger is a (type, condition) pair; fires when a matching domain event
// satisfies every condition entry.
type Trigger struct {
	Type       string             `json:"type"` // service:entity
	Conditions []TriggerCondition `json:"conditions,omitempty"`
}

// ActionConfig targets an entity owned by another service. Fields are the
// remote payload template; values may reference the trigger payload with
// "{{trigger.<field>}}".
type ActionConfig struct {
	TargetType string `json:"target_type"` // service:entity
	// Action overrides the remote action name; default "<collection>.update".
	Action string                 `json:"action,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// Action is one step of an automation's chain.
type Action struct {
	Type   string       `json:"type"` // service:entity
	Config ActionConfig `json:"config"`
}

// Automation 自动化规则：触发器 + 有序动作链
// Triggers/Actions are stored as JSON text; TriggerTypes is a denormalized
// comma-joined list of trigger types kept in sync on every write so that
// candidate loading stays an indexed query.
type Automation struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	Name            string    `gorm:"not null" json:"name"`
	Status          string    `gorm:"index;default:'draft'" json:"status"`
	Triggers        string    `gorm:"type:text" json:"-"`
	Actions         string    `gorm:"type:text" json:"-"`
	TriggerTypes    string    `gorm:"index" json:"-"`
	ContinueOnError bool      `gorm:"default:false" json:"continue_on_error"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DecodeTriggers unmarshals the stored trigger list.
func (a *Automation) DecodeTriggers() ([]Trigger, error) {
	var triggers []Trigger
	if a.Triggers == "" {
		return triggers, nil
	}
	err := json.Unmarshal([]byte(a.Triggers), &triggers)
	return triggers, err
}

// DecodeActions unmarshals the stored action chain.
func (a *Automation) DecodeActions() ([]Action, error) {
	var actions []Action
	if a.Actions == "" {
		return actions, nil
	}
	err := json.Unmarshal([]byte(a.Actions), &actions)
	return actions, err
}

// ExecutionAction 执行记录里的单步结果
type ExecutionAction struct {
	ActionType string          `json:"action_type"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// AutomationExecution 一次触发产生的执行记录（审计账本）
// Append-only apart from the executor advancing per-action status; rows are
// never physically deleted.
type AutomationExecution struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	AutomationID   string     `gorm:"index" json:"automation_id"`
	TriggerType    string     `gorm:"index" json:"trigger_type"`
	TriggerPayload string     `gorm:"type:text" json:"-"`
	Actions        string     `gorm:"type:text" json:"-"`
	Status         string     `gorm:"index;default:'running'" json:"status"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// DecodeActions unmarshals the per-step outcomes.
func (e *AutomationExecution) DecodeActions() ([]ExecutionAction, error) {
	var actions []ExecutionAction
	if e.Actions == "" {
		return actions, nil
	}
	err := json.Unmarshal([]byte(e.Actions), &actions)
	return actions, err
}

// AutomationNote 运营人员附加在规则或执行上的备注，只追加
type AutomationNote struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	AutomationID string    `gorm:"index" json:"automation_id,omitempty"`
	ExecutionID  string    `gorm:"index" json:"execution_id,omitempty"`
	Author       string    `json:"author"`
	Content      string    `gorm:"type:text" json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// OutboxMessage fire-and-forget 投递的持久化队列行
// Enqueue 先落库再由后台分发，保证“返回即已持久化”。
type OutboxMessage struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	Service     string     `gorm:"index" json:"service"`
	Action      string     `json:"action"`
	Payload     string     `gorm:"type:text" json:"-"`
	Status      string     `gorm:"index;default:'pending'" json:"status"` // pending, sent, failed
	Attempts    int        `json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}
