package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bizflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ExecutionService 执行账本：触发即追加，每步动作完成原地更新，其余只读
// Rows are never physically deleted; retention is external housekeeping.
type ExecutionService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewExecutionService(db *gorm.DB, logger *logrus.Logger) *ExecutionService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionService{db: db, logger: logger}
}

// Create appends one ledger entry for one fired trigger occurrence. Each
// action of the chain starts as a pending entry so a crash mid-chain leaves
// a correctly attributed partial record.
func (s *ExecutionService) Create(ctx context.Context, automation *models.Automation, triggerType string, payload json.RawMessage) (*models.AutomationExecution, error) {
	actions, err := automation.DecodeActions()
	if err != nil {
		return nil, fmt.Errorf("automation %s: decode actions: %w", automation.ID, err)
	}
	entries := make([]models.ExecutionAction, 0, len(actions))
	for _, action := range actions {
		entries = append(entries, models.ExecutionAction{
			ActionType: action.Type,
			Status:     models.ActionStatusPending,
		})
	}
	encoded, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	execution := &models.AutomationExecution{
		ID:             uuid.NewString(),
		AutomationID:   automation.ID,
		TriggerType:    triggerType,
		TriggerPayload: string(payload),
		Actions:        string(encoded),
		Status:         models.ExecutionStatusRunning,
		TriggeredAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(execution).Error; err != nil {
		return nil, err
	}
	return execution, nil
}

func terminalActionStatus(status string) bool {
	switch status {
	case models.ActionStatusSuccess, models.ActionStatusFailed, models.ActionStatusSkipped:
		return true
	}
	return false
}

// UpdateAction advances one action entry and persists the whole chain state
// in a single row update. Status is monotonic: a terminal entry is never
// regressed, which holds trivially while the executor is the sole writer and
// keeps holding if steps ever run in parallel.
func (s *ExecutionService) UpdateAction(ctx context.Context, execution *models.AutomationExecution, index int, entry models.ExecutionAction) error {
	entries, err := execution.DecodeActions()
	if err != nil {
		return err
	}
	if index < 0 || index >= len(entries) {
		return fmt.Errorf("execution %s: action index %d out of range", execution.ID, index)
	}
	if terminalActionStatus(entries[index].Status) {
		return fmt.Errorf("execution %s: action %d already %s", execution.ID, index, entries[index].Status)
	}
	entries[index] = entry
	encoded, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	execution.Actions = string(encoded)
	return s.db.WithContext(ctx).
		Model(&models.AutomationExecution{}).
		Where("id = ?", execution.ID).
		Update("actions", execution.Actions).Error
}

// Finish moves the execution to its terminal status. Immutable afterwards.
func (s *ExecutionService) Finish(ctx context.Context, execution *models.AutomationExecution, status string) error {
	now := time.Now()
	execution.Status = status
	execution.FinishedAt = &now
	return s.db.WithContext(ctx).
		Model(&models.AutomationExecution{}).
		Where("id = ?", execution.ID).
		Updates(map[string]interface{}{
			"status":      status,
			"finished_at": now,
		}).Error
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*models.AutomationExecution, error) {
	var execution models.AutomationExecution
	if err := s.db.WithContext(ctx).First(&execution, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &execution, nil
}

// FindByAutomation 按规则分页查询执行历史
func (s *ExecutionService) FindByAutomation(ctx context.Context, automationID string, page, pageSize int) ([]models.AutomationExecution, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	query := s.db.WithContext(ctx).
		Model(&models.AutomationExecution{}).
		Where("automation_id = ?", automationID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var executions []models.AutomationExecution
	err := query.
		Order("triggered_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&executions).Error
	return executions, total, err
}

// FindRecent 最近的执行记录
func (s *ExecutionService) FindRecent(ctx context.Context, limit int) ([]models.AutomationExecution, error) {
	if limit < 1 {
		limit = 50
	}
	var executions []models.AutomationExecution
	err := s.db.WithContext(ctx).
		Order("triggered_at DESC").
		Limit(limit).
		Find(&executions).Error
	return executions, err
}

// DeriveStatus computes the terminal status from per-action outcomes:
// success iff every entry succeeded (an empty chain counts), failed when
// nothing succeeded, partial otherwise.
func DeriveStatus(entries []models.ExecutionAction) string {
	if len(entries) == 0 {
		return models.ExecutionStatusSuccess
	}
	succeeded, failed := 0, 0
	for _, entry := range entries {
		switch entry.Status {
		case models.ActionStatusSuccess:
			succeeded++
		case models.ActionStatusFailed:
			failed++
		}
	}
	switch {
	case succeeded == len(entries):
		return models.ExecutionStatusSuccess
	case succeeded == 0 && failed > 0:
		return models.ExecutionStatusFailed
	case succeeded > 0:
		return models.ExecutionStatusPartial
	default:
		return models.ExecutionStatusFailed
	}
}
