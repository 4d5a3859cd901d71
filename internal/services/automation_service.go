package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bizflow/internal/models"
	"bizflow/pkg/typeid"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutomationService 自动化规则的存取与校验
// Concurrent edits are last-write-wins at the document level; rules are never
// physically deleted, only archived, so the ledger keeps resolving.
type AutomationService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{db: db, logger: logger}
}

// AutomationRequest 创建/更新请求
type AutomationRequest struct {
	Name            string           `json:"name" binding:"required"`
	Status          string           `json:"status"`
	Triggers        []models.Trigger `json:"triggers"`
	Actions         []models.Action  `json:"actions"`
	ContinueOnError bool             `json:"continue_on_error"`
}

// AutomationListFilter 查询条件
type AutomationListFilter struct {
	Status      string `form:"status"`
	TriggerType string `form:"trigger_type"`
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
}

func (s *AutomationService) validate(req *AutomationRequest) error {
	if req == nil {
		return &ValidationError{Field: "request", Reason: "required"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	switch req.Status {
	case "", models.AutomationStatusActive, models.AutomationStatusDraft, models.AutomationStatusArchived:
	default:
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", req.Status)}
	}
	for i, trigger := range req.Triggers {
		if trigger.Type == "" {
			return &ValidationError{Field: fmt.Sprintf("triggers[%d].type", i), Reason: "required"}
		}
		if !typeid.Valid(trigger.Type) {
			return &ValidationError{Field: fmt.Sprintf("triggers[%d].type", i), Reason: "want service:entity"}
		}
	}
	for i, action := range req.Actions {
		if action.Type == "" {
			return &ValidationError{Field: fmt.Sprintf("actions[%d].type", i), Reason: "required"}
		}
		if !typeid.Valid(action.Type) {
			return &ValidationError{Field: fmt.Sprintf("actions[%d].type", i), Reason: "want service:entity"}
		}
		if action.Config.TargetType != "" && !typeid.Valid(action.Config.TargetType) {
			return &ValidationError{Field: fmt.Sprintf("actions[%d].config.target_type", i), Reason: "want service:entity"}
		}
	}
	return nil
}

func encodeAutomation(a *models.Automation, req *AutomationRequest) error {
	triggers, err := json.Marshal(req.Triggers)
	if err != nil {
		return &ValidationError{Field: "triggers", Reason: err.Error()}
	}
	actions, err := json.Marshal(req.Actions)
	if err != nil {
		return &ValidationError{Field: "actions", Reason: err.Error()}
	}
	types := make([]string, 0, len(req.Triggers))
	for _, t := range req.Triggers {
		types = append(types, t.Type)
	}
	a.Name = req.Name
	a.Triggers = string(triggers)
	a.Actions = string(actions)
	a.TriggerTypes = strings.Join(types, ",")
	a.ContinueOnError = req.ContinueOnError
	if req.Status != "" {
		a.Status = req.Status
	}
	return nil
}

// Create 新建自动化；校验失败的定义从不落库
func (s *AutomationService) Create(ctx context.Context, req *AutomationRequest) (*models.Automation, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	automation := &models.Automation{
		ID:        uuid.NewString(),
		Status:    models.AutomationStatusDraft,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := encodeAutomation(automation, req); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(automation).Error; err != nil {
		return nil, err
	}
	return automation, nil
}

// Update 全量覆盖（last-write-wins）
func (s *AutomationService) Update(ctx context.Context, id string, req *AutomationRequest) (*models.Automation, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	automation, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := encodeAutomation(automation, req); err != nil {
		return nil, err
	}
	automation.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(automation).Error; err != nil {
		return nil, err
	}
	return automation, nil
}

// Archive 软删除：规则归档，账本引用保持可解
func (s *AutomationService) Archive(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).
		Model(&models.Automation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.AutomationStatusArchived,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInvalid flags an automation whose types no longer resolve. It is
// excluded from evaluation until an operator fixes it; the process carries on.
func (s *AutomationService) MarkInvalid(ctx context.Context, id, reason string) {
	err := s.db.WithContext(ctx).
		Model(&models.Automation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.AutomationStatusInvalid,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		s.logger.Warnf("automation %s: mark invalid failed: %v", id, err)
		return
	}
	s.logger.Warnf("automation %s marked invalid: %s", id, reason)
}

func (s *AutomationService) Get(ctx context.Context, id string) (*models.Automation, error) {
	var automation models.Automation
	if err := s.db.WithContext(ctx).First(&automation, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &automation, nil
}

// List 分页查询
func (s *AutomationService) List(ctx context.Context, filter AutomationListFilter) ([]models.Automation, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Automation{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.TriggerType != "" {
		query = query.Where("trigger_types LIKE ?", "%"+filter.TriggerType+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	var automations []models.Automation
	err := query.
		Order("updated_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&automations).Error
	return automations, total, err
}

// FindActiveByTriggerTypes loads evaluation candidates: active automations
// whose trigger list contains any of the given types (an event type plus its
// legacy aliases). The denormalized column keeps this an indexed query; the
// JSON trigger list stays authoritative and is re-checked by the evaluator.
func (s *AutomationService) FindActiveByTriggerTypes(ctx context.Context, triggerTypes []string) ([]models.Automation, error) {
	if len(triggerTypes) == 0 {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Where("status = ?", models.AutomationStatusActive)
	likes := s.db.Where("trigger_types LIKE ?", "%"+triggerTypes[0]+"%")
	for _, t := range triggerTypes[1:] {
		likes = likes.Or("trigger_types LIKE ?", "%"+t+"%")
	}
	var automations []models.Automation
	err := query.Where(likes).Find(&automations).Error
	return automations, err
}

// NoteRequest 追加备注
type NoteRequest struct {
	AutomationID string `json:"automation_id"`
	ExecutionID  string `json:"execution_id"`
	Author       string `json:"author"`
	Content      string `json:"content" binding:"required"`
}

// AddNote 追加备注（自动化或执行记录，只追加不修改）
func (s *AutomationService) AddNote(ctx context.Context, req *NoteRequest) (*models.AutomationNote, error) {
	if req == nil || strings.TrimSpace(req.Content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "required"}
	}
	if req.AutomationID == "" && req.ExecutionID == "" {
		return nil, &ValidationError{Field: "automation_id", Reason: "automation_id or execution_id required"}
	}
	note := &models.AutomationNote{
		ID:           uuid.NewString(),
		AutomationID: req.AutomationID,
		ExecutionID:  req.ExecutionID,
		Author:       req.Author,
		Content:      req.Content,
		CreatedAt:    time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(note).Error; err != nil {
		return nil, err
	}
	return note, nil
}

// ListNotes 列出某条自动化或某次执行的备注
func (s *AutomationService) ListNotes(ctx context.Context, automationID, executionID string) ([]models.AutomationNote, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationNote{})
	if automationID != "" {
		query = query.Where("automation_id = ?", automationID)
	}
	if executionID != "" {
		query = query.Where("execution_id = ?", executionID)
	}
	var notes []models.AutomationNote
	err := query.Order("created_at").Find(&notes).Error
	return notes, err
}
