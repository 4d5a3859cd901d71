package services

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"bizflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RewriteStats 批量改写结果
type RewriteStats struct {
	AutomationsScanned   int `json:"automations_scanned"`
	AutomationsRewritten int `json:"automations_rewritten"`
	ExecutionsScanned    int `json:"executions_scanned"`
	ExecutionsRewritten  int `json:"executions_rewritten"`
}

// TypeRewriteService 一次性维护操作：把持久化数据里的旧 TypeId 改写为当前形式
// The registry keeps old ids resolvable at read time regardless; this pass
// exists so steady-state lookups stop paying the redirect. Running it twice
// is a no-op: canonical ids are already at their fixed point.
type TypeRewriteService struct {
	db       *gorm.DB
	registry *TypeRegistry
	logger   *logrus.Logger
}

func NewTypeRewriteService(db *gorm.DB, registry *TypeRegistry, logger *logrus.Logger) *TypeRewriteService {
	if logger == nil {
		logger = logrus.New()
	}
	return &TypeRewriteService{db: db, registry: registry, logger: logger}
}

// canonicalOrKeep rewrites one id, keeping it untouched when it is already
// canonical, malformed, or part of a broken chain (those surface elsewhere).
func (s *TypeRewriteService) canonicalOrKeep(raw string) (string, bool) {
	if raw == "" {
		return raw, false
	}
	canonical, err := s.registry.Canonical(raw)
	if err != nil {
		s.logger.Warnf("rewrite: keep %q: %v", raw, err)
		return raw, false
	}
	return canonical, canonical != raw
}

// RewriteAll rewrites every stored automation and execution exactly once:
// each trigger's own type, each action's type and target, and each ledger
// row's trigger/action types. Nothing is dropped; untouched rows are not
// written back.
func (s *TypeRewriteService) RewriteAll(ctx context.Context) (RewriteStats, error) {
	var stats RewriteStats
	if err := s.rewriteAutomations(ctx, &stats); err != nil {
		return stats, err
	}
	if err := s.rewriteExecutions(ctx, &stats); err != nil {
		return stats, err
	}
	s.logger.Infof("rewrite: automations %d/%d, executions %d/%d rewritten",
		stats.AutomationsRewritten, stats.AutomationsScanned,
		stats.ExecutionsRewritten, stats.ExecutionsScanned)
	return stats, nil
}

func (s *TypeRewriteService) rewriteAutomations(ctx context.Context, stats *RewriteStats) error {
	var automations []models.Automation
	if err := s.db.WithContext(ctx).Find(&automations).Error; err != nil {
		return err
	}

	for i := range automations {
		automation := &automations[i]
		stats.AutomationsScanned++

		changed := false

		triggers, err := automation.DecodeTriggers()
		if err != nil {
			s.logger.Warnf("rewrite: automation %s: bad trigger list: %v", automation.ID, err)
			continue
		}
		for j := range triggers {
			if fixed, ok := s.canonicalOrKeep(triggers[j].Type); ok {
				triggers[j].Type = fixed
				changed = true
			}
		}

		actions, err := automation.DecodeActions()
		if err != nil {
			s.logger.Warnf("rewrite: automation %s: bad action list: %v", automation.ID, err)
			continue
		}
		for j := range actions {
			if fixed, ok := s.canonicalOrKeep(actions[j].Type); ok {
				actions[j].Type = fixed
				changed = true
			}
			if fixed, ok := s.canonicalOrKeep(actions[j].Config.TargetType); ok {
				actions[j].Config.TargetType = fixed
				changed = true
			}
		}

		if !changed {
			continue
		}

		encodedTriggers, err := json.Marshal(triggers)
		if err != nil {
			return err
		}
		encodedActions, err := json.Marshal(actions)
		if err != nil {
			return err
		}
		types := make([]string, 0, len(triggers))
		for _, t := range triggers {
			types = append(types, t.Type)
		}

		err = s.db.WithContext(ctx).
			Model(&models.Automation{}).
			Where("id = ?", automation.ID).
			Updates(map[string]interface{}{
				"triggers":      string(encodedTriggers),
				"actions":       string(encodedActions),
				"trigger_types": strings.Join(types, ","),
				"updated_at":    time.Now(),
			}).Error
		if err != nil {
			return err
		}
		stats.AutomationsRewritten++
	}
	return nil
}

func (s *TypeRewriteService) rewriteExecutions(ctx context.Context, stats *RewriteStats) error {
	var executions []models.AutomationExecution
	if err := s.db.WithContext(ctx).Find(&executions).Error; err != nil {
		return err
	}

	for i := range executions {
		execution := &executions[i]
		stats.ExecutionsScanned++

		changed := false
		updates := map[string]interface{}{}

		if fixed, ok := s.canonicalOrKeep(execution.TriggerType); ok {
			updates["trigger_type"] = fixed
			changed = true
		}

		entries, err := execution.DecodeActions()
		if err != nil {
			s.logger.Warnf("rewrite: execution %s: bad action entries: %v", execution.ID, err)
			continue
		}
		entriesChanged := false
		for j := range entries {
			if fixed, ok := s.canonicalOrKeep(entries[j].ActionType); ok {
				entries[j].ActionType = fixed
				entriesChanged = true
			}
		}
		if entriesChanged {
			encoded, err := json.Marshal(entries)
			if err != nil {
				return err
			}
			updates["actions"] = string(encoded)
			changed = true
		}

		if !changed {
			continue
		}
		err = s.db.WithContext(ctx).
			Model(&models.AutomationExecution{}).
			Where("id = ?", execution.ID).
			Updates(updates).Error
		if err != nil {
			return err
		}
		stats.ExecutionsRewritten++
	}
	return nil
}
