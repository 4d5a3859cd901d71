package services

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. Callers use errors.Is; user-facing
// handlers translate them, administrators never see raw stack traces.
var (
	// ErrNotFound 通用：文档不存在
	ErrNotFound = errors.New("not found")

	// ErrTypeNotFound 注册表无法解析该类型
	ErrTypeNotFound = errors.New("type not registered")

	// ErrRenameCycle 重命名链成环
	ErrRenameCycle = errors.New("rename chain forms a cycle")

	// ErrRemoteTimeout RPC 在期限内未收到回复
	ErrRemoteTimeout = errors.New("remote call timed out")

	// ErrRemoteUnreachable 目标服务不可达
	ErrRemoteUnreachable = errors.New("remote service unreachable")
)

// ValidationError rejects a malformed automation definition at write time.
// Field names the offending input, e.g. "actions[2].config.target_type".
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigError marks a registry inconsistency (unresolvable type, rename
// cycle). Automations hitting one are flagged invalid and excluded from
// evaluation; the process keeps running.
type ConfigError struct {
	TypeID string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("type registry: %s: %v", e.TypeID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// EvaluationError marks a malformed or unsupported trigger condition. It
// fails closed: logged, treated as a non-match, never fires the automation.
type EvaluationError struct {
	Field string
	Op    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("unsupported condition op %q on field %q", e.Op, e.Field)
}
