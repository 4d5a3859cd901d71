package services

import (
	"sync"

	"bizflow/internal/config"
	"bizflow/pkg/typeid"

	"github.com/sirupsen/logrus"
)

// RegisteredType is the resolution result for a type id: which service owns
// it and which collection its rows live in.
type RegisteredType struct {
	Service    string `json:"service"`
	Collection string `json:"collection"`
}

// TypeRegistry 类型注册表：service:entity -> 所属服务/集合
// Renames are additive redirects so stored references to legacy identifiers
// keep resolving after a service rename or split. The registry is an injected
// object with an explicit load step, never a package-level singleton.
type TypeRegistry struct {
	mu      sync.RWMutex
	entries map[string]RegisteredType
	renames map[string]string
	logger  *logrus.Logger
}

func NewTypeRegistry(logger *logrus.Logger) *TypeRegistry {
	if logger == nil {
		logger = logrus.New()
	}
	return &TypeRegistry{
		entries: make(map[string]RegisteredType),
		renames: make(map[string]string),
		logger:  logger,
	}
}

// LoadConfig replaces the registry content from configuration. Called at
// startup and again on config reload.
func (r *TypeRegistry) LoadConfig(cfg config.RegistryConfig) error {
	entries := make(map[string]RegisteredType, len(cfg.Types))
	for raw, entry := range cfg.Types {
		id, err := typeid.Parse(raw)
		if err != nil {
			return &ConfigError{TypeID: raw, Err: err}
		}
		service := entry.Service
		if service == "" {
			service = id.Service
		}
		collection := entry.Collection
		if collection == "" {
			collection = id.Entity
		}
		entries[id.String()] = RegisteredType{Service: service, Collection: collection}
	}

	r.mu.Lock()
	r.entries = entries
	r.renames = make(map[string]string)
	r.mu.Unlock()

	for old, current := range cfg.Renames {
		if err := r.Rename(old, current); err != nil {
			return err
		}
	}
	return nil
}

// Register adds or updates one resolvable type.
func (r *TypeRegistry) Register(raw, service, collection string) error {
	id, err := typeid.Parse(raw)
	if err != nil {
		return &ConfigError{TypeID: raw, Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id.String()] = RegisteredType{Service: service, Collection: collection}
	return nil
}

// Rename registers a redirect old -> current. Additive and never
// destructive: old stays resolvable indefinitely. A rename that would close
// a chain into a cycle is rejected with a ConfigError.
func (r *TypeRegistry) Rename(old, current string) error {
	if _, err := typeid.Parse(old); err != nil {
		return &ConfigError{TypeID: old, Err: err}
	}
	if _, err := typeid.Parse(current); err != nil {
		return &ConfigError{TypeID: current, Err: err}
	}
	if old == current {
		return &ConfigError{TypeID: old, Err: ErrRenameCycle}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Walk forward from the new name; reaching old means the redirect
	// would close a cycle.
	seen := map[string]bool{old: true}
	for next := current; next != ""; next = r.renames[next] {
		if seen[next] {
			return &ConfigError{TypeID: old, Err: ErrRenameCycle}
		}
		seen[next] = true
	}

	r.renames[old] = current
	r.logger.Infof("type registry: rename %s -> %s", old, current)
	return nil
}

// Canonical follows the rename chain to its fixed point. Cycles persisted
// from older configuration are detected and reported, not looped on.
func (r *TypeRegistry) Canonical(raw string) (string, error) {
	if _, err := typeid.Parse(raw); err != nil {
		return "", &ConfigError{TypeID: raw, Err: err}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(raw)
}

func (r *TypeRegistry) canonicalLocked(raw string) (string, error) {
	seen := map[string]bool{}
	current := raw
	for {
		if seen[current] {
			return "", &ConfigError{TypeID: raw, Err: ErrRenameCycle}
		}
		seen[current] = true
		next, ok := r.renames[current]
		if !ok {
			return current, nil
		}
		current = next
	}
}

// Resolve canonicalizes raw and returns its owner. ErrTypeNotFound (wrapped
// in a ConfigError) when the canonical id has no entry.
func (r *TypeRegistry) Resolve(raw string) (RegisteredType, error) {
	if _, err := typeid.Parse(raw); err != nil {
		return RegisteredType{}, &ConfigError{TypeID: raw, Err: err}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	current, err := r.canonicalLocked(raw)
	if err != nil {
		return RegisteredType{}, err
	}
	entry, ok := r.entries[current]
	if !ok {
		return RegisteredType{}, &ConfigError{TypeID: raw, Err: ErrTypeNotFound}
	}
	return entry, nil
}

// Aliases returns every identifier that resolves to the same canonical id
// as raw, the canonical id itself included. Used when loading evaluation
// candidates so automations still referencing a legacy id keep firing.
func (r *TypeRegistry) Aliases(raw string) ([]string, error) {
	canonical, err := r.Canonical(raw)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	aliases := []string{canonical}
	for old := range r.renames {
		resolved, err := r.canonicalLocked(old)
		if err != nil {
			continue
		}
		if resolved == canonical && old != canonical {
			aliases = append(aliases, old)
		}
	}
	return aliases, nil
}

// Snapshot returns a copy of the current tables for the admin surface.
func (r *TypeRegistry) Snapshot() (map[string]RegisteredType, map[string]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make(map[string]RegisteredType, len(r.entries))
	for k, v := range r.entries {
		entries[k] = v
	}
	renames := make(map[string]string, len(r.renames))
	for k, v := range r.renames {
		renames[k] = v
	}
	return entries, renames
}

// DefaultRenames is the rename set from the platform's service split:
// the old cards service became sales/purchases/tickets/tasks, and several
// small services were folded into core.
func DefaultRenames() map[string]string {
	return map[string]string{
		"cards:deal":                   "sales:deal",
		"cards:purchase":               "purchases:purchase",
		"cards:ticket":                 "tickets:ticket",
		"cards:task":                   "tasks:task",
		"contacts:customer":            "core:customer",
		"contacts:company":             "core:company",
		"contacts:lead":                "core:lead",
		"products:product":             "core:product",
		"emailTemplates:emailTemplate": "core:emailTemplate",
	}
}
