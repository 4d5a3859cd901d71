package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"bizflow/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:engine_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&models.Automation{},
		&models.AutomationNote{},
		&models.AutomationExecution{},
		&models.OutboxMessage{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// fakeTransport scripts replies per action, records calls, and can block
// until the call context expires.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []fakeCall
	reply    json.RawMessage
	err      error
	blockCtx bool
}

type fakeCall struct {
	Action  string
	Payload json.RawMessage
}

func (f *fakeTransport) Call(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Action: action, Payload: payload})
	f.mu.Unlock()
	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.reply != nil {
		return f.reply, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastCall() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return fakeCall{}
	}
	return f.calls[len(f.calls)-1]
}

// newTestRegistry registers the sales/core service split used throughout
// these tests.
func newTestRegistry(t *testing.T) *TypeRegistry {
	t.Helper()
	registry := NewTypeRegistry(quietLogger())
	for raw, owner := range map[string]RegisteredType{
		"sales:deal":    {Service: "sales", Collection: "deals"},
		"core:customer": {Service: "core", Collection: "customers"},
		"tasks:task":    {Service: "tasks", Collection: "tasks"},
	} {
		if err := registry.Register(raw, owner.Service, owner.Collection); err != nil {
			t.Fatalf("register %s: %v", raw, err)
		}
	}
	if err := registry.Rename("cards:deal", "sales:deal"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := registry.Rename("contacts:customer", "core:customer"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	return registry
}
