package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bizflow/internal/models"
	"bizflow/pkg/busclient"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SendMode 发送模式
type SendMode string

const (
	SendModeRPC           SendMode = "rpc"
	SendModeFireAndForget SendMode = "fire_and_forget"
)

// SendOptions controls one send. Zero Timeout falls back to the router
// default.
type SendOptions struct {
	Mode    SendMode
	Timeout time.Duration
}

// ServiceTransport delivers one call to a single owning service. The engine
// dispatches on the service name tag only and treats payload and reply as
// opaque JSON, so new services plug in without recompiling anything here.
type ServiceTransport interface {
	Call(ctx context.Context, action string, payload json.RawMessage) (json.RawMessage, error)
}

// MessageRouter 将请求投递到拥有对应类型的服务
// Reachability is reconfirmed on every call: the transport table is consulted
// per send and a transport's failure state is its own business.
type MessageRouter struct {
	mu         sync.RWMutex
	transports map[string]ServiceTransport

	db             *gorm.DB
	logger         *logrus.Logger
	defaultTimeout time.Duration

	dispatchEvery time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func NewMessageRouter(db *gorm.DB, logger *logrus.Logger, defaultTimeout time.Duration) *MessageRouter {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &MessageRouter{
		transports:     make(map[string]ServiceTransport),
		db:             db,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		dispatchEvery:  5 * time.Second,
		stopCh:         make(chan struct{}),
	}
}

// SetDispatchInterval 调整 outbox 扫描间隔；需在 Start 之前调用
func (r *MessageRouter) SetDispatchInterval(d time.Duration) {
	if d > 0 {
		r.dispatchEvery = d
	}
}

// RegisterService 注册服务适配器
func (r *MessageRouter) RegisterService(service string, transport ServiceTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[service] = transport
	r.logger.Infof("message router: registered service %s", service)
}

// UnregisterService 注销服务适配器
func (r *MessageRouter) UnregisterService(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, service)
	r.logger.Infof("message router: unregistered service %s", service)
}

func (r *MessageRouter) transport(service string) (ServiceTransport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[service]
	return t, ok
}

// Send delivers one typed request to the named service.
//
// RPC mode blocks until a reply or the timeout; a timeout is reported as
// ErrRemoteTimeout and never retried here, since the remote action may not
// be idempotent. Retry policy belongs to the caller.
//
// Fire-and-forget mode returns once the message is durably enqueued in the
// outbox; delivery failures are logged by the dispatcher, not surfaced.
func (r *MessageRouter) Send(ctx context.Context, service, action string, payload json.RawMessage, opts SendOptions) (json.RawMessage, error) {
	if opts.Mode == SendModeFireAndForget {
		return nil, r.enqueue(ctx, service, action, payload)
	}

	transport, ok := r.transport(service)
	if !ok {
		return nil, fmt.Errorf("service %s: %w", service, ErrRemoteUnreachable)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := transport.Call(callCtx, action, payload)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("service %s action %s: %w", service, action, ErrRemoteTimeout)
		}
		if errors.Is(err, busclient.ErrUnavailable) {
			return nil, fmt.Errorf("service %s action %s: %v: %w", service, action, err, ErrRemoteUnreachable)
		}
		return nil, fmt.Errorf("service %s action %s: %w", service, action, err)
	}
	return reply, nil
}

func (r *MessageRouter) enqueue(ctx context.Context, service, action string, payload json.RawMessage) error {
	msg := &models.OutboxMessage{
		ID:        uuid.NewString(),
		Service:   service,
		Action:    action,
		Payload:   string(payload),
		Status:    "pending",
		CreatedAt: time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("enqueue %s.%s: %w", service, action, err)
	}
	return nil
}

// Start launches the outbox dispatcher.
func (r *MessageRouter) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.dispatchEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.dispatchPending(context.Background())
			}
		}
	}()
	r.logger.Info("message router: outbox dispatcher started")
}

// Stop shuts the dispatcher down and waits for the in-flight sweep.
func (r *MessageRouter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// dispatchPending delivers queued fire-and-forget messages. Failures only
// mark the row and log; nothing propagates to the original caller.
func (r *MessageRouter) dispatchPending(ctx context.Context) {
	var pending []models.OutboxMessage
	if err := r.db.WithContext(ctx).
		Where("status = ?", "pending").
		Order("created_at").
		Limit(100).
		Find(&pending).Error; err != nil {
		r.logger.Warnf("message router: load outbox failed: %v", err)
		return
	}

	for i := range pending {
		msg := &pending[i]
		err := r.deliver(ctx, msg)
		now := time.Now()
		updates := map[string]interface{}{
			"attempts": msg.Attempts + 1,
		}
		if err != nil {
			updates["status"] = "failed"
			updates["last_error"] = err.Error()
			r.logger.Warnf("message router: deliver %s.%s failed: %v", msg.Service, msg.Action, err)
		} else {
			updates["status"] = "sent"
			updates["delivered_at"] = now
		}
		if err := r.db.WithContext(ctx).
			Model(&models.OutboxMessage{}).
			Where("id = ?", msg.ID).
			Updates(updates).Error; err != nil {
			r.logger.Warnf("message router: update outbox %s failed: %v", msg.ID, err)
		}
	}
}

func (r *MessageRouter) deliver(ctx context.Context, msg *models.OutboxMessage) error {
	transport, ok := r.transport(msg.Service)
	if !ok {
		return fmt.Errorf("service %s: %w", msg.Service, ErrRemoteUnreachable)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.defaultTimeout)
	defer cancel()
	_, err := transport.Call(callCtx, msg.Action, json.RawMessage(msg.Payload))
	return err
}
