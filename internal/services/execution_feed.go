package services

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FeedEvent 推送给管理端的执行状态变更
type FeedEvent struct {
	Type         string    `json:"type"`
	ExecutionID  string    `json:"execution_id"`
	AutomationID string    `json:"automation_id"`
	Status       string    `json:"status"`
	ActionIndex  int       `json:"action_index"` // -1 = whole-execution update
	Timestamp    time.Time `json:"timestamp"`
}

type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan FeedEvent
}

// ExecutionFeed 向已连接的管理端广播账本变更
// Slow consumers are dropped rather than allowed to block the executor.
type ExecutionFeed struct {
	clients    map[string]*feedClient
	broadcast  chan FeedEvent
	register   chan *feedClient
	unregister chan *feedClient
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     *logrus.Logger
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // admin surface sits behind the gateway
	},
}

func NewExecutionFeed(logger *logrus.Logger) *ExecutionFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan FeedEvent, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		stop:       make(chan struct{}),
		logger:     logger,
	}
}

// Run 事件循环；通常以 goroutine 启动，Stop 后返回
func (f *ExecutionFeed) Run() {
	for {
		select {
		case <-f.stop:
			f.mu.Lock()
			for id, client := range f.clients {
				delete(f.clients, id)
				close(client.send)
			}
			f.mu.Unlock()
			return

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client.id] = client
			f.mu.Unlock()
			f.logger.Debugf("execution feed: client %s connected", client.id)

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client.id]; ok {
				delete(f.clients, client.id)
				close(client.send)
			}
			f.mu.Unlock()
			f.logger.Debugf("execution feed: client %s disconnected", client.id)

		case event := <-f.broadcast:
			f.mu.RLock()
			for _, client := range f.clients {
				select {
				case client.send <- event:
				default:
					// 消费太慢，丢弃该客户端
					go func(c *feedClient) { f.unregister <- c }(client)
				}
			}
			f.mu.RUnlock()
		}
	}
}

// Stop 结束事件循环并断开所有客户端；可安全重复调用
func (f *ExecutionFeed) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// ClientCount 当前连接数（监控用）
func (f *ExecutionFeed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Publish queues one event for broadcast; never blocks the caller.
func (f *ExecutionFeed) Publish(event FeedEvent) {
	select {
	case f.broadcast <- event:
	default:
		f.logger.Warn("execution feed: broadcast buffer full, event dropped")
	}
}

// HandleWS upgrades an admin connection and streams feed events until the
// peer goes away.
func (f *ExecutionFeed) HandleWS(c *gin.Context) {
	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		f.logger.Warnf("execution feed: upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan FeedEvent, 64),
	}
	f.register <- client

	go f.writePump(client)
	f.readPump(client)
}

func (f *ExecutionFeed) writePump(client *feedClient) {
	defer client.conn.Close()
	for event := range client.send {
		if err := client.conn.WriteJSON(event); err != nil {
			return
		}
	}
}

// readPump discards inbound frames; the feed is one-way. Returning
// unregisters the client.
func (f *ExecutionFeed) readPump(client *feedClient) {
	defer func() {
		f.unregister <- client
		client.conn.Close()
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
