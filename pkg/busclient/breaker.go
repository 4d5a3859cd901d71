package busclient

import (
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断参数
type BreakerConfig struct {
	MaxFailures     int           // 连续失败多少次后打开
	ResetTimeout    time.Duration // 打开后多久转半开
	HalfOpenMaxReqs int           // 半开状态放行的请求数
}

// DefaultBreakerConfig 默认参数
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:     5,
		ResetTimeout:    60 * time.Second,
		HalfOpenMaxReqs: 3,
	}
}

// Breaker 每服务一个的简单熔断器
// Protects the engine from hammering a down service; off by default so the
// router's reconfirm-per-call semantics stay untouched unless configured.
type Breaker struct {
	config       BreakerConfig
	state        BreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	mutex        sync.Mutex
}

func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxReqs <= 0 {
		config.HalfOpenMaxReqs = 3
	}
	return &Breaker{config: config, state: BreakerClosed}
}

// Allow 检查是否放行本次请求
func (b *Breaker) Allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if time.Since(b.lastFailTime) > b.config.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenReqs = 0
			return true
		}
		return false

	case BreakerHalfOpen:
		if b.halfOpenReqs < b.config.HalfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
		return false

	default:
		return false
	}
}

// OnSuccess 记录成功
func (b *Breaker) OnSuccess() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.state = BreakerClosed
		b.failureCount = 0
		b.halfOpenReqs = 0
	}
}

// OnFailure 记录失败
func (b *Breaker) OnFailure() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failureCount++
	b.lastFailTime = time.Now()

	switch b.state {
	case BreakerClosed:
		if b.failureCount >= b.config.MaxFailures {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

// State 当前状态（监控用）
func (b *Breaker) State() BreakerState {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.state == BreakerOpen && time.Since(b.lastFailTime) > b.config.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}
