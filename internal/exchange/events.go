package exchange

import (
	"time"
)

// EventType 交换流程对宿主进程发出的事件类型
type EventType string

const (
	EventExchangeSucceeded EventType = "exchange-succeeded"
	EventExchangeFailed    EventType = "exchange-failed"
	EventDegraded          EventType = "degraded"
	EventResynchronize     EventType = "resynchronize"
)

// FailureKind 失败的分类
type FailureKind string

const (
	FailureConnectivity FailureKind = "connectivity"
	FailureTransport    FailureKind = "transport"
	FailureProtocol     FailureKind = "protocol"
	FailureStorage      FailureKind = "storage"
)

// Event 按注册顺序投递给所有监听者。事件都来自同一个交换流程，投递不会重叠，监听者不能阻塞
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// ExchangeFailed
	Kind   FailureKind `json:"kind,omitempty"`
	Detail string      `json:"detail,omitempty"`

	// Degraded
	ConsecutiveFailures int `json:"consecutive_failures,omitempty"`

	// ExchangeSucceeded
	Sent         int    `json:"sent,omitempty"`
	AckedThrough uint64 `json:"acked_through,omitempty"`

	// Resynchronize：为空表示所有生产者
	Scopes []string `json:"scopes,omitempty"`
}

// Listener 接收 manager 事件
type Listener func(Event)
