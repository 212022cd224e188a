// Package monitor 按固定周期轮询消息生产者，把返回的消息写入队列
package monitor

import (
	"context"

	"github.com/exchange-agent/internal/store"
)

// Producer 消息生产者核心接口（所有 monitor 必须实现）
type Producer interface {
	Name() string                                         // 注册器内唯一
	Type() string                                         // 产生的消息类型
	Init() error                                          // 预检查
	Produce(ctx context.Context) ([]store.Message, error) // 每次返回零或多条消息
	Close() error
}

// Resetter 生产者持有依赖于服务端已收数据的状态时实现，Reset 后下一次 Produce 从头上报
type Resetter interface {
	Reset()
}

// Prioritizer 标记最近一次 Produce 的输出为紧急
type Prioritizer interface {
	Urgent() bool
}

// ExchangeAware 生产者在每次交换前也会被轮询
type ExchangeAware interface {
	PollBeforeExchange() bool
}

// Sink 接收生产的消息，由 exchange manager 实现
type Sink interface {
	Send(msg store.Message, urgent bool) (uint64, error)
}

// TypeFilter 服务端当前是否接受某消息类型
type TypeFilter interface {
	Accepts(msgType string) bool
}
