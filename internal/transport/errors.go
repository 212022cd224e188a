package transport

import (
	"errors"
	"fmt"
)

// TransportError 交换未完成：超时、连接被拒绝/重置、或非 2xx 状态。批次可能已到达服务端，也可能没有
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError 收到响应但不可信：格式错误，或序号记账与发送的批次对不上
type ProtocolError struct {
	Reason string
	// ServerNext 服务端返回的 next_expected_sequence，缺失时为 0
	ServerNext uint64
	BatchBase  uint64
	BatchLast  uint64
	Err        error
}

func (e *ProtocolError) Error() string {
	msg := "protocol: " + e.Reason
	if e.ServerNext != 0 {
		msg += fmt.Sprintf(" (server next %d, batch %d..%d)", e.ServerNext, e.BatchBase, e.BatchLast)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
