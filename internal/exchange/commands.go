package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/internal/transport"
)

// 内置的服务端命令类型
const (
	CommandResynchronize = "resynchronize"
	CommandSetIntervals  = "set-intervals"
	CommandAcceptedTypes = "accepted-types"

	// MessageOperationResult 上报 agent 无法执行的命令
	MessageOperationResult = "operation-result"
)

// CommandHandler 执行一条服务端命令，返回的错误以失败的 operation-result 消息回报服务端
type CommandHandler func(ctx context.Context, cmd transport.Command) error

type operationResult struct {
	OperationID string `json:"operation_id"`
	CommandType string `json:"command_type"`
	Status      string `json:"status"`
	Result      string `json:"result"`
}

type setIntervalsPayload struct {
	Urgent  float64 `json:"urgent"`
	Regular float64 `json:"regular"`
}

type acceptedTypesPayload struct {
	Types []string `json:"types"`
}

type resynchronizePayload struct {
	Scopes []string `json:"scopes"`
}

// RegisterCommand 注册（或替换）某类命令的处理函数
func (m *Manager) RegisterCommand(cmdType string, h CommandHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[cmdType] = h
}

func (m *Manager) registerBuiltins() {
	m.handlers[CommandResynchronize] = m.handleResynchronize
	m.handlers[CommandSetIntervals] = m.handleSetIntervals
	m.handlers[CommandAcceptedTypes] = m.handleAcceptedTypes
}

// applyCommands 按服务端顺序执行命令。失败的命令会被上报，但不会中断后续命令
func (m *Manager) applyCommands(ctx context.Context, cmds []transport.Command) {
	for _, cmd := range cmds {
		m.mu.Lock()
		h, ok := m.handlers[cmd.Type]
		m.mu.Unlock()

		if !ok {
			m.metrics.Commands.WithLabelValues(cmd.Type, "false").Inc()
			m.log.Warn("unhandled server command", zap.String("id", cmd.ID), zap.String("type", cmd.Type))
			m.reportFailure(cmd, fmt.Sprintf("unknown command type %q", cmd.Type))
			continue
		}
		m.metrics.Commands.WithLabelValues(cmd.Type, "true").Inc()
		if err := h(ctx, cmd); err != nil {
			m.log.Warn("server command failed", zap.String("id", cmd.ID), zap.String("type", cmd.Type), zap.Error(err))
			m.reportFailure(cmd, err.Error())
			continue
		}
		m.log.Info("server command applied", zap.String("id", cmd.ID), zap.String("type", cmd.Type))
	}
}

func (m *Manager) reportFailure(cmd transport.Command, reason string) {
	payload, _ := json.Marshal(operationResult{
		OperationID: cmd.ID,
		CommandType: cmd.Type,
		Status:      "failed",
		Result:      reason,
	})
	if _, err := m.queue.Append(store.Message{Type: MessageOperationResult, Payload: payload}); err != nil {
		m.log.Error("queue operation result", zap.String("id", cmd.ID), zap.Error(err))
	}
}

func (m *Manager) handleResynchronize(_ context.Context, cmd transport.Command) error {
	var p resynchronizePayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			return fmt.Errorf("decode resynchronize payload: %w", err)
		}
	}
	m.emit(Event{Type: EventResynchronize, At: m.clock.Now(), Scopes: p.Scopes})
	return nil
}

func (m *Manager) handleSetIntervals(ctx context.Context, cmd transport.Command) error {
	var p setIntervalsPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("decode set-intervals payload: %w", err)
	}
	urgent := time.Duration(p.Urgent * float64(time.Second))
	regular := time.Duration(p.Regular * float64(time.Second))
	if err := m.sched.SetIntervals(urgent, regular); err != nil {
		return err
	}
	if m.state != nil {
		if err := m.state.SaveIntervals(ctx, urgent, regular); err != nil {
			return fmt.Errorf("persist intervals: %w", err)
		}
	}
	return nil
}

func (m *Manager) handleAcceptedTypes(ctx context.Context, cmd transport.Command) error {
	var p acceptedTypesPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return fmt.Errorf("decode accepted-types payload: %w", err)
	}
	if m.state == nil {
		return fmt.Errorf("accepted types are not persisted by this agent")
	}
	return m.state.SetAcceptedTypes(ctx, p.Types)
}
