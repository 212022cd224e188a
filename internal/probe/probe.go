// Package probe 在完整交换之前确认管理服务当前是否可达
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/transport"
	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
)

// Result 单次连通性检查的结果
type Result int

const (
	Unknown Result = iota
	Reachable
	Unreachable
)

func (r Result) String() string {
	switch r {
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Outcome 检查结果以及 ping 端点返回的信息
type Outcome struct {
	Result Result
	// ServerHasMessages ping 响应体为 {"messages": true} 时设置
	ServerHasMessages bool
	Err               error
}

type pingBody struct {
	Messages bool `json:"messages"`
}

// Probe 不修改队列状态
type Probe struct {
	url     string
	client  *http.Client
	agentID func() string
	log     *zap.Logger
}

// New 为 cfg.PingURL 创建探测器，复用 exchange 的 TLS 配置
func New(cfg *config.ExchangeConfig, agentID func() string) (*Probe, error) {
	hc, err := transport.NewHTTPClient(cfg.TLS, cfg.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg.PingURL, hc, agentID), nil
}

func NewWithClient(url string, client *http.Client, agentID func() string) *Probe {
	if agentID == nil {
		agentID = func() string { return "" }
	}
	return &Probe{url: url, client: client, agentID: agentID, log: logger.Named("probe")}
}

// Check 在 timeout 内对 ping 端点发起 GET。2xx 为 Reachable；
// 明确的非 2xx 响应、连接被拒绝或主机无法解析为 Unreachable；超时和其他不确定情况为 Unknown
func (p *Probe) Check(ctx context.Context, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Outcome{Result: Unknown, Err: err}
	}
	req.Header.Set(transport.HeaderAgentID, p.agentID())
	req.Header.Set(transport.HeaderRequestID, uuid.NewString())

	resp, err := p.client.Do(req)
	if err != nil {
		res := classify(err)
		p.log.Debug("ping failed", zap.String("result", res.String()), zap.Error(err))
		return Outcome{Result: res, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Outcome{Result: Unreachable, Err: fmt.Errorf("ping status %d", resp.StatusCode)}
	}

	out := Outcome{Result: Reachable}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(raw) > 0 {
		var body pingBody
		if json.Unmarshal(raw, &body) == nil {
			out.ServerHasMessages = body.Messages
		}
	}
	return out
}

func classify(err error) Result {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Unknown
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return Unknown
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return Unreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return Unreachable
	}
	return Unknown
}
