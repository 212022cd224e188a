// Package transport 与管理服务的线上交换：一次 JSON POST 携带一批排队消息，
// 响应中带确认信息和命令。
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
)

const (
	HeaderAgentID   = "X-Agent-ID"
	HeaderRequestID = "X-Request-ID"

	maxResponseBytes = 8 << 20
)

// Command 不透明的服务端指令，宿主按顺序执行
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result 校验过的交换响应。Send 返回本地编号的序号，Resynchronize 返回服务端原样的序号
type Result struct {
	AcceptedThrough uint64
	NextExpected    uint64
	Commands        []Command
}

type wireMessage struct {
	Sequence  uint64          `json:"sequence"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

type wireRequest struct {
	AgentID             string        `json:"agent_id"`
	BaseSequence        uint64        `json:"base_sequence"`
	NextExpected        uint64        `json:"next_expected_sequence"`
	Resynchronize       bool          `json:"resynchronize"`
	AcceptedTypesDigest string        `json:"accepted_types_digest,omitempty"`
	Messages            []wireMessage `json:"messages"`
}

type wireResponse struct {
	AcceptedThrough *uint64   `json:"accepted_through_sequence"`
	NextExpected    *uint64   `json:"next_expected_sequence"`
	Commands        []Command `json:"commands"`
}

// Options Client 的参数，AgentID 和 Digest 每次请求都会读取
type Options struct {
	URL        string
	HTTPClient *http.Client
	AgentID    func() string
	Digest     func() string
	UserAgent  string
	Logger     *zap.Logger
}

// Client 调用之间无状态，跨尝试的状态由调用方保存
type Client struct {
	opts Options
	log  *zap.Logger
}

// New 为 cfg.URL 创建带独立 HTTP client 的客户端
func New(cfg *config.ExchangeConfig, agentID, digest func() string) (*Client, error) {
	hc, err := NewHTTPClient(cfg.TLS, cfg.ExchangeTimeout)
	if err != nil {
		return nil, err
	}
	return NewWithOptions(Options{URL: cfg.URL, HTTPClient: hc, AgentID: agentID, Digest: digest}), nil
}

func NewWithOptions(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.AgentID == nil {
		opts.AgentID = func() string { return "" }
	}
	if opts.Digest == nil {
		opts.Digest = func() string { return "" }
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "exchange-agent"
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("transport")
	}
	return &Client{opts: opts, log: opts.Logger}
}

// Send 发送 batch 并校验服务端的序号记账：必须满足 next_expected == accepted_through+1，
// 且 next_expected 落在线上编号的 [base, last+1] 内，否则返回 ProtocolError
func (c *Client) Send(ctx context.Context, batch store.Batch) (*Result, error) {
	base := batch.ServerSequence(batch.Base)
	last := batch.ServerSequence(batch.Last())
	req := wireRequest{
		AgentID:             c.opts.AgentID(),
		BaseSequence:        base,
		NextExpected:        last + 1,
		AcceptedTypesDigest: c.opts.Digest(),
		Messages:            make([]wireMessage, 0, len(batch.Messages)),
	}
	for _, m := range batch.Messages {
		req.Messages = append(req.Messages, wireMessage{
			Sequence:  batch.ServerSequence(m.Sequence),
			Type:      m.Type,
			Timestamp: m.Timestamp,
			Payload:   encodePayload(m.Payload),
		})
	}

	resp, err := c.roundTrip(ctx, "send", &req)
	if err != nil {
		return nil, err
	}
	if resp.AcceptedThrough == nil || resp.NextExpected == nil {
		return nil, &ProtocolError{Reason: "response missing sequence fields", BatchBase: base, BatchLast: last}
	}

	accepted, next := *resp.AcceptedThrough, *resp.NextExpected
	if next != accepted+1 {
		return nil, &ProtocolError{
			Reason:     fmt.Sprintf("next expected does not follow accepted through %d", accepted),
			ServerNext: next,
			BatchBase:  base,
			BatchLast:  last,
		}
	}
	if next < base || next > last+1 {
		return nil, &ProtocolError{
			Reason:     "sequence mismatch",
			ServerNext: next,
			BatchBase:  base,
			BatchLast:  last,
		}
	}
	return &Result{
		AcceptedThrough: batch.LocalSequence(accepted),
		NextExpected:    batch.LocalSequence(next),
		Commands:        resp.Commands,
	}, nil
}

// Resynchronize 不发送消息，向服务端查询权威的 next expected 序号。
// base 为队列第一个待发送（或下一个）序号，使用服务端编号
func (c *Client) Resynchronize(ctx context.Context, base uint64) (*Result, error) {
	req := wireRequest{
		AgentID:             c.opts.AgentID(),
		BaseSequence:        base,
		NextExpected:        base,
		Resynchronize:       true,
		AcceptedTypesDigest: c.opts.Digest(),
		Messages:            []wireMessage{},
	}
	resp, err := c.roundTrip(ctx, "resynchronize", &req)
	if err != nil {
		return nil, err
	}
	if resp.NextExpected == nil || *resp.NextExpected == 0 {
		return nil, &ProtocolError{Reason: "resynchronize response missing next expected sequence", BatchBase: base, BatchLast: base - 1}
	}
	res := &Result{NextExpected: *resp.NextExpected, AcceptedThrough: *resp.NextExpected - 1, Commands: resp.Commands}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, op string, body *wireRequest) (*wireResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(data))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	requestID := uuid.NewString()
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	httpReq.Header.Set(HeaderAgentID, body.AgentID)
	httpReq.Header.Set(HeaderRequestID, requestID)

	start := time.Now()
	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if len(raw) > maxResponseBytes {
		return nil, &ProtocolError{Reason: "response too large"}
	}

	var out wireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ProtocolError{Reason: "malformed response", Err: err}
	}
	c.log.Debug("exchange round trip",
		zap.String("op", op),
		zap.String("request_id", requestID),
		zap.Int("messages", len(body.Messages)),
		zap.Uint64("base_sequence", body.BaseSequence),
		zap.Int("commands", len(out.Commands)),
		zap.Duration("elapsed", time.Since(start)))
	return &out, nil
}

// encodePayload JSON payload 原样嵌入，其他内容作为 JSON 字符串
func encodePayload(p []byte) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(p) {
		return json.RawMessage(p)
	}
	quoted, _ := json.Marshal(string(p))
	return quoted
}
