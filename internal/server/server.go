// Package server 本地 HTTP API：健康检查、Prometheus 指标、交换状态与本地消息提交
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/exchange"
	"github.com/exchange-agent/internal/state"
	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
)

// httpShutdownTimeout 调用方 context 没有截止时间时 Shutdown 的上限
const httpShutdownTimeout = 5 * time.Second

// Exchanger API 使用的 exchange manager 接口
type Exchanger interface {
	Send(msg store.Message, urgent bool) (uint64, error)
	IsPending(seq uint64) bool
	ExchangeNow()
	Status() exchange.Status
}

// History 最近的交换尝试
type History interface {
	RecentAttempts(ctx context.Context, limit int) ([]state.Attempt, error)
}

// Deps API 的依赖，History 和 Gatherer 可选
type Deps struct {
	Exchange Exchanger
	History  History
	Gatherer prometheus.Gatherer
	AgentID  func() string
	Version  string
	Logger   *zap.Logger
}

// Server HTTP服务实例，封装监听地址、路由和依赖
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	log    *zap.Logger
	router chi.Router
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// statusWriter 包装ResponseWriter，捕获状态码
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func New(cfg *config.ServerConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Named("server")
	}
	if deps.AgentID == nil {
		deps.AgentID = func() string { return "" }
	}
	s := &Server{cfg: *cfg, deps: deps, log: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, s.logMiddleware)
	r.Get("/", s.index)
	r.Get("/health", s.health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{
			ErrorLog: zap.NewStdLog(s.log),
		}))
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/attempts", s.attempts)
		r.Post("/messages", s.submitMessage)
		r.Get("/messages/{seq}", s.messageStatus)
		r.Post("/exchange", s.exchangeNow)
	})
	s.router = r

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler 暴露路由，主要供测试使用
func (s *Server) Handler() http.Handler { return s.router }

// logMiddleware 统一请求日志
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("url", r.URL.String()),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// Start 绑定监听并在后台服务，绑定错误直接返回
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("starting HTTP server",
		zap.String("listen_addr", ln.Addr().String()),
		zap.Duration("read_timeout", s.cfg.ReadTimeout),
		zap.Duration("write_timeout", s.cfg.WriteTimeout))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr Start 成功后的实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown 优雅关闭HTTP服务；超时视为关闭完成
func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, httpShutdownTimeout)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("HTTP server shutdown timeout exceeded")
			return nil
		}
		s.log.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	s.log.Info("HTTP server shutdown successfully")
	return nil
}
