package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/exchange-agent/pkg/logger"
	"github.com/exchange-agent/pkg/metrics"
)

// Options Registry 的参数，Filter、Metrics、Clock、Logger 可选
type Options struct {
	Interval time.Duration
	Sink     Sink
	Filter   TypeFilter
	Metrics  *metrics.ProducerMetrics
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Registry 生产者注册器：按 interval 周期轮询所有已注册生产者，把消息写入 Sink
type Registry struct {
	opts      Options
	log       *zap.Logger
	producers []Producer

	// runMu 串行化定时轮询和交换钩子对生产者的调用
	runMu sync.Mutex

	mu          sync.Mutex
	resetAll    bool
	resetScopes map[string]struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Named("monitor")
	}
	if opts.Metrics == nil {
		f, _ := metrics.NewIsolatedFactory()
		opts.Metrics = f.NewProducerMetrics()
	}
	return &Registry{opts: opts, log: opts.Logger, resetScopes: map[string]struct{}{}}
}

// Register 添加生产者，需在 Start 之前调用
func (r *Registry) Register(p Producer) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.producers = append(r.producers, p)
}

// Producers 按注册顺序返回生产者名称
func (r *Registry) Producers() []string {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	names := make([]string, 0, len(r.producers))
	for _, p := range r.producers {
		names = append(names, p.Name())
	}
	return names
}

// InitAll 初始化所有生产者，第一个失败即中止
func (r *Registry) InitAll() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	for _, p := range r.producers {
		if err := p.Init(); err != nil {
			return fmt.Errorf("producer %s init failed: %w", p.Name(), err)
		}
		r.log.Debug("producer initialized", zap.String("name", p.Name()))
	}
	return nil
}

// Start 初始化生产者，先采集一次，然后每个 Interval 轮询一次，直到 ctx 结束或调用 Shutdown
func (r *Registry) Start(ctx context.Context) error {
	if err := r.InitAll(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	ticker := r.opts.Clock.NewTicker(r.opts.Interval)
	r.log.Debug("producer registry started",
		zap.Duration("interval", r.opts.Interval),
		zap.Int("registered-producers-count", len(r.producers)))

	go func() {
		defer close(done)
		defer ticker.Stop()

		// 首次采集只告警
		if err := r.CollectAll(ctx); err != nil {
			r.log.Warn("first collection failed", zap.Error(err))
		}
		for {
			select {
			case <-ticker.Chan():
				_ = r.CollectAll(ctx)
			case <-ctx.Done():
				r.log.Info("producer registry stopped", zap.Error(context.Cause(ctx)))
				return
			}
		}
	}()
	return nil
}

// CollectAll 轮询所有生产者一次，单个失败不影响其他
func (r *Registry) CollectAll(ctx context.Context) error {
	return r.run(ctx, func(Producer) bool { return true })
}

// BeforeExchange 轮询 ExchangeAware 生产者，注册为 manager 的 impending-exchange 钩子
func (r *Registry) BeforeExchange(ctx context.Context) {
	err := r.run(ctx, func(p Producer) bool {
		ea, ok := p.(ExchangeAware)
		return ok && ea.PollBeforeExchange()
	})
	if err != nil {
		r.log.Debug("pre-exchange collection failed", zap.Error(err))
	}
}

// Reset 让匹配 scopes（按名称或消息类型，为空表示全部）的生产者丢弃缓存状态。
// 只记录请求，在下一次轮询前执行
func (r *Registry) Reset(scopes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(scopes) == 0 {
		r.resetAll = true
		return
	}
	for _, s := range scopes {
		r.resetScopes[s] = struct{}{}
	}
}

func (r *Registry) applyResets() {
	r.mu.Lock()
	all := r.resetAll
	scopes := r.resetScopes
	r.resetAll = false
	r.resetScopes = map[string]struct{}{}
	r.mu.Unlock()

	if !all && len(scopes) == 0 {
		return
	}
	for _, p := range r.producers {
		rs, ok := p.(Resetter)
		if !ok {
			continue
		}
		_, byName := scopes[p.Name()]
		_, byType := scopes[p.Type()]
		if all || byName || byType {
			rs.Reset()
			r.log.Info("producer reset", zap.String("name", p.Name()))
		}
	}
}

func (r *Registry) run(ctx context.Context, want func(Producer) bool) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.applyResets()

	var errs []error
	for _, p := range r.producers {
		if !want(p) {
			continue
		}
		if err := r.collect(ctx, p); err != nil {
			r.log.Warn("collection failed", zap.String("name", p.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) collect(ctx context.Context, p Producer) error {
	if r.opts.Filter != nil && !r.opts.Filter.Accepts(p.Type()) {
		r.opts.Metrics.Skipped.WithLabelValues(p.Name()).Inc()
		r.log.Debug("message type not accepted, skipping", zap.String("name", p.Name()), zap.String("type", p.Type()))
		return nil
	}

	start := r.opts.Clock.Now()
	msgs, err := p.Produce(ctx)
	r.opts.Metrics.CollectDuration.WithLabelValues(p.Name()).Observe(r.opts.Clock.Since(start).Seconds())
	if err != nil {
		r.opts.Metrics.CollectErrors.WithLabelValues(p.Name()).Inc()
		return fmt.Errorf("%s: %w", p.Name(), err)
	}

	urgent := false
	if pr, ok := p.(Prioritizer); ok {
		urgent = pr.Urgent()
	}
	for _, m := range msgs {
		if m.Type == "" {
			m.Type = p.Type()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = r.opts.Clock.Now()
		}
		if _, err := r.opts.Sink.Send(m, urgent); err != nil {
			r.opts.Metrics.CollectErrors.WithLabelValues(p.Name()).Inc()
			return fmt.Errorf("%s: queue message: %w", p.Name(), err)
		}
		r.opts.Metrics.MessagesQueued.WithLabelValues(m.Type).Inc()
	}
	return nil
}

// Shutdown 停止轮询，等待循环退出并关闭所有生产者
func (r *Registry) Shutdown(ctx context.Context) error {
	r.log.Info("starting to shutdown producer registry")
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return r.CloseAll()
}

// CloseAll 关闭所有生产者，返回合并后的错误
func (r *Registry) CloseAll() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	var errs []error
	for _, p := range slices.Backward(r.producers) {
		if err := p.Close(); err != nil {
			r.log.Error("failed to close producer", zap.String("name", p.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
