// Package exchange 交换状态机：Idle -> ProbingConnectivity -> Exchanging -> Idle。
// 单个循环 goroutine 持有 in-flight 标记，尝试进行中到达的调度触发合并为一个待处理请求。
package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/probe"
	"github.com/exchange-agent/internal/scheduler"
	"github.com/exchange-agent/internal/state"
	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/internal/transport"
	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
	"github.com/exchange-agent/pkg/metrics"
)

// State 交换流程状态
type State string

const (
	StateIdle         State = "idle"
	StateProbing      State = "probing_connectivity"
	StateExchanging   State = "exchanging"
	StateShuttingDown State = "shutting_down"
)

// Queue manager 使用的消息存储接口
type Queue interface {
	Append(msg store.Message) (uint64, error)
	Snapshot(maxCount, maxBytes int) (store.Batch, error)
	Acknowledge(through uint64) error
	AdvanceTo(next uint64) error
	Rebase(serverNext uint64) error
	IsPending(seq uint64) bool
	Stats() store.Stats
}

// Prober 检查管理服务是否可达
type Prober interface {
	Check(ctx context.Context, timeout time.Duration) probe.Outcome
}

// Sender 执行线上交换
type Sender interface {
	Send(ctx context.Context, batch store.Batch) (*transport.Result, error)
	Resynchronize(ctx context.Context, base uint64) (*transport.Result, error)
}

// StateStore 持久化服务端命令修改的状态和尝试历史
type StateStore interface {
	SetAcceptedTypes(ctx context.Context, types []string) error
	SaveIntervals(ctx context.Context, urgent, regular time.Duration) error
	RecordAttempt(ctx context.Context, a state.Attempt) error
}

// Deps New 的依赖。State、Metrics、Clock、Logger 可选
type Deps struct {
	Queue     Queue
	Probe     Prober
	Client    Sender
	Scheduler *scheduler.Scheduler
	State     StateStore
	Metrics   *metrics.ExchangeMetrics
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

// Summary 最近一次尝试的摘要
type Summary struct {
	Reason       scheduler.Reason `json:"reason"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Probe        string           `json:"probe"`
	Outcome      string           `json:"outcome"`
	Detail       string           `json:"detail,omitempty"`
	Sent         int              `json:"sent"`
	AckedThrough uint64           `json:"acked_through"`
}

// Status 供本地 API 使用的即时状态
type Status struct {
	State               State           `json:"state"`
	Pending             bool            `json:"pending"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Degraded            bool            `json:"degraded"`
	Backoff             time.Duration   `json:"backoff"`
	Schedule            scheduler.State `json:"schedule"`
	Queue               store.Stats     `json:"queue"`
	Last                *Summary        `json:"last,omitempty"`
}

// attempt 一次 Probing/Exchanging 的结果
type attempt struct {
	trigger     scheduler.Trigger
	started     time.Time
	finished    time.Time
	probe       probe.Result
	serverHasMs bool
	kind        FailureKind // 成功时为空
	err         error
	sent        int
	acked       uint64
}

type Manager struct {
	cfg     config.ExchangeConfig
	queue   Queue
	probe   Prober
	client  Sender
	sched   *scheduler.Scheduler
	state   StateStore
	metrics *metrics.ExchangeMetrics
	clock   clockwork.Clock
	log     *zap.Logger

	mu                  sync.Mutex
	handlers            map[string]CommandHandler
	hooks               []func(context.Context)
	listeners           []Listener
	current             State
	pending             bool
	consecutiveFailures int
	unknownStreak       int
	backoff             time.Duration
	needResync          bool
	last                *Summary
}

// New 创建 manager。cfg 被复制，之后的间隔调整通过 scheduler 完成
func New(cfg *config.ExchangeConfig, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Named("exchange")
	}
	if deps.Metrics == nil {
		f, _ := metrics.NewIsolatedFactory()
		deps.Metrics = f.NewExchangeMetrics()
	}
	m := &Manager{
		cfg:      *cfg,
		queue:    deps.Queue,
		probe:    deps.Probe,
		client:   deps.Client,
		sched:    deps.Scheduler,
		state:    deps.State,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		log:      deps.Logger,
		handlers: map[string]CommandHandler{},
		current:  StateIdle,
	}
	m.registerBuiltins()
	return m
}

// OnEvent 注册监听者，需在 Run 之前调用
func (m *Manager) OnEvent(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnImpendingExchange 注册在每次快照之前执行的钩子，生产者可借此把最新数据放入本次交换
func (m *Manager) OnImpendingExchange(h func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Send 入队一条消息；urgent 时同时启动紧急定时器
func (m *Manager) Send(msg store.Message, urgent bool) (uint64, error) {
	seq, err := m.queue.Append(msg)
	if err != nil {
		return 0, err
	}
	if urgent {
		m.sched.ScheduleUrgent()
	}
	return seq, nil
}

// IsPending 消息 seq 是否仍在等待确认
func (m *Manager) IsPending(seq uint64) bool { return m.queue.IsPending(seq) }

// ScheduleUrgent 启动紧急定时器
func (m *Manager) ScheduleUrgent() { m.sched.ScheduleUrgent() }

// ExchangeNow 立即请求一次尝试，与其他触发一样会被合并
func (m *Manager) ExchangeNow() { m.sched.RequestNow(scheduler.ReasonUrgent) }

// Status 流程状态快照
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:               m.current,
		Pending:             m.pending,
		ConsecutiveFailures: m.consecutiveFailures,
		Degraded:            m.consecutiveFailures >= m.cfg.DegradedThreshold,
		Backoff:             m.backoff,
	}
	if m.last != nil {
		last := *m.last
		st.Last = &last
	}
	m.mu.Unlock()
	st.Schedule = m.sched.State()
	st.Queue = m.queue.Stats()
	return st
}

// Run 启动 scheduler 并处理触发直到 ctx 结束。关闭时先停定时器，
// 进行中的尝试有 ShutdownGrace 的时间完成，超时后被取消
func (m *Manager) Run(ctx context.Context) error {
	attemptCtx, cancelAttempts := context.WithCancel(context.Background())
	defer cancelAttempts()

	done := make(chan attempt, 1)
	inFlight := false
	start := func(tr scheduler.Trigger) {
		inFlight = true
		go func() { done <- m.runAttempt(attemptCtx, tr) }()
	}

	m.sched.Start()
	m.log.Info("exchange manager started",
		zap.Duration("urgent_interval", m.cfg.UrgentInterval),
		zap.Duration("regular_interval", m.cfg.RegularInterval))

	for {
		select {
		case <-ctx.Done():
			m.sched.Cancel()
			m.setState(StateShuttingDown)
			if inFlight {
				m.log.Info("waiting for in-flight exchange", zap.Duration("grace", m.cfg.ShutdownGrace))
				select {
				case a := <-done:
					m.finish(a)
				case <-m.clock.After(m.cfg.ShutdownGrace):
					cancelAttempts()
					a := <-done
					m.log.Warn("in-flight exchange abandoned at shutdown", zap.Error(a.err))
				}
			}
			return nil

		case tr := <-m.sched.C():
			if inFlight {
				m.mu.Lock()
				m.pending = true
				m.mu.Unlock()
				m.log.Debug("attempt coalesced", zap.String("reason", string(tr.Reason)))
				continue
			}
			start(tr)

		case a := <-done:
			inFlight = false
			m.finish(a)

			m.mu.Lock()
			pending := m.pending
			m.pending = false
			m.mu.Unlock()
			if !pending {
				continue
			}
			if a.kind == "" || a.kind == FailureConnectivity {
				start(scheduler.Trigger{Reason: scheduler.ReasonUrgent, At: m.clock.Now()})
			} else {
				// 遵守刚设置的退避
				m.sched.ScheduleUrgent()
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

// runAttempt 单次尝试的主体，在循环 goroutine 之外执行
func (m *Manager) runAttempt(ctx context.Context, tr scheduler.Trigger) attempt {
	a := attempt{trigger: tr, started: m.clock.Now()}
	m.sched.MarkAttempt(a.started)

	m.setState(StateProbing)
	out := m.probe.Check(ctx, m.cfg.ProbeTimeout)
	a.probe = out.Result
	a.serverHasMs = out.ServerHasMessages
	m.metrics.ProbeResults.WithLabelValues(out.Result.String()).Inc()

	m.mu.Lock()
	switch out.Result {
	case probe.Unknown:
		m.unknownStreak++
	default:
		m.unknownStreak = 0
	}
	streak := m.unknownStreak
	m.mu.Unlock()

	switch out.Result {
	case probe.Unreachable:
		a.kind = FailureConnectivity
		a.err = out.Err
		a.finished = m.clock.Now()
		return a
	case probe.Unknown:
		if streak > m.cfg.UnknownRetryBudget {
			a.kind = FailureTransport
			a.err = errors.Join(errUnknownBudget, out.Err)
			a.finished = m.clock.Now()
			return a
		}
		m.log.Debug("connectivity unknown, exchanging anyway", zap.Int("streak", streak), zap.Error(out.Err))
	}

	m.setState(StateExchanging)
	m.exchange(ctx, &a)
	a.finished = m.clock.Now()
	return a
}

var errUnknownBudget = errors.New("connectivity unknown beyond retry budget")

func (m *Manager) exchange(ctx context.Context, a *attempt) {
	m.mu.Lock()
	hooks := append([]func(context.Context){}, m.hooks...)
	resync := m.needResync
	m.mu.Unlock()

	for _, h := range hooks {
		h(ctx)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
	defer cancel()

	if resync {
		if err := m.resynchronize(sendCtx); err != nil {
			a.kind, a.err = classify(err)
			return
		}
	}

	batch, err := m.queue.Snapshot(m.cfg.MaxBatchCount, m.cfg.MaxBatchBytes)
	if err != nil {
		a.kind, a.err = FailureStorage, err
		return
	}

	began := m.clock.Now()
	res, err := m.client.Send(sendCtx, batch)
	m.metrics.Duration.Observe(m.clock.Since(began).Seconds())
	if err != nil {
		a.kind, a.err = classify(err)
		if a.kind == FailureProtocol {
			m.mu.Lock()
			m.needResync = true
			m.mu.Unlock()
			m.log.Warn("exchange protocol mismatch, resynchronizing", zap.Error(err))
			if rerr := m.resynchronize(sendCtx); rerr != nil {
				m.log.Warn("resynchronize failed, retrying on next attempt", zap.Error(rerr))
			}
		}
		return
	}

	a.sent = len(batch.Messages)
	m.metrics.MessagesSent.Add(float64(a.sent))
	acked := m.queue.Stats().AckedThrough
	if err := m.queue.Acknowledge(res.AcceptedThrough); err != nil {
		a.kind, a.err = FailureStorage, err
	} else {
		a.acked = res.AcceptedThrough
		if res.AcceptedThrough > acked {
			m.metrics.MessagesAcked.Add(float64(res.AcceptedThrough - acked))
		}
	}
	m.applyCommands(ctx, res.Commands)
}

// resynchronize 向服务端查询序号位置并据此对齐队列
func (m *Manager) resynchronize(ctx context.Context) error {
	stats := m.queue.Stats()
	base := stats.AckedThrough + 1
	res, err := m.client.Resynchronize(ctx, store.ToServer(base, stats.ServerOffset))
	if err != nil {
		return err
	}
	m.metrics.Resyncs.Inc()

	serverNext := res.NextExpected
	next := store.ToLocal(serverNext, stats.ServerOffset)
	switch {
	case next > stats.NextSequence:
		m.log.Warn("server is ahead of the local queue, skipping forward",
			zap.Uint64("server_next", serverNext), zap.Uint64("local_next", stats.NextSequence))
		if err := m.queue.AdvanceTo(next); err != nil {
			return err
		}
	case next <= stats.AckedThrough:
		// 已确认的消息无法恢复，待发送消息从服务端的 next 继续编号
		m.log.Warn("server lost messages already acknowledged locally, rebasing",
			zap.Uint64("server_next", serverNext), zap.Uint64("acked_through", stats.AckedThrough))
		if err := m.queue.Rebase(serverNext); err != nil {
			return err
		}
	default:
		if err := m.queue.Acknowledge(next - 1); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.needResync = false
	m.mu.Unlock()
	m.emit(Event{Type: EventResynchronize, At: m.clock.Now()})
	m.applyCommands(ctx, res.Commands)
	return nil
}

func classify(err error) (FailureKind, error) {
	switch {
	case store.IsStorageError(err):
		return FailureStorage, err
	case transport.IsProtocol(err):
		return FailureProtocol, err
	default:
		return FailureTransport, err
	}
}

// finish 把尝试结果并入调度并发出事件，仅在循环 goroutine 中调用
func (m *Manager) finish(a attempt) {
	now := m.clock.Now()
	summary := &Summary{
		Reason:       a.trigger.Reason,
		StartedAt:    a.started,
		FinishedAt:   a.finished,
		Probe:        a.probe.String(),
		Sent:         a.sent,
		AckedThrough: a.acked,
	}

	m.mu.Lock()
	if m.current != StateShuttingDown {
		m.current = StateIdle
	}
	m.mu.Unlock()

	// 监听者看到的是本次尝试之后的状态
	var events []Event
	switch a.kind {
	case "":
		summary.Outcome = "success"
		m.mu.Lock()
		m.consecutiveFailures = 0
		m.backoff = 0
		m.mu.Unlock()
		m.sched.ResetBackoff()
		m.metrics.Attempts.WithLabelValues("success").Inc()
		m.metrics.BackoffSeconds.Set(0)
		m.metrics.ConsecutiveFailures.Set(0)
		m.log.Info("exchange succeeded",
			zap.String("reason", string(a.trigger.Reason)),
			zap.Int("sent", a.sent),
			zap.Uint64("acked_through", a.acked))
		events = append(events, Event{Type: EventExchangeSucceeded, At: now, Sent: a.sent, AckedThrough: a.acked})

	case FailureConnectivity:
		// 预期内的临时状况：不惩罚，常规节奏继续
		summary.Outcome = string(FailureConnectivity)
		summary.Detail = errString(a.err)
		m.metrics.Attempts.WithLabelValues("skipped").Inc()
		m.log.Info("management service unreachable, skipping exchange", zap.Error(a.err))
		events = append(events, Event{Type: EventExchangeFailed, At: now, Kind: FailureConnectivity, Detail: summary.Detail})

	default:
		summary.Outcome = string(a.kind)
		summary.Detail = errString(a.err)
		weight := 1
		if a.probe == probe.Unknown {
			weight = 2
		}
		m.mu.Lock()
		before := m.consecutiveFailures
		m.consecutiveFailures += weight
		failures := m.consecutiveFailures
		m.backoff = m.nextBackoff(failures)
		backoff := m.backoff
		m.mu.Unlock()

		m.sched.Backoff(backoff)
		m.metrics.Attempts.WithLabelValues(string(a.kind)).Inc()
		m.metrics.BackoffSeconds.Set(backoff.Seconds())
		m.metrics.ConsecutiveFailures.Set(float64(failures))
		m.log.Warn("exchange failed",
			zap.String("kind", string(a.kind)),
			zap.Int("consecutive_failures", failures),
			zap.Duration("retry_in", backoff),
			zap.Error(a.err))
		events = append(events, Event{Type: EventExchangeFailed, At: now, Kind: a.kind, Detail: summary.Detail, ConsecutiveFailures: failures})

		if before < m.cfg.DegradedThreshold && failures >= m.cfg.DegradedThreshold {
			m.metrics.DegradedEvents.Inc()
			m.log.Error("exchange degraded", zap.Int("consecutive_failures", failures))
			events = append(events, Event{Type: EventDegraded, At: now, ConsecutiveFailures: failures})
		}
	}

	if a.serverHasMs {
		m.sched.ScheduleUrgent()
	}
	m.metrics.QueueDepth.Set(float64(m.queue.Stats().Pending))

	m.mu.Lock()
	m.last = summary
	m.mu.Unlock()

	if m.state != nil {
		err := m.state.RecordAttempt(context.Background(), state.Attempt{
			StartedAt:    summary.StartedAt,
			FinishedAt:   summary.FinishedAt,
			Reason:       string(summary.Reason),
			Outcome:      summary.Outcome,
			Detail:       summary.Detail,
			Sent:         summary.Sent,
			AckedThrough: summary.AckedThrough,
		})
		if err != nil {
			m.log.Warn("record exchange attempt", zap.Error(err))
		}
	}

	for _, e := range events {
		m.emit(e)
	}
}

// nextBackoff 从常规间隔开始按连续失败次数翻倍，上限 MaxBackoff。调用方持有 mu
func (m *Manager) nextBackoff(failures int) time.Duration {
	_, regular := m.sched.Intervals()
	ceiling := m.cfg.MaxBackoff
	if ceiling < regular {
		ceiling = regular
	}
	d := regular
	for i := 0; i < failures && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func (m *Manager) emit(e Event) {
	m.mu.Lock()
	listeners := append([]Listener{}, m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(e)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
