// Package scheduler 管理两种交换节奏：常规定时器始终启用，紧急定时器按需启动，
// 两者都投递到同一个可合并的触发通道。
//
// 紧急触发只请求一次额外尝试，不会重置常规定时器。
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
)

// Reason 请求尝试的原因
type Reason string

const (
	ReasonRegular Reason = "regular"
	ReasonUrgent  Reason = "urgent"
	ReasonRetry   Reason = "retry"
)

// Mode 当前决定下一次尝试的节奏
type Mode string

const (
	ModeRegular Mode = "regular"
	ModeUrgent  Mode = "urgent"
)

// Trigger 一次交换尝试请求
type Trigger struct {
	Reason Reason
	At     time.Time
}

// State 调度状态的副本
type State struct {
	LastAttempt     time.Time     `json:"last_attempt"`
	CurrentBackoff  time.Duration `json:"current_backoff"`
	UrgentPending   bool          `json:"urgent_pending"`
	Mode            Mode          `json:"mode"`
	NextRegular     time.Time     `json:"next_regular"`
	UrgentInterval  time.Duration `json:"urgent_interval"`
	RegularInterval time.Duration `json:"regular_interval"`
}

// Scheduler 并发安全。触发通过 C 投递，无人接收时后续触发合并到已缓冲的那一个
type Scheduler struct {
	clock clockwork.Clock
	log   *zap.Logger
	ch    chan Trigger

	mu           sync.Mutex
	urgentEvery  time.Duration
	regularEvery time.Duration
	regular      clockwork.Timer
	regularGen   uint64
	nextRegular  time.Time
	urgent       clockwork.Timer
	urgentGen    uint64
	backoff      time.Duration
	backoffUntil time.Time
	lastAttempt  time.Time
	started      bool
	stopped      bool
}

// New 按 exchange 配置的间隔创建调度器，Start 时启动常规定时器
func New(cfg *config.ExchangeConfig, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		clock:        clock,
		log:          logger.Named("scheduler"),
		ch:           make(chan Trigger, 1),
		urgentEvery:  cfg.UrgentInterval,
		regularEvery: cfg.RegularInterval,
	}
}

// C 尝试请求通道
func (s *Scheduler) C() <-chan Trigger { return s.ch }

// Start 启动常规定时器，重复调用无效果
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.armRegularLocked(s.regularEvery)
}

// ScheduleUrgent 启动紧急定时器（已启动则忽略）。
// 退避期间，紧急尝试等待紧急间隔与剩余退避中较长的一个
func (s *Scheduler) ScheduleUrgent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.urgent != nil {
		return
	}
	delay := s.urgentEvery
	if remaining := s.backoffUntil.Sub(s.clock.Now()); remaining > delay {
		delay = remaining
	}
	s.urgentGen++
	gen := s.urgentGen
	s.urgent = s.clock.AfterFunc(delay, func() { s.fireUrgent(gen) })
	s.log.Debug("urgent exchange armed", zap.Duration("in", delay))
}

// RequestNow 绕过两个定时器，立即投递触发
func (s *Scheduler) RequestNow(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.deliverLocked(reason)
	}
}

// SetIntervals 替换两种间隔。非退避期间常规定时器按新间隔重启，已启动的紧急定时器保持原截止时间
func (s *Scheduler) SetIntervals(urgent, regular time.Duration) error {
	if err := config.ValidateIntervals(urgent, regular); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := regular != s.regularEvery
	s.urgentEvery = urgent
	s.regularEvery = regular
	if changed && s.started && !s.stopped && s.backoff == 0 {
		s.armRegularLocked(regular)
	}
	s.log.Info("exchange intervals updated", zap.Duration("urgent", urgent), zap.Duration("regular", regular))
	return nil
}

// Intervals 当前的紧急、常规间隔
func (s *Scheduler) Intervals() (urgent, regular time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urgentEvery, s.regularEvery
}

// Backoff 把下一次常规尝试推迟 d，并标记为退避中
func (s *Scheduler) Backoff(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.backoff = d
	s.backoffUntil = s.clock.Now().Add(d)
	s.armRegularLocked(d)
}

// ResetBackoff 成功后恢复常规节奏，没有退避时不动常规定时器
func (s *Scheduler) ResetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == 0 {
		return
	}
	s.backoff = 0
	s.backoffUntil = time.Time{}
	if !s.stopped {
		s.armRegularLocked(s.regularEvery)
	}
}

// MarkAttempt 记录交换尝试开始时间
func (s *Scheduler) MarkAttempt(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAttempt = at
}

// State 返回调度状态副本
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		LastAttempt:     s.lastAttempt,
		CurrentBackoff:  s.backoff,
		UrgentPending:   s.urgent != nil,
		Mode:            ModeRegular,
		NextRegular:     s.nextRegular,
		UrgentInterval:  s.urgentEvery,
		RegularInterval: s.regularEvery,
	}
	if st.CurrentBackoff == 0 {
		st.CurrentBackoff = s.regularEvery
	}
	if st.UrgentPending {
		st.Mode = ModeUrgent
	}
	return st
}

// Cancel 停止两个定时器，返回后不再投递任何触发
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.regular != nil {
		s.regular.Stop()
		s.regular = nil
	}
	if s.urgent != nil {
		s.urgent.Stop()
		s.urgent = nil
	}
	s.regularGen++
	s.urgentGen++
	s.log.Debug("scheduler cancelled")
}

func (s *Scheduler) armRegularLocked(d time.Duration) {
	if s.regular != nil {
		s.regular.Stop()
	}
	s.regularGen++
	gen := s.regularGen
	s.nextRegular = s.clock.Now().Add(d)
	s.regular = s.clock.AfterFunc(d, func() { s.fireRegular(gen) })
}

func (s *Scheduler) fireRegular(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.regularGen {
		s.mu.Unlock()
		return
	}
	reason := ReasonRegular
	next := s.regularEvery
	if s.backoff > 0 {
		reason = ReasonRetry
		next = s.backoff
	}
	s.armRegularLocked(next)
	s.deliverLocked(reason)
	s.mu.Unlock()
}

func (s *Scheduler) fireUrgent(gen uint64) {
	s.mu.Lock()
	if s.stopped || gen != s.urgentGen {
		s.mu.Unlock()
		return
	}
	s.urgent = nil
	s.deliverLocked(ReasonUrgent)
	s.mu.Unlock()
}

// deliverLocked 不阻塞：C 只缓存一个触发，多余的丢弃。
// 调用方持有 mu，因此 Cancel 返回后 C 上不会再出现触发
func (s *Scheduler) deliverLocked(reason Reason) {
	select {
	case s.ch <- Trigger{Reason: reason, At: s.clock.Now()}:
	default:
		s.log.Debug("trigger coalesced", zap.String("reason", string(reason)))
	}
}
