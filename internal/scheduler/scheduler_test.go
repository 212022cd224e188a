package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchange-agent/pkg/config"
)

func newTestScheduler(t *testing.T, urgent, regular time.Duration) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	cfg := config.NewDefaultConfig().Exchange
	cfg.UrgentInterval = urgent
	cfg.RegularInterval = regular
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(&cfg, clock)
	t.Cleanup(s.Cancel)
	return s, clock
}

func recv(t *testing.T, s *Scheduler) Trigger {
	t.Helper()
	select {
	case tr := <-s.C():
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger")
		return Trigger{}
	}
}

func assertQuiet(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case tr := <-s.C():
		t.Fatalf("unexpected trigger %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegularTimerFiresEveryInterval(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Minute)
	s.Start()

	clock.Advance(59 * time.Second)
	assertQuiet(t, s)
	clock.Advance(time.Second)
	assert.Equal(t, ReasonRegular, recv(t, s).Reason)

	clock.Advance(time.Minute)
	assert.Equal(t, ReasonRegular, recv(t, s).Reason)
}

func TestUrgentDoesNotResetRegularCadence(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Minute)
	start := clock.Now()
	s.Start()

	clock.Advance(30 * time.Second)
	s.ScheduleUrgent()
	assert.Equal(t, ModeUrgent, s.State().Mode)
	assert.True(t, s.State().UrgentPending)

	clock.Advance(10 * time.Second)
	assert.Equal(t, ReasonUrgent, recv(t, s).Reason)
	assert.False(t, s.State().UrgentPending)
	assert.Equal(t, start.Add(time.Minute), s.State().NextRegular)

	clock.Advance(20 * time.Second)
	assert.Equal(t, ReasonRegular, recv(t, s).Reason)
}

func TestScheduleUrgentArmsOnce(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Hour)
	s.Start()

	s.ScheduleUrgent()
	clock.Advance(5 * time.Second)
	s.ScheduleUrgent() // 已启动：保持原截止时间
	clock.Advance(5 * time.Second)
	assert.Equal(t, ReasonUrgent, recv(t, s).Reason)
	clock.Advance(10 * time.Second)
	assertQuiet(t, s)
}

func TestTriggersCoalesceWhileUnread(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Hour)
	s.Start()

	s.ScheduleUrgent()
	clock.Advance(10 * time.Second)
	s.RequestNow(ReasonUrgent)
	s.RequestNow(ReasonUrgent)

	recv(t, s)
	assertQuiet(t, s)
}

func TestBackoffDelaysRegularAndResetRestoresIt(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Minute)
	s.Start()

	s.Backoff(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, s.State().CurrentBackoff)

	clock.Advance(time.Minute)
	assertQuiet(t, s)
	clock.Advance(4 * time.Minute)
	assert.Equal(t, ReasonRetry, recv(t, s).Reason)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, ReasonRetry, recv(t, s).Reason)

	s.ResetBackoff()
	assert.Equal(t, time.Minute, s.State().CurrentBackoff)
	clock.Advance(time.Minute)
	assert.Equal(t, ReasonRegular, recv(t, s).Reason)
}

func TestUrgentWaitsOutBackoff(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Hour)
	s.Start()
	s.Backoff(2 * time.Minute)

	s.ScheduleUrgent()
	clock.Advance(10 * time.Second)
	assertQuiet(t, s)

	clock.Advance(110 * time.Second)
	recv(t, s)
}

func TestSetIntervals(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Hour)
	s.Start()

	assert.Error(t, s.SetIntervals(time.Minute, 30*time.Second))
	require.NoError(t, s.SetIntervals(5*time.Second, 2*time.Minute))

	urgent, regular := s.Intervals()
	assert.Equal(t, 5*time.Second, urgent)
	assert.Equal(t, 2*time.Minute, regular)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, ReasonRegular, recv(t, s).Reason)
}

func TestCancelStopsEverything(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Minute)
	s.Start()
	s.ScheduleUrgent()
	s.Cancel()

	clock.Advance(time.Hour)
	s.RequestNow(ReasonUrgent)
	assertQuiet(t, s)
}

func TestNoTriggerAfterCancelReturns(t *testing.T) {
	s, _ := newTestScheduler(t, 10*time.Second, time.Minute)
	s.Start()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					s.RequestNow(ReasonUrgent)
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	s.Cancel()
	select {
	case <-s.C():
	default:
	}
	assertQuiet(t, s)
	close(stop)
	wg.Wait()
	assertQuiet(t, s)
}

func TestMarkAttempt(t *testing.T) {
	s, clock := newTestScheduler(t, 10*time.Second, time.Minute)
	now := clock.Now()
	s.MarkAttempt(now)
	assert.Equal(t, now, s.State().LastAttempt)
	assert.Equal(t, ModeRegular, s.State().Mode)
}
