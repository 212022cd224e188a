package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/exchange"
	"github.com/exchange-agent/internal/monitor"
	"github.com/exchange-agent/internal/probe"
	"github.com/exchange-agent/internal/scheduler"
	"github.com/exchange-agent/internal/server"
	"github.com/exchange-agent/internal/state"
	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/internal/transport"
	"github.com/exchange-agent/pkg/config"
	"github.com/exchange-agent/pkg/logger"
	"github.com/exchange-agent/pkg/metrics"
	"github.com/exchange-agent/pkg/signal"
	"github.com/exchange-agent/pkg/util"
)

// shutdownSlack 在交换 grace 之外，留给本地 API、生产者和队列关闭的时间
const shutdownSlack = 5 * time.Second

func runAgent(ctx context.Context, cfg *config.Config, configFile string) error {
	if _, err := logger.InitLogger(&cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	util.PrintBanner(os.Stdout, "exchange-agent", Version, "blue")
	logger.SetDefaultComponent("agent")
	log := logger.Named("agent")
	logger.Info("log initialization successful",
		zap.String("path", cfg.Log.Path),
		zap.String("level", cfg.Log.Level),
		zap.String("format", cfg.Log.Format))
	logger.Debug("configuration loaded", zap.String("file", configFile))

	st, err := state.Open(cfg.Exchange.StatePath)
	if err != nil {
		return fmt.Errorf("open exchange state: %w", err)
	}
	defer func() { _ = st.Close() }()
	log.Info("agent identity", zap.String("agent_id", st.AgentID()))

	queue, err := store.Open(store.OptionsFrom(&cfg.Exchange))
	if err != nil {
		return fmt.Errorf("open message queue: %w", err)
	}
	defer func() { _ = queue.Close() }()

	// 只注册进程指标，不注册 go 运行时指标
	promReg, err := metrics.NewRegistry(metrics.RegistryOptions{Process: true, BuildInfo: true})
	if err != nil {
		return fmt.Errorf("init metrics registry: %w", err)
	}
	factory := promReg.Factory()

	sched := scheduler.New(&cfg.Exchange, clockwork.NewRealClock())
	if urgent, regular, ok, err := st.Intervals(ctx); err != nil {
		log.Warn("read saved intervals", zap.Error(err))
	} else if ok {
		if err := sched.SetIntervals(urgent, regular); err != nil {
			log.Warn("saved intervals rejected, using configured ones", zap.Error(err))
		} else {
			log.Info("using intervals set by the server",
				zap.Duration("urgent_interval", urgent), zap.Duration("regular_interval", regular))
		}
	}

	prober, err := probe.New(&cfg.Exchange, st.AgentID)
	if err != nil {
		return fmt.Errorf("build probe: %w", err)
	}
	client, err := transport.New(&cfg.Exchange, st.AgentID, st.Digest)
	if err != nil {
		return fmt.Errorf("build exchange client: %w", err)
	}

	mgr := exchange.New(&cfg.Exchange, exchange.Deps{
		Queue:     queue,
		Probe:     prober,
		Client:    client,
		Scheduler: sched,
		State:     st,
		Metrics:   factory.NewExchangeMetrics(),
		Logger:    logger.Named("exchange"),
	})

	producers := monitor.NewRegistry(monitor.Options{
		Interval: cfg.Monitor.Interval,
		Sink:     mgr,
		Filter:   st,
		Metrics:  factory.NewProducerMetrics(),
	})
	monitor.RegisterProducers(producers, &cfg.Monitor)
	mgr.OnImpendingExchange(producers.BeforeExchange)
	mgr.OnEvent(func(e exchange.Event) {
		switch e.Type {
		case exchange.EventResynchronize:
			producers.Reset(e.Scopes)
		case exchange.EventDegraded:
			log.Error("exchange degraded", zap.Int("consecutive_failures", e.ConsecutiveFailures))
		}
	})

	api := server.New(&cfg.Server, server.Deps{
		Exchange: mgr,
		History:  st,
		Gatherer: promReg,
		AgentID:  st.AgentID,
		Version:  Version,
	})
	if err := api.Start(); err != nil {
		return fmt.Errorf("start local API: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgrDone := make(chan error, 1)
	go func() { mgrDone <- mgr.Run(runCtx) }()

	if err := producers.Start(runCtx); err != nil {
		cancel()
		<-mgrDone
		_ = api.Shutdown(context.Background())
		return fmt.Errorf("start producers: %w", err)
	}

	if configFile != "" {
		go func() {
			err := config.Watch(runCtx, configFile,
				func(next *config.Config) { applyReload(log, sched, cfg, next) },
				func(err error) { log.Warn("config reload rejected", zap.Error(err)) })
			if err != nil {
				log.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	grace := cfg.Exchange.ShutdownGrace + shutdownSlack
	return signal.WaitForShutdown(ctx, log, grace, func(sctx context.Context) error {
		// 关闭顺序：本地 API -> 生产者 -> 交换流程 -> 消息队列
		var errs []error
		if err := api.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("local API: %w", err))
		}
		if err := producers.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("producers: %w", err))
		}
		cancel()
		select {
		case err := <-mgrDone:
			if err != nil {
				errs = append(errs, fmt.Errorf("exchange: %w", err))
			}
		case <-sctx.Done():
			errs = append(errs, fmt.Errorf("exchange: %w", sctx.Err()))
		}
		if err := queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("message queue: %w", err))
		}
		return errors.Join(errs...)
	})
}

// applyReload 把新的交换周期推给调度器，其余配置需要重启
func applyReload(log *zap.Logger, sched *scheduler.Scheduler, current, next *config.Config) {
	urgent, regular := sched.Intervals()
	if next.Exchange.UrgentInterval != urgent || next.Exchange.RegularInterval != regular {
		if err := sched.SetIntervals(next.Exchange.UrgentInterval, next.Exchange.RegularInterval); err != nil {
			log.Warn("reloaded intervals rejected", zap.Error(err))
		} else {
			log.Info("exchange intervals reloaded",
				zap.Duration("urgent_interval", next.Exchange.UrgentInterval),
				zap.Duration("regular_interval", next.Exchange.RegularInterval))
		}
	}
	if restartNeeded(current, next) {
		log.Warn("config changes other than exchange intervals are ignored until restart")
	}
}

func restartNeeded(current, next *config.Config) bool {
	a, b := *current, *next
	a.Exchange.UrgentInterval, a.Exchange.RegularInterval = 0, 0
	b.Exchange.UrgentInterval, b.Exchange.RegularInterval = 0, 0
	ra, errA := a.Render()
	rb, errB := b.Render()
	return errA != nil || errB != nil || !bytes.Equal(ra, rb)
}
