package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/logger"
)

const TypeCPUUsage = "cpu-usage"

type cpuUsage struct {
	CPU          string             `json:"cpu"`
	UsagePercent float64            `json:"usage_percent"`
	Modes        map[string]float64 `json:"modes"`
}

type cpuPayload struct {
	Usage  []cpuUsage `json:"usage"`
	Load1  float64    `json:"load1"`
	Load5  float64    `json:"load5"`
	Load15 float64    `json:"load15"`
}

// CPUProducer 上报两次轮询之间各模式的 CPU 使用率以及系统负载。
// 第一次轮询只记录基线
type CPUProducer struct {
	perCore bool
	times   func(percpu bool) ([]cpu.TimesStat, error)
	loadAvg func() (*load.AvgStat, error)
	counts  func(logical bool) (int, error)

	last map[string]cpu.TimesStat
}

func NewCPUProducer(perCore bool) *CPUProducer {
	return &CPUProducer{
		perCore: perCore,
		times:   cpu.Times,
		loadAvg: load.Avg,
		counts:  cpu.Counts,
		last:    map[string]cpu.TimesStat{},
	}
}

func (c *CPUProducer) Name() string { return "cpu" }
func (c *CPUProducer) Type() string { return TypeCPUUsage }
func (c *CPUProducer) Close() error { return nil }

// Init 预检查CPU可用性
func (c *CPUProducer) Init() error {
	if _, err := c.counts(false); err != nil {
		return fmt.Errorf("get cpu counts: %w", err)
	}
	return nil
}

func (c *CPUProducer) Reset() { c.last = map[string]cpu.TimesStat{} }

func (c *CPUProducer) Produce(ctx context.Context) ([]store.Message, error) {
	samples, err := c.times(false)
	if err != nil {
		return nil, fmt.Errorf("get cpu times: %w", err)
	}
	if c.perCore {
		cores, err := c.times(true)
		if err != nil {
			return nil, fmt.Errorf("get per-core cpu times: %w", err)
		}
		samples = append(samples, cores...)
	}

	var p cpuPayload
	for _, cur := range samples {
		id := cur.CPU
		if id == "cpu-total" || id == "cpu" {
			id = "total"
		}
		prev, ok := c.last[id]
		c.last[id] = cur
		if !ok {
			logger.Debug("first cpu sample, skipping usage", zap.String("cpu", id))
			continue
		}
		usage, modes, ok := usageBetween(prev, cur)
		if !ok {
			continue
		}
		p.Usage = append(p.Usage, cpuUsage{CPU: id, UsagePercent: usage, Modes: modes})
	}
	if len(p.Usage) == 0 {
		return nil, nil
	}

	if avg, err := c.loadAvg(); err != nil {
		logger.Warn("failed to get cpu load", zap.Error(err))
	} else {
		p.Load1, p.Load5, p.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return []store.Message{{Type: TypeCPUUsage, Payload: payload}}, nil
}

// usageBetween 返回两次采样之间的繁忙百分比和各模式占比，时间未流逝时 ok 为 false
func usageBetween(prev, cur cpu.TimesStat) (float64, map[string]float64, bool) {
	deltas := map[string]float64{
		"user":    cur.User - prev.User,
		"nice":    cur.Nice - prev.Nice,
		"system":  cur.System - prev.System,
		"idle":    cur.Idle - prev.Idle,
		"iowait":  cur.Iowait - prev.Iowait,
		"irq":     cur.Irq - prev.Irq,
		"softirq": cur.Softirq - prev.Softirq,
		"steal":   cur.Steal - prev.Steal,
	}
	var total float64
	for _, d := range deltas {
		total += d
	}
	if total <= 0 {
		return 0, nil, false
	}
	modes := make(map[string]float64, len(deltas))
	for mode, d := range deltas {
		modes[mode] = d / total * 100
	}
	return (total - deltas["idle"]) / total * 100, modes, true
}
