package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/exchange-agent/internal/store"
)

const TypeComputerInfo = "computer-info"

type computerInfo struct {
	Hostname        string `json:"hostname"`
	HostID          string `json:"host_id"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	KernelArch      string `json:"kernel_arch"`
	BootTime        uint64 `json:"boot_time"`
	CPUModel        string `json:"cpu_model,omitempty"`
	PhysicalCores   int    `json:"physical_cores"`
	LogicalCores    int    `json:"logical_cores"`
}

// HostProducer 上报主机静态信息，仅在与上次不同时上报，变化时为紧急。
// 除按周期轮询外，每次交换前也会轮询
type HostProducer struct {
	info    func() (*host.InfoStat, error)
	cpuInfo func() ([]cpu.InfoStat, error)
	counts  func(logical bool) (int, error)

	last    []byte
	changed bool
}

func NewHostProducer() *HostProducer {
	return &HostProducer{info: host.Info, cpuInfo: cpu.Info, counts: cpu.Counts}
}

func (h *HostProducer) Name() string             { return "host" }
func (h *HostProducer) Type() string             { return TypeComputerInfo }
func (h *HostProducer) Init() error              { return nil }
func (h *HostProducer) Close() error             { return nil }
func (h *HostProducer) Reset()                   { h.last = nil }
func (h *HostProducer) Urgent() bool             { return h.changed }
func (h *HostProducer) PollBeforeExchange() bool { return true }

func (h *HostProducer) Produce(ctx context.Context) ([]store.Message, error) {
	h.changed = false
	hi, err := h.info()
	if err != nil {
		return nil, fmt.Errorf("get host info: %w", err)
	}
	ci := computerInfo{
		Hostname:        hi.Hostname,
		HostID:          hi.HostID,
		OS:              hi.OS,
		Platform:        hi.Platform,
		PlatformVersion: hi.PlatformVersion,
		KernelVersion:   hi.KernelVersion,
		KernelArch:      hi.KernelArch,
		BootTime:        hi.BootTime,
	}
	// cpu 详情尽力获取，容器中经常拿不到
	if infos, err := h.cpuInfo(); err == nil && len(infos) > 0 {
		ci.CPUModel = infos[0].ModelName
	}
	if n, err := h.counts(false); err == nil {
		ci.PhysicalCores = n
	}
	if n, err := h.counts(true); err == nil {
		ci.LogicalCores = n
	}

	payload, err := json.Marshal(ci)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(payload, h.last) {
		return nil, nil
	}
	h.last = payload
	h.changed = true
	return []store.Message{{Type: TypeComputerInfo, Payload: payload}}, nil
}
