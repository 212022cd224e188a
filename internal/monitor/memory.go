package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/exchange-agent/internal/store"
)

const TypeMemoryInfo = "memory-info"

type memoryPayload struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	SwapTotalBytes uint64  `json:"swap_total_bytes"`
	SwapUsedBytes  uint64  `json:"swap_used_bytes"`
}

// MemoryProducer 上报物理内存和 swap 使用情况
type MemoryProducer struct {
	virtual func() (*mem.VirtualMemoryStat, error)
	swap    func() (*mem.SwapMemoryStat, error)
}

func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{virtual: mem.VirtualMemory, swap: mem.SwapMemory}
}

func (m *MemoryProducer) Name() string { return "memory" }
func (m *MemoryProducer) Type() string { return TypeMemoryInfo }
func (m *MemoryProducer) Close() error { return nil }

func (m *MemoryProducer) Init() error {
	_, err := m.virtual()
	return err
}

func (m *MemoryProducer) Produce(ctx context.Context) ([]store.Message, error) {
	vm, err := m.virtual()
	if err != nil {
		return nil, fmt.Errorf("get virtual memory: %w", err)
	}
	p := memoryPayload{
		TotalBytes:     vm.Total,
		AvailableBytes: vm.Available,
		UsedBytes:      vm.Used,
		UsedPercent:    vm.UsedPercent,
	}
	// 部分主机没有 swap
	if sw, err := m.swap(); err == nil {
		p.SwapTotalBytes, p.SwapUsedBytes = sw.Total, sw.Used
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return []store.Message{{Type: TypeMemoryInfo, Payload: payload}}, nil
}
