package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v3/net"

	"github.com/exchange-agent/internal/store"
)

const TypeNetworkActivity = "network-activity"

type interfaceActivity struct {
	Interface   string `json:"interface"`
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
	ErrorsIn    uint64 `json:"errors_in"`
	ErrorsOut   uint64 `json:"errors_out"`
}

// NetworkProducer 上报每个网卡自上次轮询以来的流量。计数器回退的网卡重新建立基线，不上报
type NetworkProducer struct {
	ignore   []string
	counters func(pernic bool) ([]net.IOCountersStat, error)
	last     map[string]net.IOCountersStat
}

func NewNetworkProducer(ignore []string) *NetworkProducer {
	return &NetworkProducer{ignore: ignore, counters: net.IOCounters, last: map[string]net.IOCountersStat{}}
}

func (n *NetworkProducer) Name() string { return "network" }
func (n *NetworkProducer) Type() string { return TypeNetworkActivity }
func (n *NetworkProducer) Init() error  { return nil }
func (n *NetworkProducer) Close() error { return nil }
func (n *NetworkProducer) Reset()       { n.last = map[string]net.IOCountersStat{} }

func (n *NetworkProducer) Produce(ctx context.Context) ([]store.Message, error) {
	stats, err := n.counters(true)
	if err != nil {
		return nil, fmt.Errorf("get network counters: %w", err)
	}
	var activity []interfaceActivity
	for _, cur := range stats {
		if slices.Contains(n.ignore, cur.Name) {
			continue
		}
		prev, ok := n.last[cur.Name]
		n.last[cur.Name] = cur
		if !ok || cur.BytesSent < prev.BytesSent || cur.BytesRecv < prev.BytesRecv ||
			cur.PacketsSent < prev.PacketsSent || cur.PacketsRecv < prev.PacketsRecv ||
			cur.Errin < prev.Errin || cur.Errout < prev.Errout {
			continue
		}
		activity = append(activity, interfaceActivity{
			Interface:   cur.Name,
			BytesSent:   cur.BytesSent - prev.BytesSent,
			BytesRecv:   cur.BytesRecv - prev.BytesRecv,
			PacketsSent: cur.PacketsSent - prev.PacketsSent,
			PacketsRecv: cur.PacketsRecv - prev.PacketsRecv,
			ErrorsIn:    cur.Errin - prev.Errin,
			ErrorsOut:   cur.Errout - prev.Errout,
		})
	}
	if len(activity) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]any{"interfaces": activity})
	if err != nil {
		return nil, err
	}
	return []store.Message{{Type: TypeNetworkActivity, Payload: payload}}, nil
}
