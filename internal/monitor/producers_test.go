package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageBetween(t *testing.T) {
	prev := cpu.TimesStat{User: 100, System: 50, Idle: 800, Iowait: 50}
	cur := cpu.TimesStat{User: 130, System: 60, Idle: 850, Iowait: 60}

	usage, modes, ok := usageBetween(prev, cur)
	require.True(t, ok)
	assert.InDelta(t, 50.0, usage, 1e-9)
	assert.InDelta(t, 30.0, modes["user"], 1e-9)
	assert.InDelta(t, 50.0, modes["idle"], 1e-9)
	assert.InDelta(t, 0.0, modes["steal"], 1e-9)

	_, _, ok = usageBetween(cur, cur)
	assert.False(t, ok)
}

func TestCPUProducerNeedsBaseline(t *testing.T) {
	samples := [][]cpu.TimesStat{
		{{CPU: "cpu-total", User: 10, Idle: 90}},
		{{CPU: "cpu-total", User: 30, Idle: 170}},
	}
	call := 0
	p := NewCPUProducer(false)
	p.times = func(bool) ([]cpu.TimesStat, error) {
		s := samples[call]
		call++
		return s, nil
	}
	p.loadAvg = func() (*load.AvgStat, error) { return &load.AvgStat{Load1: 0.5, Load5: 0.4, Load15: 0.3}, nil }

	msgs, err := p.Produce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var got cpuPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	require.Len(t, got.Usage, 1)
	assert.Equal(t, "total", got.Usage[0].CPU)
	assert.InDelta(t, 20.0, got.Usage[0].UsagePercent, 1e-9)
	assert.Equal(t, 0.5, got.Load1)

	p.Reset()
	call = 0
	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCPUProducerTimesError(t *testing.T) {
	p := NewCPUProducer(false)
	p.times = func(bool) ([]cpu.TimesStat, error) { return nil, errors.New("boom") }
	_, err := p.Produce(context.Background())
	assert.ErrorContains(t, err, "get cpu times")
}

func TestNetworkProducerReportsDeltas(t *testing.T) {
	round := [][]net.IOCountersStat{
		{{Name: "eth0", BytesSent: 100, BytesRecv: 200}, {Name: "lo", BytesSent: 5}},
		{{Name: "eth0", BytesSent: 150, BytesRecv: 260, PacketsRecv: 3}, {Name: "lo", BytesSent: 9}},
		{{Name: "eth0", BytesSent: 10, BytesRecv: 20}},
	}
	call := 0
	p := NewNetworkProducer([]string{"lo"})
	p.counters = func(bool) ([]net.IOCountersStat, error) {
		s := round[call]
		call++
		return s, nil
	}

	msgs, err := p.Produce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var got struct {
		Interfaces []interfaceActivity `json:"interfaces"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	require.Len(t, got.Interfaces, 1)
	assert.Equal(t, interfaceActivity{Interface: "eth0", BytesSent: 50, BytesRecv: 60, PacketsRecv: 3}, got.Interfaces[0])

	// 计数器重置：重新建立基线，不上报
	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDiskProducerHonoursIgnoreList(t *testing.T) {
	p := NewDiskProducer([]string{"/boot", "/dev/sdb1"})
	p.partitions = func(bool) ([]disk.PartitionStat, error) {
		return []disk.PartitionStat{
			{Device: "/dev/sda1", Mountpoint: "/", Fstype: "ext4"},
			{Device: "/dev/sda2", Mountpoint: "/boot", Fstype: "ext4"},
			{Device: "/dev/sdb1", Mountpoint: "/data", Fstype: "xfs"},
		}, nil
	}
	p.usage = func(path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Total: 100, Used: 40, Free: 60, UsedPercent: 40}, nil
	}

	msgs, err := p.Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var got struct {
		Mounts []mountInfo `json:"mounts"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	require.Len(t, got.Mounts, 1)
	assert.Equal(t, "/", got.Mounts[0].MountPoint)
	assert.Equal(t, uint64(40), got.Mounts[0].UsedBytes)
}

func TestHostProducerReportsChangesOnly(t *testing.T) {
	hostname := "web-1"
	p := NewHostProducer()
	p.info = func() (*host.InfoStat, error) {
		return &host.InfoStat{Hostname: hostname, OS: "linux", KernelVersion: "6.1"}, nil
	}
	p.cpuInfo = func() ([]cpu.InfoStat, error) { return []cpu.InfoStat{{ModelName: "Xeon"}}, nil }
	p.counts = func(logical bool) (int, error) {
		if logical {
			return 8, nil
		}
		return 4, nil
	}

	msgs, err := p.Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, p.Urgent())
	var got computerInfo
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "Xeon", got.CPUModel)
	assert.Equal(t, 8, got.LogicalCores)

	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.False(t, p.Urgent())

	hostname = "web-2"
	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	p.Reset()
	msgs, err = p.Produce(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
