package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/logger"
)

const TypeMountInfo = "mount-info"

type mountInfo struct {
	Device      string  `json:"device"`
	MountPoint  string  `json:"mount_point"`
	Filesystem  string  `json:"filesystem"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskProducer 上报所有不在忽略列表中的物理挂载点使用情况，忽略项匹配设备名或挂载点
type DiskProducer struct {
	ignore     []string
	partitions func(all bool) ([]disk.PartitionStat, error)
	usage      func(path string) (*disk.UsageStat, error)
}

func NewDiskProducer(ignore []string) *DiskProducer {
	return &DiskProducer{ignore: ignore, partitions: disk.Partitions, usage: disk.Usage}
}

func (d *DiskProducer) Name() string { return "disk" }
func (d *DiskProducer) Type() string { return TypeMountInfo }
func (d *DiskProducer) Init() error  { return nil }
func (d *DiskProducer) Close() error { return nil }

func (d *DiskProducer) Produce(ctx context.Context) ([]store.Message, error) {
	parts, err := d.partitions(false)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var mounts []mountInfo
	for _, p := range parts {
		if slices.Contains(d.ignore, p.Device) || slices.Contains(d.ignore, p.Mountpoint) {
			continue
		}
		u, err := d.usage(p.Mountpoint)
		if err != nil {
			logger.Debug("disk usage unavailable", zap.String("mount", p.Mountpoint), zap.Error(err))
			continue
		}
		mounts = append(mounts, mountInfo{
			Device:      p.Device,
			MountPoint:  p.Mountpoint,
			Filesystem:  p.Fstype,
			TotalBytes:  u.Total,
			FreeBytes:   u.Free,
			UsedBytes:   u.Used,
			UsedPercent: u.UsedPercent,
		})
	}
	if len(mounts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(map[string]any{"mounts": mounts})
	if err != nil {
		return nil, err
	}
	return []store.Message{{Type: TypeMountInfo, Payload: payload}}, nil
}
