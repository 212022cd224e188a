package monitor

import (
	"go.uber.org/zap"

	"github.com/exchange-agent/pkg/config"
)

type module struct {
	enabled bool
	name    string
	newFunc func() Producer
}

// RegisterProducers 生产者注册统一入口：新增 monitor 只需在 modules 列表添加一条
// 返回已注册的生产者名称
func RegisterProducers(r *Registry, cfg *config.MonitorConfig) []string {
	p := cfg.Producers
	modules := []module{
		{enabled: p.CPU.Enable, name: "cpu", newFunc: func() Producer { return NewCPUProducer(p.CPU.PerCore) }},
		{enabled: p.Memory.Enable, name: "memory", newFunc: func() Producer { return NewMemoryProducer() }},
		{enabled: p.Disk.Enable, name: "disk", newFunc: func() Producer { return NewDiskProducer(p.Disk.IgnoreDisks) }},
		{enabled: p.Network.Enable, name: "network", newFunc: func() Producer { return NewNetworkProducer(p.Network.IgnoreNetworks) }},
		{enabled: p.Host.Enable, name: "host", newFunc: func() Producer { return NewHostProducer() }},
		{enabled: p.Scrape.Enable, name: "scrape", newFunc: func() Producer { return NewScrapeProducer(p.Scrape.Targets, p.Scrape.Timeout) }},
	}

	var names []string
	for _, m := range modules {
		if !m.enabled {
			r.log.Debug("producer disabled", zap.String("name", m.name))
			continue
		}
		r.Register(m.newFunc())
		names = append(names, m.name)
	}
	if len(names) == 0 {
		r.log.Warn("no producers enabled, only server commands will generate messages")
	} else {
		r.log.Debug("all enabled producers registered", zap.Strings("enabled_producers", names))
	}
	return names
}
