package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registers 注册接口，MetricFactory 只依赖它，测试可替换
type Registers interface {
	prometheus.Registerer
}

// RegistryOptions 与 agent 自身指标一起注册的进程级 collector
type RegistryOptions struct {
	Process   bool // process_* (fds, rss, cpu)
	GoRuntime bool // go_* 运行时指标
	BuildInfo bool
}

// Registry 包裹 *prometheus.Registry，同时作为 Registerer 和 Gatherer（供 /metrics 使用）
type Registry struct {
	*prometheus.Registry
}

// NewRegistry 创建独立 registry，不使用全局默认 registry
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	r := &Registry{Registry: prometheus.NewRegistry()}
	if opts.Process {
		if err := r.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, fmt.Errorf("register process collector: %w", err)
		}
	}
	if opts.GoRuntime {
		if err := r.Register(collectors.NewGoCollector()); err != nil {
			return nil, fmt.Errorf("register go collector: %w", err)
		}
	}
	if opts.BuildInfo {
		if err := r.Register(collectors.NewBuildInfoCollector()); err != nil {
			return nil, fmt.Errorf("register build info collector: %w", err)
		}
	}
	return r, nil
}

// Factory 返回注册到 r 的 MetricFactory
func (r *Registry) Factory() *MetricFactory {
	return NewMetricFactory(r)
}

// Names 返回当前采集到的指标族名称
func (r *Registry) Names() ([]string, error) {
	families, err := r.Gather()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	return names, nil
}
