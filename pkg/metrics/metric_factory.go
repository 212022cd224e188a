package metrics

// MetricFactory 指标工厂，用于统一创建指标（counter/gauge/histogram）。
type MetricFactory struct {
	reg Registers
}

// NewMetricFactory 创建指标工厂
func NewMetricFactory(reg Registers) *MetricFactory {
	return &MetricFactory{reg: reg}
}

// NewIsolatedFactory 基于独立 registry 的工厂，测试和离线子命令使用，避免重复注册。
func NewIsolatedFactory() (*MetricFactory, *Registry) {
	r, _ := NewRegistry(RegistryOptions{})
	return r.Factory(), r
}
