package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var valid = validator.New()

// Config 全局配置结构体（构造一次，按引用传入各组件）
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Exchange ExchangeConfig `yaml:"exchange" mapstructure:"exchange"`
	Monitor  MonitorConfig  `yaml:"monitor" mapstructure:"monitor"`
	Log      ZapLogConfig   `yaml:"log" mapstructure:"log"`
}

// ServerConfig 本地 HTTP API 配置（健康检查、指标、状态、消息提交）
type ServerConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr" env:"SERVER_ADDR" validate:"required,hostname_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"required,gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"required,gt=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"required,gt=0"`
}

// ExchangeConfig 交换核心使用的全部配置：端点、队列位置、
// 周期、批量上限、退避上限和降级阈值
type ExchangeConfig struct {
	URL       string `yaml:"url" mapstructure:"url" env:"EXCHANGE_URL" validate:"required,url"`
	PingURL   string `yaml:"ping_url" mapstructure:"ping_url" env:"EXCHANGE_PING_URL" validate:"required,url"`
	QueueDir  string `yaml:"queue_dir" mapstructure:"queue_dir" validate:"required"`
	StatePath string `yaml:"state_path" mapstructure:"state_path" validate:"required"`

	UrgentInterval  time.Duration `yaml:"urgent_interval" mapstructure:"urgent_interval" validate:"required,gt=0"`
	RegularInterval time.Duration `yaml:"regular_interval" mapstructure:"regular_interval" validate:"required,gt=0"`
	MaxBackoff      time.Duration `yaml:"max_backoff" mapstructure:"max_backoff" validate:"required,gt=0"`

	MaxBatchCount int `yaml:"max_batch_count" mapstructure:"max_batch_count" validate:"required,gt=0"`
	MaxBatchBytes int `yaml:"max_batch_bytes" mapstructure:"max_batch_bytes" validate:"required,gt=0"`

	DegradedThreshold  int `yaml:"degraded_threshold" mapstructure:"degraded_threshold" validate:"required,gt=0"`
	UnknownRetryBudget int `yaml:"unknown_retry_budget" mapstructure:"unknown_retry_budget" validate:"gte=0"`

	ExchangeTimeout time.Duration `yaml:"exchange_timeout" mapstructure:"exchange_timeout" validate:"required,gt=0"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout" mapstructure:"probe_timeout" validate:"required,gt=0"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"required,gt=0"`

	SegmentMaxBytes int64 `yaml:"segment_max_bytes" mapstructure:"segment_max_bytes" validate:"required,gt=0"`

	TLS TLSConfig `yaml:"tls" mapstructure:"tls"`
}

// TLSConfig 交换和 ping 端点可选的客户端证书
type TLSConfig struct {
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`
	CAFile   string `yaml:"ca_file" mapstructure:"ca_file"`
	HTTP2    bool   `yaml:"http2" mapstructure:"http2"`
}

// MonitorConfig 监控采集全局配置（消息生产者）
type MonitorConfig struct {
	Interval  time.Duration   `yaml:"interval" mapstructure:"interval" env:"MONITOR_INTERVAL" validate:"required,gt=0"`
	Producers ProducersConfig `yaml:"producers" mapstructure:"producers"`
}

// ProducersConfig 各生产者开关
type ProducersConfig struct {
	CPU     CPUProducerConfig     `yaml:"cpu" mapstructure:"cpu"`
	Memory  ToggleConfig          `yaml:"memory" mapstructure:"memory"`
	Disk    DiskProducerConfig    `yaml:"disk" mapstructure:"disk"`
	Network NetworkProducerConfig `yaml:"network" mapstructure:"network"`
	Host    ToggleConfig          `yaml:"host" mapstructure:"host"`
	Scrape  ScrapeProducerConfig  `yaml:"scrape" mapstructure:"scrape"`
}

type ToggleConfig struct {
	Enable bool `yaml:"enable" mapstructure:"enable"`
}

type CPUProducerConfig struct {
	Enable  bool `yaml:"enable" mapstructure:"enable"`
	PerCore bool `yaml:"per_core" mapstructure:"per_core"`
}

type DiskProducerConfig struct {
	Enable      bool     `yaml:"enable" mapstructure:"enable"`
	IgnoreDisks []string `yaml:"ignore_disks" mapstructure:"ignore_disks"`
}

type NetworkProducerConfig struct {
	Enable         bool     `yaml:"enable" mapstructure:"enable"`
	IgnoreNetworks []string `yaml:"ignore_networks" mapstructure:"ignore_networks"`
}

// ScrapeProducerConfig 抓取本机 Prometheus exporter 并上报汇总
type ScrapeProducerConfig struct {
	Enable  bool          `yaml:"enable" mapstructure:"enable"`
	Targets []string      `yaml:"targets" mapstructure:"targets"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ZapLogConfig 日志配置
type ZapLogConfig struct {
	Level     string `yaml:"level" mapstructure:"level" env:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	Format    string `yaml:"format" mapstructure:"format" env:"LOG_FORMAT" validate:"required,oneof=json console"`
	Path      string `yaml:"path" mapstructure:"path" env:"LOG_PATH" validate:"required"`
	MaxSize   int    `yaml:"max_size" mapstructure:"max_size" validate:"required,gt=0"`
	MaxBackup int    `yaml:"max_backup" mapstructure:"max_backup" validate:"gte=0"`
	MaxAge    int    `yaml:"max_age" mapstructure:"max_age" validate:"gte=0"`
	Compress  bool   `yaml:"compress" mapstructure:"compress"`
}

// NewDefaultConfig 创建默认配置（所有字段兜底）
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:9091",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Exchange: ExchangeConfig{
			URL:                "https://management.example.com/message-system",
			PingURL:            "http://management.example.com/ping",
			QueueDir:           "/var/lib/exchange-agent/queue",
			StatePath:          "/var/lib/exchange-agent/state.db",
			UrgentInterval:     10 * time.Second,
			RegularInterval:    15 * time.Minute,
			MaxBackoff:         2 * time.Hour,
			MaxBatchCount:      100,
			MaxBatchBytes:      1 << 20,
			DegradedThreshold:  5,
			UnknownRetryBudget: 2,
			ExchangeTimeout:    60 * time.Second,
			ProbeTimeout:       10 * time.Second,
			ShutdownGrace:      15 * time.Second,
			SegmentMaxBytes:    4 << 20,
		},
		Monitor: MonitorConfig{
			Interval: 60 * time.Second,
			Producers: ProducersConfig{
				CPU:     CPUProducerConfig{Enable: true, PerCore: false},
				Memory:  ToggleConfig{Enable: true},
				Disk:    DiskProducerConfig{Enable: true, IgnoreDisks: []string{}},
				Network: NetworkProducerConfig{Enable: true, IgnoreNetworks: []string{"lo"}},
				Host:    ToggleConfig{Enable: true},
				Scrape:  ScrapeProducerConfig{Enable: false, Targets: []string{}, Timeout: 5 * time.Second},
			},
		},
		Log: ZapLogConfig{
			Level:     "info",
			Format:    "json",
			Path:      "./logs",
			MaxSize:   100,
			MaxBackup: 30,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// LoadConfigWithCli 支持 time.Duration，(Flags + YAML + ENV)
func LoadConfigWithCli(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	// EXCHANGE_URL -> exchange.url
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return decode(v)
}

// LoadFile 在默认值之上读取单个 YAML 文件，供热加载和
// 不带完整 flag 的离线子命令使用
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate 配置校验
func (c *Config) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Exchange.Validate(); err != nil {
		return err
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	return nil
}
