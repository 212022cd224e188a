package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// maxBackoffFactor max_backoff 相对常规周期的上限倍数
const maxBackoffFactor = 64

// Validate HTTP服务配置校验
func (h *ServerConfig) Validate() error {
	if err := valid.Struct(h); err != nil {
		return err
	}
	if _, err := net.ResolveTCPAddr("tcp", h.Addr); err != nil {
		return fmt.Errorf("server.addr format invalid (expected :port or ip:port), got %s: %w", h.Addr, err)
	}
	return nil
}

// Validate exchange 配置校验，包含周期之间的交叉规则
func (e *ExchangeConfig) Validate() error {
	if err := valid.Struct(e); err != nil {
		return err
	}
	for name, raw := range map[string]string{"exchange.url": e.URL, "exchange.ping_url": e.PingURL} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must be http or https, got %q", name, u.Scheme)
		}
	}
	if strings.TrimRight(e.URL, "/") == strings.TrimRight(e.PingURL, "/") {
		return errors.New("exchange.ping_url must differ from exchange.url")
	}
	if e.UrgentInterval > e.RegularInterval {
		return fmt.Errorf("exchange.urgent_interval (%s) must not exceed exchange.regular_interval (%s)",
			e.UrgentInterval, e.RegularInterval)
	}
	if e.MaxBackoff < e.RegularInterval {
		return fmt.Errorf("exchange.max_backoff (%s) must be at least exchange.regular_interval (%s)",
			e.MaxBackoff, e.RegularInterval)
	}
	if e.MaxBackoff > maxBackoffFactor*e.RegularInterval {
		return fmt.Errorf("exchange.max_backoff (%s) must be at most %dx exchange.regular_interval",
			e.MaxBackoff, maxBackoffFactor)
	}
	if e.ProbeTimeout > e.RegularInterval || e.ExchangeTimeout > e.MaxBackoff {
		return errors.New("exchange timeouts must fit inside the exchange cadence")
	}
	if (e.TLS.CertFile == "") != (e.TLS.KeyFile == "") {
		return errors.New("exchange.tls.cert_file and exchange.tls.key_file must be set together")
	}
	return nil
}

// ValidateIntervals 校验运行时提出的一对周期（服务端命令或热加载）
func ValidateIntervals(urgent, regular time.Duration) error {
	if urgent <= 0 || regular <= 0 {
		return fmt.Errorf("intervals must be positive, got urgent=%s regular=%s", urgent, regular)
	}
	if urgent > regular {
		return fmt.Errorf("urgent interval %s exceeds regular interval %s", urgent, regular)
	}
	return nil
}

func (m *MonitorConfig) Validate() error {
	if err := valid.Struct(m); err != nil {
		return err
	}
	if m.Interval < time.Second || m.Interval > 3600*time.Second {
		return fmt.Errorf("monitor.interval must be between 1 and 3600 seconds, got %s", m.Interval)
	}
	return m.Producers.validate()
}

// 忽略列表不能包含空字符串或重复项
func (p *ProducersConfig) validate() error {
	if p.Disk.Enable {
		if err := uniqueNonEmpty("monitor.producers.disk.ignore_disks", p.Disk.IgnoreDisks); err != nil {
			return err
		}
	}
	if p.Network.Enable {
		if err := uniqueNonEmpty("monitor.producers.network.ignore_networks", p.Network.IgnoreNetworks); err != nil {
			return err
		}
		for _, iface := range p.Network.IgnoreNetworks {
			if strings.ContainsAny(iface, " \t\r\n/\\") {
				return fmt.Errorf("monitor.producers.network.ignore_networks: interface %q contains invalid characters", iface)
			}
		}
	}
	if p.Scrape.Enable {
		if len(p.Scrape.Targets) == 0 {
			return errors.New("monitor.producers.scrape.targets cannot be empty when scrape is enabled")
		}
		for _, t := range p.Scrape.Targets {
			if _, err := url.ParseRequestURI(t); err != nil {
				return fmt.Errorf("monitor.producers.scrape.targets: %q: %w", t, err)
			}
		}
		if p.Scrape.Timeout <= 0 {
			return errors.New("monitor.producers.scrape.timeout must be positive")
		}
	}
	return nil
}

func uniqueNonEmpty(field string, items []string) error {
	seen := map[string]bool{}
	for _, it := range items {
		if strings.TrimSpace(it) == "" {
			return fmt.Errorf("%s cannot contain empty string", field)
		}
		if seen[it] {
			return fmt.Errorf("%s contains duplicate entry: %q", field, it)
		}
		seen[it] = true
	}
	return nil
}
