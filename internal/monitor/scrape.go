package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"github.com/exchange-agent/internal/store"
)

const TypeExporterMetrics = "exporter-metrics"

type familySummary struct {
	Name    string  `json:"name"`
	Type    string  `json:"type"`
	Samples int     `json:"samples"`
	Sum     float64 `json:"sum"`
}

type targetSummary struct {
	Target   string          `json:"target"`
	Families []familySummary `json:"families"`
}

// ScrapeProducer 抓取本机 Prometheus exporter，按指标族汇总后上报。
// counter、gauge、untyped 求和，histogram 和 summary 计样本数
type ScrapeProducer struct {
	targets []string
	client  *http.Client
}

func NewScrapeProducer(targets []string, timeout time.Duration) *ScrapeProducer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ScrapeProducer{targets: targets, client: &http.Client{Timeout: timeout}}
}

func (s *ScrapeProducer) Name() string { return "scrape" }
func (s *ScrapeProducer) Type() string { return TypeExporterMetrics }
func (s *ScrapeProducer) Close() error { s.client.CloseIdleConnections(); return nil }

func (s *ScrapeProducer) Init() error {
	if len(s.targets) == 0 {
		return errors.New("no scrape targets configured")
	}
	return nil
}

// Produce 每个可达的目标返回一条消息，全部目标失败时才返回错误
func (s *ScrapeProducer) Produce(ctx context.Context) ([]store.Message, error) {
	var msgs []store.Message
	var errs []error
	for _, target := range s.targets {
		mfs, err := s.fetch(ctx, target)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		payload, err := json.Marshal(summarize(target, mfs))
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, store.Message{Type: TypeExporterMetrics, Payload: payload})
	}
	if len(msgs) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return msgs, nil
}

func (s *ScrapeProducer) fetch(ctx context.Context, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseExposition(resp.Body)
}

// parseExposition 文本尾部有残缺时保留已解析部分
func parseExposition(r io.Reader) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

func summarize(target string, mfs map[string]*dto.MetricFamily) targetSummary {
	out := targetSummary{Target: target, Families: make([]familySummary, 0, len(mfs))}
	for name, mf := range mfs {
		fs := familySummary{Name: name, Type: strings.ToLower(mf.GetType().String()), Samples: len(mf.GetMetric())}
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				fs.Sum += m.Counter.GetValue()
			case m.Gauge != nil:
				fs.Sum += m.Gauge.GetValue()
			case m.Untyped != nil:
				fs.Sum += m.Untyped.GetValue()
			case m.Histogram != nil:
				fs.Sum += float64(m.Histogram.GetSampleCount())
			case m.Summary != nil:
				fs.Sum += float64(m.Summary.GetSampleCount())
			}
		}
		out.Families = append(out.Families, fs)
	}
	sort.Slice(out.Families, func(i, j int) bool { return out.Families[i].Name < out.Families[j].Name })
	return out
}
