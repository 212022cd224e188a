package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const exposition = `# HELP http_requests_total Requests.
# TYPE http_requests_total counter
http_requests_total{code="200"} 10
http_requests_total{code="500"} 2
# TYPE temperature gauge
temperature 21.5
# TYPE latency_seconds histogram
latency_seconds_bucket{le="0.1"} 3
latency_seconds_bucket{le="+Inf"} 4
latency_seconds_sum 0.9
latency_seconds_count 4
`

func TestScrapeProducerSummarizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	p := NewScrapeProducer([]string{srv.URL}, time.Second)
	require.NoError(t, p.Init())
	msgs, err := p.Produce(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var got targetSummary
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, srv.URL, got.Target)
	require.Len(t, got.Families, 3)
	assert.Equal(t, familySummary{Name: "http_requests_total", Type: "counter", Samples: 2, Sum: 12}, got.Families[0])
	assert.Equal(t, familySummary{Name: "latency_seconds", Type: "histogram", Samples: 1, Sum: 4}, got.Families[1])
	assert.Equal(t, familySummary{Name: "temperature", Type: "gauge", Samples: 1, Sum: 21.5}, got.Families[2])
}

func TestScrapeProducerPartialFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("up 1\n"))
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	p := NewScrapeProducer([]string{broken.URL, ok.URL}, time.Second)
	msgs, err := p.Produce(context.Background())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	p = NewScrapeProducer([]string{broken.URL}, time.Second)
	_, err = p.Produce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 503")
}

func TestParseExpositionRejectsGarbage(t *testing.T) {
	_, err := parseExposition(strings.NewReader("{{{ not metrics"))
	assert.Error(t, err)
}

func TestScrapeProducerNeedsTargets(t *testing.T) {
	assert.Error(t, NewScrapeProducer(nil, 0).Init())
}
