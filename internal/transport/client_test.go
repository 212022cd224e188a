package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/pkg/config"
)

func batchOf(seqs ...uint64) store.Batch {
	b := store.Batch{Base: seqs[0]}
	for _, s := range seqs {
		b.Messages = append(b.Messages, store.Message{
			Sequence:  s,
			Type:      "test",
			Timestamp: time.Unix(1700000000, 0).UTC(),
			Payload:   []byte(`{"ok":true}`),
		})
	}
	return b
}

func newTestClient(url string) *Client {
	return NewWithOptions(Options{
		URL:     url,
		AgentID: func() string { return "agent-1" },
		Digest:  func() string { return "digest-1" },
		Logger:  zap.NewNop(),
	})
}

func respond(t *testing.T, body string, capture *wireRequest, headers *http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		if headers != nil {
			*headers = r.Header.Clone()
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSendAcknowledgedBatch(t *testing.T) {
	var got wireRequest
	var hdr http.Header
	srv := respond(t, `{"accepted_through_sequence":2,"next_expected_sequence":3,
		"commands":[{"id":"c1","type":"set-intervals","payload":{"urgent":5,"regular":60}}]}`, &got, &hdr)

	res, err := newTestClient(srv.URL).Send(context.Background(), batchOf(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.AcceptedThrough)
	assert.Equal(t, uint64(3), res.NextExpected)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "set-intervals", res.Commands[0].Type)
	assert.JSONEq(t, `{"urgent":5,"regular":60}`, string(res.Commands[0].Payload))

	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, uint64(1), got.BaseSequence)
	assert.Equal(t, uint64(4), got.NextExpected)
	assert.Equal(t, "digest-1", got.AcceptedTypesDigest)
	assert.False(t, got.Resynchronize)
	require.Len(t, got.Messages, 3)
	assert.JSONEq(t, `{"ok":true}`, string(got.Messages[0].Payload))

	assert.Equal(t, "agent-1", hdr.Get(HeaderAgentID))
	assert.NotEmpty(t, hdr.Get(HeaderRequestID))
}

func TestSendUsesServerNumberingAfterRebase(t *testing.T) {
	var got wireRequest
	srv := respond(t, `{"accepted_through_sequence":2,"next_expected_sequence":3}`, &got, nil)

	b := batchOf(6, 7)
	b.Offset = -5
	res, err := newTestClient(srv.URL).Send(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), got.BaseSequence)
	assert.Equal(t, uint64(3), got.NextExpected)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, uint64(1), got.Messages[0].Sequence)
	assert.Equal(t, uint64(2), got.Messages[1].Sequence)

	assert.Equal(t, uint64(7), res.AcceptedThrough)
	assert.Equal(t, uint64(8), res.NextExpected)
}

func TestSendRejectsInconsistentBookkeeping(t *testing.T) {
	cases := map[string]string{
		"next outside batch":      `{"accepted_through_sequence":40,"next_expected_sequence":41}`,
		"next before batch":       `{"accepted_through_sequence":0,"next_expected_sequence":1}`,
		"next not accepted plus1": `{"accepted_through_sequence":5,"next_expected_sequence":7}`,
		"missing fields":          `{"commands":[]}`,
		"malformed":               `{"accepted_through_sequence":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := respond(t, body, nil, nil)
			_, err := newTestClient(srv.URL).Send(context.Background(), batchOf(5, 6, 7))
			require.Error(t, err)
			assert.True(t, IsProtocol(err), "got %v", err)
			assert.False(t, IsTransport(err))
		})
	}
}

func TestSendMismatchCarriesServerNext(t *testing.T) {
	srv := respond(t, `{"accepted_through_sequence":40,"next_expected_sequence":41}`, nil, nil)
	_, err := newTestClient(srv.URL).Send(context.Background(), batchOf(5, 6))

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint64(41), pe.ServerNext)
	assert.Equal(t, uint64(5), pe.BatchBase)
	assert.Equal(t, uint64(6), pe.BatchLast)
}

func TestSendEmptyBatch(t *testing.T) {
	var got wireRequest
	srv := respond(t, `{"accepted_through_sequence":9,"next_expected_sequence":10}`, &got, nil)
	res, err := newTestClient(srv.URL).Send(context.Background(), store.Batch{Base: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), res.NextExpected)
	assert.Empty(t, got.Messages)
}

func TestSendStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Send(context.Background(), batchOf(1))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
}

func TestSendConnectionRefusedIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Send(context.Background(), batchOf(1))
	assert.True(t, IsTransport(err))
}

func TestSendTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(srv.URL).Send(ctx, batchOf(1))
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResynchronizeSendsNoMessages(t *testing.T) {
	var got wireRequest
	srv := respond(t, `{"next_expected_sequence":12}`, &got, nil)

	res, err := newTestClient(srv.URL).Resynchronize(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), res.NextExpected)
	assert.Equal(t, uint64(11), res.AcceptedThrough)
	assert.True(t, got.Resynchronize)
	assert.Empty(t, got.Messages)
	assert.Equal(t, uint64(4), got.BaseSequence)
}

func TestResynchronizeRequiresNextExpected(t *testing.T) {
	srv := respond(t, `{}`, nil, nil)
	_, err := newTestClient(srv.URL).Resynchronize(context.Background(), 4)
	assert.True(t, IsProtocol(err))
}

func TestEncodePayload(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(encodePayload([]byte(`{"a":1}`))))
	assert.Equal(t, `"plain text"`, string(encodePayload([]byte("plain text"))))
	assert.Equal(t, `null`, string(encodePayload(nil)))
}

func TestNewHTTPClientRejectsMissingFiles(t *testing.T) {
	_, err := NewHTTPClient(config.TLSConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}, time.Second)
	assert.Error(t, err)
	_, err = NewHTTPClient(config.TLSConfig{CAFile: "/nonexistent/ca.pem"}, time.Second)
	assert.Error(t, err)

	hc, err := NewHTTPClient(config.TLSConfig{HTTP2: true}, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, hc.Timeout)
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.NewDefaultConfig().Exchange
	c, err := New(&cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.URL, c.opts.URL)
}
