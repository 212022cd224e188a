package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/probe"
	"github.com/exchange-agent/internal/store"
	"github.com/exchange-agent/internal/transport"
)

// managementServer 只维护一个 next-expected 计数，与管理服务跟踪单个 agent 的方式相同
type managementServer struct {
	mu       sync.Mutex
	next     uint64
	received []uint64
	agentIDs []string
}

type serverRequest struct {
	BaseSequence  uint64 `json:"base_sequence"`
	Resynchronize bool   `json:"resynchronize"`
	Messages      []struct {
		Sequence uint64 `json:"sequence"`
	} `json:"messages"`
}

func (s *managementServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"messages":false}`))
	})
	mux.HandleFunc("/message-system", func(w http.ResponseWriter, r *http.Request) {
		var req serverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.agentIDs = append(s.agentIDs, r.Header.Get(transport.HeaderAgentID))
		if !req.Resynchronize {
			for _, m := range req.Messages {
				if m.Sequence == s.next {
					s.received = append(s.received, m.Sequence)
					s.next++
				}
			}
		}
		next := s.next
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted_through_sequence": next - 1,
			"next_expected_sequence":    next,
			"commands":                  []any{},
		})
	})
	return mux
}

func newIntegrationHarness(t *testing.T, srv *managementServer) *harness {
	t.Helper()
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	h := newHarness(t)
	agentID := func() string { return "agent-1" }
	client := transport.NewWithOptions(transport.Options{
		URL:        ts.URL + "/message-system",
		HTTPClient: ts.Client(),
		AgentID:    agentID,
		Logger:     zap.NewNop(),
	})
	p := probe.NewWithClient(ts.URL+"/ping", ts.Client(), agentID)
	h.m.probe = p
	h.m.client = client
	return h
}

func TestExchangeOverHTTP(t *testing.T) {
	srv := &managementServer{next: 1}
	h := newIntegrationHarness(t, srv)
	h.appendN(t, 3)
	h.run(t)

	h.trigger()
	e := h.waitFor(t, EventExchangeSucceeded)
	assert.Equal(t, uint64(3), e.AckedThrough)
	assert.Empty(t, pendingSeqs(t, h.q))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, srv.received)
	assert.Equal(t, []string{"agent-1"}, srv.agentIDs)
}

func TestExchangeOverHTTPServerAhead(t *testing.T) {
	srv := &managementServer{next: 10}
	h := newIntegrationHarness(t, srv)
	h.appendN(t, 2)
	h.run(t)

	h.trigger()
	h.waitFor(t, EventResynchronize)
	e := h.waitFor(t, EventExchangeFailed)
	assert.Equal(t, FailureProtocol, e.Kind)
	assert.Empty(t, pendingSeqs(t, h.q))

	seq, err := h.q.Append(store.Message{Type: "test", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), seq)

	h.trigger()
	h.waitFor(t, EventExchangeSucceeded)
	assert.Empty(t, pendingSeqs(t, h.q))
	srv.mu.Lock()
	assert.Equal(t, []uint64{10}, srv.received)
	srv.mu.Unlock()
}

func TestExchangeOverHTTPServerBehind(t *testing.T) {
	// 服务端丢失了 agent 之前投递的全部消息
	srv := &managementServer{next: 1}
	h := newIntegrationHarness(t, srv)
	require.NoError(t, h.q.AdvanceTo(6))
	h.appendN(t, 1)
	h.run(t)

	h.trigger()
	h.waitFor(t, EventResynchronize)
	e := h.waitFor(t, EventExchangeFailed)
	assert.Equal(t, FailureProtocol, e.Kind)
	assert.Equal(t, []uint64{6}, pendingSeqs(t, h.q))
	assert.Equal(t, int64(-5), h.q.Stats().ServerOffset)

	h.trigger()
	e = h.waitFor(t, EventExchangeSucceeded)
	assert.Equal(t, uint64(6), e.AckedThrough)
	assert.Empty(t, pendingSeqs(t, h.q))

	seq, err := h.q.Append(store.Message{Type: "test", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)

	h.trigger()
	h.waitFor(t, EventExchangeSucceeded)
	assert.Empty(t, pendingSeqs(t, h.q))
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, srv.received)
}
