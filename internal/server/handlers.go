package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/exchange-agent/internal/exchange"
	"github.com/exchange-agent/internal/store"
)

const maxSubmitBytes = store.MaxPayload + 64<<10

const indexPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Exchange Agent</title>
	<style>
		body { font-family: Arial, sans-serif; margin: 40px; }
		a { display: block; margin: 8px 0; font-size: 18px; }
		code { background-color: #f0f0f0; padding: 2px 4px; }
	</style>
</head>
<body>
	<h1>Exchange Agent</h1>
	<p>Version: <code>%s</code></p>
	<p>Agent: <code>%s</code></p>
	<h2>Available Endpoints:</h2>
	<a href="/health">/health</a>
	<a href="/metrics">/metrics</a>
	<a href="/api/v1/status">/api/v1/status</a>
	<a href="/api/v1/attempts">/api/v1/attempts</a>
</body>
</html>
`

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexPage, s.deps.Version, s.deps.AgentID())
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	AgentID  string          `json:"agent_id"`
	Version  string          `json:"version"`
	Exchange exchange.Status `json:"exchange"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		AgentID:  s.deps.AgentID(),
		Version:  s.deps.Version,
		Exchange: s.deps.Exchange.Status(),
	})
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.deps.History.RecentAttempts(r.Context(), limit)
	if err != nil {
		s.log.Error("list exchange attempts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type submitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Urgent  bool            `json:"urgent"`
}

type submitResponse struct {
	Sequence uint64 `json:"sequence"`
}

func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	seq, err := s.deps.Exchange.Send(store.Message{Type: req.Type, Payload: req.Payload}, req.Urgent)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.log.Error("queue submitted message", zap.String("type", req.Type), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{Sequence: seq})
}

type messageStatusResponse struct {
	Sequence uint64 `json:"sequence"`
	Pending  bool   `json:"pending"`
}

func (s *Server) messageStatus(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil || seq == 0 {
		writeError(w, http.StatusBadRequest, "sequence must be a positive integer")
		return
	}
	writeJSON(w, http.StatusOK, messageStatusResponse{Sequence: seq, Pending: s.deps.Exchange.IsPending(seq)})
}

func (s *Server) exchangeNow(w http.ResponseWriter, _ *http.Request) {
	s.deps.Exchange.ExchangeNow()
	writeJSON(w, http.StatusAccepted, map[string]bool{"requested": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
