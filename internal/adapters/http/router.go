package httpadapter

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kirillkom/knowledge-qa/internal/core/domain"
	"github.com/kirillkom/knowledge-qa/internal/core/ports"
	"github.com/kirillkom/knowledge-qa/internal/observability/metrics"
)

const identityHeader = "X-User-Id"

type Router struct {
	answerer    ports.AnswerStreamer
	usageReader ports.UsageReader
	metrics     *metrics.Metrics
	limiter     *identityLimiter
	service     string
}

func NewRouter(
	answerer ports.AnswerStreamer,
	usageReader ports.UsageReader,
	m *metrics.Metrics,
	ratePerMinute int,
	service string,
) *Router {
	return &Router{
		answerer:    answerer,
		usageReader: usageReader,
		metrics:     m,
		limiter:     newIdentityLimiter(ratePerMinute),
		service:     service,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.healthz)
	mux.HandleFunc("/v1/answers/stream", rt.streamAnswer)
	mux.HandleFunc("/v1/usage", rt.usage)
	if rt.metrics != nil {
		mux.Handle("/metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(rt.service, handler)
	}
	return requestIDMiddleware(accessLogMiddleware(handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type answerRequest struct {
	Question       string                    `json:"question"`
	ConversationID string                    `json:"conversation_id"`
	History        []domain.ConversationTurn `json:"history"`
	MaxTokens      int                       `json:"max_tokens"`
	Temperature    float64                   `json:"temperature"`
}

func (rt *Router) streamAnswer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	identity := strings.TrimSpace(r.Header.Get(identityHeader))
	if identity == "" {
		writeError(w, http.StatusBadRequest, "malformed_query", identityHeader+" header is required")
		return
	}
	if !rt.limiter.allow(identity) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return
	}

	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_query", "invalid json")
		return
	}

	events, err := rt.answerer.StreamAnswer(r.Context(), domain.Query{
		Text:           req.Question,
		Identity:       identity,
		ConversationID: req.ConversationID,
		History:        req.History,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
	})
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), domain.ErrorKind(err), err.Error())
		return
	}

	streamSSE(w, events)
}

func (rt *Router) usage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	identity := strings.TrimSpace(r.Header.Get(identityHeader))
	if identity == "" {
		writeError(w, http.StatusBadRequest, "malformed_query", identityHeader+" header is required")
		return
	}

	stats, err := rt.usageReader.UsageStats(r.Context(), identity)
	if err != nil {
		writeError(w, mapErrorToHTTPStatus(err), domain.ErrorKind(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"kind": kind, "error": message})
}
