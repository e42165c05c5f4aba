package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/basket/orchestra/internal/bus"
	"github.com/basket/orchestra/internal/execmanager"
	"github.com/basket/orchestra/internal/orchestrator"
	"github.com/basket/orchestra/internal/persistence"
	"github.com/basket/orchestra/internal/shared"
)

// Config wires the gateway's dependencies. AuthToken empty disables every
// protected endpoint (see authorize), not "allow anything".
type Config struct {
	ExecManager  *execmanager.Manager
	Orchestrator *orchestrator.Orchestrator
	Store        *persistence.Store
	Bus          *bus.Bus

	AuthToken      string
	AllowedOrigins []string

	CORS      CORSConfig
	RateLimit RateLimitConfig

	MaxRequestBytes int64

	Version string
}

// Server is the HTTP/WebSocket frontend over the orchestration engine.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{cfg: cfg}
}

// Handler builds the full mux, wrapping it with CORS and rate-limit
// middleware in that order (CORS outermost so preflight never touches the
// limiter).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/subscribe", s.handleSubscribe)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/subscriptions/", s.handleSubscriptionStatus)
	mux.HandleFunc("/hitl/pending", s.handleHITLPending)
	mux.HandleFunc("/hitl/decide", s.handleHITLDecide)
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/capabilities", s.handleCapabilities)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)

	rl := NewRateLimitMiddleware(s.cfg.RateLimit)
	var handler http.Handler = rl.Wrap(mux)
	handler = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(handler)
	handler = NewCORSMiddleware(s.cfg.CORS)(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// subscribeRequest names the caller so reconnects resume the same
// subscription instead of minting a fresh one. ClientID may be empty, in
// which case a new subscription is always created.
type subscribeRequest struct {
	ClientID string `json:"client_id"`
}

type subscribeResponse struct {
	SubscriptionID string    `json:"subscription_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req subscribeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	sub := s.cfg.ExecManager.CreateOrResume(req.ClientID)
	status, _ := s.cfg.ExecManager.Status(sub.ID)
	writeJSON(w, http.StatusOK, subscribeResponse{
		SubscriptionID: sub.ID,
		CreatedAt:      status.CreatedAt,
		ExpiresAt:      status.ExpiresAt,
	})
}

type executeRequest struct {
	SubscriptionID string              `json:"subscription_id"`
	Query          string              `json:"query"`
	Scope          shared.ProjectScope `json:"scope"`
}

type executeResponse struct {
	ConversationID string `json:"conversation_id"`
}

// handleExecute kicks off a run in the background and returns immediately
// with the conversation id; progress is observed via the subscription's
// stream, mirroring the fire-and-forget spawn of the system this gateway
// is modeled on.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SubscriptionID == "" {
		writeError(w, http.StatusBadRequest, "subscription_id is required")
		return
	}

	status, ok := s.cfg.ExecManager.Status(req.SubscriptionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	if status.State == "expired" {
		writeError(w, http.StatusGone, "subscription expired")
		return
	}

	conversationID := req.SubscriptionID
	sink := s.cfg.ExecManager.EventSender(req.SubscriptionID, conversationID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		result, err := s.cfg.Orchestrator.Run(ctx, req.Query, req.Scope, sink)
		if err != nil {
			slog.Error("gateway: execution failed", "subscription_id", req.SubscriptionID, "error", err)
			return
		}
		if s.cfg.Store != nil {
			_ = s.cfg.Store.AppendMessage(ctx, result.ConversationID, "user", req.Query)
			_ = s.cfg.Store.AppendMessage(ctx, result.ConversationID, "assistant", result.Output)
		}
	}()

	writeJSON(w, http.StatusAccepted, executeResponse{ConversationID: conversationID})
}

func (s *Server) handleSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	subscriptionID := strings.TrimPrefix(r.URL.Path, "/subscriptions/")
	if subscriptionID == "" {
		writeError(w, http.StatusBadRequest, "subscription id is required")
		return
	}

	status, ok := s.cfg.ExecManager.Status(subscriptionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown subscription")
		return
	}
	if status.State == "expired" {
		writeError(w, http.StatusGone, "subscription expired")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHITLPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Store == nil {
		writeJSON(w, http.StatusOK, []persistence.HITLRecord{})
		return
	}
	pending, err := s.cfg.Store.PendingHITLRequests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pending requests")
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// hitlDecideRequest mirrors the three decision outcomes a pending request
// can receive. ModifiedContent is required when Decision is "modify" and
// ignored otherwise.
type hitlDecideRequest struct {
	RequestID       string `json:"request_id"`
	Decision        string `json:"decision"` // "approve" | "reject" | "modify"
	ModifiedContent string `json:"modified_content,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func (s *Server) handleHITLDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req hitlDecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	var approved bool
	switch req.Decision {
	case "approve":
		approved = true
	case "reject":
		approved = false
	case "modify":
		if req.ModifiedContent == "" {
			writeError(w, http.StatusUnprocessableEntity, "modified_content is required for a modify decision")
			return
		}
		approved = true
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown decision %q", req.Decision))
		return
	}

	if s.cfg.Store != nil {
		_, ok, err := s.cfg.Store.HITLRequest(r.Context(), req.RequestID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to look up request")
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "unknown request_id")
			return
		}
		if err := s.cfg.Store.RecordHITLDecision(r.Context(), req.RequestID, approved, req.ModifiedContent, req.Reason); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to record decision")
			return
		}
	}

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicHITLDecision, bus.HITLDecisionEvent{
			RequestID:       req.RequestID,
			Approved:        approved,
			ModifiedContent: req.ModifiedContent,
			Reason:          req.Reason,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if _, _, err := s.cfg.Store.LatestSummary(r.Context(), "__health_check__"); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"version": s.cfg.Version,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.cfg.Version,
		"agent_types": []string{"coding", "writing", "evaluator"},
		"endpoints": []string{
			"POST /subscribe", "POST /execute", "GET /subscriptions/{id}",
			"GET /hitl/pending", "POST /hitl/decide",
			"GET /stream/{subscription_id}",
			"GET /health", "GET /capabilities", "GET /metrics", "GET /metrics/prometheus",
		},
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc":     mem.HeapAlloc,
		"heap_objects":   mem.HeapObjects,
	})
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP orchestra_goroutines Current goroutine count.\n")
	fmt.Fprintf(w, "# TYPE orchestra_goroutines gauge\n")
	fmt.Fprintf(w, "orchestra_goroutines %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "# HELP orchestra_heap_alloc_bytes Current heap allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE orchestra_heap_alloc_bytes gauge\n")
	fmt.Fprintf(w, "orchestra_heap_alloc_bytes %d\n", mem.HeapAlloc)
}
