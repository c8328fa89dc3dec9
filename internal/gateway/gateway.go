// Package gateway serves the hook-facing HTTP API: blocking approval
// requests, notifications, queued-message delivery, and agent lifecycle.
package gateway

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/basket/hookbridge/internal/audit"
	"github.com/basket/hookbridge/internal/broker"
	"github.com/basket/hookbridge/internal/heartbeat"
	"github.com/basket/hookbridge/internal/mailbox"
	"github.com/basket/hookbridge/internal/mode"
	"github.com/basket/hookbridge/internal/registry"
	"github.com/basket/hookbridge/internal/shared"
)

// Config wires the HTTP layer to the core.
type Config struct {
	// AuthToken guards every endpoint. Empty means the localhost-only
	// API runs unauthenticated.
	AuthToken string

	Broker   *broker.Broker
	Registry *registry.Registry
	Mailbox  *mailbox.Mailbox
	Modes    *mode.Controller
	Logger   *slog.Logger

	// DB is the audit database, checked by /healthz. Optional.
	DB *sql.DB

	ConfigFingerprint string

	// MessageWait caps the /send_message long-poll.
	MessageWait time.Duration

	// HeartbeatCron, when set, lets /status report the next digest time.
	HeartbeatCron string
}

// Server is the hook API front end.
type Server struct {
	cfg       Config
	startedAt time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MessageWait <= 0 {
		cfg.MessageWait = 120 * time.Second
	}
	return &Server{cfg: cfg, startedAt: time.Now().UTC()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/notify", s.handleNotify)
	mux.HandleFunc("/approve", s.handleApprove)
	mux.HandleFunc("/check_auto_approve", s.handleCheckAutoApprove)
	mux.HandleFunc("/send_message", s.handleSendMessage)
	mux.HandleFunc("/register_agent", s.handleRegisterAgent)
	mux.HandleFunc("/unregister_agent", s.handleUnregisterAgent)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token == s.cfg.AuthToken
}

func (s *Server) guard(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// agentOrDefault fills in the default agent id for callers that omit it.
func agentOrDefault(agentID string) string {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return shared.DefaultAgentID
	}
	return agentID
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		Kind    string `json:"kind"`
		Payload string `json:"payload"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		http.Error(w, "payload required", http.StatusBadRequest)
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	s.cfg.Broker.Notify(ctx, agentOrDefault(req.AgentID), req.Kind, req.Payload)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AgentID           string `json:"agent_id"`
		ActionDescription string `json:"action_description"`
		TimeoutSeconds    int    `json:"timeout_seconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ActionDescription) == "" {
		http.Error(w, "action_description required", http.StatusBadRequest)
		return
	}

	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)
	agentID := agentOrDefault(req.AgentID)
	s.cfg.Logger.Info("approval request received",
		"agent_id", agentID, "trace_id", traceID)

	out := s.cfg.Broker.Request(ctx, agentID,
		req.ActionDescription,
		time.Duration(req.TimeoutSeconds)*time.Second)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCheckAutoApprove(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auto_approve": s.cfg.Broker.CheckAutoApprove(agentOrDefault(req.AgentID)),
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AgentID        string `json:"agent_id"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agentID := agentOrDefault(req.AgentID)

	var msgs []string
	if req.TimeoutSeconds > 0 {
		wait := time.Duration(req.TimeoutSeconds) * time.Second
		if wait > s.cfg.MessageWait {
			wait = s.cfg.MessageWait
		}
		msgs = s.cfg.Mailbox.Wait(r.Context(), agentID, wait)
	} else {
		msgs = s.cfg.Mailbox.Drain(agentID)
	}
	if msgs == nil {
		msgs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"instructions": msgs})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AgentID     string `json:"agent_id"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agent := s.cfg.Registry.Upsert(agentOrDefault(req.AgentID), req.DisplayName)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "agent_id": agent.ID})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	agentID := agentOrDefault(req.AgentID)
	s.cfg.Registry.Remove(agentID)
	s.cfg.Mailbox.Forget(agentID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	payload := map[string]any{
		"mode":           string(s.cfg.Modes.Get()),
		"agent_count":    s.cfg.Registry.Count(),
		"pending_count":  s.cfg.Broker.PendingCount(),
		"queue_depths":   s.cfg.Mailbox.Depths(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"config_hash":    s.cfg.ConfigFingerprint,
	}
	if s.cfg.HeartbeatCron != "" {
		if next, err := heartbeat.NextRunTime(s.cfg.HeartbeatCron, time.Now()); err == nil {
			payload["next_heartbeat"] = next.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.DB != nil {
		if err := s.cfg.DB.PingContext(r.Context()); err != nil {
			dbOK = false
		}
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	queued := 0
	for _, d := range s.cfg.Mailbox.Depths() {
		queued += d
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals_pending": s.cfg.Broker.PendingCount(),
		"agents":            s.cfg.Registry.Count(),
		"queued_messages":   queued,
		"deny_count":        audit.DenyCount(),
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"memory_alloc":      mem.Alloc,
	})
}
