package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	relayerrors "github.com/luljaj/relay/internal/errors"
	"github.com/luljaj/relay/internal/identity"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server wraps a Service with the chi-routed plain-JSON surface from
// spec.md §6. Router adoption (go-chi/chi/v5) follows the pack's
// idiomatic choice for a plain net/http server, since the teacher ships
// no HTTP surface of its own.
type Server struct {
	svc        *Service
	cronSecret string
}

// NewServer builds the chi router for the six plain-JSON endpoints plus
// the cron-gated cleanup endpoint and a health check.
func NewServer(svc *Service, cronSecret string) http.Handler {
	s := &Server{svc: svc, cronSecret: cronSecret}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(svc))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(svc.RequestDeadline))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/check_status", s.handleCheckStatus)
	r.Post("/post_status", s.handlePostStatus)
	r.Get("/graph", s.handleGraph)
	r.Get("/activity", s.handleActivity)
	r.Post("/release_all_locks", s.handleReleaseAllLocks)
	r.Post("/clear_agent_and_feed", s.handleClearAgentAndFeed)
	r.Get("/cleanup_stale_locks", s.handleCleanupStaleLocks)

	return r
}

func requestLogger(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := identity.NowMillis()
			next.ServeHTTP(ww, r)
			svc.Logger.Info("request",
				"method", r.Method, "path", r.URL.Path,
				"status", ww.Status(), "duration_ms", identity.NowMillis()-start)
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.KV.HealthCheck(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	var req CheckStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	caller, _ := identity.Resolve(r.Header, false)
	req.UserID, req.UserName = caller.UserID, caller.UserName

	resp, err := s.svc.CheckStatus(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	var req PostStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	caller, _ := identity.Resolve(r.Header, false)
	req.UserID, req.UserName = caller.UserID, caller.UserName

	resp, err := s.svc.PostStatus(r.Context(), req)
	if err != nil {
		if relayerrors.GetKind(err) == relayerrors.Validation {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repoURL, branch := q.Get("repo_url"), q.Get("branch")
	if repoURL == "" || branch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}
	regenerate := q.Get("regenerate") == "true"

	graph, err := s.svc.GetGraph(r.Context(), repoURL, branch, regenerate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, graph)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	repoURL, branch := q.Get("repo_url"), q.Get("branch")
	if repoURL == "" || branch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := s.svc.ActivityEvents(r.Context(), repoURL, branch, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store, max-age=0")
	writeJSON(w, http.StatusOK, map[string]interface{}{"activity_events": events})
}

type releaseAllRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
}

func (s *Server) handleReleaseAllLocks(w http.ResponseWriter, r *http.Request) {
	var req releaseAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" || req.Branch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	released, err := s.svc.ReleaseAllLocks(r.Context(), req.RepoURL, req.Branch)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"orchestration": map[string]string{"type": "orchestration_command", "action": "STOP", "reason": "release failed"},
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "released": released, "repo_url": req.RepoURL, "branch": req.Branch,
	})
}

func (s *Server) handleClearAgentAndFeed(w http.ResponseWriter, r *http.Request) {
	var req releaseAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RepoURL == "" || req.Branch == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
		return
	}

	locksCleared, feedCleared, err := s.svc.ClearAgentAndFeed(r.Context(), req.RepoURL, req.Branch)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"locks_cleared": locksCleared, "feed_cleared": feedCleared,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true, "locks_cleared": locksCleared, "feed_cleared": feedCleared,
	})
}

func (s *Server) handleCleanupStaleLocks(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if auth != "Bearer "+s.cronSecret || s.cronSecret == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	removed, err := s.svc.CleanupStaleLocks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a relayerrors.Error's Kind to the HTTP status and body
// shape spec.md §7 assigns it.
func writeError(w http.ResponseWriter, err error) {
	kind := relayerrors.GetKind(err)
	ctx := relayerrors.GetContext(err)

	switch kind {
	case relayerrors.Validation, relayerrors.IdentityUnresolved:
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
	case relayerrors.QuotaExhausted:
		body := map[string]interface{}{"error": err.Error()}
		if ra, ok := ctx["retry_after_ms"]; ok {
			body["retry_after_ms"] = ra
		}
		writeJSON(w, http.StatusTooManyRequests, body)
	case relayerrors.BranchNotFound:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "branch not found", "details": err.Error()})
	case relayerrors.Unreachable, relayerrors.LockStoreUnavailable:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "internal error", "details": err.Error()})
	}
}
