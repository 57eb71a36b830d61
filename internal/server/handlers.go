package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubilitics/kubilitics-remediation/internal/middleware"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// handleHealth reports process and database health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := types.HealthResponse{Status: "healthy", Database: "ok", Dialect: s.orch.Dialect()}
	status := http.StatusOK
	if err := s.orch.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// pathVar returns a mux route variable.
func pathVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

// intQuery parses an optional non-negative integer query parameter.
func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &models.ValidationError{Field: key, Message: fmt.Sprintf("must be a non-negative integer, got %q", raw)}
	}
	return n, nil
}

// listQuery splits a comma-separated query parameter.
func listQuery(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// actor picks the operator from the body, falling back to X-Actor.
func actor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return strings.TrimSpace(r.Header.Get(middleware.ActorHeader))
}
