package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-remediation/internal/audit"
	"github.com/kubilitics/kubilitics-remediation/internal/models"
	"github.com/kubilitics/kubilitics-remediation/pkg/types"
)

// Error kinds reported in ErrorResponse.Kind.
const (
	KindNotFound        = "not_found"
	KindInvalidState    = "invalid_state"
	KindPolicyViolation = "policy_violation"
	KindValidation      = "validation"
	KindExecution       = "execution"
	KindInternal        = "internal"
)

// maxBodyBytes caps request bodies, seed documents included.
const maxBodyBytes = 1 << 20

// classify maps an error to its HTTP status and response body.
func classify(err error) (int, types.ErrorResponse) {
	var (
		notFound  *models.NotFoundError
		state     *models.InvalidStateError
		violation *models.PolicyViolation
		invalid   *models.ValidationError
		execErr   *models.ExecutionError
	)
	resp := types.ErrorResponse{Error: err.Error()}
	switch {
	case errors.As(err, &notFound):
		resp.Kind = KindNotFound
		return http.StatusNotFound, resp
	case errors.As(err, &state):
		resp.Kind = KindInvalidState
		return http.StatusConflict, resp
	case errors.As(err, &violation):
		resp.Kind = KindPolicyViolation
		resp.Rule = violation.Rule
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &invalid):
		resp.Kind = KindValidation
		resp.Field = invalid.Field
		return http.StatusBadRequest, resp
	case errors.As(err, &execErr):
		resp.Kind = KindExecution
		return http.StatusBadGateway, resp
	default:
		resp.Kind = KindInternal
		return http.StatusInternalServerError, resp
	}
}

// respondJSON writes v as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes the mapped error response. Internal errors are logged
// and their text is replaced so storage details do not leak.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", audit.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		resp.Error = "internal server error"
	}
	respondJSON(w, status, resp)
}

// decodeJSON reads the request body into v. An empty body leaves v at its
// zero value, which the orchestrator's validation then rejects if needed.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return &models.ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}

func errorBody(kind, msg string) types.ErrorResponse {
	return types.ErrorResponse{Error: msg, Kind: kind}
}
