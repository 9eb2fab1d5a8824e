package rpcserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JailtonJunior94/datadispatch/pkg/catalog"
	"github.com/JailtonJunior94/datadispatch/pkg/jobqueue"
	"github.com/JailtonJunior94/datadispatch/pkg/responses"
)

// ProblemDetail represents an RFC 7807 Problem Details for HTTP APIs response.
type ProblemDetail struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Status    int       `json:"status"`
	Detail    string    `json:"detail"`
	Instance  string    `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeProblem writes an error response following RFC 7807. Used by the
// middlewares; handler-level errors go through respondError.
func writeProblem(w http.ResponseWriter, r *http.Request, code int, detail string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)

	problem := ProblemDetail{
		Type:      fmt.Sprintf("https://httpstatuses.com/%d", code),
		Title:     http.StatusText(code),
		Status:    code,
		Detail:    detail,
		Instance:  r.URL.Path,
		Timestamp: time.Now(),
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(problem)
}

// respondError maps the shared error vocabulary onto HTTP status codes and
// writes the JSON error body.
func respondError(w http.ResponseWriter, err error) {
	responses.Error(w, statusFromError(err), err.Error())
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrConfigInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, catalog.ErrQueryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, catalog.ErrConnectFailed), errors.Is(err, catalog.ErrQueryFailed):
		return http.StatusBadGateway
	case errors.Is(err, jobqueue.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a request body into out, rejecting unknown fields so
// client typos surface instead of silently dropping data.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
