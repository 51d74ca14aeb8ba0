// Package httpbroker carries the broker interface over HTTP. Server exposes any
// broker.Broker behind token authentication; Client implements broker.Broker
// against such a server.
package httpbroker

import (
	"errors"
	"net/http"

	"grid-client/internal/broker"
	"grid-client/internal/domain"
)

// Out-of-band parameters of an upload travel as request headers so the body
// can be the raw payload stream.
const (
	HeaderPriority      = "X-Grid-Priority"
	HeaderCoresPerTask  = "X-Grid-Cores-Per-Task"
	HeaderMemoryPerTask = "X-Grid-Memory-Per-Task"
	HeaderTimePerTask   = "X-Grid-Time-Per-Task"
)

const (
	codeProjectNotFound = "project_not_found"
	codeProjectExists   = "project_exists"
	codeNotReady        = "not_ready"
	codeUnauthorized    = "unauthorized"
	codeForbidden       = "forbidden"
	codeBadRequest      = "bad_request"
	codeInternal        = "broker_error"
)

var (
	// ErrUnauthorized is returned when the session token is missing, expired or rejected.
	ErrUnauthorized = errors.New("broker rejected credentials")
	// ErrForbidden is returned when the authenticated client may not perform the call.
	ErrForbidden = errors.New("operation not permitted for this client")
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type loginRequest struct {
	ClientName string `json:"client_name" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

type registerRequest struct {
	ClientName string `json:"client_name" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Secret     string `json:"secret" binding:"required"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type boolResponse struct {
	Value bool `json:"value"`
}

type sizeResponse struct {
	Size int64 `json:"size"`
}

type stateResponse struct {
	PriorState domain.ProjectState `json:"prior_state"`
}

type cancelResponse struct {
	Result domain.CancelResult `json:"result"`
}

type limitRequest struct {
	Value int `json:"value" binding:"required"`
}

// statusFor maps a broker failure to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrProjectNotFound):
		return http.StatusNotFound, codeProjectNotFound
	case errors.Is(err, domain.ErrProjectExists):
		return http.StatusConflict, codeProjectExists
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict, codeNotReady
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// errorFor turns an error response back into the sentinel the server started from.
func errorFor(status int, resp errorResponse) error {
	switch resp.Code {
	case codeProjectNotFound:
		return broker.ErrProjectNotFound
	case codeProjectExists:
		return domain.ErrProjectExists
	case codeNotReady:
		return domain.ErrNotReady
	case codeUnauthorized:
		return ErrUnauthorized
	case codeForbidden:
		return ErrForbidden
	}
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return &StatusError{StatusCode: status, Message: resp.Error}
}

// StatusError is an unexpected non-2xx answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return "broker answered " + http.StatusText(e.StatusCode)
	}
	return "broker answered " + http.StatusText(e.StatusCode) + ": " + e.Message
}
