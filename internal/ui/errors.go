package ui

import (
	"errors"
	"net/http"

	"github.com/MrWong99/livescribe/internal/engine"
	"github.com/MrWong99/livescribe/internal/session"
)

// Error codes pushed to clients and returned by the REST endpoints.
const (
	CodeAlreadyActive = "already_active"
	CodeEngineInit    = "engine_init"
	CodeStreamStart   = "stream_start"
	CodeStartCanceled = "start_canceled"
	CodeClosed        = "closed"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// ErrorCode classifies err for clients.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		return CodeAlreadyActive
	case errors.Is(err, engine.ErrInit):
		return CodeEngineInit
	case errors.Is(err, engine.ErrStreamStart):
		return CodeStreamStart
	case errors.Is(err, session.ErrStartCanceled):
		return CodeStartCanceled
	case errors.Is(err, session.ErrClosed):
		return CodeClosed
	default:
		return CodeInternal
	}
}

// httpStatus maps an error code to the REST status code.
func httpStatus(code string) int {
	switch code {
	case CodeAlreadyActive, CodeStartCanceled:
		return http.StatusConflict
	case CodeEngineInit, CodeStreamStart:
		return http.StatusBadGateway
	case CodeClosed:
		return http.StatusServiceUnavailable
	case CodeBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
