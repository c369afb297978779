package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/scriptd/internal/connectors"
	"github.com/fentz26/scriptd/internal/lifecycle"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/resolver"
	"github.com/fentz26/scriptd/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrNotFound   = errors.New("resource not found")
	ErrBadRequest = errors.New("bad request")
)

// httpStatus maps service errors onto response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, resolver.ErrNotFound),
		errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, params.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, connectors.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, store.ErrDuplicateScript):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorKind names the synchronous error class for API clients.
func errorKind(err error) string {
	switch {
	case errors.Is(err, resolver.ErrNotFound), errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, params.ErrInvalidParameters):
		return "InvalidParameters"
	case errors.Is(err, connectors.ErrUnsupportedType):
		return "UnsupportedType"
	default:
		return ""
	}
}
