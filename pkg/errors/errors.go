// Package errors defines the pipeline error taxonomy. Every error carries a
// Kind so callers can branch on failure class without string matching, and an
// HTTP status so the API layer can map errors without importing domain
// packages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Error kinds for the training and serving paths.
const (
	KindDataQuality      = "DataQualityError"
	KindTrainingExec     = "TrainingExecutionError"
	KindQualityGate      = "QualityGateRejection"
	KindConflict         = "ConflictError"
	KindInputSchema      = "InputSchemaError"
	KindModelUnavailable = "ModelUnavailableError"
	KindTimeout          = "TimeoutError"
	KindNotFound         = "NotFoundError"
	KindCancelled        = "Cancelled"
	KindInternal         = "InternalError"
)

// Error is the pipeline error type. Details carries structured context such
// as gate metrics or the names of missing features.
type Error struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap sets the error cause
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// With returns a copy of the error with the detail attached.
func (e *Error) With(key string, value any) *Error {
	err := *e
	err.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	err.Details[key] = value
	return &err
}

// New creates an error with the given kind and formatted message.
func New(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Constructors for the domain taxonomy.

func DataQuality(format string, args ...any) *Error {
	return New(KindDataQuality, format, args...)
}

func TrainingExec(stage string, cause error) *Error {
	return New(KindTrainingExec, "training failed at stage %s", stage).
		With("stage", stage).Wrap(cause)
}

func QualityGate(metrics map[string]float64) *Error {
	return New(KindQualityGate, "quality_gate_not_met").With("metrics", metrics)
}

func Conflict(winnerVersion int64) *Error {
	return New(KindConflict, "concurrent promotion lost; version %d holds production", winnerVersion).
		With("production_version", winnerVersion)
}

func InputSchema(missing []string) *Error {
	return New(KindInputSchema, "missing required features: %v", missing).
		With("missing_features", missing)
}

func InputMalformed(fields []string) *Error {
	return New(KindInputSchema, "malformed feature values: %v", fields).
		With("malformed_features", fields)
}

func ModelUnavailable(name string) *Error {
	return New(KindModelUnavailable, "no production model for %q", name).
		With("model_name", name)
}

func Timeout(op string) *Error {
	return New(KindTimeout, "%s exceeded its deadline", op)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Internal(cause error) *Error {
	return New(KindInternal, "internal error").Wrap(cause)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err has the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API layer should return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInputSchema, KindDataQuality:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindModelUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindQualityGate:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
