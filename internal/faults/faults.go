// Package faults defines the closed error taxonomy of the platform and the
// retry policy applied at its transient edges. Every user-visible failure
// carries one of these codes; handlers map codes to HTTP statuses and the
// build CLI maps them to exit codes.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one failure family.
type Code string

const (
	AuthUnauthenticated Code = "AUTH_UNAUTHENTICATED"
	AuthForbidden       Code = "AUTH_FORBIDDEN"

	Validation Code = "VALIDATION"
	NotFound   Code = "NOT_FOUND"
	Conflict   Code = "CONFLICT"

	QueryEngineUnavailable Code = "QUERY_ENGINE_UNAVAILABLE"

	SourceUnreachable Code = "SOURCE_UNREACHABLE"
	SourceAuth        Code = "SOURCE_AUTH"
	SourceNotFound    Code = "SOURCE_NOT_FOUND"

	EmbeddingUnavailable  Code = "EMBEDDING_MODEL_UNAVAILABLE"
	EmbeddingRateLimited  Code = "EMBEDDING_RATE_LIMITED"
	EmbeddingInvalidInput Code = "EMBEDDING_INVALID_INPUT"

	VectorStoreUnavailable  Code = "VECTOR_STORE_UNAVAILABLE"
	VectorStoreIndexMissing Code = "VECTOR_STORE_INDEX_MISSING"

	LLMUnavailable     Code = "LLM_UNAVAILABLE"
	LLMTimeout         Code = "LLM_TIMEOUT"
	LLMContentRejected Code = "LLM_CONTENT_REJECTED"

	Internal Code = "INTERNAL"
)

// Error is a classified failure. Message is safe to show to callers;
// the wrapped error carries the mechanical detail.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.err.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.err }

// New builds a classified error with a caller-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a classified error with a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(code Code, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, err: err}
}

// CodeOf extracts the code from err, or Internal when err carries none.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return Internal
}

// MessageOf extracts the caller-facing message, falling back to err.Error().
func MessageOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

// HTTPStatus maps a code to the response status the API surface uses.
// Missing-token requests are rejected with 400 before verification, and
// an identity that verifies but is unusable (inactive, not whitelisted)
// is a 401, so both auth codes sit on 401 here.
func HTTPStatus(code Code) int {
	switch code {
	case AuthUnauthenticated, AuthForbidden:
		return http.StatusUnauthorized
	case Validation, EmbeddingInvalidInput:
		return http.StatusBadRequest
	case NotFound, SourceNotFound, VectorStoreIndexMissing:
		return http.StatusNotFound
	case Conflict, QueryEngineUnavailable:
		return http.StatusConflict
	case EmbeddingRateLimited:
		return http.StatusTooManyRequests
	case SourceUnreachable, SourceAuth, EmbeddingUnavailable, LLMUnavailable:
		return http.StatusBadGateway
	case VectorStoreUnavailable:
		return http.StatusServiceUnavailable
	case LLMTimeout:
		return http.StatusGatewayTimeout
	case LLMContentRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Exit codes of the build CLI.
const (
	ExitOK          = 0
	ExitUnexpected  = 1
	ExitInvalidArgs = 2
	ExitSource      = 3
	ExitEmbedding   = 4
	ExitVectorStore = 5
)

// ExitCode maps an error to the build CLI exit-code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CodeOf(err) {
	case Validation:
		return ExitInvalidArgs
	case SourceUnreachable, SourceAuth, SourceNotFound:
		return ExitSource
	case EmbeddingUnavailable, EmbeddingRateLimited, EmbeddingInvalidInput:
		return ExitEmbedding
	case VectorStoreUnavailable, VectorStoreIndexMissing:
		return ExitVectorStore
	default:
		return ExitUnexpected
	}
}

// Transient reports whether a code is retried at the component edge.
func Transient(code Code) bool {
	switch code {
	case EmbeddingRateLimited, VectorStoreUnavailable, LLMTimeout, SourceUnreachable:
		return true
	}
	return false
}
