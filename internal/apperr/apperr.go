// Package apperr defines the typed, user-presentable errors returned by the
// execution entry points. Every failure leaves the service as an *Error with a
// stage, a code and a message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dharsanguruparan/SignFlow/internal/model"
)

// Kind groups codes into the error taxonomy.
type Kind string

const (
	KindAuth              Kind = "AuthError"
	KindOrderViolation    Kind = "OrderViolation"
	KindNotFound          Kind = "NotFound"
	KindPersistenceFailed Kind = "PersistenceFailed"
	KindConversionFailed  Kind = "ConversionFailed"
	KindConversionTimeout Kind = "ConversionTimeout"
	KindInvalidState      Kind = "InvalidState"
	KindInvalidInput      Kind = "InvalidInput"
	KindInternal          Kind = "Internal"
)

// Code is the machine-readable error code.
type Code string

const (
	CodeInvalidToken      Code = "INVALID_TOKEN"
	CodeTokenExpired      Code = "TOKEN_EXPIRED"
	CodeOrderViolation    Code = "ORDER_VIOLATION"
	CodeNotFound          Code = "NOT_FOUND"
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"
	CodeConversionFailed  Code = "CONVERSION_FAILED"
	CodeConversionTimeout Code = "CONVERSION_TIMEOUT"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInternal          Code = "INTERNAL"
)

// Stage identifies the pipeline step that failed.
type Stage string

const (
	StageAuth     Stage = "auth"
	StagePersist  Stage = "persist"
	StageTemplate Stage = "template"
	StageMerge    Stage = "merge"
	StageUpload   Stage = "upload"
	StageConvert  Stage = "convert"
	StageFinalize Stage = "finalize"
	StageSign     Stage = "sign"
)

// Error is the structured {stage, code, message} result.
type Error struct {
	Kind    Kind   `json:"-"`
	Stage   Stage  `json:"stage"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Stage, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same code so callers can write
// errors.Is(err, apperr.ErrTokenExpired).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidToken      = &Error{Kind: KindAuth, Code: CodeInvalidToken}
	ErrTokenExpired      = &Error{Kind: KindAuth, Code: CodeTokenExpired}
	ErrOrderViolation    = &Error{Kind: KindOrderViolation, Code: CodeOrderViolation}
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrPersistenceFailed = &Error{Kind: KindPersistenceFailed, Code: CodePersistenceFailed}
	ErrConversionFailed  = &Error{Kind: KindConversionFailed, Code: CodeConversionFailed}
	ErrConversionTimeout = &Error{Kind: KindConversionTimeout, Code: CodeConversionTimeout}
	ErrInvalidState      = &Error{Kind: KindInvalidState, Code: CodeInvalidState}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput, Code: CodeInvalidInput}
	ErrInternal          = &Error{Kind: KindInternal, Code: CodeInternal}
)

var kindByCode = map[Code]Kind{
	CodeInvalidToken:      KindAuth,
	CodeTokenExpired:      KindAuth,
	CodeOrderViolation:    KindOrderViolation,
	CodeNotFound:          KindNotFound,
	CodePersistenceFailed: KindPersistenceFailed,
	CodeConversionFailed:  KindConversionFailed,
	CodeConversionTimeout: KindConversionTimeout,
	CodeInvalidState:      KindInvalidState,
	CodeInvalidInput:      KindInvalidInput,
	CodeInternal:          KindInternal,
}

// New builds an Error for the given stage and code.
func New(stage Stage, code Code, message string) *Error {
	return &Error{Kind: kindByCode[code], Stage: stage, Code: code, Message: message}
}

// Wrap is New with an underlying cause.
func Wrap(stage Stage, code Code, message string, err error) *Error {
	e := New(stage, code, message)
	e.Err = err
	return e
}

// Classify turns any error into an *Error. Typed errors pass through; a
// missing row becomes NOT_FOUND; anything else is classified by the stage it
// surfaced from.
func Classify(stage Stage, err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		if typed.Stage == "" {
			cp := *typed
			cp.Stage = stage
			return &cp
		}
		return typed
	}
	if errors.Is(err, model.ErrNotFound) {
		return Wrap(stage, CodeNotFound, "requested record does not exist", err)
	}
	switch stage {
	case StagePersist:
		return Wrap(stage, CodePersistenceFailed, "could not save submission", err)
	case StageConvert:
		return Wrap(stage, CodeConversionFailed, "preview conversion failed", err)
	case StageTemplate:
		return Wrap(stage, CodeInternal, "could not load template source", err)
	case StageUpload:
		return Wrap(stage, CodeInternal, "could not store generated document", err)
	case StageFinalize:
		return Wrap(stage, CodeInternal, "could not finalize document", err)
	case StageSign:
		return Wrap(stage, CodeInternal, "could not record signature", err)
	default:
		return Wrap(stage, CodeInternal, "unexpected failure", err)
	}
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err *Error) int {
	switch err.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindOrderViolation:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
