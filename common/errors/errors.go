// Package errors defines the error taxonomy shared by every OTC core
// component. Each rejected command carries a kind, a machine-readable code
// and the entity's current state so callers can decide whether to retry,
// cancel or escalate.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets an error into one of the core failure classes.
type Kind string

const (
	// KindValidation covers malformed input, rejected synchronously and
	// never partially applied.
	KindValidation Kind = "validation"
	// KindStateConflict covers operations illegal for the entity's
	// current state (cancelling a filled order, double-voting).
	KindStateConflict Kind = "state_conflict"
	// KindResourceUnavailable covers missing liquidity or funds.
	KindResourceUnavailable Kind = "resource_unavailable"
	// KindTimeout marks deadline-elapsed terminal paths, not caller faults.
	KindTimeout Kind = "timeout"
	// KindExternal covers custody or fiat-rail dependencies failing or
	// never answering.
	KindExternal Kind = "external_dependency"
	// KindNotFound covers unknown entity references.
	KindNotFound Kind = "not_found"
)

// Machine-readable codes returned to callers.
const (
	CodeInvalidOrder          = "invalid_order"
	CodeOrderNotFound         = "order_not_found"
	CodeNotOwner              = "not_owner"
	CodeAlreadyFilled         = "already_filled"
	CodeNoLiquidity           = "no_liquidity"
	CodeInsufficientFunds     = "insufficient_funds"
	CodeReservationConflict   = "reservation_conflict"
	CodeTradeNotFound         = "trade_not_found"
	CodeInvalidTransition     = "invalid_transition"
	CodeNotParty              = "not_party"
	CodeAlreadyDisputed       = "already_disputed"
	CodeNotEligible           = "not_eligible"
	CodeDisputeNotFound       = "dispute_not_found"
	CodeDuplicateVote         = "duplicate_vote"
	CodeArbitratorNotAssigned = "arbitrator_not_assigned"
	CodeEvidenceWindowClosed  = "evidence_window_closed"
	CodeKYBRequired           = "kyb_required"
	CodeLimitExceeded         = "limit_exceeded"
	CodeOracleUnavailable     = "oracle_unavailable"
)

// Error is the unified error value returned by all core operations.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	EntityState string
}

func (e *Error) Error() string {
	if e.EntityState != "" {
		return fmt.Sprintf("%s: %s (state=%s)", e.Code, e.Message, e.EntityState)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithState returns a copy annotated with the entity's current state.
func (e *Error) WithState(state string) *Error {
	cp := *e
	cp.EntityState = state
	return &cp
}

// Validation builds a KindValidation error.
func Validation(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StateConflict builds a KindStateConflict error.
func StateConflict(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindStateConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unavailable builds a KindResourceUnavailable error.
func Unavailable(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindResourceUnavailable, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// External builds a KindExternal error wrapping a dependency failure.
func External(code, format string, args ...interface{}) *Error {
	return &Error{Kind: KindExternal, Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// AsError extracts an *Error from err, or wraps it as an internal one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindExternal, Code: "internal", Message: err.Error()}
}

// HTTPStatus maps an error kind to the HTTP status the API layer serves.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindStateConflict:
		return http.StatusConflict
	case KindResourceUnavailable:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Problem is the RFC 7807 style payload the HTTP layer renders for an Error.
type Problem struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Status      int    `json:"status"`
	Detail      string `json:"detail"`
	Code        string `json:"code"`
	EntityState string `json:"entity_state,omitempty"`
}

// ToProblem renders the error as a problem-details payload.
func (e *Error) ToProblem() Problem {
	return Problem{
		Type:        "https://api.wello.exchange/errors/" + e.Code,
		Title:       string(e.Kind),
		Status:      e.HTTPStatus(),
		Detail:      e.Message,
		Code:        e.Code,
		EntityState: e.EntityState,
	}
}
