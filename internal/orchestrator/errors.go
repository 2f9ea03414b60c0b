// ABOUTME: Categorised errors returned by every orchestrator operation
// ABOUTME: Each error carries a machine-readable code and maps onto an HTTP status

package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind groups errors by how a caller should react to them.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindForbidden
	KindInvalidStatus
	KindExpired
	KindValidation
	KindConflict
	KindTimeout
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidStatus:
		return "invalid_status"
	case KindExpired:
		return "expired"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTimeout:
		return "timeout"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// HTTPStatus is the response status used when the kind reaches a client.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidStatus, KindExpired, KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error codes sent to clients in the "error" field.
const (
	CodeMissingFields           = "missing_required_fields"
	CodeInvalidAddress          = "invalid_address"
	CodeInvalidValue            = "invalid_value"
	CodeInvalidAgentToken       = "invalid_agent_token"
	CodeSessionNotFound         = "session_not_found"
	CodeOwnerMismatch           = "owner_mismatch"
	CodeAlreadyClaimedOrExpired = "already_claimed_or_expired"
	CodeNonceMismatch           = "nonce_mismatch"
	CodeInvalidPairingSession   = "invalid_pairing_session"
	CodeKeygenNotFound          = "keygen_session_not_found"
	CodeKeygenExpired           = "keygen_session_expired"
	CodeKeyMismatch             = "key_mismatch"
	CodeWalletNotFound          = "wallet_not_found"
	CodeWalletConflict          = "wallet_conflict"
	CodeUnauthorized            = "unauthorized"
	CodeInvalidStatus           = "invalid_status"
	CodeTransactionNotFound     = "transaction_not_found"
	CodeTransactionExpired      = "transaction_expired"
	CodeAgentTokenExists        = "agent_token_already_exists"
	CodeAgentNotFound           = "agent_not_found"
	CodeAgentRequestNotFound    = "agent_request_not_found"
	CodeAgentRequestExpired     = "agent_request_expired"
	CodeNotificationNotFound    = "notification_not_found"
	CodeTimeout                 = "timeout"
	CodeInternal                = "internal_error"
)

// Error is the error type returned by orchestrator operations.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AsError extracts an orchestrator error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind reports whether err is an orchestrator error of the given kind.
func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

// HasCode reports whether err is an orchestrator error with the given code.
func HasCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// HTTPStatus maps any error to a response status. Errors that are not
// orchestrator errors are internal.
func HTTPStatus(err error) int {
	if e, ok := AsError(err); ok {
		return e.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func notFound(code, msg string) *Error {
	return newError(KindNotFound, code, "%s", msg)
}

func forbidden(code, msg string) *Error {
	return newError(KindForbidden, code, "%s", msg)
}

func validation(code, msg string) *Error {
	return newError(KindValidation, code, "%s", msg)
}

func expired(code, msg string) *Error {
	return newError(KindExpired, code, "%s", msg)
}

func conflict(code, msg string) *Error {
	return newError(KindConflict, code, "%s", msg)
}

// dependency wraps a collaborator failure that the caller cannot recover from.
func dependency(op string, err error) *Error {
	return &Error{Kind: KindDependency, Code: CodeInternal, Message: op, Err: err}
}
