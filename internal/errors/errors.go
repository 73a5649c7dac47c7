// Package errors defines the error taxonomy shared by the gateway. Every
// failure a handler can surface maps to exactly one Kind, and every Kind
// maps to a fixed HTTP status.
package errors

import (
	"errors"
	"net/http"
)

// Store-level outcomes, matched with errors.Is.
var (
	ErrNotFound        = errors.New("document not found")
	ErrDuplicate       = errors.New("duplicated key")
	ErrAlreadyVerified = errors.New("otp request already verified")
)

// Upstream API failures.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// StatusPasscodeNotMatch is the non-standard status returned when the
// request is well-formed but the one-time code is wrong.
const StatusPasscodeNotMatch = 499

// Kind is the closed set of client-visible failure classes.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindBadRequest
	KindNotFound
	KindConflict
	KindPasscodeNotMatch
)

// Status returns the HTTP status code for the kind.
func (k Kind) Status() int {
	switch k {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindPasscodeNotMatch:
		return StatusPasscodeNotMatch
	case KindInternal:
		return http.StatusInternalServerError
	}

	return http.StatusInternalServerError
}

// String returns the generic client-facing message for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "Unauthenticated"
	case KindForbidden:
		return "Forbidden"
	case KindBadRequest:
		return "Bad Request"
	case KindNotFound:
		return "Not Found"
	case KindConflict:
		return "Conflict"
	case KindPasscodeNotMatch:
		return "Passcode Not Match"
	case KindInternal:
		return "Server Error"
	}

	return "Server Error"
}

// Error is a classified failure. Message overrides the generic text for
// the kind when a distinguishing message is useful to the client.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}

	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}

	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an Error of the given kind with an optional message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err as kind, keeping it available to errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Constructors for each client-facing kind. Only Unauthenticated carries
// a message; the others answer with the kind's name.
func Unauthenticated(message string) *Error { return New(KindUnauthenticated, message) }
func Forbidden() *Error                     { return New(KindForbidden, "") }
func BadRequest() *Error                    { return New(KindBadRequest, "") }
func NotFound() *Error                      { return New(KindNotFound, "") }
func Conflict() *Error                      { return New(KindConflict, "") }
func PasscodeNotMatch() *Error              { return New(KindPasscodeNotMatch, "") }

// KindOf reports the kind of err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindInternal
}

// PublicMessage returns the text safe to send to the client. Internal
// errors never expose their detail.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return KindInternal.String()
	}

	if e.Message != "" {
		return e.Message
	}

	return e.Kind.String()
}
