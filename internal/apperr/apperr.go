// Package apperr defines the stable error-kind taxonomy shared by every
// Agentbook component. Callers match on Code, never on the message text.
package apperr

import "errors"

// Code is a stable, client-matchable error kind.
type Code string

const (
	Protocol         Code = "Protocol"
	SignatureInvalid Code = "SignatureInvalid"
	IdentityMismatch Code = "IdentityMismatch"
	Blocked          Code = "Blocked"
	NotMutualFollow  Code = "NotMutualFollow"
	NotFollowed      Code = "NotFollowed"
	Replay           Code = "Replay"
	ClockSkew        Code = "ClockSkew"
	RateLimited      Code = "RateLimited"
	PayloadTooLarge  Code = "PayloadTooLarge"
	NotConnected     Code = "NotConnected"
	SlowConsumer     Code = "SlowConsumer"
	Displaced        Code = "Displaced"
	UsernameTaken    Code = "UsernameTaken"
	UsernameInvalid  Code = "UsernameInvalid"
	NotFound         Code = "NotFound"
	Transport        Code = "Transport"
	Crypto           Code = "Crypto"
	Storage          Code = "Storage"
	Unauthorized     Code = "Unauthorized"
	Shutdown         Code = "Shutdown"
)

// Error carries a stable Code alongside a human message and optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, returning "" if err does not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
