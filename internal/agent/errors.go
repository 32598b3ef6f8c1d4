package agent

import (
	"errors"
	"fmt"
)

// Terminal authorization and session errors. Callers match them with errors.Is.
var (
	// ErrPKCERejected is returned when the authorization server does not
	// advertise S256 in code_challenge_methods_supported.
	ErrPKCERejected = errors.New("authorization server does not support PKCE with S256")

	// ErrConsentDenied is returned when the user or the authorization server
	// refused consent.
	ErrConsentDenied = errors.New("authorization consent denied")

	// ErrConsentCancelled is returned when the consent surface was abandoned
	// without delivering a result.
	ErrConsentCancelled = errors.New("authorization consent cancelled")

	// ErrStateMismatch is returned when the state returned on the redirect
	// does not match the one that was sent. Treat as a possible CSRF attack.
	ErrStateMismatch = errors.New("authorization state mismatch")

	// ErrRefreshInvalid is returned when the token endpoint rejects the
	// refresh token with invalid_grant. Stored credentials are cleared.
	ErrRefreshInvalid = errors.New("refresh token rejected (invalid_grant)")

	// ErrStepUpExceeded is returned once the step-up bound for an
	// authorization context is reached.
	ErrStepUpExceeded = errors.New("step-up authorization attempts exceeded")

	// ErrCancelled fails calls that were pending when the session was torn down.
	ErrCancelled = errors.New("call cancelled: session closed")
)

// TransportError reports a network or HTTP level failure.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error during %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolErrorKind classifies a ProtocolError
type ProtocolErrorKind string

const (
	ProtocolMalformed     ProtocolErrorKind = "malformed"
	ProtocolNotEnvelope   ProtocolErrorKind = "not-envelope"
	ProtocolOutOfContract ProtocolErrorKind = "out-of-contract"
)

// ProtocolError reports an envelope that could not be decoded or that
// violates the JSON-RPC contract.
type ProtocolError struct {
	Kind   ProtocolErrorKind
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error (%s)", e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthDiscoveryError is returned when no usable metadata or client
// registration path could be found.
type AuthDiscoveryError struct {
	Stage string
	Err   error
}

func (e *AuthDiscoveryError) Error() string {
	return fmt.Sprintf("authorization discovery failed at %s: %v", e.Stage, e.Err)
}

func (e *AuthDiscoveryError) Unwrap() error { return e.Err }

// TokenExchangeError reports a failed code exchange or refresh at the
// token endpoint.
type TokenExchangeError struct {
	Code        string
	Description string
	Err         error
}

func (e *TokenExchangeError) Error() string {
	if e.Code != "" {
		if e.Description != "" {
			return fmt.Sprintf("token request failed: %s: %s", e.Code, e.Description)
		}
		return fmt.Sprintf("token request failed: %s", e.Code)
	}
	return fmt.Sprintf("token request failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// ConsentError carries the error payload returned on the authorization
// redirect. It matches ErrConsentDenied.
type ConsentError struct {
	Code        string
	Description string
}

func (e *ConsentError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%v: %s (%s)", ErrConsentDenied, e.Code, e.Description)
	}
	return fmt.Sprintf("%v: %s", ErrConsentDenied, e.Code)
}

func (e *ConsentError) Unwrap() error { return ErrConsentDenied }

// ChallengeError is returned by the transport when the server answers with
// 401 or 403 and a WWW-Authenticate challenge.
type ChallengeError struct {
	StatusCode int
	Challenge  *WWWAuthenticateChallenge

	// rejected is the access token the server refused, empty when the
	// request carried none
	rejected string
}

func (e *ChallengeError) Error() string {
	if e.Challenge != nil && e.Challenge.Error != "" {
		return fmt.Sprintf("authorization required (HTTP %d, %s)", e.StatusCode, e.Challenge.Error)
	}
	return fmt.Sprintf("authorization required (HTTP %d)", e.StatusCode)
}

// InsufficientScope reports whether this is a step-up challenge
func (e *ChallengeError) InsufficientScope() bool {
	return e.Challenge != nil && e.StatusCode == 403 && e.Challenge.Error == "insufficient_scope"
}

// RPCError is a JSON-RPC error object
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// StateError is returned when an operation is invoked in a session state
// that does not allow it.
type StateError struct {
	Op    string
	State SessionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in session state %s", e.Op, e.State)
}
