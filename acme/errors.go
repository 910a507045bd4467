package acme

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an Error so callers can decide whether an operation is
// worth retrying without string-matching messages.
type Kind string

const (
	KindProtocol      Kind = "protocol"
	KindAccount       Kind = "account"
	KindOrder         Kind = "order"
	KindChallenge     Kind = "challenge"
	KindCertificate   Kind = "certificate"
	KindCrypto        Kind = "crypto"
	KindStorage       Kind = "storage"
	KindTransport     Kind = "transport"
	KindInvalidInput  Kind = "invalid_input"
	KindTimeout       Kind = "timeout"
	KindNotFound      Kind = "not_found"
	KindConfiguration Kind = "configuration"
	KindRateLimited   Kind = "rate_limited"
)

// Well-known ACME problem types (RFC 8555 section 6.7).
const (
	ProblemBadNonce            = "urn:ietf:params:acme:error:badNonce"
	ProblemRateLimited         = "urn:ietf:params:acme:error:rateLimited"
	ProblemAccountDoesNotExist = "urn:ietf:params:acme:error:accountDoesNotExist"
)

// Problem is an RFC 7807 problem details document as returned by ACME
// servers on any non-2xx response.
type Problem struct {
	Type        string       `json:"type"`
	Detail      string       `json:"detail,omitempty"`
	Title       string       `json:"title,omitempty"`
	Status      int          `json:"status,omitempty"`
	Instance    string       `json:"instance,omitempty"`
	Subproblems []Subproblem `json:"subproblems,omitempty"`
}

// Subproblem pins a problem to a single identifier within a multi-identifier
// request.
type Subproblem struct {
	Type       string      `json:"type"`
	Detail     string      `json:"detail,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%s: %s", p.Type, p.Detail)
	}
	return p.Type
}

// IsBadNonce reports whether the server rejected our anti-replay nonce.
func (p *Problem) IsBadNonce() bool {
	return p != nil && p.Type == ProblemBadNonce
}

// Error is the structured error surfaced by this module. It carries the
// taxonomy Kind, an optional server problem document, and kind-specific
// context (order status, challenge type, retry-after).
type Error struct {
	Kind    Kind
	Message string

	// Problem is the server's RFC 7807 document, when one was returned.
	Problem *Problem

	// OrderStatus is set for KindOrder errors.
	OrderStatus string
	// ChallengeType is set for KindChallenge errors.
	ChallengeType string
	// RetryAfter is set for KindRateLimited errors when the server sent a
	// Retry-After header.
	RetryAfter time.Duration

	err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.OrderStatus != "" {
		fmt.Fprintf(&b, " (order status %q)", e.OrderStatus)
	}
	if e.ChallengeType != "" {
		fmt.Fprintf(&b, " (%s)", e.ChallengeType)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Problem != nil {
		b.WriteString(": ")
		b.WriteString(e.Problem.Error())
	}
	if e.err != nil {
		b.WriteString(": ")
		b.WriteString(e.err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e.err != nil {
		return e.err
	}
	if e.Problem != nil {
		return e.Problem
	}
	return nil
}

// NewError builds an Error of the given kind, optionally wrapping a cause.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, err: cause}
}

// Errorf is NewError with a formatted message and no cause.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsFatal reports whether err cannot be fixed by retrying: bad input, bad
// configuration, a missing account, or an order that went terminally
// invalid.
func IsFatal(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.Kind {
	case KindInvalidInput, KindConfiguration:
		return true
	case KindOrder:
		return ae.OrderStatus == StatusInvalid
	}
	if ae.Problem != nil && ae.Problem.Type == ProblemAccountDoesNotExist {
		return true
	}
	return false
}
