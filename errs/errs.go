// Package errs provides the structured error envelope shared by all exchange
// adapters in exio.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category in the connectivity-layer taxonomy.
type Code string

const (
	// CodeCredentials indicates missing or malformed API credentials.
	// Never retried.
	CodeCredentials Code = "credentials"
	// CodeSignature indicates a request-signing failure.
	CodeSignature Code = "signature"
	// CodeNetwork indicates a transport failure (refused, reset, timeout).
	CodeNetwork Code = "network"
	// CodeExchange indicates an exchange-reported business error.
	CodeExchange Code = "exchange_error"
	// CodeParse indicates a malformed frame or response body.
	CodeParse Code = "parse"
	// CodeInvalid indicates invalid caller input.
	CodeInvalid Code = "invalid_request"
	// CodeRateLimited indicates the request exceeded exchange rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeNotFound indicates a missing resource (order, symbol).
	CodeNotFound Code = "not_found"
	// CodeReconnectExhausted indicates the websocket retry cap was reached.
	// Terminal; manual intervention required.
	CodeReconnectExhausted Code = "reconnect_exhausted"
	// CodeNotSupported indicates the adapter lacks the requested capability.
	CodeNotSupported Code = "not_supported"
)

// E captures structured error information produced across the connectivity layer.
type E struct {
	Exchange string
	Code     Code
	HTTP     int
	RawCode  string
	RawMsg   string
	Message  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, or an empty code when err does
// not carry an envelope.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Retryable reports whether the failure category is safe to retry.
// Credential, signature and validation failures are permanent.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeRateLimited:
		return true
	default:
		return false
	}
}

// NotSupported returns a standardized error for unsupported capabilities.
func NotSupported(exchange, msg string) *E {
	return New(exchange, CodeNotSupported, WithMessage(msg))
}
