package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesRawFields(t *testing.T) {
	err := New(
		"binance",
		CodeExchange,
		WithHTTP(400),
		WithMessage("order rejected"),
		WithRawCode("-2010"),
		WithRawMessage("Account has insufficient balance for requested action."),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "exchange=binance") {
		t.Fatalf("expected exchange marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=exchange_error") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	if !strings.Contains(out, "http=400") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"-2010\"") {
		t.Fatalf("expected raw exchange code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("okx", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match wrapped cause")
	}
}

func TestCodeOf(t *testing.T) {
	err := New("coinbase", CodeCredentials)
	if got := CodeOf(err); got != CodeCredentials {
		t.Fatalf("CodeOf() = %q, want %q", got, CodeCredentials)
	}
	wrapped := errors.Join(errors.New("outer"), err)
	if got := CodeOf(wrapped); got != CodeCredentials {
		t.Fatalf("CodeOf(wrapped) = %q, want %q", got, CodeCredentials)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeNetwork, true},
		{CodeRateLimited, true},
		{CodeCredentials, false},
		{CodeSignature, false},
		{CodeExchange, false},
		{CodeInvalid, false},
		{CodeReconnectExhausted, false},
	}
	for _, tc := range cases {
		if got := Retryable(New("binance", tc.code)); got != tc.want {
			t.Fatalf("Retryable(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("nil envelope should format as <nil>")
	}
}
