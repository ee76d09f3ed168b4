package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"

	"github.com/openalgo/exio/errs"
)

// TimestampEncoding selects how the signing timestamp is rendered in the
// pre-hash string and the timestamp header.
type TimestampEncoding int

const (
	// TimestampISO8601 renders 2006-01-02T15:04:05.000Z (OKX).
	TimestampISO8601 TimestampEncoding = iota
	// TimestampUnixSeconds renders epoch seconds (Coinbase Exchange).
	TimestampUnixSeconds
)

// HeaderNames maps the signature components onto exchange-specific headers.
type HeaderNames struct {
	Key        string
	Sign       string
	Timestamp  string
	Passphrase string
}

// HeaderHMAC signs requests by HMAC-ing the pre-hash string
// timestamp + METHOD + requestPath(+query)(+body) and placing signature, key,
// timestamp and optional passphrase in headers.
type HeaderHMAC struct {
	Key        string
	Secret     string
	Passphrase string

	Headers  HeaderNames
	Encoding TimestampEncoding
	// Base64Secret decodes the configured secret from base64 before HMAC-ing,
	// as Coinbase Exchange requires.
	Base64Secret bool
	// Simulated adds the OKX demo-trading header.
	Simulated bool
}

// OKXHeaders is the header layout for OKX v5 signed requests.
var OKXHeaders = HeaderNames{
	Key:        "OK-ACCESS-KEY",
	Sign:       "OK-ACCESS-SIGN",
	Timestamp:  "OK-ACCESS-TIMESTAMP",
	Passphrase: "OK-ACCESS-PASSPHRASE",
}

// CoinbaseExchangeHeaders is the header layout for Coinbase Exchange requests.
var CoinbaseExchangeHeaders = HeaderNames{
	Key:        "CB-ACCESS-KEY",
	Sign:       "CB-ACCESS-SIGN",
	Timestamp:  "CB-ACCESS-TIMESTAMP",
	Passphrase: "CB-ACCESS-PASSPHRASE",
}

func (h HeaderHMAC) timestamp(ts time.Time) string {
	switch h.Encoding {
	case TimestampUnixSeconds:
		return strconv.FormatInt(ts.Unix(), 10)
	default:
		return ts.UTC().Format("2006-01-02T15:04:05.000Z")
	}
}

// Prehash composes the string to sign for the given request and timestamp.
// requestPath must include the query string when one is present.
func (h HeaderHMAC) Prehash(method, requestPath, body string, ts time.Time) string {
	return h.timestamp(ts) + method + requestPath + body
}

// Signature computes the base64 HMAC-SHA256 of the pre-hash string.
func (h HeaderHMAC) Signature(method, requestPath, body string, ts time.Time) (string, error) {
	secret := []byte(h.Secret)
	if h.Base64Secret {
		decoded, err := base64.StdEncoding.DecodeString(h.Secret)
		if err != nil {
			return "", errs.New("", errs.CodeCredentials, errs.WithMessage("secret is not valid base64"), errs.WithCause(err))
		}
		secret = decoded
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(h.Prehash(method, requestPath, body, ts)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Apply signs the request described by (method, requestPath, body) at ts and
// sets the resulting authentication headers.
func (h HeaderHMAC) Apply(header http.Header, method, requestPath, body string, ts time.Time) error {
	if h.Key == "" || h.Secret == "" {
		return errs.New("", errs.CodeCredentials, errs.WithMessage("api key and secret required"))
	}
	signature, err := h.Signature(method, requestPath, body, ts)
	if err != nil {
		return err
	}
	header.Set(h.Headers.Key, h.Key)
	header.Set(h.Headers.Sign, signature)
	header.Set(h.Headers.Timestamp, h.timestamp(ts))
	if h.Passphrase != "" && h.Headers.Passphrase != "" {
		header.Set(h.Headers.Passphrase, h.Passphrase)
	}
	if h.Simulated {
		header.Set("x-simulated-trading", "1")
	}
	return nil
}
