package coinbase

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/sign"
	"github.com/openalgo/exio/internal/telemetry"
)

const maxErrorBodyBytes = 4 << 10

type authMode int

const (
	authNone authMode = iota
	authJWT
	authHMAC
)

type restClient struct {
	http *http.Client
	base string
	host string

	mode    authMode
	jwtKey  string
	private *ecdsa.PrivateKey
	hmac    sign.HeaderHMAC

	clock func() time.Time
}

// apiError is the uniform Advanced Trade failure body.
type apiError struct {
	Error        string `json:"error"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	ErrorDetails string `json:"error_details"`
}

// mapError classifies a non-2xx response. Advanced Trade reports most
// business failures inside 200 responses (order placement), so this table is
// status-driven with the raw error preserved for callers.
func mapError(status int, body []byte) error {
	var payload apiError
	_ = json.Unmarshal(body, &payload)
	rawCode := strings.TrimSpace(payload.Error)
	if rawCode == "" {
		rawCode = strings.TrimSpace(payload.Code)
	}
	msg := strings.TrimSpace(payload.Message)
	if msg == "" {
		msg = strings.TrimSpace(payload.ErrorDetails)
	}

	class := errs.CodeExchange
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		class = errs.CodeCredentials
		if strings.Contains(strings.ToLower(msg), "signature") {
			class = errs.CodeSignature
		}
	case http.StatusTooManyRequests:
		class = errs.CodeRateLimited
	case http.StatusNotFound:
		class = errs.CodeNotFound
	case http.StatusBadRequest:
		class = errs.CodeInvalid
	}
	return errs.New(exchangeName, class,
		errs.WithHTTP(status),
		errs.WithRawCode(rawCode),
		errs.WithRawMessage(msg),
		errs.WithMessage("coinbase api error"))
}

// token issues an ES256 bearer token. An empty method produces a websocket
// token without the per-request uri claim.
func (c *restClient) token(method, path string) (string, error) {
	signer := sign.JWT{KeyName: c.jwtKey, PrivateKey: c.private, Clock: c.clock}
	return signer.Token(method, c.host, path)
}

func (c *restClient) authorize(req *http.Request, method, path, query string, body []byte) error {
	switch c.mode {
	case authJWT:
		// The JWT audience covers the bare path; the HMAC pre-hash covers
		// path plus query.
		token, err := c.token(method, path)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	case authHMAC:
		requestPath := path
		if query != "" {
			requestPath += "?" + query
		}
		return c.hmac.Apply(req.Header, method, requestPath, string(body), c.clock())
	default:
		return errs.New(exchangeName, errs.CodeCredentials, errs.WithMessage("api credentials required"))
	}
}

// do issues one request. path is the bare endpoint path; query carries the
// encoded query string when one is present.
func (c *restClient) do(ctx context.Context, method, path, query string, body []byte, signed bool, out any) error {
	fullURL := c.base + path
	if query != "" {
		fullURL += "?" + query
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if err := c.authorize(req, method, path, query, body); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.RESTError(ctx, exchangeName, string(errs.CodeNetwork))
		return errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage("request "+path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		mapped := mapError(resp.StatusCode, raw)
		telemetry.RESTError(ctx, exchangeName, string(errs.CodeOf(mapped)))
		return mapped
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("decode "+path), errs.WithCause(err))
	}
	return nil
}

func (c *restClient) get(ctx context.Context, path, query string, signed bool, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, signed, out)
}

func (c *restClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
	}
	return c.do(ctx, http.MethodPost, path, "", body, true, out)
}
