package binance

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/schema"
	"github.com/openalgo/exio/internal/sign"
	"github.com/openalgo/exio/internal/telemetry"
)

const (
	spotAPIBase       = "https://api.binance.com"
	futuresAPIBase    = "https://fapi.binance.com"
	spotTestnetBase   = "https://testnet.binance.vision"
	futuresTestnet    = "https://testnet.binancefuture.com"
	maxErrorBodyBytes = 4 << 10
)

type restClient struct {
	http        *http.Client
	signer      sign.QueryHMAC
	apiKey      string
	spotBase    string
	futuresBase string
	clock       func() time.Time
}

func (c *restClient) base(market schema.MarketType) string {
	if market == schema.MarketFutures {
		return c.futuresBase
	}
	return c.spotBase
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapError classifies a non-2xx response by Binance error code and HTTP
// status.
func mapError(status int, body []byte) error {
	var payload apiError
	_ = json.Unmarshal(body, &payload)

	code := errs.CodeExchange
	switch payload.Code {
	case -1021, -1022:
		// Timestamp outside recvWindow / signature mismatch.
		code = errs.CodeSignature
	case -2014, -2015:
		code = errs.CodeCredentials
	case -1003:
		code = errs.CodeRateLimited
	case -2013:
		code = errs.CodeNotFound
	case -1121, -1100, -1102, -1013:
		code = errs.CodeInvalid
	}
	if code == errs.CodeExchange {
		switch status {
		case http.StatusTooManyRequests, 418:
			code = errs.CodeRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			code = errs.CodeCredentials
		}
	}
	msg := strings.TrimSpace(payload.Msg)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return errs.New(exchangeName, code,
		errs.WithHTTP(status),
		errs.WithRawCode(strconv.Itoa(payload.Code)),
		errs.WithRawMessage(msg),
		errs.WithMessage("binance api error"))
}

func (c *restClient) do(ctx context.Context, method, fullURL string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		telemetry.RESTError(ctx, exchangeName, string(errs.CodeNetwork))
		return errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage("request "+req.URL.Path), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		mapped := mapError(resp.StatusCode, body)
		telemetry.RESTError(ctx, exchangeName, string(errs.CodeOf(mapped)))
		return mapped
	}
	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("decode "+req.URL.Path), errs.WithCause(err))
	}
	return nil
}

// public performs an unauthenticated GET.
func (c *restClient) public(ctx context.Context, market schema.MarketType, path string, params url.Values, out any) error {
	fullURL := c.base(market) + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, fullURL, nil, out)
}

// signed performs an authenticated request: millisecond timestamp plus an
// HMAC-SHA256 signature over the query string, API key in X-MBX-APIKEY.
func (c *restClient) signed(ctx context.Context, market schema.MarketType, method, path string, params url.Values, out any) error {
	if c.apiKey == "" || c.signer.Secret == "" {
		return errs.New(exchangeName, errs.CodeCredentials, errs.WithMessage("api key and secret required"))
	}
	if params == nil {
		params = url.Values{}
	}
	query := c.signer.SignedQuery(params, c.clock())
	header := http.Header{}
	header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(ctx, method, c.base(market)+path+"?"+query, header, out)
}
