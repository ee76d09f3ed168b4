package okx

import (
	"bytes"
	"context"
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

type restClient struct {
	http   *http.Client
	signer sign.HeaderHMAC
	base   string
	clock  func() time.Time
}

// envelope is the uniform OKX v5 response wrapper.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// benignCodes are business codes that report "nothing changed" on idempotent
// settings calls (leverage already set, margin mode unchanged). They are
// treated as success.
var benignCodes = map[string]struct{}{
	"59000": {}, // setting unchanged
	"59107": {}, // leverage unchanged
}

// mapCode classifies a non-zero OKX business code.
func mapCode(code, msg string, httpStatus int) error {
	class := errs.CodeExchange
	switch code {
	case "50100", "50101", "50102", "50103", "50104", "50105", "50106", "50107":
		// APIKey header family: wrong timestamp, wrong signature material.
		class = errs.CodeSignature
	case "50111", "50112", "50113", "50114", "50119":
		class = errs.CodeCredentials
	case "50011", "50013", "50061":
		class = errs.CodeRateLimited
	case "51000", "51001", "51008", "51020":
		class = errs.CodeInvalid
	case "51603":
		class = errs.CodeNotFound
	}
	if class == errs.CodeExchange {
		switch httpStatus {
		case http.StatusTooManyRequests:
			class = errs.CodeRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			class = errs.CodeCredentials
		}
	}
	return errs.New(exchangeName, class,
		errs.WithHTTP(httpStatus),
		errs.WithRawCode(code),
		errs.WithRawMessage(msg),
		errs.WithMessage("okx api error"))
}

func (c *restClient) do(ctx context.Context, method, path string, body []byte, signed bool, out any) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if err := c.signer.Apply(req.Header, method, path, string(body), c.clock()); err != nil {
			return err
		}
	} else if c.signer.Simulated {
		req.Header.Set("x-simulated-trading", "1")
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
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		var env envelope
		_ = json.Unmarshal(raw, &env)
		mapped := mapCode(strings.TrimSpace(env.Code), strings.TrimSpace(env.Msg), resp.StatusCode)
		telemetry.RESTError(ctx, exchangeName, string(errs.CodeOf(mapped)))
		return mapped
	}

	var env envelope
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&env); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("decode "+req.URL.Path), errs.WithCause(err))
	}
	code := strings.TrimSpace(env.Code)
	if code != "0" && code != "" {
		if _, benign := benignCodes[code]; !benign {
			mapped := mapCode(code, strings.TrimSpace(env.Msg), resp.StatusCode)
			telemetry.RESTError(ctx, exchangeName, string(errs.CodeOf(mapped)))
			return mapped
		}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errs.New(exchangeName, errs.CodeParse, errs.WithMessage("decode data for "+req.URL.Path), errs.WithCause(err))
	}
	return nil
}

func (c *restClient) get(ctx context.Context, path string, signed bool, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, signed, out)
}

func (c *restClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("encode request body"), errs.WithCause(err))
	}
	return c.do(ctx, http.MethodPost, path, body, true, out)
}
