// Package sign implements the three request-signing schemes used by the
// supported exchanges: query-string HMAC (Binance), header HMAC (OKX and
// Coinbase Exchange) and ES256 JWT bearer tokens (Coinbase Advanced Trade).
// Signers are pure functions of the request and an explicit timestamp so that
// signatures are reproducible in tests.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// QueryHMAC signs requests by appending an HMAC-SHA256 signature parameter to
// the canonical query string. The API key travels in a request header.
type QueryHMAC struct {
	Secret string
}

// Sign computes the hex HMAC-SHA256 of payload with the secret key.
func (q QueryHMAC) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(q.Secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery encodes params with a millisecond timestamp, signs the encoded
// string, and returns it with the signature parameter appended.
func (q QueryHMAC) SignedQuery(params url.Values, ts time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(ts.UnixMilli(), 10))
	encoded := params.Encode()
	signature := q.Sign(encoded)
	if encoded != "" {
		encoded += "&"
	}
	return encoded + "signature=" + signature
}
