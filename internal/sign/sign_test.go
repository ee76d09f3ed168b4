package sign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

// Fixture from the Binance signed-endpoint documentation example.
func TestQueryHMACMatchesBinanceFixture(t *testing.T) {
	signer := QueryHMAC{Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"}
	payload := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got := signer.Sign(payload); got != want {
		t.Fatalf("Sign() = %s, want %s", got, want)
	}
}

func TestQueryHMACSignedQueryDeterministic(t *testing.T) {
	signer := QueryHMAC{Secret: "secret"}
	ts := time.UnixMilli(1700000000000).UTC()
	params := url.Values{}
	params.Set("symbol", "BTCUSDT")

	first := signer.SignedQuery(params, ts)
	second := signer.SignedQuery(url.Values{"symbol": {"BTCUSDT"}}, ts)
	if first != second {
		t.Fatalf("signed query not deterministic: %s vs %s", first, second)
	}
	if !strings.Contains(first, "timestamp=1700000000000") {
		t.Fatalf("expected millisecond timestamp in query: %s", first)
	}
	if !strings.Contains(first, "&signature=") {
		t.Fatalf("expected appended signature: %s", first)
	}
}

func TestHeaderHMACMatchesOKXFixture(t *testing.T) {
	signer := HeaderHMAC{
		Key:        "api-key",
		Secret:     "okx-secret-key",
		Passphrase: "phrase",
		Headers:    OKXHeaders,
		Encoding:   TimestampISO8601,
	}
	ts := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	sig, err := signer.Signature(http.MethodGet, "/api/v5/account/balance", "", ts)
	if err != nil {
		t.Fatalf("Signature() error: %v", err)
	}
	if sig != "KLVnSXyFDpJApVFjWhOisPgacxfHkorgAVtfdZj7l08=" {
		t.Fatalf("Signature() = %s", sig)
	}

	header := http.Header{}
	if err := signer.Apply(header, http.MethodGet, "/api/v5/account/balance", "", ts); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if header.Get("OK-ACCESS-KEY") != "api-key" {
		t.Fatalf("missing api key header")
	}
	if header.Get("OK-ACCESS-TIMESTAMP") != "2024-03-15T12:00:00.000Z" {
		t.Fatalf("timestamp header = %s", header.Get("OK-ACCESS-TIMESTAMP"))
	}
	if header.Get("OK-ACCESS-PASSPHRASE") != "phrase" {
		t.Fatalf("missing passphrase header")
	}
	if header.Get("x-simulated-trading") != "" {
		t.Fatalf("simulated header should be absent outside demo mode")
	}
}

func TestHeaderHMACSimulatedTradingHeader(t *testing.T) {
	signer := HeaderHMAC{
		Key:       "k",
		Secret:    "s",
		Headers:   OKXHeaders,
		Simulated: true,
	}
	header := http.Header{}
	if err := signer.Apply(header, http.MethodGet, "/api/v5/public/time", "", time.Now()); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if header.Get("x-simulated-trading") != "1" {
		t.Fatalf("expected simulated trading header in demo mode")
	}
}

func TestHeaderHMACBase64SecretMatchesCoinbaseFixture(t *testing.T) {
	signer := HeaderHMAC{
		Key:          "api-key",
		Secret:       "Y29pbmJhc2UtcmF3LXNlY3JldC0wMTIzNDU2Nzg5YWJjZGVm",
		Headers:      CoinbaseExchangeHeaders,
		Encoding:     TimestampUnixSeconds,
		Base64Secret: true,
	}
	ts := time.Unix(1710504000, 0)
	sig, err := signer.Signature(http.MethodGet, "/accounts", "", ts)
	if err != nil {
		t.Fatalf("Signature() error: %v", err)
	}
	if sig != "35c5vqOgZLh1gkYRxgkxlX3k2OLGYnlcfMizGNyPQOM=" {
		t.Fatalf("Signature() = %s", sig)
	}
}

func TestHeaderHMACRejectsMalformedBase64Secret(t *testing.T) {
	signer := HeaderHMAC{Key: "k", Secret: "not base64!!", Headers: CoinbaseExchangeHeaders, Base64Secret: true}
	if err := signer.Apply(http.Header{}, http.MethodGet, "/accounts", "", time.Now()); err == nil {
		t.Fatalf("expected credential error for malformed base64 secret")
	}
}

func TestDERToJOSEReferenceVector(t *testing.T) {
	der, err := hex.DecodeString("304302201f8a7d2b4c6e9135577799bbddff02468ace13579bdf02468ace13579bdf0246021f0a1b2c3d4e5f60718293a4b5c6d7e8f9aabbccddeeff001122334455667788")
	if err != nil {
		t.Fatalf("decode der fixture: %v", err)
	}
	jose, err := DERToJOSE(der)
	if err != nil {
		t.Fatalf("DERToJOSE() error: %v", err)
	}
	if len(jose) != 64 {
		t.Fatalf("jose signature length = %d, want 64", len(jose))
	}
	want := "1f8a7d2b4c6e9135577799bbddff02468ace13579bdf02468ace13579bdf0246" +
		"000a1b2c3d4e5f60718293a4b5c6d7e8f9aabbccddeeff001122334455667788"
	if hex.EncodeToString(jose) != want {
		t.Fatalf("DERToJOSE() = %s, want %s", hex.EncodeToString(jose), want)
	}
}

func TestDERToJOSERejectsGarbage(t *testing.T) {
	if _, err := DERToJOSE([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Fatalf("expected error for malformed DER input")
	}
}

func TestJWTTokenShape(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issued := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	signer := JWT{
		KeyName:    "organizations/test/apiKeys/key-1",
		PrivateKey: key,
		Clock:      func() time.Time { return issued },
		Nonce:      func() string { return "fixed-nonce" },
	}
	token, err := signer.Token(http.MethodGet, "api.coinbase.com", "/api/v3/brokerage/accounts")
	if err != nil {
		t.Fatalf("Token() error: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	header := string(headerJSON)
	for _, want := range []string{`"alg":"ES256"`, `"kid":"organizations/test/apiKeys/key-1"`, `"nonce":"fixed-nonce"`} {
		if !strings.Contains(header, want) {
			t.Fatalf("header missing %s: %s", want, header)
		}
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	claims := string(claimsJSON)
	for _, want := range []string{
		`"iss":"cdp"`,
		`"uri":"GET api.coinbase.com/api/v3/brokerage/accounts"`,
		`"nbf":1717236000`,
		`"exp":1717236120`,
	} {
		if !strings.Contains(claims, want) {
			t.Fatalf("claims missing %s: %s", want, claims)
		}
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 (raw r||s)", len(sig))
	}

	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(&key.PublicKey, digest[:], r, s) {
		t.Fatalf("signature does not verify against the signing key")
	}
}

func TestJWTRequiresKey(t *testing.T) {
	signer := JWT{}
	if _, err := signer.Token(http.MethodGet, "api.coinbase.com", "/x"); err == nil {
		t.Fatalf("expected credential error without a private key")
	}
}

func TestParseECPrivateKeyRejectsGarbage(t *testing.T) {
	if _, err := ParseECPrivateKey("not pem"); err == nil {
		t.Fatalf("expected error for non-PEM input")
	}
}
