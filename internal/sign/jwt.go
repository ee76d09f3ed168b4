package sign

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	json "github.com/goccy/go-json"

	"github.com/openalgo/exio/errs"
)

const jwtLifetime = 120 * time.Second

// JWT builds short-lived ES256 bearer tokens for Coinbase Advanced Trade.
// Clock and Nonce are injectable so token contents are deterministic in tests;
// the ECDSA signature itself is randomized by design.
type JWT struct {
	KeyName    string
	PrivateKey *ecdsa.PrivateKey

	Clock func() time.Time
	Nonce func() string
}

// ParseECPrivateKey loads an ES256 private key from PEM, accepting both SEC1
// ("EC PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") encodings.
func ParseECPrivateKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errs.New("", errs.CodeCredentials, errs.WithMessage("secret is not PEM-encoded"))
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errs.New("", errs.CodeCredentials, errs.WithMessage("cannot parse EC private key"), errs.WithCause(err))
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errs.New("", errs.CodeCredentials, errs.WithMessage("private key is not an EC key"))
	}
	return key, nil
}

type jwtHeader struct {
	Alg   string `json:"alg"`
	Kid   string `json:"kid"`
	Nonce string `json:"nonce"`
	Typ   string `json:"typ"`
}

type jwtClaims struct {
	Iss string `json:"iss"`
	Nbf int64  `json:"nbf"`
	Exp int64  `json:"exp"`
	Sub string `json:"sub"`
	URI string `json:"uri,omitempty"`
}

// Token signs a bearer token scoped to one request, valid for two minutes.
// The audience URI takes the form "METHOD host/path". An empty method yields
// a token without a uri claim, which is what websocket authentication wants.
func (j JWT) Token(method, host, path string) (string, error) {
	if j.PrivateKey == nil || j.KeyName == "" {
		return "", errs.New("", errs.CodeCredentials, errs.WithMessage("jwt signer requires key name and private key"))
	}
	now := time.Now
	if j.Clock != nil {
		now = j.Clock
	}
	nonce := j.Nonce
	if nonce == nil {
		nonce = randomNonce
	}
	issued := now().UTC()

	header := jwtHeader{Alg: "ES256", Kid: j.KeyName, Nonce: nonce(), Typ: "JWT"}
	claims := jwtClaims{
		Iss: "cdp",
		Nbf: issued.Unix(),
		Exp: issued.Add(jwtLifetime).Unix(),
		Sub: j.KeyName,
	}
	if method != "" {
		claims.URI = fmt.Sprintf("%s %s%s", method, host, path)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal jwt header: %w", err)
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal jwt claims: %w", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	derSig, err := ecdsa.SignASN1(rand.Reader, j.PrivateKey, digest[:])
	if err != nil {
		return "", errs.New("", errs.CodeSignature, errs.WithMessage("ecdsa signing failed"), errs.WithCause(err))
	}
	joseSig, err := DERToJOSE(derSig)
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(joseSig), nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// DERToJOSE converts an ASN.1 DER ECDSA signature into the raw 64-byte
// r‖s JOSE form, left-zero-padding each 32-byte component.
func DERToJOSE(der []byte) ([]byte, error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, errs.New("", errs.CodeSignature, errs.WithMessage("malformed DER signature"), errs.WithCause(err))
	}
	if len(rest) != 0 {
		return nil, errs.New("", errs.CodeSignature, errs.WithMessage("trailing bytes in DER signature"))
	}
	rBytes := sig.R.Bytes()
	sBytes := sig.S.Bytes()
	if len(rBytes) > 32 || len(sBytes) > 32 {
		return nil, errs.New("", errs.CodeSignature, errs.WithMessage("signature component exceeds 32 bytes"))
	}
	out := make([]byte, 64)
	copy(out[32-len(rBytes):32], rBytes)
	copy(out[64-len(sBytes):], sBytes)
	return out, nil
}

func randomNonce() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
