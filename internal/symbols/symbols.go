// Package symbols converts between the unified symbol syntax
// (BASE/QUOTE, BASE/QUOTE:SETTLE for perpetuals) and each exchange's native
// instrument syntax. Conversions are reversible for traded symbols; the
// quote-asset split of a bare native symbol tries candidates longest-first in
// a fixed priority order.
package symbols

import (
	"strings"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/schema"
)

// quoteCandidates are tried in order when splitting a native symbol into
// base/quote. Longer candidates come first so BTCUSDT splits as BTC/USDT,
// not BTCUSD/T. A base asset that is itself a quote candidate (e.g. a
// hypothetical USDTBTC pair) resolves by the same fixed priority; that
// ambiguity is accepted, not special-cased.
var quoteCandidates = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH", "BNB"}

// Symbol is a parsed unified symbol.
type Symbol struct {
	Base   string
	Quote  string
	Settle string // non-empty for perpetuals
}

// Perpetual reports whether the symbol denotes a perpetual contract.
func (s Symbol) Perpetual() bool { return s.Settle != "" }

// String renders the canonical unified form.
func (s Symbol) String() string {
	out := s.Base + "/" + s.Quote
	if s.Settle != "" {
		out += ":" + s.Settle
	}
	return out
}

// Parse splits a unified symbol string. It also accepts the loose spellings
// that upstream callers historically produce: a _PERP or _SWAP suffix marks a
// perpetual, and a bare no-slash symbol ending in USDT is treated as a USDT
// perpetual. The bare-symbol heuristic is ambiguous for some spot pairs and
// is kept as a documented limitation.
func Parse(raw string) (Symbol, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Symbol{}, errs.New("", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}

	perp := false
	for _, suffix := range []string{"_PERP", "_SWAP"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			perp = true
		}
	}

	settle := ""
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		settle = s[idx+1:]
		s = s[:idx]
		if settle == "" {
			return Symbol{}, errs.New("", errs.CodeInvalid, errs.WithMessage("empty settlement asset in "+raw))
		}
	}

	var base, quote string
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		base, quote = s[:idx], s[idx+1:]
	} else {
		var ok bool
		base, quote, ok = splitNative(s)
		if !ok {
			return Symbol{}, errs.New("", errs.CodeInvalid, errs.WithMessage("unrecognized symbol "+raw))
		}
		if quote == "USDT" && settle == "" {
			perp = true
		}
	}
	if base == "" || quote == "" {
		return Symbol{}, errs.New("", errs.CodeInvalid, errs.WithMessage("symbol requires base and quote: "+raw))
	}

	if settle == "" && perp {
		settle = quote
	}
	return Symbol{Base: base, Quote: quote, Settle: settle}, nil
}

// splitNative cuts a concatenated native symbol at a recognized quote suffix.
func splitNative(s string) (base, quote string, ok bool) {
	for _, candidate := range quoteCandidates {
		if len(s) > len(candidate) && strings.HasSuffix(s, candidate) {
			return s[:len(s)-len(candidate)], candidate, true
		}
	}
	return "", "", false
}

// Converter maps unified symbols to one exchange's native syntax and back.
type Converter interface {
	// ToNative renders the exchange-native instrument string.
	ToNative(unified string) (string, error)
	// ToUnified restores the unified form from a native string. The market
	// type signals whether the call context is a futures surface, which
	// re-appends the settlement suffix.
	ToUnified(native string, market schema.MarketType) (string, error)
}

// Binance native syntax: concatenated BASEQUOTE for both spot and USDⓈ-M
// perpetuals (the futures root is unchanged; only the endpoint differs).
type Binance struct{}

// ToNative implements Converter.
func (Binance) ToNative(unified string) (string, error) {
	sym, err := Parse(unified)
	if err != nil {
		return "", err
	}
	return sym.Base + sym.Quote, nil
}

// ToUnified implements Converter.
func (Binance) ToUnified(native string, market schema.MarketType) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	base, quote, ok := splitNative(s)
	if !ok {
		return "", errs.New("binance", errs.CodeInvalid, errs.WithMessage("cannot split native symbol "+native))
	}
	sym := Symbol{Base: base, Quote: quote}
	if market == schema.MarketFutures {
		sym.Settle = quote
	}
	return sym.String(), nil
}

// OKX native syntax: BASE-QUOTE for spot, BASE-QUOTE-SWAP for perpetuals.
type OKX struct{}

// ToNative implements Converter.
func (OKX) ToNative(unified string) (string, error) {
	sym, err := Parse(unified)
	if err != nil {
		return "", err
	}
	instID := sym.Base + "-" + sym.Quote
	if sym.Perpetual() {
		instID += "-SWAP"
	}
	return instID, nil
}

// ToUnified implements Converter.
func (OKX) ToUnified(native string, market schema.MarketType) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	perp := strings.HasSuffix(s, "-SWAP")
	s = strings.TrimSuffix(s, "-SWAP")
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errs.New("okx", errs.CodeInvalid, errs.WithMessage("cannot split native symbol "+native))
	}
	sym := Symbol{Base: parts[0], Quote: parts[1]}
	if perp || market == schema.MarketFutures {
		sym.Settle = sym.Quote
	}
	return sym.String(), nil
}

// Coinbase native syntax: BASE-QUOTE product ids for spot, BASE-PERP-INTX for
// internationally listed perpetuals.
type Coinbase struct{}

// ToNative implements Converter.
func (Coinbase) ToNative(unified string) (string, error) {
	sym, err := Parse(unified)
	if err != nil {
		return "", err
	}
	if sym.Perpetual() {
		return sym.Base + "-PERP-INTX", nil
	}
	return sym.Base + "-" + sym.Quote, nil
}

// ToUnified implements Converter.
func (Coinbase) ToUnified(native string, market schema.MarketType) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	if strings.HasSuffix(s, "-PERP-INTX") {
		base := strings.TrimSuffix(s, "-PERP-INTX")
		if base == "" {
			return "", errs.New("coinbase", errs.CodeInvalid, errs.WithMessage("cannot split native symbol "+native))
		}
		// INTX perpetuals settle in USDC.
		return Symbol{Base: base, Quote: "USDC", Settle: "USDC"}.String(), nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", errs.New("coinbase", errs.CodeInvalid, errs.WithMessage("cannot split native symbol "+native))
	}
	sym := Symbol{Base: parts[0], Quote: parts[1]}
	if market == schema.MarketFutures {
		sym.Settle = sym.Quote
	}
	return sym.String(), nil
}
