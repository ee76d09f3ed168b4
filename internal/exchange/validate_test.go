package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/schema"
)

func btcInfo() *schema.SymbolInfo {
	return &schema.SymbolInfo{
		Symbol:      "BTC/USDT",
		Market:      schema.MarketSpot,
		MinQuantity: decimal.RequireFromString("0.0001"),
		MaxQuantity: decimal.RequireFromString("100"),
		StepSize:    decimal.RequireFromString("0.0001"),
		TickSize:    decimal.RequireFromString("0.01"),
		MinNotional: decimal.RequireFromString("10"),
		Trading:     true,
	}
}

func limitRequest(qty, price string) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol:   "BTC/USDT",
		Side:     schema.SideBuy,
		Type:     schema.OrderTypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

func TestValidateOrderAcceptsWellFormedLimit(t *testing.T) {
	require.NoError(t, ValidateOrder("test", limitRequest("0.5", "64000"), btcInfo()))
}

func TestValidateOrderShapeChecks(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*schema.OrderRequest)
	}{
		{"missing symbol", func(r *schema.OrderRequest) { r.Symbol = "" }},
		{"bad side", func(r *schema.OrderRequest) { r.Side = "hold" }},
		{"zero quantity", func(r *schema.OrderRequest) { r.Quantity = decimal.Zero }},
		{"limit without price", func(r *schema.OrderRequest) { r.Price = decimal.Zero }},
		{"unknown type", func(r *schema.OrderRequest) { r.Type = "trailing" }},
		{"stop without trigger", func(r *schema.OrderRequest) {
			r.Type = schema.OrderTypeStopLossLimit
			r.StopPrice = decimal.Zero
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := limitRequest("0.5", "64000")
			tc.mutate(&req)
			err := ValidateOrder("test", req, nil)
			require.Error(t, err)
			require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
		})
	}
}

func TestValidateOrderConstraintChecks(t *testing.T) {
	cases := []struct {
		name string
		req  schema.OrderRequest
	}{
		{"below min quantity", limitRequest("0.00001", "64000")},
		{"above max quantity", limitRequest("200", "64000")},
		{"off step", limitRequest("0.00015", "64000")},
		{"off tick", limitRequest("0.5", "64000.005")},
		{"below min notional", limitRequest("0.0001", "20")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateOrder("test", tc.req, btcInfo())
			require.Error(t, err)
			require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
		})
	}
}

func TestValidateOrderHaltedSymbol(t *testing.T) {
	info := btcInfo()
	info.Trading = false
	err := ValidateOrder("test", limitRequest("0.5", "64000"), info)
	require.Error(t, err)
}

func TestValidateOrderNilInfoSkipsConstraints(t *testing.T) {
	// Shape is fine, constraints would fail: nil info must accept it.
	require.NoError(t, ValidateOrder("test", limitRequest("0.00001", "64000"), nil))
}
