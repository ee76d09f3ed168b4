package exchange

import (
	"github.com/openalgo/exio/errs"
	"github.com/openalgo/exio/internal/numeric"
	"github.com/openalgo/exio/internal/schema"
)

// ValidateOrder checks an order request against the venue's trading
// constraints before submission, so obviously-broken orders never consume a
// request-weight slot. A nil info skips constraint checks and validates only
// request shape.
func ValidateOrder(exchangeName string, req schema.OrderRequest, info *schema.SymbolInfo) error {
	if req.Symbol == "" {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if req.Side != schema.SideBuy && req.Side != schema.SideSell {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("side must be buy or sell"))
	}
	if req.Quantity.Sign() <= 0 {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	switch req.Type {
	case schema.OrderTypeLimit, schema.OrderTypeStopLossLimit, schema.OrderTypeTakeProfitLimit:
		if req.Price.Sign() <= 0 {
			return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("limit orders require a positive price"))
		}
	case schema.OrderTypeMarket, schema.OrderTypeStopLoss, schema.OrderTypeTakeProfit:
	default:
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("unknown order type "+string(req.Type)))
	}
	switch req.Type {
	case schema.OrderTypeStopLoss, schema.OrderTypeStopLossLimit, schema.OrderTypeTakeProfit, schema.OrderTypeTakeProfitLimit:
		if req.StopPrice.Sign() <= 0 {
			return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage("stop orders require a positive stop price"))
		}
	}

	if info == nil {
		return nil
	}
	if !info.Trading {
		return errs.New(exchangeName, errs.CodeInvalid, errs.WithMessage(req.Symbol+" is not currently trading"))
	}
	if info.MinQuantity.Sign() > 0 && req.Quantity.LessThan(info.MinQuantity) {
		return errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("quantity "+req.Quantity.String()+" below minimum "+info.MinQuantity.String()))
	}
	if info.MaxQuantity.Sign() > 0 && req.Quantity.GreaterThan(info.MaxQuantity) {
		return errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("quantity "+req.Quantity.String()+" above maximum "+info.MaxQuantity.String()))
	}
	if info.StepSize.Sign() > 0 && !numeric.SnapToStep(req.Quantity, info.StepSize).Equal(req.Quantity) {
		return errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("quantity "+req.Quantity.String()+" not a multiple of step "+info.StepSize.String()))
	}
	if req.Price.Sign() > 0 && info.TickSize.Sign() > 0 && !numeric.SnapToStep(req.Price, info.TickSize).Equal(req.Price) {
		return errs.New(exchangeName, errs.CodeInvalid,
			errs.WithMessage("price "+req.Price.String()+" not a multiple of tick "+info.TickSize.String()))
	}
	if info.MinNotional.Sign() > 0 && req.Price.Sign() > 0 {
		if req.Price.Mul(req.Quantity).LessThan(info.MinNotional) {
			return errs.New(exchangeName, errs.CodeInvalid,
				errs.WithMessage("notional below minimum "+info.MinNotional.String()))
		}
	}
	return nil
}
