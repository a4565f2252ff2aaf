package exchange

import (
	"binance-momentum-bot-go/internal/models"
	"fmt"

	"github.com/shopspring/decimal"
)

// noiseDigits strips float artefacts such as 0.30000000000000004 before step rounding.
const noiseDigits = 12

// LegalizeQuantity turns a raw base quantity into one the venue accepts at price:
// rounded up to the quantity step, then raised to the minimum quantity and to the
// minimum notional. It only fails when the result would exceed the maximum quantity.
func LegalizeQuantity(qty, price float64, r *models.InstrumentRules) (float64, error) {
	if qty <= 0 {
		return 0, fmt.Errorf("%w: non-positive quantity %v", models.ErrQuantityTooSmall, qty)
	}
	step := decimal.NewFromFloat(r.QuantityStep)
	q := ceilToStep(decimal.NewFromFloat(qty).Round(noiseDigits), step)

	if minQty := decimal.NewFromFloat(r.MinQty); q.LessThan(minQty) {
		q = ceilToStep(minQty, step)
	}

	if r.MinNotional > 0 && price > 0 {
		p := decimal.NewFromFloat(price)
		minNotional := decimal.NewFromFloat(r.MinNotional)
		if q.Mul(p).LessThan(minNotional) {
			q = ceilToStep(minNotional.DivRound(p, 16), step)
			for q.Mul(p).LessThan(minNotional) {
				q = q.Add(step)
			}
		}
	}

	if r.MaxQty > 0 && q.GreaterThan(decimal.NewFromFloat(r.MaxQty)) {
		return 0, &models.Error{
			Code: -4005,
			Msg:  fmt.Sprintf("quantity %s above max %v for %s", q.String(), r.MaxQty, r.Symbol),
			Kind: models.ErrInstrumentRejected,
		}
	}
	return q.InexactFloat64(), nil
}

// FloorQuantity rounds qty down to the step. The result may be zero.
func FloorQuantity(qty, step float64) float64 {
	q := decimal.NewFromFloat(qty).Round(noiseDigits)
	s := decimal.NewFromFloat(step)
	if !s.IsPositive() {
		return q.InexactFloat64()
	}
	return q.Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundToTick rounds price to the nearest tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).InexactFloat64()
}

// FormatDecimal renders v without exponent or float noise for request parameters.
func FormatDecimal(v float64) string {
	return decimal.NewFromFloat(v).Round(noiseDigits).String()
}

func ceilToStep(q, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return q
	}
	return q.Div(step).Ceil().Mul(step)
}
