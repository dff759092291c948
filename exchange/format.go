package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatPrice floors price onto the instrument's tick grid and renders it
// with the tick's precision. Flooring (never rounding up) keeps the bot from
// over-committing capital and from exchange-side rejections; formatting an
// already-formatted value returns the same value.
func FormatPrice(price float64, tickSize string) string {
	return floorToIncrement(price, tickSize)
}

// FormatQuantity floors qty onto the instrument's quantity step.
func FormatQuantity(qty float64, qtyStep string) string {
	return floorToIncrement(qty, qtyStep)
}

func floorToIncrement(v float64, increment string) string {
	inc, err := decimal.NewFromString(increment)
	if err != nil || inc.IsZero() {
		return decimal.NewFromFloat(v).String()
	}
	d := decimal.NewFromFloat(v)
	floored := d.Div(inc).Floor().Mul(inc)
	return floored.StringFixed(incrementPrecision(increment))
}

// incrementPrecision counts the meaningful decimal places of a tick/step
// string such as "0.0010" (3) or "1" (0).
func incrementPrecision(increment string) int32 {
	i := strings.IndexByte(increment, '.')
	if i < 0 {
		return 0
	}
	frac := strings.TrimRight(increment[i+1:], "0")
	return int32(len(frac))
}
