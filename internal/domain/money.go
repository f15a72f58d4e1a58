package domain

import "github.com/shopspring/decimal"

// MinorUnitPlaces is the number of decimal places of the currency's minor unit.
const MinorUnitPlaces = 2

var hundred = decimal.NewFromInt(100)

// RoundMoney rounds to the minor unit, half-up. decimal.Round rounds half away
// from zero, which is half-up for the non-negative amounts the engine handles.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MinorUnitPlaces)
}

// Percent returns base * pct / 100 rounded to the minor unit.
func Percent(base decimal.Decimal, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(base.Mul(pct).Div(hundred))
}

// ParseMoney parses a decimal string such as "12.50".
func ParseMoney(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// MustMoney is ParseMoney for literals known to be valid.
func MustMoney(raw string) decimal.Decimal {
	return decimal.RequireFromString(raw)
}

// IsWholeMinorUnits reports whether d has no digits beyond the minor unit.
func IsWholeMinorUnits(d decimal.Decimal) bool {
	return d.Equal(RoundMoney(d))
}
