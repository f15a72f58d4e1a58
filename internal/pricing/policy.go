// Package pricing holds the money rules of a sale: line subtotals, discount
// resolution and who may authorize a discount.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pdv/internal/domain"
	"pdv/internal/store"
)

var maxPercentage = decimal.NewFromInt(100)

// ComputeSubtotal returns unitPrice * quantity, exact to the minor unit.
func ComputeSubtotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return domain.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

// ResolveDiscount converts a discount request into the absolute amount that
// is taken off the sale's gross total.
func ResolveDiscount(sale *domain.Sale, requested decimal.Decimal, kind domain.DiscountKind) (decimal.Decimal, error) {
	if requested.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: discount must not be negative", store.ErrInvalidInput)
	}

	switch kind {
	case domain.DiscountFixed:
		if !domain.IsWholeMinorUnits(requested) {
			return decimal.Zero, fmt.Errorf("%w: fixed discount has more than %d decimal places", store.ErrInvalidInput, domain.MinorUnitPlaces)
		}
		return domain.RoundMoney(requested), nil
	case domain.DiscountPercentage:
		if requested.GreaterThan(maxPercentage) {
			return decimal.Zero, fmt.Errorf("%w: percentage discount above 100", store.ErrInvalidInput)
		}
		return domain.Percent(sale.TotalGross, requested), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown discount kind %q", store.ErrInvalidInput, kind)
	}
}

// ValidateDiscountAuthority allows only managers to authorize discounts,
// whatever the amount.
func ValidateDiscountAuthority(role domain.Role) error {
	if role != domain.RoleManager {
		return fmt.Errorf("%w: only managers may apply discounts", store.ErrForbidden)
	}
	return nil
}
