package store

import (
	"fmt"

	"github.com/shopspring/decimal"

	"pdv/internal/domain"
)

// StockError reports the product that could not cover a requested quantity.
type StockError struct {
	ProductID int64
	SKU       string
	Required  int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): required %d, available %d", e.ProductID, e.SKU, e.Required, e.Available)
}

func (e *StockError) Unwrap() error {
	return ErrInsufficientStock
}

// StateError reports an operation that is illegal for the sale's current status.
type StateError struct {
	SaleID    int64
	Status    domain.SaleStatus
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed: sale %d is %s", e.Operation, e.SaleID, e.Status)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

type PaymentError struct {
	SaleID   int64
	Required decimal.Decimal
	Tendered decimal.Decimal
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("insufficient payment for sale %d: required %s, tendered %s", e.SaleID, e.Required.StringFixed(2), e.Tendered.StringFixed(2))
}

func (e *PaymentError) Unwrap() error {
	return ErrInsufficientPayment
}
