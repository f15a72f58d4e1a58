package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pdv/internal/domain"
	"pdv/internal/inventory"
	"pdv/internal/pricing"
	"pdv/internal/store"
)

func (s *Service) scope(ctx context.Context, actor domain.Actor, saleID int64) context.Context {
	ctx = s.log.WithActor(ctx, actor.UserID, string(actor.Role))
	if saleID > 0 {
		ctx = s.log.WithSaleID(ctx, saleID)
	}
	return ctx
}

// CreateSale opens an empty sale owned by the acting cashier.
func (s *Service) CreateSale(ctx context.Context, actor domain.Actor) (sale *domain.Sale, err error) {
	ctx = s.scope(ctx, actor, 0)
	defer func(started time.Time) { s.finish(ctx, "create_sale", started, err) }(time.Now())

	sale, err = s.repo.CreateSale(ctx, domain.Sale{
		CashierID: actor.UserID,
		Status:    domain.SaleStatusOpen,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	ctx = s.log.WithSaleID(ctx, sale.ID)
	return sale, nil
}

func (s *Service) GetSale(ctx context.Context, saleID int64) (*domain.Sale, error) {
	return s.repo.GetSale(ctx, saleID)
}

// AddItem appends a priced line. Stock is checked against the sale's
// cumulative quantity for the product but nothing is reserved; the binding
// check happens at payment.
func (s *Service) AddItem(ctx context.Context, actor domain.Actor, saleID int64, productID int64, quantity int) (result *domain.Sale, err error) {
	ctx = s.scope(ctx, actor, saleID)
	defer func(started time.Time) { s.finish(ctx, "add_item", started, err) }(time.Now())

	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !sale.IsOpen() {
			return &store.StateError{SaleID: sale.ID, Status: sale.Status, Operation: "add item"}
		}

		product, err := s.ledger.Require(ctx, tx, productID, sale.QuantityOf(productID)+quantity)
		if err != nil {
			return err
		}

		item, err := tx.InsertSaleItem(ctx, domain.SaleItem{
			SaleID:    sale.ID,
			ProductID: product.ID,
			Quantity:  quantity,
			UnitPrice: product.UnitPrice,
			Subtotal:  pricing.ComputeSubtotal(product.UnitPrice, quantity),
		})
		if err != nil {
			return err
		}
		sale.Items = append(sale.Items, *item)
		sale.RecomputeTotals()
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		result = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyDiscount sets the sale's effective discount. A later discount replaces
// the amount; every application stays in the sale's discount history.
func (s *Service) ApplyDiscount(ctx context.Context, actor domain.Actor, saleID int64, req domain.ApplyDiscountRequest) (resp *domain.ApplyDiscountResponse, err error) {
	ctx = s.scope(ctx, actor, saleID)
	defer func(started time.Time) { s.finish(ctx, "apply_discount", started, err) }(time.Now())

	if err := pricing.ValidateDiscountAuthority(actor.Role); err != nil {
		return nil, err
	}
	authorizerID := req.AuthorizerID
	if authorizerID == 0 {
		authorizerID = actor.UserID
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !sale.IsOpen() {
			return &store.StateError{SaleID: sale.ID, Status: sale.Status, Operation: "discount"}
		}

		authorizer, err := tx.GetUser(ctx, authorizerID)
		if err != nil {
			return err
		}
		if err := pricing.ValidateDiscountAuthority(authorizer.Role); err != nil {
			return err
		}

		amount, err := pricing.ResolveDiscount(sale, req.Amount, req.Kind)
		if err != nil {
			return err
		}

		discount, err := tx.InsertDiscount(ctx, domain.Discount{
			SaleID:         sale.ID,
			Kind:           req.Kind,
			RequestedValue: req.Amount,
			Amount:         amount,
			AuthorizedBy:   authorizer.ID,
			Reason:         strings.TrimSpace(req.Reason),
			CreatedAt:      s.now().UTC(),
		})
		if err != nil {
			return err
		}
		sale.Discounts = append(sale.Discounts, *discount)
		sale.DiscountApplied = amount
		sale.RecomputeTotals()
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		resp = &domain.ApplyDiscountResponse{Sale: sale, DiscountID: discount.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ProcessPayment settles an OPEN sale. The payment row, one OUT movement per
// item and the PAID status commit together or not at all.
func (s *Service) ProcessPayment(ctx context.Context, actor domain.Actor, saleID int64, tendered decimal.Decimal, method domain.PaymentMethod) (result *domain.Sale, err error) {
	ctx = s.scope(ctx, actor, saleID)
	defer func(started time.Time) { s.finish(ctx, "process_payment", started, err) }(time.Now())

	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidInput, method)
	}
	if tendered.IsNegative() {
		return nil, fmt.Errorf("%w: tendered amount must not be negative", store.ErrInvalidInput)
	}
	if !domain.IsWholeMinorUnits(tendered) {
		return nil, fmt.Errorf("%w: tendered amount has more than %d decimal places", store.ErrInvalidInput, domain.MinorUnitPlaces)
	}

	var applied []domain.StockMovement
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if !sale.IsOpen() {
			return &store.StateError{SaleID: sale.ID, Status: sale.Status, Operation: "payment"}
		}
		if len(sale.Items) == 0 {
			return fmt.Errorf("%w: sale %d has no items", store.ErrInvalidState, sale.ID)
		}
		sale.RecomputeTotals()
		if tendered.LessThan(sale.TotalNet) {
			return &store.PaymentError{SaleID: sale.ID, Required: sale.TotalNet, Tendered: tendered}
		}

		saleRef := sale.ID
		batch := make([]inventory.Movement, 0, len(sale.Items))
		for _, item := range sale.Items {
			batch = append(batch, inventory.Movement{
				ProductID: item.ProductID,
				Delta:     -item.Quantity,
				Kind:      domain.MovementOut,
				SaleID:    &saleRef,
				Note:      fmt.Sprintf("sale %d", sale.ID),
			})
		}
		applied, err = s.ledger.ApplyBatch(ctx, tx, batch)
		if err != nil {
			return err
		}

		payment, err := tx.InsertPayment(ctx, domain.Payment{
			SaleID:         sale.ID,
			AmountTendered: tendered,
			ChangeDue:      domain.RoundMoney(tendered.Sub(sale.TotalNet)),
			Method:         method,
			Status:         domain.PaymentStatusApproved,
			PaidAt:         s.now().UTC(),
		})
		if err != nil {
			return err
		}
		sale.Payment = payment
		sale.Status = domain.SaleStatusPaid
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		result = sale
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordMovements(applied)
	s.invalidateReports(ctx)
	return result, nil
}

// CancelSale cancels an OPEN or PAID sale. Cancelling a PAID sale needs a
// manager and returns every item to stock with an IN movement.
func (s *Service) CancelSale(ctx context.Context, actor domain.Actor, saleID int64, reason string) (result *domain.Cancellation, err error) {
	ctx = s.scope(ctx, actor, saleID)
	defer func(started time.Time) { s.finish(ctx, "cancel_sale", started, err) }(time.Now())

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: cancellation reason is required", store.ErrInvalidInput)
	}

	var applied []domain.StockMovement
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		sale, err := tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		if sale.Status == domain.SaleStatusCancelled {
			return &store.StateError{SaleID: sale.ID, Status: sale.Status, Operation: "cancel"}
		}
		canceller, err := tx.GetUser(ctx, actor.UserID)
		if err != nil {
			return err
		}

		wasPaid := sale.Status == domain.SaleStatusPaid
		if wasPaid {
			if !actor.IsManager() {
				return fmt.Errorf("%w: only managers may cancel a paid sale", store.ErrForbidden)
			}
			saleRef := sale.ID
			batch := make([]inventory.Movement, 0, len(sale.Items))
			for _, item := range sale.Items {
				batch = append(batch, inventory.Movement{
					ProductID: item.ProductID,
					Delta:     item.Quantity,
					Kind:      domain.MovementIn,
					SaleID:    &saleRef,
					Note:      fmt.Sprintf("cancel sale %d", sale.ID),
				})
			}
			applied, err = s.ledger.ApplyBatch(ctx, tx, batch)
			if err != nil {
				return err
			}
		}

		cancellation, err := tx.InsertCancellation(ctx, domain.Cancellation{
			SaleID:        sale.ID,
			CancelledBy:   canceller.ID,
			Reason:        reason,
			StockRestored: wasPaid,
			RefundIssued:  wasPaid,
			CreatedAt:     s.now().UTC(),
		})
		if err != nil {
			return err
		}
		sale.Cancellation = cancellation
		sale.Status = domain.SaleStatusCancelled
		if err := tx.UpdateSale(ctx, *sale); err != nil {
			return err
		}
		result = cancellation
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordMovements(applied)
	s.invalidateReports(ctx)
	return result, nil
}

func (s *Service) recordMovements(applied []domain.StockMovement) {
	for _, mv := range applied {
		s.metrics.AddStockMovement(string(mv.Kind), mv.Quantity)
	}
}
