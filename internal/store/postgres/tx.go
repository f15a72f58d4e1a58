package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"pdv/internal/domain"
	"pdv/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return loadSale(ctx, t.tx, id, true)
}

// LockProducts takes the row locks in ascending id order.
func (t *pgTx) LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ordered)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	products := make(map[int64]domain.Product, len(ordered))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	for _, id := range ordered {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
		}
	}
	return products, nil
}

func (t *pgTx) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, t.tx, id)
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*domain.UserAccount, error) {
	return getUser(ctx, t.tx, id)
}

func (t *pgTx) InsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.TrimSpace(product.SKU)
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" || product.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: product needs sku, name and a non-negative price", store.ErrInvalidInput)
	}

	created, err := scanProduct(t.tx.QueryRowContext(ctx, `
		INSERT INTO products (sku, name, unit_price, stock_quantity)
		VALUES ($1, $2, $3, 0)
		RETURNING `+productColumns,
		product.SKU, product.Name, domain.RoundMoney(product.UnitPrice)))
	if err != nil {
		return nil, mapError(err)
	}
	return &created, nil
}

func (t *pgTx) UpdateSale(ctx context.Context, sale domain.Sale) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET status = $2, total_gross = $3, discount_applied = $4, total_net = $5
		WHERE id = $1
	`, sale.ID, sale.Status, sale.TotalGross, sale.DiscountApplied, sale.TotalNet)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: sale %d", store.ErrNotFound, sale.ID)
	}
	return nil
}

func (t *pgTx) InsertSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, subtotal)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.Subtotal).Scan(&item.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &item, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO payments (sale_id, amount_tendered, change_due, method, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, payment.SaleID, payment.AmountTendered, payment.ChangeDue, payment.Method, payment.Status, payment.PaidAt).Scan(&payment.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &payment, nil
}

func (t *pgTx) InsertDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO discounts (sale_id, kind, requested_value, amount, authorized_by, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, discount.SaleID, discount.Kind, discount.RequestedValue, discount.Amount, discount.AuthorizedBy, discount.Reason, discount.CreatedAt).Scan(&discount.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &discount, nil
}

func (t *pgTx) InsertCancellation(ctx context.Context, cancellation domain.Cancellation) (*domain.Cancellation, error) {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO cancellations (sale_id, cancelled_by, reason, stock_restored, refund_issued, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, cancellation.SaleID, cancellation.CancelledBy, cancellation.Reason, cancellation.StockRestored, cancellation.RefundIssued, cancellation.CreatedAt).Scan(&cancellation.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &cancellation, nil
}

func (t *pgTx) SetProductStock(ctx context.Context, productID int64, qty int) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE products SET stock_quantity = $2 WHERE id = $1`, productID, qty)
	if err != nil {
		return mapError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: product %d", store.ErrNotFound, productID)
	}
	return nil
}

func (t *pgTx) InsertStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	var saleID sql.NullInt64
	if movement.SaleID != nil {
		saleID = sql.NullInt64{Int64: *movement.SaleID, Valid: true}
	}
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO stock_movements (product_id, kind, quantity, stock_before, stock_after, sale_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, movement.ProductID, movement.Kind, movement.Quantity, movement.StockBefore, movement.StockAfter, saleID, movement.Note, movement.CreatedAt).Scan(&movement.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return &movement, nil
}
