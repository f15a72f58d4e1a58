// Package inventory owns product stock levels. Every change goes through the
// Ledger as a signed movement and leaves an append-only StockMovement record.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"pdv/internal/domain"
	"pdv/internal/store"
)

// Movement is a requested stock change. Delta is signed: negative for OUT,
// positive for IN, either sign for ADJUST.
type Movement struct {
	ProductID int64
	Delta     int
	Kind      domain.MovementKind
	SaleID    *int64
	Note      string
}

type ProductReader interface {
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
}

type Ledger struct {
	now func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{now: time.Now}
}

// CheckAvailable reports whether productID currently has at least quantity
// units. It takes no lock and reserves nothing.
func (l *Ledger) CheckAvailable(ctx context.Context, r ProductReader, productID int64, quantity int) (bool, error) {
	_, err := l.Require(ctx, r, productID, quantity)
	if errors.Is(err, store.ErrInsufficientStock) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Require returns the product when its stock covers quantity, or a
// *store.StockError describing the shortfall.
func (l *Ledger) Require(ctx context.Context, r ProductReader, productID int64, quantity int) (*domain.Product, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}
	product, err := r.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.StockQuantity < quantity {
		return nil, &store.StockError{
			ProductID: product.ID,
			SKU:       product.SKU,
			Required:  quantity,
			Available: product.StockQuantity,
		}
	}
	return product, nil
}

// ApplyMovement applies a single movement. It is ApplyBatch with one entry.
func (l *Ledger) ApplyMovement(ctx context.Context, tx store.Tx, m Movement) (domain.StockMovement, error) {
	applied, err := l.ApplyBatch(ctx, tx, []Movement{m})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return applied[0], nil
}

// ApplyBatch locks every product in the batch in ascending id order, checks
// that no product would go negative, then writes stock levels and movement
// records. Validation completes before the first write, and the caller's
// unit of work discards everything if any later write fails. A shortfall
// names the first failing product in batch order, with the batch's cumulative
// requirement for it and the locked stock level.
func (l *Ledger) ApplyBatch(ctx context.Context, tx store.Tx, batch []Movement) ([]domain.StockMovement, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	for _, m := range batch {
		if err := validateMovement(m); err != nil {
			return nil, err
		}
	}

	ids := productIDs(batch)
	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
		}
	}

	running := make(map[int64]int, len(products))
	for id, p := range products {
		running[id] = p.StockQuantity
	}
	for _, m := range batch {
		next := running[m.ProductID] + m.Delta
		if next < 0 {
			locked := products[m.ProductID]
			return nil, &store.StockError{
				ProductID: m.ProductID,
				SKU:       locked.SKU,
				Required:  locked.StockQuantity - next,
				Available: locked.StockQuantity,
			}
		}
		running[m.ProductID] = next
	}

	at := l.now().UTC()
	level := make(map[int64]int, len(products))
	for id, p := range products {
		level[id] = p.StockQuantity
	}
	applied := make([]domain.StockMovement, 0, len(batch))
	for _, m := range batch {
		before := level[m.ProductID]
		after := before + m.Delta
		created, err := tx.InsertStockMovement(ctx, domain.StockMovement{
			ProductID:   m.ProductID,
			Kind:        m.Kind,
			Quantity:    abs(m.Delta),
			StockBefore: before,
			StockAfter:  after,
			SaleID:      m.SaleID,
			Note:        m.Note,
			CreatedAt:   at,
		})
		if err != nil {
			return nil, err
		}
		level[m.ProductID] = after
		applied = append(applied, *created)
	}

	for _, id := range ids {
		if level[id] == products[id].StockQuantity {
			continue
		}
		if err := tx.SetProductStock(ctx, id, level[id]); err != nil {
			return nil, err
		}
	}
	return applied, nil
}

// Recount sets a product's stock to the counted quantity and records the
// difference as an ADJUST movement. A count that matches the stock writes
// nothing and returns nil.
func (l *Ledger) Recount(ctx context.Context, tx store.Tx, productID int64, counted int, note string) (*domain.StockMovement, error) {
	if counted < 0 {
		return nil, fmt.Errorf("%w: counted quantity must not be negative", store.ErrInvalidInput)
	}
	products, err := tx.LockProducts(ctx, []int64{productID})
	if err != nil {
		return nil, err
	}
	product, ok := products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, productID)
	}
	if counted == product.StockQuantity {
		return nil, nil
	}
	mv, err := l.ApplyMovement(ctx, tx, Movement{
		ProductID: productID,
		Delta:     counted - product.StockQuantity,
		Kind:      domain.MovementAdjust,
		Note:      note,
	})
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func validateMovement(m Movement) error {
	if m.ProductID < 1 {
		return fmt.Errorf("%w: movement without product", store.ErrInvalidInput)
	}
	switch m.Kind {
	case domain.MovementOut:
		if m.Delta >= 0 {
			return fmt.Errorf("%w: OUT movement must decrease stock", store.ErrInvalidInput)
		}
	case domain.MovementIn:
		if m.Delta <= 0 {
			return fmt.Errorf("%w: IN movement must increase stock", store.ErrInvalidInput)
		}
	case domain.MovementAdjust:
		if m.Delta == 0 {
			return fmt.Errorf("%w: ADJUST movement must change stock", store.ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown movement kind %q", store.ErrInvalidInput, m.Kind)
	}
	return nil
}

func productIDs(batch []Movement) []int64 {
	seen := make(map[int64]struct{}, len(batch))
	ids := make([]int64, 0, len(batch))
	for _, m := range batch {
		if _, ok := seen[m.ProductID]; ok {
			continue
		}
		seen[m.ProductID] = struct{}{}
		ids = append(ids, m.ProductID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
