package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"pdv/internal/domain"
	"pdv/internal/store"
)

// tx is one unit of work. Reads consult the overlay first; nothing here is
// visible to other callers until commit publishes it.
type tx struct {
	s *Store

	held    []string
	heldSet map[string]struct{}

	sales       map[int64]*domain.Sale
	newProducts map[int64]domain.Product
	stock       map[int64]int
	movements   []domain.StockMovement
}

func newTx(s *Store) *tx {
	return &tx{
		s:           s,
		heldSet:     make(map[string]struct{}),
		sales:       make(map[int64]*domain.Sale),
		newProducts: make(map[int64]domain.Product),
		stock:       make(map[int64]int),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.heldSet[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return fmt.Errorf("memory: waiting for %s: %w", key, err)
	}
	t.held = append(t.held, key)
	t.heldSet[key] = struct{}{}
	return nil
}

func (t *tx) holds(key string) bool {
	_, ok := t.heldSet[key]
	return ok
}

func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.heldSet = map[string]struct{}{}
}

func (t *tx) LockSale(ctx context.Context, id int64) (*domain.Sale, error) {
	if staged, ok := t.sales[id]; ok {
		return staged.Clone(), nil
	}
	if err := t.lock(ctx, saleKey(id)); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	committed, ok := t.s.sales[id]
	var staged *domain.Sale
	if ok {
		staged = committed.Clone()
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: sale %d", store.ErrNotFound, id)
	}

	t.sales[id] = staged
	return staged.Clone(), nil
}

func (t *tx) LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	for _, id := range ordered {
		if err := t.lock(ctx, productKey(id)); err != nil {
			return nil, err
		}
	}

	products := make(map[int64]domain.Product, len(ordered))
	for _, id := range ordered {
		product, err := t.readProduct(id)
		if err != nil {
			return nil, err
		}
		products[id] = *product
	}
	return products, nil
}

func (t *tx) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	return t.readProduct(id)
}

func (t *tx) readProduct(id int64) (*domain.Product, error) {
	product, ok := t.newProducts[id]
	if !ok {
		t.s.mu.RLock()
		product, ok = t.s.products[id]
		t.s.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	if qty, staged := t.stock[id]; staged {
		product.StockQuantity = qty
	}
	return &product, nil
}

func (t *tx) GetUser(_ context.Context, id int64) (*domain.UserAccount, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	return t.s.getUserLocked(id)
}

func (t *tx) InsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.TrimSpace(product.SKU)
	product.Name = strings.TrimSpace(product.Name)
	if product.SKU == "" || product.Name == "" || product.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: product needs sku, name and a non-negative price", store.ErrInvalidInput)
	}
	if t.skuTaken(product.SKU) {
		return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, product.SKU)
	}

	product.ID = t.s.productSeq.Add(1)
	product.UnitPrice = domain.RoundMoney(product.UnitPrice)
	product.StockQuantity = 0
	if err := t.lock(ctx, productKey(product.ID)); err != nil {
		return nil, err
	}
	t.newProducts[product.ID] = product
	created := product
	return &created, nil
}

func (t *tx) skuTaken(sku string) bool {
	for _, p := range t.newProducts {
		if p.SKU == sku {
			return true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, taken := t.s.productsBySKU[sku]
	return taken
}

func (t *tx) stagedSale(id int64) (*domain.Sale, error) {
	sale, ok := t.sales[id]
	if !ok {
		return nil, fmt.Errorf("memory: sale %d is not locked by this transaction", id)
	}
	return sale, nil
}

func (t *tx) UpdateSale(_ context.Context, sale domain.Sale) error {
	staged, err := t.stagedSale(sale.ID)
	if err != nil {
		return err
	}
	staged.Status = sale.Status
	staged.TotalGross = sale.TotalGross
	staged.DiscountApplied = sale.DiscountApplied
	staged.TotalNet = sale.TotalNet
	return nil
}

func (t *tx) InsertSaleItem(_ context.Context, item domain.SaleItem) (*domain.SaleItem, error) {
	staged, err := t.stagedSale(item.SaleID)
	if err != nil {
		return nil, err
	}
	if item.Quantity < 1 {
		return nil, fmt.Errorf("%w: item quantity must be positive", store.ErrInvalidInput)
	}
	item.ID = t.s.itemSeq.Add(1)
	staged.Items = append(staged.Items, item)
	return &item, nil
}

func (t *tx) InsertPayment(_ context.Context, payment domain.Payment) (*domain.Payment, error) {
	staged, err := t.stagedSale(payment.SaleID)
	if err != nil {
		return nil, err
	}
	if staged.Payment != nil {
		return nil, fmt.Errorf("%w: sale %d already has a payment", store.ErrInvalidState, payment.SaleID)
	}
	payment.ID = t.s.paymentSeq.Add(1)
	stored := payment
	staged.Payment = &stored
	return &payment, nil
}

func (t *tx) InsertDiscount(_ context.Context, discount domain.Discount) (*domain.Discount, error) {
	staged, err := t.stagedSale(discount.SaleID)
	if err != nil {
		return nil, err
	}
	discount.ID = t.s.discountSeq.Add(1)
	staged.Discounts = append(staged.Discounts, discount)
	return &discount, nil
}

func (t *tx) InsertCancellation(_ context.Context, cancellation domain.Cancellation) (*domain.Cancellation, error) {
	staged, err := t.stagedSale(cancellation.SaleID)
	if err != nil {
		return nil, err
	}
	if staged.Cancellation != nil {
		return nil, fmt.Errorf("%w: sale %d already cancelled", store.ErrInvalidState, cancellation.SaleID)
	}
	cancellation.ID = t.s.cancelSeq.Add(1)
	stored := cancellation
	staged.Cancellation = &stored
	return &cancellation, nil
}

func (t *tx) SetProductStock(_ context.Context, productID int64, qty int) error {
	if !t.holds(productKey(productID)) {
		return fmt.Errorf("memory: product %d is not locked by this transaction", productID)
	}
	if qty < 0 {
		return fmt.Errorf("%w: product %d cannot go below zero", store.ErrInsufficientStock, productID)
	}
	t.stock[productID] = qty
	return nil
}

func (t *tx) InsertStockMovement(_ context.Context, movement domain.StockMovement) (*domain.StockMovement, error) {
	if _, err := t.readProduct(movement.ProductID); err != nil {
		return nil, err
	}
	movement.ID = t.s.movementSeq.Add(1)
	movement = cloneMovement(movement)
	t.movements = append(t.movements, movement)
	created := cloneMovement(movement)
	return &created, nil
}

// commit publishes the overlay in one critical section.
func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for _, p := range t.newProducts {
		if _, taken := t.s.productsBySKU[p.SKU]; taken {
			return fmt.Errorf("%w: sku %s already exists", store.ErrInvalidInput, p.SKU)
		}
	}
	for id, qty := range t.stock {
		if qty < 0 {
			return fmt.Errorf("%w: product %d cannot go below zero", store.ErrInsufficientStock, id)
		}
	}

	for id, p := range t.newProducts {
		t.s.products[id] = p
		t.s.productsBySKU[p.SKU] = id
	}
	for id, qty := range t.stock {
		p := t.s.products[id]
		p.StockQuantity = qty
		t.s.products[id] = p
	}
	for id, sale := range t.sales {
		t.s.sales[id] = sale.Clone()
	}
	t.s.movements = append(t.s.movements, t.movements...)
	return nil
}
