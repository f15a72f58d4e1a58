package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pdv/internal/domain"
	"pdv/internal/inventory"
	"pdv/internal/store"
)

func requireManager(actor domain.Actor, action string) error {
	if !actor.IsManager() {
		return fmt.Errorf("%w: manager role required to %s", store.ErrForbidden, action)
	}
	return nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

// CheckAvailability is a read-only stock probe. It reserves nothing.
func (s *Service) CheckAvailability(ctx context.Context, productID int64, quantity int) (bool, error) {
	return s.ledger.CheckAvailable(ctx, s.repo, productID, quantity)
}

func (s *Service) ListStockMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListStockMovements(ctx, productID, limit)
}

// CreateProduct adds a catalogue entry. Opening stock is booked as an IN
// movement in the same unit of work.
func (s *Service) CreateProduct(ctx context.Context, actor domain.Actor, req domain.ProductCreateRequest) (product *domain.Product, err error) {
	ctx = s.scope(ctx, actor, 0)
	defer func(started time.Time) { s.finish(ctx, "create_product", started, err) }(time.Now())

	if err := requireManager(actor, "create products"); err != nil {
		return nil, err
	}
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	if req.SKU == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: sku and name are required", store.ErrInvalidInput)
	}
	if req.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: unit price must not be negative", store.ErrInvalidInput)
	}
	if req.InitialStock < 0 {
		return nil, fmt.Errorf("%w: initial stock must not be negative", store.ErrInvalidInput)
	}

	var applied []domain.StockMovement
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		created, err := tx.InsertProduct(ctx, domain.Product{
			SKU:       req.SKU,
			Name:      req.Name,
			UnitPrice: domain.RoundMoney(req.UnitPrice),
		})
		if err != nil {
			return err
		}
		if req.InitialStock > 0 {
			mv, err := s.ledger.ApplyMovement(ctx, tx, inventory.Movement{
				ProductID: created.ID,
				Delta:     req.InitialStock,
				Kind:      domain.MovementIn,
				Note:      "initial stock",
			})
			if err != nil {
				return err
			}
			applied = append(applied, mv)
			created.StockQuantity = mv.StockAfter
		}
		product = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordMovements(applied)
	return product, nil
}

// RestockProduct books received goods as an IN movement.
func (s *Service) RestockProduct(ctx context.Context, actor domain.Actor, productID int64, quantity int, note string) (movement *domain.StockMovement, err error) {
	ctx = s.scope(ctx, actor, 0)
	defer func(started time.Time) { s.finish(ctx, "restock_product", started, err) }(time.Now())

	if err := requireManager(actor, "restock products"); err != nil {
		return nil, err
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: restock quantity must be positive", store.ErrInvalidInput)
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		mv, err := s.ledger.ApplyMovement(ctx, tx, inventory.Movement{
			ProductID: productID,
			Delta:     quantity,
			Kind:      domain.MovementIn,
			Note:      strings.TrimSpace(note),
		})
		if err != nil {
			return err
		}
		movement = &mv
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.recordMovements([]domain.StockMovement{*movement})
	return movement, nil
}

// CountStock sets the stock to a physically counted quantity and records the
// difference as an ADJUST movement. When the count matches the stock the
// returned movement is nil.
func (s *Service) CountStock(ctx context.Context, actor domain.Actor, productID int64, counted int, note string) (movement *domain.StockMovement, err error) {
	ctx = s.scope(ctx, actor, 0)
	defer func(started time.Time) { s.finish(ctx, "count_stock", started, err) }(time.Now())

	if err := requireManager(actor, "count stock"); err != nil {
		return nil, err
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		mv, err := s.ledger.Recount(ctx, tx, productID, counted, strings.TrimSpace(note))
		if err != nil {
			return err
		}
		movement = mv
		return nil
	})
	if err != nil {
		return nil, err
	}
	if movement != nil {
		s.recordMovements([]domain.StockMovement{*movement})
	}
	return movement, nil
}
