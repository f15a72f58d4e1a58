package store

import (
	"context"
	"errors"
	"time"

	"pdv/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid sale state")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrConflict            = errors.New("concurrent modification")
	ErrInvalidInput        = errors.New("invalid input")
)

// Repository is the storage surface used by the engine. Lifecycle operations
// run through WithinTx; everything else is a single committed read or write.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	ListStockMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error)

	CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error)
	GetUser(ctx context.Context, id int64) (*domain.UserAccount, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, passwordHash string) error

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)

	// WithinTx runs fn as one atomic unit of work. If fn returns an error
	// nothing it wrote is persisted and the error is returned unchanged.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	DailyRevenue(ctx context.Context, from time.Time) ([]domain.DailyRevenue, error)
	TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error)
}

// Tx is the unit-of-work view of the store. Locks must be taken in a fixed
// order: LockSale first, then LockProducts with every product id at once.
type Tx interface {
	LockSale(ctx context.Context, id int64) (*domain.Sale, error)
	// LockProducts locks the rows in ascending id order and returns them.
	LockProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	GetUser(ctx context.Context, id int64) (*domain.UserAccount, error)

	// InsertProduct creates a product with zero stock. Opening stock is
	// applied afterwards as a movement in the same unit of work.
	InsertProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateSale(ctx context.Context, sale domain.Sale) error
	InsertSaleItem(ctx context.Context, item domain.SaleItem) (*domain.SaleItem, error)
	InsertPayment(ctx context.Context, payment domain.Payment) (*domain.Payment, error)
	InsertDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error)
	InsertCancellation(ctx context.Context, cancellation domain.Cancellation) (*domain.Cancellation, error)

	SetProductStock(ctx context.Context, productID int64, qty int) error
	InsertStockMovement(ctx context.Context, movement domain.StockMovement) (*domain.StockMovement, error)
}
