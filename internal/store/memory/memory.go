package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"pdv/internal/domain"
	"pdv/internal/logger"
	"pdv/internal/store"
)

// Store keeps committed state in maps guarded by mu. Lifecycle writes go
// through WithinTx, which stages them in a tx overlay and publishes them in
// one critical section on commit.
type Store struct {
	mu              sync.RWMutex
	products        map[int64]domain.Product
	productsBySKU   map[string]int64
	users           map[int64]domain.UserAccount
	usersByUsername map[string]int64
	sales           map[int64]*domain.Sale
	movements       []domain.StockMovement

	locks *rowLocks

	productSeq  atomic.Int64
	userSeq     atomic.Int64
	saleSeq     atomic.Int64
	itemSeq     atomic.Int64
	paymentSeq  atomic.Int64
	discountSeq atomic.Int64
	cancelSeq   atomic.Int64
	movementSeq atomic.Int64
}

func New() *Store {
	return &Store{
		products:        make(map[int64]domain.Product),
		productsBySKU:   make(map[string]int64),
		users:           make(map[int64]domain.UserAccount),
		usersByUsername: make(map[string]int64),
		sales:           make(map[int64]*domain.Sale),
		movements:       make([]domain.StockMovement, 0, 128),
		locks:           newRowLocks(),
	}
}

// seedUsers creates the dev/demo accounts. Passwords come from
// PDV_SEED_ADMIN_PASSWORD and PDV_SEED_CASHIER_PASSWORD; when unset the dev
// defaults are used and a warning is logged. Postgres deployments never run this.
func (s *Store) seedUsers(ctx context.Context, log *logger.Logger) error {
	adminPwd := envOr("PDV_SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("PDV_SEED_CASHIER_PASSWORD", "caixa123")
	if os.Getenv("PDV_SEED_ADMIN_PASSWORD") == "" || os.Getenv("PDV_SEED_CASHIER_PASSWORD") == "" {
		log.Warn(ctx, "memory store using default dev credentials; set PDV_SEED_ADMIN_PASSWORD and PDV_SEED_CASHIER_PASSWORD to override")
	}

	for _, u := range []struct {
		username string
		password string
		fullName string
		role     domain.Role
	}{
		{"admin", adminPwd, "Administrador", domain.RoleManager},
		{"caixa", cashierPwd, "Operador de Caixa", domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		if _, err := s.CreateUser(ctx, domain.UserAccount{
			Username:     u.username,
			PasswordHash: string(hash),
			Role:         u.role,
			FullName:     u.fullName,
		}); err != nil {
			return err
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with the demo users and catalogue. Opening stock
// is written as IN movements so the ledger history starts complete.
func NewSeeded(ctx context.Context, log *logger.Logger) (*Store, error) {
	s := New()
	if err := s.seedUsers(ctx, log); err != nil {
		return nil, err
	}

	products := []struct {
		sku   string
		name  string
		price string
		stock int
	}{
		{"COCA350", "Coca-Cola 350ml", "4.50", 100},
		{"PAO001", "Pão Francês", "0.75", 50},
		{"LEITE1L", "Leite Integral 1L", "5.20", 30},
		{"AGUA500", "Água Mineral 500ml", "2.00", 200},
		{"CHOC001", "Chocolate Barra", "3.50", 80},
	}
	for _, p := range products {
		err := s.WithinTx(ctx, func(tx store.Tx) error {
			created, err := tx.InsertProduct(ctx, domain.Product{
				SKU:       p.sku,
				Name:      p.name,
				UnitPrice: domain.MustMoney(p.price),
			})
			if err != nil {
				return err
			}
			if err := tx.SetProductStock(ctx, created.ID, p.stock); err != nil {
				return err
			}
			_, err = tx.InsertStockMovement(ctx, domain.StockMovement{
				ProductID:   created.ID,
				Kind:        domain.MovementIn,
				Quantity:    p.stock,
				StockBefore: 0,
				StockAfter:  p.stock,
				Note:        "seed",
				CreatedAt:   time.Now().UTC(),
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("seed product %s: %w", p.sku, err)
		}
	}
	return s, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		return cmpInt64(a.ID, b.ID)
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	return &product, nil
}

func (s *Store) ListStockMovements(_ context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.products[productID]; !ok {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, productID)
	}
	if limit <= 0 {
		limit = 100
	}
	out := make([]domain.StockMovement, 0, limit)
	for i := len(s.movements) - 1; i >= 0 && len(out) < limit; i-- {
		if s.movements[i].ProductID == productID {
			out = append(out, cloneMovement(s.movements[i]))
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return nil, fmt.Errorf("%w: username and password are required", store.ErrInvalidInput)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return nil, fmt.Errorf("%w: username %s already exists", store.ErrInvalidInput, username)
	}
	if !user.Role.Valid() {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.ID = s.userSeq.Add(1)
	user.Username = username
	user.Active = true
	s.users[user.ID] = user
	s.usersByUsername[username] = user.ID
	created := user
	return &created, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getUserLocked(id)
}

func (s *Store) getUserLocked(id int64) (*domain.UserAccount, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", store.ErrNotFound, id)
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrInvalidInput)
	}
	id, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user := s.users[id]
	user.PasswordHash = passwordHash
	s.users[id] = user
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[sale.CashierID]; !ok {
		return nil, fmt.Errorf("%w: user %d", store.ErrNotFound, sale.CashierID)
	}
	sale.ID = s.saleSeq.Add(1)
	if sale.Status == "" {
		sale.Status = domain.SaleStatusOpen
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.DiscountApplied = decimal.Zero
	sale.Items = nil
	sale.Discounts = nil
	sale.Payment = nil
	sale.Cancellation = nil
	sale.RecomputeTotals()

	stored := sale.Clone()
	s.sales[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, fmt.Errorf("%w: sale %d", store.ErrNotFound, id)
	}
	return sale.Clone(), nil
}

// WithinTx runs fn against a fresh overlay. Row locks taken by fn are held
// until commit or rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	t := newTx(s)
	defer t.release()

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneMovement(m domain.StockMovement) domain.StockMovement {
	if m.SaleID != nil {
		saleID := *m.SaleID
		m.SaleID = &saleID
	}
	return m
}
