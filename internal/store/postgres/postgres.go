package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"pdv/internal/domain"
	"pdv/internal/store"
)

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// WithinTx runs fn in a SERIALIZABLE transaction. Serialization failures and
// deadlocks surface as store.ErrConflict; nothing is retried.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

const productColumns = `id, sku, name, unit_price, stock_quantity`

func scanProduct(row interface{ Scan(dest ...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UnitPrice, &p.StockQuantity)
	return p, err
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return getProduct(ctx, s.db, id)
}

func getProduct(ctx context.Context, q querier, id int64) (*domain.Product, error) {
	p, err := scanProduct(q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListStockMovements(ctx context.Context, productID int64, limit int) ([]domain.StockMovement, error) {
	if _, err := s.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, kind, quantity, stock_before, stock_after, sale_id, note, created_at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var mv domain.StockMovement
		var saleID sql.NullInt64
		if err := rows.Scan(&mv.ID, &mv.ProductID, &mv.Kind, &mv.Quantity, &mv.StockBefore, &mv.StockAfter, &saleID, &mv.Note, &mv.CreatedAt); err != nil {
			return nil, err
		}
		if saleID.Valid {
			id := saleID.Int64
			mv.SaleID = &id
		}
		mv.CreatedAt = mv.CreatedAt.UTC()
		movements = append(movements, mv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

const userColumns = `id, username, password_hash, role, full_name, active, created_at`

func scanUser(row interface{ Scan(dest ...any) error }) (domain.UserAccount, error) {
	var u domain.UserAccount
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.FullName, &u.Active, &u.CreatedAt)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) (*domain.UserAccount, error) {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.PasswordHash) == "" {
		return nil, fmt.Errorf("%w: username and password are required", store.ErrInvalidInput)
	}
	if !user.Role.Valid() {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	created, err := scanUser(s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, password_hash, role, full_name, active, created_at)
		VALUES ($1, $2, $3, $4, true, $5)
		RETURNING `+userColumns,
		user.Username, user.PasswordHash, user.Role, user.FullName, user.CreatedAt))
	if err != nil {
		return nil, mapError(err)
	}
	return &created, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*domain.UserAccount, error) {
	return getUser(ctx, s.db, id)
}

func getUser(ctx context.Context, q querier, id int64) (*domain.UserAccount, error) {
	u, err := scanUser(q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`,
		strings.ToLower(strings.TrimSpace(username))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, passwordHash string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(passwordHash) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE username = $1`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SaleStatusOpen
	sale.Items = nil
	sale.DiscountApplied = decimal.Zero
	sale.RecomputeTotals()

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sales (cashier_id, status, total_gross, discount_applied, total_net, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sale.CashierID, sale.Status, sale.TotalGross, sale.DiscountApplied, sale.TotalNet, sale.CreatedAt).Scan(&sale.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return sale.Clone(), nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	return loadSale(ctx, s.db, id, false)
}

// loadSale reads the sale row, optionally locking it, and then its children.
func loadSale(ctx context.Context, q querier, id int64, lock bool) (*domain.Sale, error) {
	query := `
		SELECT id, cashier_id, status, total_gross, discount_applied, total_net, created_at
		FROM sales
		WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var sale domain.Sale
	err := q.QueryRowContext(ctx, query, id).Scan(
		&sale.ID, &sale.CashierID, &sale.Status, &sale.TotalGross, &sale.DiscountApplied, &sale.TotalNet, &sale.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sale %d", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	if sale.Items, err = loadItems(ctx, q, id); err != nil {
		return nil, err
	}
	if sale.Discounts, err = loadDiscounts(ctx, q, id); err != nil {
		return nil, err
	}
	if sale.Payment, err = loadPayment(ctx, q, id); err != nil {
		return nil, err
	}
	if sale.Cancellation, err = loadCancellation(ctx, q, id); err != nil {
		return nil, err
	}
	return sale.Clone(), nil
}

func loadItems(ctx context.Context, q querier, saleID int64) ([]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, quantity, unit_price, subtotal
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func loadDiscounts(ctx context.Context, q querier, saleID int64) ([]domain.Discount, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, kind, requested_value, amount, authorized_by, reason, created_at
		FROM discounts
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	discounts := make([]domain.Discount, 0, 2)
	for rows.Next() {
		var d domain.Discount
		if err := rows.Scan(&d.ID, &d.SaleID, &d.Kind, &d.RequestedValue, &d.Amount, &d.AuthorizedBy, &d.Reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.CreatedAt = d.CreatedAt.UTC()
		discounts = append(discounts, d)
	}
	return discounts, rows.Err()
}

func loadPayment(ctx context.Context, q querier, saleID int64) (*domain.Payment, error) {
	var p domain.Payment
	err := q.QueryRowContext(ctx, `
		SELECT id, sale_id, amount_tendered, change_due, method, status, paid_at
		FROM payments
		WHERE sale_id = $1
	`, saleID).Scan(&p.ID, &p.SaleID, &p.AmountTendered, &p.ChangeDue, &p.Method, &p.Status, &p.PaidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.PaidAt = p.PaidAt.UTC()
	return &p, nil
}

func loadCancellation(ctx context.Context, q querier, saleID int64) (*domain.Cancellation, error) {
	var c domain.Cancellation
	err := q.QueryRowContext(ctx, `
		SELECT id, sale_id, cancelled_by, reason, stock_restored, refund_issued, created_at
		FROM cancellations
		WHERE sale_id = $1
	`, saleID).Scan(&c.ID, &c.SaleID, &c.CancelledBy, &c.Reason, &c.StockRestored, &c.RefundIssued, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

func (s *Store) DailyRevenue(ctx context.Context, from time.Time) ([]domain.DailyRevenue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char((created_at AT TIME ZONE 'UTC')::date, 'YYYY-MM-DD') AS day,
		       COUNT(*),
		       COALESCE(SUM(total_net), 0)
		FROM sales
		WHERE status = 'PAID' AND created_at >= $1
		GROUP BY day
		ORDER BY day ASC
	`, from.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.DailyRevenue, 0, 31)
	for rows.Next() {
		var row domain.DailyRevenue
		if err := rows.Scan(&row.Date, &row.SaleCount, &row.TotalNet); err != nil {
			return nil, err
		}
		row.TotalNet = domain.RoundMoney(row.TotalNet)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) TopProducts(ctx context.Context, limit int) ([]domain.TopProduct, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, SUM(i.quantity) AS total_quantity
		FROM sale_items i
		JOIN sales s ON s.id = i.sale_id
		JOIN products p ON p.id = i.product_id
		WHERE s.status = 'PAID'
		GROUP BY p.id, p.name
		ORDER BY total_quantity DESC, p.id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TopProduct, 0, limit)
	for rows.Next() {
		var row domain.TopProduct
		if err := rows.Scan(&row.ProductID, &row.ProductName, &row.TotalQuantity); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// mapError translates SQLSTATEs the engine cares about into store sentinels.
// Anything else is returned unchanged.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", store.ErrConflict, pgErr.Message)
	case "23514":
		if pgErr.ConstraintName == "products_stock_non_negative" {
			return fmt.Errorf("%w: %s", store.ErrInsufficientStock, pgErr.Message)
		}
		return fmt.Errorf("%w: %s", store.ErrInvalidInput, pgErr.Message)
	case "23505":
		switch pgErr.ConstraintName {
		case "cancellations_sale_id_key", "payments_sale_id_key":
			return fmt.Errorf("%w: %s", store.ErrInvalidState, pgErr.Message)
		default:
			return fmt.Errorf("%w: %s", store.ErrInvalidInput, pgErr.Detail)
		}
	case "23503":
		return fmt.Errorf("%w: %s", store.ErrNotFound, pgErr.Detail)
	}
	return err
}
