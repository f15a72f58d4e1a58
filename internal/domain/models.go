package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleManager Role = "manager"
	RoleCashier Role = "cashier"
)

func (r Role) Valid() bool {
	return r == RoleManager || r == RoleCashier
}

// Actor is the authenticated caller of an operation. It is always passed
// explicitly; nothing in the core reads identity from the request context.
type Actor struct {
	UserID   int64
	Username string
	Role     Role
}

func (a Actor) IsManager() bool {
	return a.Role == RoleManager
}

type SaleStatus string

const (
	SaleStatusOpen      SaleStatus = "OPEN"
	SaleStatusPaid      SaleStatus = "PAID"
	SaleStatusCancelled SaleStatus = "CANCELLED"
)

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer:
		return true
	default:
		return false
	}
}

const PaymentStatusApproved = "APPROVED"

type DiscountKind string

const (
	DiscountFixed      DiscountKind = "fixed"
	DiscountPercentage DiscountKind = "percentage"
)

func (k DiscountKind) Valid() bool {
	return k == DiscountFixed || k == DiscountPercentage
}

type MovementKind string

const (
	MovementIn     MovementKind = "IN"
	MovementOut    MovementKind = "OUT"
	MovementAdjust MovementKind = "ADJUST"
)

type UserAccount struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	FullName     string    `json:"full_name,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	StockQuantity int             `json:"stock_quantity"`
}

type SaleItem struct {
	ID        int64           `json:"id"`
	SaleID    int64           `json:"sale_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Payment struct {
	ID             int64           `json:"id"`
	SaleID         int64           `json:"sale_id"`
	AmountTendered decimal.Decimal `json:"amount_tendered"`
	ChangeDue      decimal.Decimal `json:"change_due"`
	Method         PaymentMethod   `json:"method"`
	Status         string          `json:"status"`
	PaidAt         time.Time       `json:"paid_at"`
}

type Discount struct {
	ID             int64           `json:"id"`
	SaleID         int64           `json:"sale_id"`
	Kind           DiscountKind    `json:"kind"`
	RequestedValue decimal.Decimal `json:"requested_value"`
	Amount         decimal.Decimal `json:"amount"`
	AuthorizedBy   int64           `json:"authorized_by"`
	Reason         string          `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Cancellation struct {
	ID            int64     `json:"id"`
	SaleID        int64     `json:"sale_id"`
	CancelledBy   int64     `json:"cancelled_by"`
	Reason        string    `json:"reason"`
	StockRestored bool      `json:"stock_restored"`
	RefundIssued  bool      `json:"refund_issued"`
	CreatedAt     time.Time `json:"created_at"`
}

type StockMovement struct {
	ID          int64        `json:"id"`
	ProductID   int64        `json:"product_id"`
	Kind        MovementKind `json:"kind"`
	Quantity    int          `json:"quantity"`
	StockBefore int          `json:"stock_before"`
	StockAfter  int          `json:"stock_after"`
	SaleID      *int64       `json:"sale_id,omitempty"`
	Note        string       `json:"note,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Delta is the signed change this movement applied to stock.
func (m StockMovement) Delta() int {
	return m.StockAfter - m.StockBefore
}

// Sale is the aggregate root of one customer transaction.
type Sale struct {
	ID              int64           `json:"id"`
	CashierID       int64           `json:"cashier_id"`
	Status          SaleStatus      `json:"status"`
	TotalGross      decimal.Decimal `json:"total_gross"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	TotalNet        decimal.Decimal `json:"total_net"`
	CreatedAt       time.Time       `json:"created_at"`
	Items           []SaleItem      `json:"items"`
	Payment         *Payment        `json:"payment,omitempty"`
	Discounts       []Discount      `json:"discounts"`
	Cancellation    *Cancellation   `json:"cancellation,omitempty"`
}

func (s *Sale) IsOpen() bool {
	return s.Status == SaleStatusOpen
}

// RecomputeTotals derives TotalGross from the items and TotalNet from the
// gross and the applied discount. It must run after every mutation.
func (s *Sale) RecomputeTotals() {
	gross := decimal.Zero
	for _, item := range s.Items {
		gross = gross.Add(item.Subtotal)
	}
	s.TotalGross = RoundMoney(gross)
	if s.DiscountApplied.IsNegative() {
		s.DiscountApplied = decimal.Zero
	}
	net := s.TotalGross.Sub(s.DiscountApplied)
	if net.IsNegative() {
		net = decimal.Zero
	}
	s.TotalNet = RoundMoney(net)
}

// QuantityOf sums the quantity of every item of the sale for productID.
func (s *Sale) QuantityOf(productID int64) int {
	total := 0
	for _, item := range s.Items {
		if item.ProductID == productID {
			total += item.Quantity
		}
	}
	return total
}

// Clone returns a deep copy so callers never share slices with a store.
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	dup := *s
	dup.Items = append([]SaleItem(nil), s.Items...)
	dup.Discounts = append([]Discount(nil), s.Discounts...)
	if s.Payment != nil {
		payment := *s.Payment
		dup.Payment = &payment
	}
	if s.Cancellation != nil {
		cancellation := *s.Cancellation
		dup.Cancellation = &cancellation
	}
	if dup.Items == nil {
		dup.Items = []SaleItem{}
	}
	if dup.Discounts == nil {
		dup.Discounts = []Discount{}
	}
	return &dup
}

type DailyRevenue struct {
	Date      string          `json:"date"`
	SaleCount int             `json:"sale_count"`
	TotalNet  decimal.Decimal `json:"total_net"`
}

type TopProduct struct {
	ProductID     int64  `json:"product_id"`
	ProductName   string `json:"product_name"`
	TotalQuantity int    `json:"total_quantity"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	User        UserAccount `json:"user"`
	ExpiresAt   string      `json:"expires_at"`
}

type ProductCreateRequest struct {
	SKU          string          `json:"sku" validate:"required,max=80"`
	Name         string          `json:"name" validate:"required,max=120"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	InitialStock int             `json:"initial_stock" validate:"gte=0"`
}

type AddItemRequest struct {
	ProductID int64 `json:"product_id" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gt=0"`
}

type ApplyDiscountRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Kind         DiscountKind    `json:"kind" validate:"required,oneof=fixed percentage"`
	AuthorizerID int64           `json:"authorizer_id,omitempty" validate:"gte=0"`
	Reason       string          `json:"reason" validate:"max=255"`
}

type ApplyDiscountResponse struct {
	Sale       *Sale `json:"sale"`
	DiscountID int64 `json:"discount_id"`
}

type PaymentRequest struct {
	AmountTendered decimal.Decimal `json:"amount_tendered"`
	Method         PaymentMethod   `json:"method" validate:"required,oneof=cash card transfer"`
}

type CancelSaleRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type StockChangeRequest struct {
	Quantity int    `json:"quantity" validate:"gte=0"`
	Note     string `json:"note" validate:"max=255"`
}
