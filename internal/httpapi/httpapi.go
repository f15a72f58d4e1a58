package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"pdv/internal/domain"
	"pdv/internal/logger"
	"pdv/internal/reporting"
	"pdv/internal/service"
	"pdv/internal/store"
	"pdv/internal/xid"
)

const maxBodyBytes = 1 << 20

type API struct {
	service        *service.Service
	reports        *reporting.Aggregator
	auth           *AuthManager
	log            *logger.Logger
	metricsHandler http.Handler
	allowedOrigin  string
	loginLimiter   *attemptLimiter
	validate       *validator.Validate
}

type Options struct {
	AllowedOrigin string
	Logger        *logger.Logger
	// MetricsHandler is served on GET /metrics when set.
	MetricsHandler http.Handler
}

func New(svc *service.Service, reports *reporting.Aggregator, auth *AuthManager, opts Options) *API {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &API{
		service:        svc,
		reports:        reports,
		auth:           auth,
		log:            log,
		metricsHandler: opts.MetricsHandler,
		allowedOrigin:  opts.AllowedOrigin,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
		validate:       newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(a.requestID, a.securityHeaders, a.accessLog, middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	if a.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", a.metricsHandler)
	}
	r.Post("/api/v1/auth/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)

		r.Get("/api/v1/products", a.handleListProducts)
		r.Post("/api/v1/products", a.handleCreateProduct)
		r.Get("/api/v1/products/{id}", a.handleGetProduct)
		r.Get("/api/v1/products/{id}/availability", a.handleAvailability)
		r.Get("/api/v1/products/{id}/movements", a.handleMovements)
		r.Post("/api/v1/products/{id}/restock", a.handleRestock)
		r.Post("/api/v1/products/{id}/count", a.handleCount)

		r.Post("/api/v1/sales", a.handleCreateSale)
		r.Get("/api/v1/sales/{id}", a.handleGetSale)
		r.Post("/api/v1/sales/{id}/items", a.handleAddItem)
		r.Post("/api/v1/sales/{id}/discount", a.handleDiscount)
		r.Post("/api/v1/sales/{id}/payment", a.handlePayment)
		r.Post("/api/v1/sales/{id}/cancel", a.handleCancel)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(domain.RoleManager))
			r.Get("/api/v1/reports/daily-revenue", a.handleDailyRevenue)
			r.Get("/api/v1/reports/top-products", a.handleTopProducts)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})
	return r
}

type actorKey struct{}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := r.Context().Value(actorKey{}).(domain.Actor)
	return actor
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isRoleAllowed(actorFrom(r).Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isRoleAllowed(role domain.Role, allowed []domain.Role) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = xid.New("req")
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(a.log.WithRequestID(r.Context(), id)))
	})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		ctx := a.log.WithFields(r.Context(), map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
		})
		a.log.Info(ctx, "http request")
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if errors.Is(err, errInvalidCredentials) || errors.Is(err, errInactiveAccount) {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), actorFrom(r), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	product, err := a.service.GetProduct(r.Context(), productID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	quantity := parsePositiveLimit(r.URL.Query().Get("quantity"), 1, 0)
	available, err := a.service.CheckAvailability(r.Context(), productID, quantity)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"quantity":   quantity,
		"available":  available,
	})
}

func (a *API) handleMovements(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	movements, err := a.service.ListStockMovements(r.Context(), productID, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"movements": movements})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req domain.StockChangeRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	movement, err := a.service.RestockProduct(r.Context(), actorFrom(r), productID, req.Quantity, req.Note)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

func (a *API) handleCount(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req domain.StockChangeRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	movement, err := a.service.CountStock(r.Context(), actorFrom(r), productID, req.Quantity, req.Note)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if movement == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"product_id":     productID,
			"stock_quantity": req.Quantity,
			"adjusted":       false,
		})
		return
	}
	writeJSON(w, http.StatusCreated, movement)
}

func (a *API) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.CreateSale(r.Context(), actorFrom(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	saleID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	sale, err := a.service.GetSale(r.Context(), saleID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	saleID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req domain.AddItemRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	sale, err := a.service.AddItem(r.Context(), actorFrom(r), saleID, req.ProductID, req.Quantity)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleDiscount(w http.ResponseWriter, r *http.Request) {
	saleID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req domain.ApplyDiscountRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	resp, err := a.service.ApplyDiscount(r.Context(), actorFrom(r), saleID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePayment(w http.ResponseWriter, r *http.Request) {
	saleID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req domain.PaymentRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	sale, err := a.service.ProcessPayment(r.Context(), actorFrom(r), saleID, req.AmountTendered, req.Method)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	saleID, err := idParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req domain.CancelSaleRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	cancellation, err := a.service.CancelSale(r.Context(), actorFrom(r), saleID, req.Reason)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancellation)
}

func (a *API) handleDailyRevenue(w http.ResponseWriter, r *http.Request) {
	days := parsePositiveLimit(r.URL.Query().Get("days"), 0, 0)
	rows, err := a.reports.DailyRevenue(r.Context(), days)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily_revenue": rows})
}

func (a *API) handleTopProducts(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 0, 0)
	rows, err := a.reports.TopProducts(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"top_products": rows})
}

// requestError is a malformed request. It unwraps to store.ErrInvalidInput so
// it maps like any other invalid input.
type requestError struct {
	message string
	details map[string]string
}

func (e *requestError) Error() string {
	return e.message
}

func (e *requestError) Unwrap() error {
	return store.ErrInvalidInput
}

func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, &requestError{message: fmt.Sprintf("invalid id %q", raw)}
	}
	return id, nil
}

func (a *API) decodeJSON(r *http.Request, dest any) error {
	defer func() {
		_, _ = io.Copy(io.Discard, r.Body)
	}()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{message: "request body too large"}
		}
		return &requestError{message: "invalid request body", details: map[string]string{"body": err.Error()}}
	}
	if err := a.validate.Struct(dest); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			details := make(map[string]string, len(errs))
			for _, fieldErr := range errs {
				details[fieldErr.Field()] = validationMessage(fieldErr)
			}
			return &requestError{message: "validation failed", details: details}
		}
		return &requestError{message: "validation failed"}
	}
	return nil
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	}
	return "is invalid"
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, store.ErrInsufficientPayment):
		return http.StatusUnprocessableEntity, "insufficient_payment"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func errorDetails(err error) any {
	var reqErr *requestError
	var stockErr *store.StockError
	var stateErr *store.StateError
	var paymentErr *store.PaymentError
	switch {
	case errors.As(err, &reqErr):
		if len(reqErr.details) == 0 {
			return nil
		}
		return reqErr.details
	case errors.As(err, &stockErr):
		return map[string]any{
			"product_id": stockErr.ProductID,
			"sku":        stockErr.SKU,
			"required":   stockErr.Required,
			"available":  stockErr.Available,
		}
	case errors.As(err, &stateErr):
		return map[string]any{
			"sale_id":   stateErr.SaleID,
			"status":    stateErr.Status,
			"operation": stateErr.Operation,
		}
	case errors.As(err, &paymentErr):
		return map[string]any{
			"sale_id":  paymentErr.SaleID,
			"required": paymentErr.Required.StringFixed(2),
			"tendered": paymentErr.Tendered.StringFixed(2),
		}
	}
	return nil
}

// writeServiceError maps a core error onto its status code. Internal errors
// are logged and answered with a generic message.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code, Details: errorDetails(err)}
	if status >= 500 {
		a.log.Error(r.Context(), "request failed", err)
		body = errorBody{Error: "internal server error", Code: code}
	}
	body.Retryable = errors.Is(err, store.ErrConflict)
	writeJSON(w, status, body)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
