package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"pdv/internal/domain"
	"pdv/internal/logger"
	"pdv/internal/metrics"
	"pdv/internal/reporting"
	"pdv/internal/service"
	"pdv/internal/store/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// newTestAPI builds a full API with a seeded in-memory store, real
// AuthManager, Service and Aggregator so handler tests exercise the complete
// request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo, err := memory.NewSeeded(context.Background(), logger.Nop())
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewSaleMetrics(reg)
	svc := service.New(repo, service.WithMetrics(m))
	reports := reporting.NewAggregator(repo, reporting.Options{Metrics: m})
	auth := NewAuthManager(testSecret, time.Hour, repo)

	return New(svc, reports, auth, Options{
		AllowedOrigin:  "*",
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
	return out
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token for %s", username)
	}
	return resp.AccessToken
}

func productBySKU(t *testing.T, handler http.Handler, token string, sku string) domain.Product {
	t.Helper()
	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list products: %d %s", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Products []domain.Product `json:"products"`
	}](t, rec)
	for _, p := range body.Products {
		if p.SKU == sku {
			return p
		}
	}
	t.Fatalf("product %s not seeded", sku)
	return domain.Product{}
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	resp := decodeBody[domain.LoginResponse](t, rec)
	if resp.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if resp.User.Role != domain.RoleManager || resp.User.Username != "admin" {
		t.Fatalf("unexpected user in response: %+v", resp.User)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	handler := newTestAPI(t).Handler()

	for _, creds := range []map[string]string{
		{"username": "admin", "password": "wrongpassword"},
		{"username": "nobody", "password": "admin123"},
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(mustJSON(t, creds)))
		req.RemoteAddr = "198.51.100.7:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %v, got %d (body: %s)", creds, rec.Code, rec.Body.String())
		}
	}
}

func TestHandleLogin_RejectsMissingFields(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	body := decodeBody[errorBody](t, rec)
	details, _ := body.Details.(map[string]any)
	if details["password"] != "is required" {
		t.Fatalf("expected password detail, got %+v", body)
	}
}

func TestHandleProducts_RequiresAuth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "caixa", "caixa123")

	coca := productBySKU(t, handler, token, "COCA350")
	if !coca.UnitPrice.Equal(decimal.RequireFromString("4.50")) || coca.StockQuantity != 100 {
		t.Fatalf("unexpected seeded product: %+v", coca)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/products/999999", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown product, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/products/abc", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func TestCatalogueRoutesAreManagerOnly(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "caixa", "caixa123")
	manager := login(t, handler, "admin", "admin123")

	req := domain.ProductCreateRequest{SKU: "suco1l", Name: "Suco 1L", UnitPrice: decimal.RequireFromString("7.90"), InitialStock: 12}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/products", cashier, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier create, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/products", manager, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	created := decodeBody[domain.Product](t, rec)
	if created.SKU != "SUCO1L" || created.StockQuantity != 12 {
		t.Fatalf("unexpected product: %+v", created)
	}
	path := "/api/v1/products/" + itoa(created.ID)

	rec = doJSON(t, handler, http.MethodPost, path+"/restock", manager, domain.StockChangeRequest{Quantity: 8, Note: "delivery"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for restock, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, path+"/count", manager, domain.StockChangeRequest{Quantity: 17, Note: "shelf"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for count, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	adjust := decodeBody[domain.StockMovement](t, rec)
	if adjust.Kind != domain.MovementAdjust || adjust.StockBefore != 20 || adjust.StockAfter != 17 {
		t.Fatalf("unexpected adjustment: %+v", adjust)
	}
	rec = doJSON(t, handler, http.MethodPost, path+"/count", manager, domain.StockChangeRequest{Quantity: 17, Note: "recheck"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unchanged count, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if unchanged := decodeBody[map[string]any](t, rec); unchanged["adjusted"] != false {
		t.Fatalf("expected no adjustment, got %v", unchanged)
	}

	rec = doJSON(t, handler, http.MethodGet, path+"/movements", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for movements, got %d", rec.Code)
	}
	history := decodeBody[struct {
		Movements []domain.StockMovement `json:"movements"`
	}](t, rec)
	if len(history.Movements) != 3 || history.Movements[0].Kind != domain.MovementAdjust {
		t.Fatalf("unexpected movement history: %+v", history.Movements)
	}

	rec = doJSON(t, handler, http.MethodGet, path+"/availability?quantity=18", cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for availability, got %d", rec.Code)
	}
	availability := decodeBody[map[string]any](t, rec)
	if availability["available"] != false {
		t.Fatalf("expected 18 units to be unavailable, got %v", availability)
	}
}

func TestSaleLifecycleOverHTTP(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "caixa", "caixa123")
	manager := login(t, handler, "admin", "admin123")
	leite := productBySKU(t, handler, cashier, "LEITE1L")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	sale := decodeBody[domain.Sale](t, rec)
	if sale.Status != domain.SaleStatusOpen {
		t.Fatalf("expected OPEN sale, got %s", sale.Status)
	}
	salePath := "/api/v1/sales/" + itoa(sale.ID)

	rec = doJSON(t, handler, http.MethodPost, salePath+"/items", cashier, domain.AddItemRequest{ProductID: leite.ID, Quantity: leite.StockQuantity + 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for oversell, got %d", rec.Code)
	}
	stockErr := decodeBody[errorBody](t, rec)
	details, _ := stockErr.Details.(map[string]any)
	if stockErr.Code != "insufficient_stock" || details["available"] != float64(leite.StockQuantity) {
		t.Fatalf("unexpected stock error body: %+v", stockErr)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/items", cashier, domain.AddItemRequest{ProductID: leite.ID, Quantity: 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	sale = decodeBody[domain.Sale](t, rec)
	if !sale.TotalNet.Equal(decimal.RequireFromString("10.40")) {
		t.Fatalf("expected total 10.40, got %s", sale.TotalNet)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/discount", cashier, domain.ApplyDiscountRequest{Amount: decimal.NewFromInt(1), Kind: domain.DiscountFixed})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier discount, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/payment", cashier, domain.PaymentRequest{AmountTendered: decimal.NewFromInt(5), Method: domain.PaymentCash})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for short payment, got %d", rec.Code)
	}
	payErr := decodeBody[errorBody](t, rec)
	details, _ = payErr.Details.(map[string]any)
	if details["required"] != "10.40" || details["tendered"] != "5.00" {
		t.Fatalf("unexpected payment error body: %+v", payErr)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/payment", cashier, domain.PaymentRequest{AmountTendered: decimal.NewFromInt(20), Method: domain.PaymentCash})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for payment, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	sale = decodeBody[domain.Sale](t, rec)
	if sale.Status != domain.SaleStatusPaid || sale.Payment == nil || !sale.Payment.ChangeDue.Equal(decimal.RequireFromString("9.60")) {
		t.Fatalf("unexpected paid sale: %+v", sale)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/items", cashier, domain.AddItemRequest{ProductID: leite.ID, Quantity: 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for item on paid sale, got %d", rec.Code)
	}
	if body := decodeBody[errorBody](t, rec); body.Code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %+v", body)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/cancel", cashier, domain.CancelSaleRequest{Reason: "customer returned"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier cancelling paid sale, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, salePath+"/cancel", manager, domain.CancelSaleRequest{Reason: "customer returned"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for manager cancel, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	cancellation := decodeBody[domain.Cancellation](t, rec)
	if !cancellation.StockRestored || !cancellation.RefundIssued {
		t.Fatalf("expected restored and refunded flags, got %+v", cancellation)
	}

	rec = doJSON(t, handler, http.MethodGet, salePath, cashier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for get sale, got %d", rec.Code)
	}
	sale = decodeBody[domain.Sale](t, rec)
	if sale.Status != domain.SaleStatusCancelled || sale.Cancellation == nil {
		t.Fatalf("expected CANCELLED sale with cancellation, got %+v", sale)
	}
	if after := productBySKU(t, handler, cashier, "LEITE1L"); after.StockQuantity != leite.StockQuantity {
		t.Fatalf("expected stock restored to %d, got %d", leite.StockQuantity, after.StockQuantity)
	}
}

func TestReportsAreManagerOnly(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "caixa", "caixa123")
	manager := login(t, handler, "admin", "admin123")
	agua := productBySKU(t, handler, cashier, "AGUA500")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, nil)
	sale := decodeBody[domain.Sale](t, rec)
	salePath := "/api/v1/sales/" + itoa(sale.ID)
	doJSON(t, handler, http.MethodPost, salePath+"/items", cashier, domain.AddItemRequest{ProductID: agua.ID, Quantity: 3})
	rec = doJSON(t, handler, http.MethodPost, salePath+"/payment", cashier, domain.PaymentRequest{AmountTendered: decimal.NewFromInt(6), Method: domain.PaymentCard})
	if rec.Code != http.StatusOK {
		t.Fatalf("payment failed: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/top-products", cashier, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier report, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/top-products?limit=5", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	top := decodeBody[struct {
		TopProducts []domain.TopProduct `json:"top_products"`
	}](t, rec)
	if len(top.TopProducts) != 1 || top.TopProducts[0].ProductID != agua.ID || top.TopProducts[0].TotalQuantity != 3 {
		t.Fatalf("unexpected top products: %+v", top.TopProducts)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily-revenue?days=7", manager, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	revenue := decodeBody[struct {
		DailyRevenue []domain.DailyRevenue `json:"daily_revenue"`
	}](t, rec)
	if len(revenue.DailyRevenue) != 1 || !revenue.DailyRevenue[0].TotalNet.Equal(decimal.RequireFromString("6.00")) {
		t.Fatalf("unexpected daily revenue: %+v", revenue.DailyRevenue)
	}
}

func TestMetricsEndpointExposesTransitions(t *testing.T) {
	handler := newTestAPI(t).Handler()
	cashier := login(t, handler, "caixa", "caixa123")
	doJSON(t, handler, http.MethodPost, "/api/v1/sales", cashier, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `pdv_sale_transitions_total{operation="create_sale",result="ok"} 1`) {
		t.Fatalf("expected create_sale counter in metrics output:\n%s", rec.Body.String())
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
