package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"restocost/backend/internal/cache"
	"restocost/backend/internal/domain"
	"restocost/backend/internal/logging"
	"restocost/backend/internal/report"
	"restocost/backend/internal/service"
	"restocost/backend/internal/store"
)

const (
	maxBodyBytes     = 1 << 20
	defaultTargetGP  = "0.7"
	retryAfterSecond = "1"
	xlsxContentType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *logrus.Entry
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger logrus.FieldLogger) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           logging.Component(logger, "httpapi"),
	}
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
	l.entries[key] = append(kept, now)
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
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /api/v1/purchases", a.requireAuth(a.handlePurchase, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("POST /api/v1/sales", a.requireAuth(a.handleSale, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("GET /api/v1/menus/{id}/cost", a.requireAuth(a.handleMenuCost, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("POST /api/v1/batches", a.requireAuth(a.handleBatch, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("GET /api/v1/ingredients", a.requireAuth(a.handleIngredients, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("GET /api/v1/ingredients/{id}", a.requireAuth(a.handleIngredient, domain.RoleOwner, domain.RoleStaff))
	mux.HandleFunc("POST /api/v1/cache/invalidate", a.requireAuth(a.handleInvalidate, domain.RoleOwner))
	mux.HandleFunc("GET /api/v1/cache/stats", a.requireAuth(a.handleCacheStats, domain.RoleOwner))
	mux.HandleFunc("GET /api/v1/reports/sales", a.requireAuth(a.handleSalesReport, domain.RoleOwner))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req domain.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.service.RecordPurchase(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.service.RecordSale(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleMenuCost(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("target_gp"))
	if raw == "" {
		raw = defaultTargetGP
	}
	targetGP, err := decimal.NewFromString(raw)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, domain.NewValidationError("target_gp", "not a number: %q", raw))
		return
	}
	res, err := a.service.ComputeMenuCost(r.Context(), r.PathValue("id"), targetGP)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.service.ComputeBatch(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if req.Committed {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (a *API) handleIngredients(w http.ResponseWriter, r *http.Request) {
	list, err := a.service.ListIngredients(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ingredients": list})
}

func (a *API) handleIngredient(w http.ResponseWriter, r *http.Request) {
	snap, err := a.service.GetIngredientSnapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req domain.InvalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.service.Invalidate(r.Context(), req); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": true})
}

func (a *API) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.service.CacheStats())
}

func (a *API) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	summary, err := a.service.SalesReport(r.Context(), query.Get("from"), query.Get("to"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(query.Get("format"))) {
	case "", "json":
		writeJSON(w, http.StatusOK, summary)
	case "xlsx":
		var buf bytes.Buffer
		if err := report.WriteXLSX(&buf, summary); err != nil {
			a.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sales-%s.xlsx"`, reportStamp(summary)))
		w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
	default:
		a.writeError(w, http.StatusBadRequest, domain.NewValidationError("format", "expected json or xlsx"))
	}
}

func reportStamp(summary domain.SalesSummary) string {
	from, to := summary.From, summary.To
	switch {
	case from == "" && to == "":
		return "all"
	case from == to:
		return from
	case from == "":
		return "until-" + to
	case to == "":
		return "from-" + from
	}
	return from + "_" + to
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(startedAt).Milliseconds(),
		}).Info("request")
	})
}

// statusFor maps service errors onto HTTP statuses. Anything unclassified
// is a 500.
func statusFor(err error) int {
	var (
		validation  domain.ValidationError
		ingredient  domain.MissingIngredientError
		price       domain.MissingPriceDataError
		stock       domain.InsufficientStockError
		lockTimeout domain.LockTimeoutError
		backend     domain.BackendUnavailableError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &ingredient), errors.As(err, &price), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &stock):
		return http.StatusConflict
	case errors.As(err, &lockTimeout), errors.As(err, &backend), errors.Is(err, cache.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSecond)
	}
	a.writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 4xx messages are user-facing; 5xx details stay in the log.
	msg := err.Error()
	kind, entityID := errorKind(err, status)
	if status >= 500 {
		a.log.WithField("status", status).WithError(err).Error("request failed")
		var (
			lockTimeout domain.LockTimeoutError
			backend     domain.BackendUnavailableError
		)
		switch {
		case errors.As(err, &lockTimeout):
		case errors.As(err, &backend):
			msg = domain.BackendUnavailableError{Key: backend.Key}.Error()
		default:
			msg = strings.ToLower(http.StatusText(status))
		}
	}
	body := map[string]any{"error": msg, "kind": kind}
	if entityID != "" {
		body["entity_id"] = entityID
	}
	var stock domain.InsufficientStockError
	if errors.As(err, &stock) {
		body["ingredient_id"] = stock.IngredientID
		body["requested"] = stock.Requested
		body["available"] = stock.Available
	}
	writeJSON(w, status, body)
}

// errorKind names the failure and the entity it concerns. Untyped errors
// fall back to the status text.
func errorKind(err error, status int) (kind string, entityID string) {
	var (
		validation  domain.ValidationError
		ingredient  domain.MissingIngredientError
		price       domain.MissingPriceDataError
		stock       domain.InsufficientStockError
		lockTimeout domain.LockTimeoutError
		backend     domain.BackendUnavailableError
		notFound    store.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return "validation", validation.Field
	case errors.Is(err, service.ErrForbidden):
		return "forbidden", ""
	case errors.As(err, &ingredient):
		return "missing_ingredient", ingredient.IngredientID
	case errors.As(err, &price):
		return "missing_price", price.IngredientID
	case errors.As(err, &notFound):
		return "not_found", notFound.Key
	case errors.Is(err, store.ErrNotFound):
		return "not_found", ""
	case errors.As(err, &stock):
		return "insufficient_stock", stock.IngredientID
	case errors.As(err, &lockTimeout):
		return "lock_timeout", lockTimeout.Key
	case errors.As(err, &backend):
		return "backend_unavailable", backend.Key
	case errors.Is(err, cache.ErrClosed):
		return "unavailable", ""
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_"), ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
