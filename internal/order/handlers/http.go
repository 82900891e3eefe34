package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/k-code-yt/orderflow/internal/order/application"
	"github.com/k-code-yt/orderflow/internal/order/domain"
	pkgerrors "github.com/k-code-yt/orderflow/pkg/errors"
	"github.com/k-code-yt/orderflow/pkg/metrics"
	"github.com/k-code-yt/orderflow/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

const (
	HeaderUserID         = "X-User-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

type ctxKey int

const ownerKey ctxKey = iota

type createOrderRequest struct {
	Items []domain.LineItem `json:"items"`
}

type orderResponse struct {
	OrderID    string            `json:"orderId"`
	Status     string            `json:"status"`
	Total      string            `json:"total"`
	Version    int64             `json:"version"`
	AttemptSeq int               `json:"attemptSeq"`
	Items      []domain.LineItem `json:"items,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func toResponse(o *domain.Order) orderResponse {
	return orderResponse{
		OrderID:    o.ID,
		Status:     string(o.Status),
		Total:      o.Total.StringFixed(2),
		Version:    o.Version,
		AttemptSeq: o.AttemptSeq,
		Items:      o.Items,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

type HTTPHandler struct {
	coord   *application.Coordinator
	ready   func(ctx context.Context) error
	limiter *ratelimit.PerClientLimiter
}

type RouterOption func(h *HTTPHandler)

// WithCreateLimiter throttles order creation per owner.
func WithCreateLimiter(l *ratelimit.PerClientLimiter) RouterOption {
	return func(h *HTTPHandler) {
		h.limiter = l
	}
}

// NewHTTPRouter builds the public API. ready backs /health and may be nil.
func NewHTTPRouter(coord *application.Coordinator, ready func(ctx context.Context) error, opts ...RouterOption) http.Handler {
	h := &HTTPHandler{coord: coord, ready: ready}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(routePattern))

	r.Get("/health", h.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/orders", func(r chi.Router) {
		r.Use(requireOwner)
		r.With(h.throttle).Post("/", h.createOrder)
		r.Get("/{orderID}", h.getOrder)
		r.Get("/{orderID}/history", h.history)
		r.Post("/{orderID}/cancel", h.cancelOrder)
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// requireOwner trusts the identity forwarded by the gateway's auth layer.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(HeaderUserID)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderUserID})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

func (h *HTTPHandler) throttle(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return h.limiter.Middleware(func(r *http.Request) string {
		return ownerFrom(r.Context())
	})(next)
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey).(string)
	return owner
}

func (h *HTTPHandler) health(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	req := new(createOrderRequest)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		writeError(w, pkgerrors.NewJSONParsingError(err))
		return
	}

	res, err := h.coord.CreateOrder(r.Context(), application.CreateOrderCmd{
		OwnerID:          ownerFrom(r.Context()),
		Items:            req.Items,
		IdempotencyToken: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	w.Header().Set("Location", "/orders/"+res.Order.ID)
	writeJSON(w, status, toResponse(res.Order))
}

func (h *HTTPHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.coord.GetOrder(r.Context(), chi.URLParam(r, "orderID"), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(o))
}

func (h *HTTPHandler) history(w http.ResponseWriter, r *http.Request) {
	log, err := h.coord.History(r.Context(), chi.URLParam(r, "orderID"), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (h *HTTPHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.coord.CancelOrder(r.Context(), chi.URLParam(r, "orderID"), ownerFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(o))
}

func statusFor(err error) int {
	switch pkgerrors.GetErrorCode(err) {
	case pkgerrors.CodeValidation, pkgerrors.CodeJSONParsing:
		return http.StatusBadRequest
	case pkgerrors.CodeNonExistingKey:
		return http.StatusNotFound
	case pkgerrors.CodeRequestInFlight, pkgerrors.CodeDuplicateRequest, pkgerrors.CodeVersionConflict, pkgerrors.CodeDuplicateKey:
		return http.StatusConflict
	case pkgerrors.CodePersistence, pkgerrors.CodeDownstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logrus.Errorf("HTTP:ERROR %v", err)
		// store details stay in the logs
		msg = http.StatusText(status)
	} else if status == http.StatusNotFound {
		msg = "order not found"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: pkgerrors.GetErrorCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("HTTP:ENCODE_FAILED %v", err)
	}
}
