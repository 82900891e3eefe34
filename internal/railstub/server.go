package railstub

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/k-code-yt/orderflow/internal/payment/infra/rail"
	"github.com/sirupsen/logrus"
)

type Outcome int

const (
	Outcome_Approve Outcome = iota
	Outcome_Decline
	// answered with 503, nothing is recorded
	Outcome_Fail
	// the charge is recorded but the answer comes after PhantomDelay as a 504
	Outcome_Phantom
)

// Decider picks the outcome of a call to op ("charge" or "refund") for key.
type Decider func(op, key string) Outcome

type Config struct {
	DeclineRate  float64
	FailureRate  float64
	PhantomRate  float64
	Latency      time.Duration
	PhantomDelay time.Duration
}

type charge struct {
	receipt   rail.Receipt
	orderID   string
	refundKey string
}

// Server simulates a card rail that honours idempotency keys: a key that was
// charged once always answers with the same receipt.
type Server struct {
	cfg     Config
	decide  Decider
	mu      *sync.Mutex
	charges map[string]*charge
	refunds map[string]string

	chargeCalls atomic.Int64
	refundCalls atomic.Int64
}

type Option func(s *Server)

func WithDecider(d Decider) Option {
	return func(s *Server) {
		s.decide = d
	}
}

func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		mu:      new(sync.Mutex),
		charges: make(map[string]*charge),
		refunds: make(map[string]string),
	}
	s.decide = s.randomOutcome
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) randomOutcome(op, key string) Outcome {
	chance := rand.Float64()
	switch {
	case chance < s.cfg.FailureRate:
		return Outcome_Fail
	case op == "refund":
		return Outcome_Approve
	case chance < s.cfg.FailureRate+s.cfg.PhantomRate:
		return Outcome_Phantom
	case chance < s.cfg.FailureRate+s.cfg.PhantomRate+s.cfg.DeclineRate:
		return Outcome_Decline
	}
	return Outcome_Approve
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/v1/charges", s.handleCharge)
	r.Get("/v1/charges/{key}", s.handleStatus)
	r.Post("/v1/refunds", s.handleRefund)
	return r
}

// ChargeCalls counts every POST /v1/charges that reached the server.
func (s *Server) ChargeCalls() int {
	return int(s.chargeCalls.Load())
}

func (s *Server) RefundCalls() int {
	return int(s.refundCalls.Load())
}

// Charged counts the keys with money taken, refunded ones included.
func (s *Server) Charged() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.charges {
		if c.receipt.Status != rail.ChargeStatus_Declined {
			n++
		}
	}
	return n
}

func (s *Server) Lookup(key string) (rail.Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.charges[key]
	if !ok {
		return rail.Receipt{}, false
	}
	return c.receipt, true
}

func (s *Server) sleep(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	s.chargeCalls.Add(1)
	key := r.Header.Get(rail.HeaderIdempotencyKey)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + rail.HeaderIdempotencyKey})
		return
	}
	req := new(rail.ChargeRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || !req.Amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid charge"})
		return
	}
	if !s.sleep(r, s.cfg.Latency) {
		return
	}

	s.mu.Lock()
	if c, ok := s.charges[key]; ok {
		receipt := c.receipt
		s.mu.Unlock()
		writeJSON(w, statusOf(receipt), receipt)
		return
	}
	outcome := s.decide("charge", key)
	if outcome == Outcome_Fail {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rail unavailable"})
		return
	}
	receipt := rail.Receipt{
		Key:       key,
		Status:    rail.ChargeStatus_Succeeded,
		Reference: "ch_" + uuid.NewString(),
		Amount:    req.Amount,
	}
	if outcome == Outcome_Decline {
		receipt.Status = rail.ChargeStatus_Declined
		receipt.Reference = ""
		receipt.Reason = "card declined"
	}
	s.charges[key] = &charge{receipt: receipt, orderID: req.OrderID}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"KEY":     key,
		"STATUS":  receipt.Status,
		"AMOUNT":  req.Amount.String(),
		"PHANTOM": outcome == Outcome_Phantom,
	}).Info("RAIL:CHARGE")

	if outcome == Outcome_Phantom {
		s.sleep(r, s.cfg.PhantomDelay)
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "upstream timeout"})
		return
	}
	if receipt.Status == rail.ChargeStatus_Succeeded {
		writeJSON(w, http.StatusCreated, receipt)
		return
	}
	writeJSON(w, statusOf(receipt), receipt)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.refundCalls.Add(1)
	key := r.Header.Get(rail.HeaderIdempotencyKey)
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing " + rail.HeaderIdempotencyKey})
		return
	}
	req := new(rail.RefundRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil || req.ChargeKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid refund"})
		return
	}
	if !s.sleep(r, s.cfg.Latency) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if chargeKey, ok := s.refunds[key]; ok {
		writeJSON(w, http.StatusOK, s.refundReceipt(key, s.charges[chargeKey]))
		return
	}
	c, ok := s.charges[req.ChargeKey]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "charge not found"})
		return
	}
	if c.receipt.Status == rail.ChargeStatus_Declined {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "charge was declined"})
		return
	}
	if s.decide("refund", key) == Outcome_Fail {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rail unavailable"})
		return
	}
	if c.refundKey == "" {
		c.refundKey = key
		c.receipt.Status = rail.ChargeStatus_Refunded
		c.receipt.Refunded = true
	}
	s.refunds[key] = req.ChargeKey
	writeJSON(w, http.StatusOK, s.refundReceipt(key, c))
}

func (s *Server) refundReceipt(key string, c *charge) rail.Receipt {
	return rail.Receipt{
		Key:       key,
		Status:    rail.ChargeStatus_Refunded,
		Reference: "re_" + c.receipt.Reference,
		Amount:    c.receipt.Amount,
		Refunded:  true,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	receipt, ok := s.Lookup(chi.URLParam(r, "key"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "charge not found"})
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func statusOf(receipt rail.Receipt) int {
	if receipt.Status == rail.ChargeStatus_Declined {
		return http.StatusPaymentRequired
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
