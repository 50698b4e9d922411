// Package httpserver exposes the marketplace ledger over JSON HTTP.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/gridmarket/internal/app/settlement"
	"github.com/coachpo/gridmarket/internal/domain/errs"
	"github.com/coachpo/gridmarket/internal/domain/market"
	"github.com/coachpo/gridmarket/internal/infra/bus/eventbus"
	"github.com/coachpo/gridmarket/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	// PrincipalHeader carries the caller identity set by the upstream identity layer.
	PrincipalHeader = "X-Principal"
	// RequestIDHeader echoes or assigns a request identifier.
	RequestIDHeader = "X-Request-ID"

	codeUnauthenticated = "unauthenticated"
	codeThrottled       = "throttled"
	codeInternal        = "internal"
)

// Ledger is the engine surface served over HTTP.
type Ledger interface {
	CreateEnergyBus(ctx context.Context, caller market.Principal, name string, owners []market.Principal, capacity uint64, basePrice decimal.Decimal) (market.BusID, error)
	AddBusOwner(ctx context.Context, caller market.Principal, busID market.BusID, principal market.Principal) error
	DeactivateBus(ctx context.Context, caller market.Principal, busID market.BusID) error
	CreateOffer(ctx context.Context, caller market.Principal, busID market.BusID, amount uint64, pricePerUnit decimal.Decimal) (market.OfferID, error)
	CancelOffer(ctx context.Context, caller market.Principal, offerID market.OfferID) error
	ReserveOffer(ctx context.Context, caller market.Principal, offerID market.OfferID) (time.Time, error)
	PurchaseEnergy(ctx context.Context, caller market.Principal, offerID market.OfferID, amount, nonce uint64, payment decimal.Decimal) (market.PurchaseID, error)
	BatchPurchaseEnergy(ctx context.Context, caller market.Principal, offerIDs []market.OfferID, amounts []uint64, nonce uint64, payment decimal.Decimal) ([]market.PurchaseID, error)
	ConfirmEnergyTransfer(ctx context.Context, caller market.Principal, purchaseID market.PurchaseID) error

	Sequence() uint64
	BusCount() uint64
	BusDetails(id market.BusID) (market.Bus, error)
	Buses() []market.Bus
	OfferDetails(id market.OfferID) (market.Offer, error)
	PurchaseDetails(id market.PurchaseID) (market.Purchase, error)
	BusActiveOffers(busID market.BusID) []market.OfferID
	ActiveOffers() []market.Offer
	UserBuses(p market.Principal) []market.BusID
	UserBusOffers(p market.Principal, busID market.BusID) []market.OfferID
	UserBusPurchases(p market.Principal, busID market.BusID) []market.PurchaseID
	UserNonce(p market.Principal) uint64
	UserEnergyBalance(p market.Principal) uint64
	Portfolio(p market.Principal) market.Portfolio
}

// Accounts reports the settled fund totals of a principal.
type Accounts interface {
	Account(p market.Principal) settlement.Account
}

// Option configures the handler.
type Option func(*httpServer)

// WithEventBus enables the /events websocket stream.
func WithEventBus(bus eventbus.Bus) Option {
	return func(s *httpServer) { s.events = bus }
}

// WithThrottle bounds mutation submissions per principal.
func WithThrottle(t *Throttle) Option {
	return func(s *httpServer) { s.throttle = t }
}

// WithLogger overrides the global logger.
func WithLogger(l observability.Logger) Option {
	return func(s *httpServer) { s.logger = l }
}

// WithAccounts enables GET /users/{principal}/settlement.
func WithAccounts(a Accounts) Option {
	return func(s *httpServer) { s.accounts = a }
}

type httpServer struct {
	ledger   Ledger
	events   eventbus.Bus
	accounts Accounts
	throttle *Throttle
	logger   observability.Logger
	metrics  serverMetrics
}

// NewHandler creates the HTTP handler serving the ledger.
func NewHandler(ledger Ledger, opts ...Option) http.Handler {
	server := &httpServer{ledger: ledger}
	for _, opt := range opts {
		if opt != nil {
			opt(server)
		}
	}
	server.metrics = newServerMetrics()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", server.health)

	mux.HandleFunc("POST /buses", server.mutation(server.createBus))
	mux.HandleFunc("GET /buses", server.listBuses)
	mux.HandleFunc("GET /buses/{id}", server.getBus)
	mux.HandleFunc("POST /buses/{id}/owners", server.mutation(server.addOwner))
	mux.HandleFunc("POST /buses/{id}/deactivate", server.mutation(server.deactivateBus))
	mux.HandleFunc("GET /buses/{id}/offers", server.busOffers)

	mux.HandleFunc("POST /offers", server.mutation(server.createOffer))
	mux.HandleFunc("GET /offers", server.listOffers)
	mux.HandleFunc("GET /offers/{id}", server.getOffer)
	mux.HandleFunc("POST /offers/{id}/reserve", server.mutation(server.reserveOffer))
	mux.HandleFunc("POST /offers/{id}/cancel", server.mutation(server.cancelOffer))

	mux.HandleFunc("POST /purchases", server.mutation(server.purchase))
	mux.HandleFunc("POST /purchases/batch", server.mutation(server.batchPurchase))
	mux.HandleFunc("GET /purchases/{id}", server.getPurchase)
	mux.HandleFunc("POST /purchases/{id}/confirm", server.mutation(server.confirm))

	mux.HandleFunc("GET /users/{principal}/nonce", server.userNonce)
	mux.HandleFunc("GET /users/{principal}/balance", server.userBalance)
	mux.HandleFunc("GET /users/{principal}/buses", server.userBuses)
	mux.HandleFunc("GET /users/{principal}/portfolio", server.userPortfolio)
	mux.HandleFunc("GET /users/{principal}/buses/{busId}/offers", server.userBusOffers)
	mux.HandleFunc("GET /users/{principal}/buses/{busId}/purchases", server.userBusPurchases)

	if server.accounts != nil {
		mux.HandleFunc("GET /users/{principal}/settlement", server.userSettlement)
	}
	if server.events != nil {
		mux.HandleFunc("GET /events", server.streamEvents)
	}

	return server.instrument(withRequestID(withCORS(mux)))
}

func (s *httpServer) log() observability.Logger {
	if s.logger != nil {
		return s.logger
	}
	return observability.Log()
}

type mutationFunc func(w http.ResponseWriter, r *http.Request, caller market.Principal)

// mutation authenticates and throttles the caller before running fn.
func (s *httpServer) mutation(fn mutationFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := market.Principal(r.Header.Get(PrincipalHeader)).Normalize()
		if caller == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, PrincipalHeader+" header required")
			return
		}
		if !s.throttle.Allow(caller) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, codeThrottled, "submission rate exceeded")
			return
		}
		fn(w, r, caller)
	}
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sequence": s.ledger.Sequence()})
}

type createBusRequest struct {
	Name      string             `json:"name"`
	Owners    []market.Principal `json:"owners"`
	Capacity  uint64             `json:"capacity"`
	BasePrice decimal.Decimal    `json:"basePrice"`
}

func (s *httpServer) createBus(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	var req createBusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.ledger.CreateEnergyBus(r.Context(), caller, req.Name, req.Owners, req.Capacity, req.BasePrice)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"busId": id})
}

func (s *httpServer) listBuses(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"count": s.ledger.BusCount(),
		"buses": nonNil(s.ledger.Buses()),
	})
}

func (s *httpServer) getBus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	bus, err := s.ledger.BusDetails(market.BusID(id))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bus)
}

type ownerRequest struct {
	Principal market.Principal `json:"principal"`
}

func (s *httpServer) addOwner(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ownerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.ledger.AddBusOwner(r.Context(), caller, market.BusID(id), req.Principal); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) deactivateBus(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeactivateBus(r.Context(), caller, market.BusID(id)); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) busOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offerIds": nonNil(s.ledger.BusActiveOffers(market.BusID(id)))})
}

type createOfferRequest struct {
	BusID        market.BusID    `json:"busId"`
	Amount       uint64          `json:"amount"`
	PricePerUnit decimal.Decimal `json:"pricePerUnit"`
}

func (s *httpServer) createOffer(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	var req createOfferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.ledger.CreateOffer(r.Context(), caller, req.BusID, req.Amount, req.PricePerUnit)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"offerId": id})
}

func (s *httpServer) listOffers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"offers": nonNil(s.ledger.ActiveOffers())})
}

func (s *httpServer) getOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	offer, err := s.ledger.OfferDetails(market.OfferID(id))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *httpServer) reserveOffer(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	expiry, err := s.ledger.ReserveOffer(r.Context(), caller, market.OfferID(id))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offerId": id, "lockHolder": caller, "lockExpiry": expiry})
}

func (s *httpServer) cancelOffer(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.CancelOffer(r.Context(), caller, market.OfferID(id)); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type purchaseRequest struct {
	OfferID market.OfferID  `json:"offerId"`
	Amount  uint64          `json:"amount"`
	Nonce   uint64          `json:"nonce"`
	Payment decimal.Decimal `json:"payment"`
}

func (s *httpServer) purchase(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	var req purchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.ledger.PurchaseEnergy(r.Context(), caller, req.OfferID, req.Amount, req.Nonce, req.Payment)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchaseId": id})
}

type batchPurchaseRequest struct {
	OfferIDs []market.OfferID `json:"offerIds"`
	Amounts  []uint64         `json:"amounts"`
	Nonce    uint64           `json:"nonce"`
	Payment  decimal.Decimal  `json:"payment"`
}

func (s *httpServer) batchPurchase(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	var req batchPurchaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ids, err := s.ledger.BatchPurchaseEnergy(r.Context(), caller, req.OfferIDs, req.Amounts, req.Nonce, req.Payment)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"purchaseIds": ids})
}

func (s *httpServer) getPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	purchase, err := s.ledger.PurchaseDetails(market.PurchaseID(id))
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

func (s *httpServer) confirm(w http.ResponseWriter, r *http.Request, caller market.Principal) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.ConfirmEnergyTransfer(r.Context(), caller, market.PurchaseID(id)); err != nil {
		s.writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathPrincipal(r *http.Request) market.Principal {
	return market.Principal(r.PathValue("principal")).Normalize()
}

func (s *httpServer) userNonce(w http.ResponseWriter, r *http.Request) {
	p := pathPrincipal(r)
	writeJSON(w, http.StatusOK, map[string]any{"principal": p, "nonce": s.ledger.UserNonce(p)})
}

func (s *httpServer) userBalance(w http.ResponseWriter, r *http.Request) {
	p := pathPrincipal(r)
	writeJSON(w, http.StatusOK, map[string]any{"principal": p, "energyBalance": s.ledger.UserEnergyBalance(p)})
}

func (s *httpServer) userBuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"busIds": nonNil(s.ledger.UserBuses(pathPrincipal(r)))})
}

func (s *httpServer) userPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ledger.Portfolio(pathPrincipal(r)))
}

type settlementView struct {
	settlement.Account
	Net decimal.Decimal `json:"net"`
}

func (s *httpServer) userSettlement(w http.ResponseWriter, r *http.Request) {
	acct := s.accounts.Account(pathPrincipal(r))
	writeJSON(w, http.StatusOK, settlementView{Account: acct, Net: acct.Net()})
}

func (s *httpServer) userBusOffers(w http.ResponseWriter, r *http.Request) {
	busID, ok := pathID(w, r, "busId")
	if !ok {
		return
	}
	ids := s.ledger.UserBusOffers(pathPrincipal(r), market.BusID(busID))
	writeJSON(w, http.StatusOK, map[string]any{"offerIds": nonNil(ids)})
}

func (s *httpServer) userBusPurchases(w http.ResponseWriter, r *http.Request) {
	busID, ok := pathID(w, r, "busId")
	if !ok {
		return
	}
	ids := s.ledger.UserBusPurchases(pathPrincipal(r), market.BusID(busID))
	writeJSON(w, http.StatusOK, map[string]any{"purchaseIds": nonNil(ids)})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	raw := strings.TrimSpace(r.PathValue(name))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, string(errs.CodeValidation), "invalid "+name+" "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		if isRequestTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, string(errs.CodeValidation), "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, string(errs.CodeValidation), "read request body: "+err.Error())
		return false
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(errs.CodeValidation), "invalid request body: "+err.Error())
		return false
	}
	return true
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

// statusFor maps ledger error codes onto HTTP statuses.
func statusFor(code errs.Code) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeAuthorization:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeCapacity, errs.CodeLock, errs.CodeReplay:
		return http.StatusConflict
	case errs.CodePayment:
		return http.StatusPaymentRequired
	case errs.CodeSettlement:
		return http.StatusBadGateway
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *httpServer) writeLedgerError(w http.ResponseWriter, err error) {
	var coded *errs.E
	if errors.As(err, &coded) {
		message := coded.Message
		if message == "" {
			message = string(coded.Code)
		}
		writeError(w, statusFor(coded.Code), string(coded.Code), message)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, string(errs.CodeUnavailable), err.Error())
		return
	}
	s.log().Error("http: unexpected ledger error", observability.F("error", err))
	writeError(w, http.StatusInternalServerError, codeInternal, "internal error")
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func withRequestID(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		handler.ServeHTTP(w, r)
	})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+PrincipalHeader+", "+RequestIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
