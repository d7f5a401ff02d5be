package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"prediction-exchange/internal/bus"
	"prediction-exchange/internal/config"
	"prediction-exchange/internal/gateway"
	"prediction-exchange/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	cfg    *config.Config
	gw     *gateway.Gateway
	bus    *bus.Bus
	logger *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(cfg *config.Config, gw *gateway.Gateway, evbus *bus.Bus, logger *slog.Logger) *Handlers {
	return &Handlers{
		cfg:    cfg,
		gw:     gw,
		bus:    evbus,
		logger: logger.With("component", "api-handlers"),
	}
}

// errorBody is the JSON error shape: a stable code, a message, and an
// optional remediation hint.
type errorBody struct {
	Error types.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpStatus maps stable error codes onto HTTP status classes.
func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.CodeValidation, types.CodePriceOutOfRange, types.CodeQuantityOutOfRange:
		return http.StatusBadRequest
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeNotOwner:
		return http.StatusForbidden
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeInternal:
		return http.StatusInternalServerError
	default:
		// Business rejections: the request was well formed but the
		// current state refuses it.
		return http.StatusConflict
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var te *types.Error
	code := types.CodeOf(err)
	if e, ok := err.(*types.Error); ok {
		te = e
	} else {
		// Never leak internal detail to clients.
		h.logger.Error("internal error", "error", err)
		te = types.E(code, "internal error")
	}
	writeJSON(w, httpStatus(code), errorBody{Error: *te})
}

// userID extracts the caller identity. Empty means unauthenticated.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error: *types.E(types.CodeValidation, "X-User-ID header is required"),
		})
		return "", false
	}
	return id, true
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.Ef(types.CodeValidation, "malformed request body: %v", err)
	}
	return nil
}

// slugForMarketID resolves a market ID (as used in topics) back to its slug.
func (h *Handlers) slugForMarketID(id string) (string, bool) {
	ms, err := h.gw.Markets()
	if err != nil {
		return "", false
	}
	for _, m := range ms {
		if m.ID == id {
			return m.Slug, true
		}
	}
	return "", false
}

// HandleHealth returns a liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string     `json:"name"`
		Role types.Role `json:"role,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	// Only an existing admin may mint another admin.
	if req.Role == types.RoleAdmin {
		actor := userID(r)
		if actor == "" {
			h.writeError(w, types.E(types.CodeNotOwner, "creating an ADMIN requires an ADMIN caller"))
			return
		}
		if err := h.gw.RequireAdmin(actor); err != nil {
			h.writeError(w, err)
			return
		}
	}
	u, err := h.gw.CreateUser(req.Name, req.Role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handlers) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	bal, err := h.gw.Deposit(uid, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handlers) HandleBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	bal, err := h.gw.Balance(uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	positions, err := h.gw.Positions(uid)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handlers) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	ms, err := h.gw.Markets()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handlers) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Slug     string `json:"slug"`
		Question string `json:"question"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.gw.CreateMarket(r.Context(), uid, req.Slug, req.Question)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.gw.Market(r.PathValue("slug"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) HandleCloseMarket(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	m, err := h.gw.CloseMarket(r.Context(), uid, r.PathValue("slug"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) HandleResolveMarket(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	res, err := h.gw.ResolveMarket(r.Context(), uid, r.PathValue("slug"), req.Outcome)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleCancelMarket(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.gw.CancelMarket(r.Context(), uid, r.PathValue("slug"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleOrderBook(w http.ResponseWriter, r *http.Request) {
	outcome := r.URL.Query().Get("outcome")
	if outcome == "" {
		outcome = string(types.YES)
	}
	snap, err := h.gw.OrderBook(r.Context(), r.PathValue("slug"), outcome)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trades, err := h.gw.Trades(r.PathValue("slug"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req gateway.PlaceOrderRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if k := r.Header.Get("X-Idempotency-Key"); k != "" {
		req.IdempotencyKey = k
	}
	res, replayed, err := h.gw.PlaceOrder(r.Context(), uid, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if replayed {
		w.Header().Set("X-Idempotent-Replay", "true")
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	detail, err := h.gw.Order(uid, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	res, err := h.gw.CancelOrder(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
