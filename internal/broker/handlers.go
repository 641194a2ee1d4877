package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// The HTTP boundary parses every parameter into a typed value before it
// reaches the engine: symbols are upper-cased strings, quantities int64,
// amounts decimals, flags bools. The engine never sees raw request text.

// symbolRe matches an upper-cased ticker symbol after normalization.
var symbolRe = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

// tradeRequest is the JSON body for the four trade endpoints.
type tradeRequest struct {
	UserID   string `json:"user_id"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// moneyRequest is the JSON body for deposits and withdrawals.
type moneyRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// registerRequest is the JSON body for user registration.
type registerRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// watchRequest is the JSON body for setting a watch.
type watchRequest struct {
	Symbol string `json:"symbol"`
}

// RegisterRoutes mounts all broker endpoints on r under /api/v1.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if s.wsHub != nil {
			r.Get("/ws", s.wsHub.HandleWS)
		}

		r.Get("/quotes", s.handleQuotes)

		r.Post("/users", s.handleRegister)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{userID}", s.handleGetUser)
		r.Post("/users/{userID}/deposit", s.handleDeposit)
		r.Post("/users/{userID}/withdraw", s.handleWithdraw)
		r.Post("/users/{userID}/watches", s.handleSetWatch)
		r.Delete("/users/{userID}/watches/{symbol}", s.handleRemoveWatch)

		r.Post("/long/buy", s.handleTrade(s.BuyLong))
		r.Post("/long/sell", s.handleTrade(s.SellLong))
		r.Post("/short/sell", s.handleTrade(s.SellShort))
		r.Post("/short/buy", s.handleTrade(s.BuyShort))

		r.Get("/test-mode", s.handleTestMode)
		r.Post("/test-mode", s.handleToggleTestMode)
	})
}

// --- Trades ---

// tradeFunc is the shared shape of the four trade operations.
type tradeFunc func(ctx context.Context, symbol string, qty int64, userID, apiKey string) (*TradeResult, error)

func (s *Service) handleTrade(op tradeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeFailure(w, errValidation("invalid request body: %v", err))
			return
		}
		symbol := strings.ToUpper(req.Symbol)
		if !symbolRe.MatchString(symbol) {
			writeFailure(w, errValidation("invalid symbol: %q", req.Symbol))
			return
		}
		result, err := op(r.Context(), symbol, req.Quantity, req.UserID, apiKeyOf(r))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// --- Money ---

func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req moneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errValidation("amount must be a decimal: %v", err))
		return
	}
	result, err := s.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reason, apiKeyOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req moneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errValidation("amount must be a decimal: %v", err))
		return
	}
	result, err := s.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reason, apiKeyOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Users ---

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errValidation("invalid request body: %v", err))
		return
	}
	if req.UserID == "" {
		writeFailure(w, errValidation("user_id is required"))
		return
	}
	result, err := s.RegisterUser(r.Context(), req.UserID, req.DisplayName, apiKeyOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	shallow, historical, verr := projectionFlags(r)
	if verr != nil {
		writeFailure(w, verr)
		return
	}
	result, err := s.GetUserInfo(r.Context(), chi.URLParam(r, "userID"), shallow, historical)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	shallow, historical, verr := projectionFlags(r)
	if verr != nil {
		writeFailure(w, verr)
		return
	}
	result, err := s.ListUsers(r.Context(), shallow, historical)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Watches ---

func (s *Service) handleSetWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, errValidation("invalid request body: %v", err))
		return
	}
	symbol := strings.ToUpper(req.Symbol)
	if !symbolRe.MatchString(symbol) {
		writeFailure(w, errValidation("invalid symbol: %q", req.Symbol))
		return
	}
	result, err := s.SetWatch(r.Context(), chi.URLParam(r, "userID"), symbol, apiKeyOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	if !symbolRe.MatchString(symbol) {
		writeFailure(w, errValidation("invalid symbol: %q", symbol))
		return
	}
	result, err := s.RemoveWatch(r.Context(), chi.URLParam(r, "userID"), symbol, apiKeyOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Quotes and mode ---

func (s *Service) handleQuotes(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		writeFailure(w, errValidation("missing required parameter: symbols"))
		return
	}
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		symbol := strings.ToUpper(part)
		if !symbolRe.MatchString(symbol) {
			writeFailure(w, errValidation("invalid symbol: %q", part))
			return
		}
		symbols = append(symbols, symbol)
	}
	result, err := s.StockInfo(r.Context(), symbols)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) handleTestMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.TestMode())
}

func (s *Service) handleToggleTestMode(w http.ResponseWriter, r *http.Request) {
	result, err := s.ToggleTestMode(r.Context(), apiKeyOf(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Response helpers ---

func apiKeyOf(r *http.Request) string {
	return r.Header.Get("X-API-Key")
}

// projectionFlags parses the shallow/historical query flags, defaulting
// both to false.
func projectionFlags(r *http.Request) (shallow, historical bool, verr *Error) {
	var err error
	if raw := r.URL.Query().Get("shallow"); raw != "" {
		if shallow, err = strconv.ParseBool(raw); err != nil {
			return false, false, errValidation("shallow must be true or false")
		}
	}
	if raw := r.URL.Query().Get("historical"); raw != "" {
		if historical, err = strconv.ParseBool(raw); err != nil {
			return false, false, errValidation("historical must be true or false")
		}
	}
	return shallow, historical, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeFailure renders the error envelope: status, message, and any
// extra context merged in at the top level.
func writeFailure(w http.ResponseWriter, err error) {
	envelope := map[string]any{
		"status":  "error",
		"message": "internal error",
	}
	code := http.StatusInternalServerError

	var opErr *Error
	if errors.As(err, &opErr) {
		envelope["message"] = opErr.Message
		for k, v := range opErr.Extra {
			envelope[k] = v
		}
		switch opErr.Kind {
		case KindValidation:
			code = http.StatusBadRequest
		case KindRejected:
			code = http.StatusConflict
		case KindAuth:
			code = http.StatusUnauthorized
		case KindNotFound:
			code = http.StatusNotFound
		case KindUpstream:
			code = http.StatusBadGateway
			// Upstream failures are the only kind that is a server
			// error rather than a caller mistake.
			slog.Error("upstream failure", "message", opErr.Message, "err", opErr.Unwrap())
		}
	} else {
		slog.Error("unclassified failure", "err", err)
	}

	writeJSON(w, code, envelope)
}
