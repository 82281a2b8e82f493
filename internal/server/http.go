package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/magnus5552/stack-exchange/internal/idgen"
	"github.com/magnus5552/stack-exchange/internal/model"
)

// cacheKeyBalances is the cache key for a user's balance snapshot.
func cacheKeyBalances(userID string) string {
	return "balance." + userID
}

// NewHTTPHandler returns an http.Handler with all routes registered.
// Admin routes require Authorization: Bearer <admin token>; when no admin
// token is configured they are disabled.
func (s *APIServer) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("POST /v1/public/register", s.handleRegister)
	mux.Handle("GET /v1/balance/{user_id}", s.userAuth(http.HandlerFunc(s.handleGetBalances)))
	mux.Handle("POST /v1/balance/{user_id}/deposit", s.userAuth(http.HandlerFunc(s.handleDeposit)))
	mux.Handle("POST /v1/balance/{user_id}/withdraw", s.userAuth(http.HandlerFunc(s.handleWithdraw)))
	mux.Handle("GET /v1/tasks/{id}", s.userAuth(http.HandlerFunc(s.handleGetTask)))
	mux.Handle("POST /v1/admin/users/{user_id}/balance", s.adminOnly(http.HandlerFunc(s.handleAdminAdjustBalance)))
	return mux
}

// userAuth resolves the caller from the api key in the Authorization header.
// When the route carries a {user_id} path segment, the caller must be that
// user or hold the admin role.
func (s *APIServer) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		user, err := s.store.GetUserByAPIKey(r.Context(), apiKey)
		if err != nil {
			s.logger.Error("api key lookup failed", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to authenticate")
			return
		}
		if user == nil {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		if uid := r.PathValue("user_id"); uid != "" && uid != user.ID && user.Role != model.RoleAdmin {
			writeError(w, http.StatusForbidden, "not your account")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return token, token != ""
}

// adminOnly checks the Authorization header against the configured admin
// token. An empty configured token disables the wrapped routes.
func (s *APIServer) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin API is disabled")
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth handles GET /v1/health.
func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRegister handles POST /v1/public/register.
func (s *APIServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id, err := idgen.NewUserID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate user id")
		return
	}
	apiKey, err := idgen.NewAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate api key")
		return
	}

	user := &model.User{
		ID:        id,
		Name:      req.Name,
		APIKey:    apiKey,
		Role:      model.RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.logger.Error("create user failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

// handleGetBalances handles GET /v1/balance/{user_id}. It serves from the
// broker cache when possible and falls back to the store; a cache outage
// degrades to store reads instead of failing the request.
func (s *APIServer) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	if cached, ok, err := s.cache.Get(r.Context(), cacheKeyBalances(userID)); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cached)
		return
	} else if err != nil {
		s.logger.Warn("cache read failed", "user_id", userID, "err", err)
	}

	balances, err := s.store.GetBalances(r.Context(), userID)
	if err != nil {
		s.logger.Error("get balances failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get balances")
		return
	}
	if balances == nil {
		balances = []*model.Balance{}
	}

	payload, err := json.Marshal(balances)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode balances")
		return
	}
	if err := s.cache.Set(r.Context(), cacheKeyBalances(userID), payload); err != nil {
		s.logger.Warn("cache write failed", "user_id", userID, "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type balanceChangeRequest struct {
	Ticker string `json:"ticker"`
	Amount int64  `json:"amount"`
}

// handleDeposit handles POST /v1/balance/{user_id}/deposit.
func (s *APIServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.enqueueBalanceChange(w, r, 1)
}

// handleWithdraw handles POST /v1/balance/{user_id}/withdraw.
func (s *APIServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.enqueueBalanceChange(w, r, -1)
}

// enqueueBalanceChange validates the request and hands the write to a worker
// through the broker queue. The task is enqueued before the response is
// written; if the broker is unreachable the caller gets a retryable 503,
// never a silent drop.
func (s *APIServer) enqueueBalanceChange(w http.ResponseWriter, r *http.Request, sign int64) {
	userID := r.PathValue("user_id")

	var req balanceChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	taskID, err := idgen.NewTaskID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate task id")
		return
	}
	task, err := model.NewBalanceUpdateTask(taskID, userID, req.Ticker, sign*req.Amount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build task")
		return
	}

	if err := s.queue.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("enqueue failed", "task_id", taskID, "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "task queue unavailable, retry later")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

// handleGetTask handles GET /v1/tasks/{id}: the outcome a worker persisted,
// or pending when none exists yet.
func (s *APIServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	outcome, err := s.store.GetTaskOutcome(r.Context(), taskID)
	if err != nil {
		s.logger.Error("get task outcome failed", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get task outcome")
		return
	}
	if outcome == nil {
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "pending"})
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// handleAdminAdjustBalance handles POST /v1/admin/users/{user_id}/balance:
// a direct, synchronous balance adjustment bypassing the queue.
func (s *APIServer) handleAdminAdjustBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	var req struct {
		Ticker string `json:"ticker"`
		Delta  int64  `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	if err := s.store.ApplyBalanceDelta(r.Context(), userID, req.Ticker, req.Delta); err != nil {
		s.logger.Error("admin balance adjustment failed", "user_id", userID, "err", err)
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("adjustment rejected: %v", err))
		return
	}
	if err := s.cache.Delete(r.Context(), cacheKeyBalances(userID)); err != nil {
		s.logger.Warn("cache invalidation failed", "user_id", userID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
