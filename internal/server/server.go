// Package server implements the externally reachable HTTP API. The listener
// is bound by the caller only after the dependency gate is satisfied, so a
// client can never reach a handler whose dependencies were not verified.
package server

import (
	"log/slog"

	"github.com/magnus5552/stack-exchange/internal/broker"
	"github.com/magnus5552/stack-exchange/internal/store"
)

// APIServer holds the API's collaborators: the relational store, the broker
// queue for asynchronous writes, and the broker cache for balance reads.
type APIServer struct {
	store      store.Store
	queue      broker.Queue
	cache      broker.Cache
	adminToken string
	logger     *slog.Logger
}

// NewAPIServer returns a new APIServer. An empty adminToken disables the
// admin routes entirely.
func NewAPIServer(s store.Store, q broker.Queue, c broker.Cache, adminToken string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{
		store:      s,
		queue:      q,
		cache:      c,
		adminToken: adminToken,
		logger:     logger,
	}
}
