package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Postgres error classes for rejected authentication. Both still map to
// Ready=false; the distinction only shows up in the diagnostic detail.
const (
	pqInvalidAuthorization = "28000"
	pqInvalidPassword      = "28P01"
)

// StoreProbe checks that the relational store accepts authenticated sessions.
// Each check opens a fresh connection and issues the driver-level ping
// round-trip, so a stale pool cannot report a dead database as ready.
type StoreProbe struct {
	databaseURL string
	timeout     time.Duration
}

// NewStoreProbe builds a probe for the store at databaseURL. A zero timeout
// defaults to 2s per attempt.
func NewStoreProbe(databaseURL string, timeout time.Duration) *StoreProbe {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &StoreProbe{databaseURL: databaseURL, timeout: timeout}
}

func (p *StoreProbe) Check(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	db, err := sql.Open("postgres", p.databaseURL)
	if err != nil {
		return notReady(fmt.Sprintf("open: %v", err))
	}
	defer db.Close()

	// One connection, no pooling: this is a probe, not a client.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && (pqErr.Code == pqInvalidPassword || pqErr.Code == pqInvalidAuthorization) {
			return notReady(fmt.Sprintf("authentication rejected: %v", err))
		}
		return notReady(fmt.Sprintf("ping: %v", err))
	}

	return ready("accepting authenticated sessions")
}
