// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/magnus5552/stack-exchange/internal/model"
	"github.com/magnus5552/stack-exchange/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db   *sql.DB
	echo bool
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations. With echo
// set, every query is logged at debug level.
func New(databaseURL string, echo bool) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db, echo: echo}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

func (s *PostgresStore) logQuery(query string) {
	if s.echo {
		slog.Debug("sql", "query", query)
	}
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database still accepts queries on the live pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *model.User) error {
	s.logQuery("insert user")
	return queryCreateUser(ctx, s.db, user)
}

func (s *PostgresStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	s.logQuery("select user by api key")
	return queryGetUserByAPIKey(ctx, s.db, apiKey)
}

func (s *PostgresStore) GetBalances(ctx context.Context, userID string) ([]*model.Balance, error) {
	s.logQuery("select balances")
	return queryGetBalances(ctx, s.db, userID)
}

func (s *PostgresStore) ApplyBalanceDelta(ctx context.Context, userID, ticker string, delta int64) error {
	s.logQuery("apply balance delta")
	return queryApplyBalanceDelta(ctx, s.db, userID, ticker, delta)
}

func (s *PostgresStore) RecordTaskOutcome(ctx context.Context, outcome *model.TaskOutcome) (bool, error) {
	s.logQuery("insert task outcome")
	return queryRecordTaskOutcome(ctx, s.db, outcome)
}

func (s *PostgresStore) GetTaskOutcome(ctx context.Context, taskID string) (*model.TaskOutcome, error) {
	s.logQuery("select task outcome")
	return queryGetTaskOutcome(ctx, s.db, taskID)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) CreateUser(ctx context.Context, user *model.User) error {
	return queryCreateUser(ctx, s.tx, user)
}

func (s *txStore) GetUserByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	return queryGetUserByAPIKey(ctx, s.tx, apiKey)
}

func (s *txStore) GetBalances(ctx context.Context, userID string) ([]*model.Balance, error) {
	return queryGetBalances(ctx, s.tx, userID)
}

func (s *txStore) ApplyBalanceDelta(ctx context.Context, userID, ticker string, delta int64) error {
	return queryApplyBalanceDelta(ctx, s.tx, userID, ticker, delta)
}

func (s *txStore) RecordTaskOutcome(ctx context.Context, outcome *model.TaskOutcome) (bool, error) {
	return queryRecordTaskOutcome(ctx, s.tx, outcome)
}

func (s *txStore) GetTaskOutcome(ctx context.Context, taskID string) (*model.TaskOutcome, error) {
	return queryGetTaskOutcome(ctx, s.tx, taskID)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Ping is answered by the parent store's pool; within a transaction the
// connection is live by definition.
func (s *txStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
