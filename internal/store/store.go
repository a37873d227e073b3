// Package store persists the engine's durable entities to SQLite via
// sqlx. Writes that touch more than one table go through a transaction;
// a SQLITE_BUSY lock error is retried with a short sleep for up to five
// minutes before it is surfaced as a fatal storage error.
package store

import (
	"context"
	"database/sql"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/golemfactory/erc20-payment-lib-sub001/internal/chainerr"
	"github.com/golemfactory/erc20-payment-lib-sub001/internal/model"
)

const (
	busyRetryLimit    = 300 * time.Second
	busyRetrySleep    = 100 * time.Millisecond
)

// Store wraps a SQLite connection pool and exposes typed operations over
// the payment engine's tables.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// runs its schema migration. The journal mode is taken from
// ERC20_LIB_SQLITE_JOURNAL_MODE, defaulting to WAL.
func Open(path string) (*Store, error) {
	journalMode := os.Getenv("ERC20_LIB_SQLITE_JOURNAL_MODE")
	if journalMode == "" {
		journalMode = "WAL"
	}
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode="+journalMode+"&_busy_timeout=5000")
	if err != nil {
		return nil, chainerr.Configuration("failed to open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; one conn avoids SQLITE_BUSY under our own load
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return chainerr.Storage("failed to apply schema migration", err, false)
	}
	return nil
}

// withTx runs fn inside a transaction, retrying SQLITE_BUSY for up to
// busyRetryLimit before giving up with a fatal storage error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	deadline := time.Now().Add(busyRetryLimit)
	for {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			if isBusy(err) && time.Now().Before(deadline) {
				time.Sleep(busyRetrySleep)
				continue
			}
			return chainerr.Storage("failed to begin transaction", err, false)
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isBusy(err) && time.Now().Before(deadline) {
				time.Sleep(busyRetrySleep)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isBusy(err) && time.Now().Before(deadline) {
				time.Sleep(busyRetrySleep)
				continue
			}
			return chainerr.Storage("failed to commit transaction", err, false)
		}
		return nil
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// wrapConstraint classifies a write failure: a uniqueness/foreign-key
// violation is fatal, anything else is marked transient. A busy error
// raised inside withTx is still retried there after being wrapped; a
// single-statement write outside withTx returns it to the caller.
func wrapConstraint(msg string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "FOREIGN KEY constraint") {
		return chainerr.Storage(msg, err, false)
	}
	return chainerr.Storage(msg, err, true)
}

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = sql.ErrNoRows

// TxStore is the persistence surface the pipeline depends on. It is
// defined as an interface so pipeline tests can substitute an in-memory
// fake without a SQLite dependency.
type TxStore interface {
	InsertTokenTransfer(ctx context.Context, t *model.TokenTransfer) (int64, error)
	GetTokenTransfer(ctx context.Context, id int64) (*model.TokenTransfer, error)
	InsertTx(ctx context.Context, t *model.Tx) (int64, error)
	UpdateTx(ctx context.Context, t *model.Tx) error
	GetTx(ctx context.Context, id int64) (*model.Tx, error)
	ActiveTxsForSender(ctx context.Context, fromAddr string, chainID int64) ([]*model.Tx, error)
	UnassignedTransfers(ctx context.Context, chainID int64, limit int) ([]*model.TokenTransfer, error)
	UnassignTransfers(ctx context.Context, txID int64) error
	MarkTransferError(ctx context.Context, id int64, reason string) error
	CreateBatchTx(ctx context.Context, t *model.Tx, transferIDs []int64) (int64, error)
	InsertChainTxWithTransfers(ctx context.Context, ct *model.ChainTx, transfers []*model.ChainTransfer, txID int64, feePaidTotal *big.Int, paidDate time.Time) (int64, error)
	UpsertAllowance(ctx context.Context, a *model.Allowance) (int64, error)
	GetAllowance(ctx context.Context, owner, token, spender string, chainID int64) (*model.Allowance, error)
	MaxAssignedNonce(ctx context.Context, fromAddr string, chainID int64) (*int64, error)
}

var _ TxStore = (*Store)(nil)
