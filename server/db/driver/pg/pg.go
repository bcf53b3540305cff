// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"decred.org/dcrcustody/custody"
	"decred.org/dcrcustody/server/db"
)

var log = custody.Disabled

// Driver implements db.Driver.
type Driver struct{}

// Open creates the Ledger for a *Config.
func (d *Driver) Open(ctx context.Context, cfg any) (db.Store, error) {
	switch c := cfg.(type) {
	case *Config:
		return NewLedger(ctx, c)
	case Config:
		return NewLedger(ctx, &c)
	default:
		return nil, fmt.Errorf("invalid config type %T", cfg)
	}
}

// UseLogger sets the package-wide logger.
func (*Driver) UseLogger(logger custody.Logger) {
	log = logger
}

func init() {
	db.Register("pg", &Driver{})
}

const (
	defaultQueryTimeout = 2 * time.Minute
)

// Config holds the Ledger's configuration.
type Config struct {
	Host, Port, User, Pass, DBName string
	HidePGConfig                   bool
	QueryTimeout                   time.Duration
}

// Ledger is a db.Store backed by PostgreSQL. Row locks are taken with SELECT
// ... FOR UPDATE inside the transaction of a call to Update.
type Ledger struct {
	queryTimeout time.Duration
	db           *sql.DB
	dbName       string
}

var _ db.Store = (*Ledger)(nil)

// NewLedger constructs a new Ledger. Use Close when done with the Ledger.
func NewLedger(ctx context.Context, cfg *Config) (*Ledger, error) {
	// Connect to the PostgreSQL daemon.
	sqlDB, err := connect(cfg.Host, cfg.Port, cfg.User, cfg.Pass, cfg.DBName)
	if err != nil {
		return nil, err
	}

	// Put the PostgreSQL time zone in UTC.
	var initTZ string
	initTZ, err = checkCurrentTimeZone(sqlDB)
	if err != nil {
		return nil, err
	}
	if initTZ != "UTC" {
		log.Infof("Switching PostgreSQL time zone to UTC for this session.")
		if _, err = sqlDB.ExecContext(ctx, `SET TIME ZONE UTC`); err != nil {
			return nil, fmt.Errorf("Failed to set time zone to UTC: %v", err)
		}
	}

	// Display the postgres version.
	pgVersion, err := retrievePGVersion(sqlDB)
	if err != nil {
		return nil, err
	}
	log.Info(pgVersion)

	queryTimeout := cfg.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}

	ledger := &Ledger{
		db:           sqlDB,
		dbName:       cfg.DBName,
		queryTimeout: queryTimeout,
	}

	if err = ledger.checkSettings(cfg.HidePGConfig); err != nil {
		return nil, err
	}

	// Ensure all tables required by the ledger are ready.
	if err = PrepareTables(sqlDB); err != nil {
		return nil, err
	}

	return ledger, nil
}

// Close closes the underlying DB connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Update runs f in a database transaction.
func (l *Ledger) Update(ctx context.Context, f func(db.Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, l.queryTimeout)
	defer cancel()

	dbTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil || errors.Is(err, sql.ErrTxDone) {
			return
		}
		if errR := dbTx.Rollback(); errR != nil {
			log.Errorf("Rollback failed: %v", errR)
		}
	}()

	if err = f(newTx(ctx, dbTx)); err != nil {
		return err
	}
	return dbTx.Commit()
}
