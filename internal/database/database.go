package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DBManager serialises writes to a single sqlite3 connection. The tail
// positions of all tailers go through one manager.
type DBManager struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewDBManager opens (or creates) the sqlite3 database at dbPath in WAL mode.
func NewDBManager(dbPath string) (*DBManager, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite3 database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not reach sqlite3 database %s: %w", dbPath, err)
	}

	logrus.WithField("file", dbPath).Debug("Opened sqlite3 database")

	return &DBManager{
		db:   db,
		path: dbPath,
	}, nil
}

func (dm *DBManager) ExecuteWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return dm.db.ExecContext(ctx, query, args...)
}

// ExecuteWriteTx runs fn inside one transaction, rolling back if it fails.
func (dm *DBManager) ExecuteWriteTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	tx, err := dm.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithError(rbErr).WithField("file", dm.path).Warn("could not roll back transaction")
		}
		return err
	}

	return tx.Commit()
}

func (dm *DBManager) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return dm.db.QueryRowContext(ctx, query, args...)
}

func (dm *DBManager) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return dm.db.QueryContext(ctx, query, args...)
}

func (dm *DBManager) Close() error {
	return dm.db.Close()
}
