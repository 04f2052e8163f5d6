package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/MuchTitan/go-log-tailer/internal/database"
	"github.com/MuchTitan/go-log-tailer/internal/tailer"
)

// ErrMalformedState marks a stored row that could only be partly decoded.
var ErrMalformedState = errors.New("malformed stored file state")

// Repository stores the read position of every (server, path) pair.
type Repository interface {
	CreateTables(ctx context.Context) error
	GetFileState(ctx context.Context, serverID, path string) (*tailer.FileReadState, error)
	ListFileStates(ctx context.Context) ([]tailer.FileReadState, error)
	BatchUpsertFileStates(ctx context.Context, states []tailer.FileReadState) error
	DeleteFileState(ctx context.Context, serverID, path string) error
	CleanupOldEntries(ctx context.Context, thresholdDays int) (int64, error)
	Close() error
}

type SQLiteRepository struct {
	db *database.DBManager
}

func NewSQLiteRepository(dbFile string) (*SQLiteRepository, error) {
	dbManager, err := database.NewDBManager(dbFile)
	if err != nil {
		return nil, err
	}
	return &SQLiteRepository{db: dbManager}, nil
}

func (r *SQLiteRepository) CreateTables(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS file_read_states (
        server_id TEXT NOT NULL,
        path TEXT NOT NULL,
        absolute_path TEXT NOT NULL,
        byte_offset INTEGER NOT NULL,
        line_number INTEGER NOT NULL,
        file_identity TEXT NOT NULL DEFAULT '',
        file_size INTEGER NOT NULL,
        last_read_at TIMESTAMP NULL,
        is_active INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        PRIMARY KEY (server_id, path)
    )`
	if _, err := r.db.ExecuteWrite(ctx, query); err != nil {
		return fmt.Errorf("could not create db table file_read_states: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) BatchUpsertFileStates(ctx context.Context, states []tailer.FileReadState) error {
	return r.db.ExecuteWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO file_read_states
            (server_id, path, absolute_path, byte_offset, line_number, file_identity, file_size, last_read_at, is_active, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
            ON CONFLICT (server_id, path) DO UPDATE SET
                absolute_path = excluded.absolute_path,
                byte_offset = excluded.byte_offset,
                line_number = excluded.line_number,
                file_identity = excluded.file_identity,
                file_size = excluded.file_size,
                last_read_at = excluded.last_read_at,
                is_active = excluded.is_active,
                updated_at = excluded.updated_at
        `)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, state := range states {
			var lastReadAt sql.NullTime
			if !state.LastReadAt.IsZero() {
				lastReadAt = sql.NullTime{Time: state.LastReadAt.UTC(), Valid: true}
			}
			_, err := stmt.ExecContext(ctx,
				state.ServerID,
				state.FilePath,
				state.AbsolutePath,
				int64(state.ByteOffset),
				state.LineNumber,
				state.FileIdentity.String(),
				int64(state.FileSize),
				lastReadAt,
				state.IsActive,
				now,
			)
			if err != nil {
				return fmt.Errorf("could not store state of %s:%s: %w", state.ServerID, state.FilePath, err)
			}
		}
		return nil
	})
}

const selectStates = `SELECT server_id, path, absolute_path, byte_offset, line_number, file_identity, file_size, last_read_at, is_active
              FROM file_read_states`

// GetFileState returns nil without error when nothing is stored. A row with
// an undecodable identity is returned with the identity left unknown and an
// error wrapping ErrMalformedState.
func (r *SQLiteRepository) GetFileState(ctx context.Context, serverID, path string) (*tailer.FileReadState, error) {
	row := r.db.QueryRow(ctx, selectStates+" WHERE server_id = $1 AND path = $2", serverID, path)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return state, err
}

// ListFileStates returns every stored state. Rows with an undecodable
// identity are included with the identity left unknown; rows with a negative
// position are skipped.
func (r *SQLiteRepository) ListFileStates(ctx context.Context) ([]tailer.FileReadState, error) {
	rows, err := r.db.Query(ctx, selectStates+" ORDER BY server_id, path")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []tailer.FileReadState
	for rows.Next() {
		state, err := scanState(rows)
		if state == nil {
			if errors.Is(err, ErrMalformedState) {
				continue
			}
			return nil, err
		}
		states = append(states, *state)
	}
	return states, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*tailer.FileReadState, error) {
	var (
		state      tailer.FileReadState
		byteOffset int64
		fileSize   int64
		identity   string
		lastReadAt sql.NullTime
	)
	err := row.Scan(
		&state.ServerID,
		&state.FilePath,
		&state.AbsolutePath,
		&byteOffset,
		&state.LineNumber,
		&identity,
		&fileSize,
		&lastReadAt,
		&state.IsActive,
	)
	if err != nil {
		return nil, err
	}

	if byteOffset < 0 || fileSize < 0 || state.LineNumber < 0 {
		return nil, fmt.Errorf("%w: negative position for %s:%s", ErrMalformedState, state.ServerID, state.FilePath)
	}
	state.ByteOffset = uint64(byteOffset)
	state.FileSize = uint64(fileSize)
	if lastReadAt.Valid {
		state.LastReadAt = lastReadAt.Time
	}

	state.FileIdentity, err = tailer.ParseFileIdentity(identity)
	if err != nil {
		return &state, fmt.Errorf("%w: %w", ErrMalformedState, err)
	}
	return &state, nil
}

func (r *SQLiteRepository) DeleteFileState(ctx context.Context, serverID, path string) error {
	query := "DELETE FROM file_read_states WHERE server_id = $1 AND path = $2"
	_, err := r.db.ExecuteWrite(ctx, query, serverID, path)
	return err
}

// CleanupOldEntries removes inactive rows not touched for thresholdDays.
func (r *SQLiteRepository) CleanupOldEntries(ctx context.Context, thresholdDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -thresholdDays)
	query := "DELETE FROM file_read_states WHERE is_active = 0 AND updated_at < $1"

	res, err := r.db.ExecuteWrite(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
