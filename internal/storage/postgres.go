package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/collabd/collabd/internal/collab"
)

const (
	postgresTableName   = "collabd_collabs"
	postgresInitTimeout = 5 * time.Second

	// pqUniqueViolation is the SQLSTATE of a unique constraint violation.
	pqUniqueViolation = "23505"
)

var ErrMissingDSN = errors.New("postgres dsn is required")

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keeps every collab in one row keyed by
// (workspace_id, object_id, collab_type). A batch commits in a single
// transaction.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	// mu guards db. A failed initialization leaves db nil and is retried
	// by the next call.
	mu sync.Mutex
	db *sql.DB
}

var _ collab.Backend = (*PostgresBackend)(nil)

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrMissingDSN
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

// ensureReady opens the pool and creates the table on first use. It does
// not take the caller's context: a cancelled first request must not fail
// initialization for the requests queued behind it.
func (b *PostgresBackend) ensureReady() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}

	db, err := b.openDB("postgres", b.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresInitTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			workspace_id TEXT NOT NULL,
			object_id TEXT NOT NULL,
			collab_type INTEGER NOT NULL,
			data BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (workspace_id, object_id, collab_type)
		)`, postgresQuoteIdentifier(b.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create collab table: %w", err)
	}
	b.db = db
	return db, nil
}

// Commit writes all rows in one transaction. Existing rows are locked with
// SELECT ... FOR UPDATE before the conflict check; a row inserted by a
// concurrent transaction after the check surfaces as zero affected rows.
func (b *PostgresBackend) Commit(ctx context.Context, workspaceID string, writes []collab.Write) error {
	if len(writes) == 0 {
		return nil
	}
	db, err := b.ensureReady()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	existing, err := b.lockExisting(ctx, tx, workspaceID, writes)
	if err != nil {
		return err
	}
	for _, w := range writes {
		if !w.Override && existing[entryKey(w.Identity)] {
			return &collab.ConflictError{ObjectID: w.ObjectID}
		}
	}

	table := postgresQuoteIdentifier(b.tableName)
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, object_id, collab_type, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, object_id, collab_type) DO NOTHING`, table)
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, object_id, collab_type, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, object_id, collab_type)
		DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`, table)

	for _, w := range writes {
		query := insertQuery
		if w.Override {
			query = upsertQuery
		}
		res, err := tx.ExecContext(ctx, query, workspaceID, w.ObjectID, int(w.Type), w.Data)
		if err != nil {
			if isUniqueViolation(err) {
				return &collab.ConflictError{ObjectID: w.ObjectID}
			}
			return fmt.Errorf("failed to write %s: %w", w.ObjectID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &collab.ConflictError{ObjectID: w.ObjectID}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func (b *PostgresBackend) lockExisting(ctx context.Context, tx *sql.Tx, workspaceID string, writes []collab.Write) (map[string]bool, error) {
	objectIDs := make([]string, 0, len(writes))
	for _, w := range writes {
		objectIDs = append(objectIDs, w.ObjectID)
	}

	query := fmt.Sprintf(`
		SELECT object_id, collab_type FROM %s
		WHERE workspace_id = $1 AND object_id = ANY($2)
		FOR UPDATE`, postgresQuoteIdentifier(b.tableName))
	rows, err := tx.QueryContext(ctx, query, workspaceID, pq.Array(objectIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to lock existing collabs: %w", err)
	}
	defer rows.Close()

	existing := make(map[string]bool)
	for rows.Next() {
		var (
			objectID   string
			collabType int
		)
		if err := rows.Scan(&objectID, &collabType); err != nil {
			return nil, err
		}
		existing[entryKey(collab.Identity{ObjectID: objectID, Type: collab.Type(collabType)})] = true
	}
	return existing, rows.Err()
}

func (b *PostgresBackend) Get(ctx context.Context, id collab.Identity) ([]byte, error) {
	db, err := b.ensureReady()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT data FROM %s
		WHERE workspace_id = $1 AND object_id = $2 AND collab_type = $3`, postgresQuoteIdentifier(b.tableName))
	var data []byte
	err = db.QueryRowContext(ctx, query, id.WorkspaceID, id.ObjectID, int(id.Type)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collab.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Fetch reads every id with one statement, so all rows come from the same
// snapshot.
func (b *PostgresBackend) Fetch(ctx context.Context, workspaceID string, ids []collab.Identity) ([]collab.ItemResult, error) {
	db, err := b.ensureReady()
	if err != nil {
		return nil, err
	}

	objectIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		objectIDs = append(objectIDs, id.ObjectID)
	}

	query := fmt.Sprintf(`
		SELECT object_id, collab_type, data FROM %s
		WHERE workspace_id = $1 AND object_id = ANY($2)`, postgresQuoteIdentifier(b.tableName))
	rows, err := db.QueryContext(ctx, query, workspaceID, pq.Array(objectIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch collabs: %w", err)
	}
	defer rows.Close()

	found := make(map[string][]byte, len(ids))
	for rows.Next() {
		var (
			objectID   string
			collabType int
			data       []byte
		)
		if err := rows.Scan(&objectID, &collabType, &data); err != nil {
			return nil, err
		}
		found[entryKey(collab.Identity{ObjectID: objectID, Type: collab.Type(collabType)})] = data
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]collab.ItemResult, len(ids))
	for i, id := range ids {
		results[i] = collab.ItemResult{ObjectID: id.ObjectID, CollabType: id.Type}
		data, ok := found[entryKey(id)]
		if !ok {
			results[i].Err = collab.ErrNotFound
			continue
		}
		results[i].Data = data
	}
	return results, nil
}

func (b *PostgresBackend) Exists(ctx context.Context, id collab.Identity) (bool, error) {
	db, err := b.ensureReady()
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		SELECT EXISTS (SELECT 1 FROM %s
		WHERE workspace_id = $1 AND object_id = $2 AND collab_type = $3)`, postgresQuoteIdentifier(b.tableName))
	var exists bool
	if err := db.QueryRowContext(ctx, query, id.WorkspaceID, id.ObjectID, int(id.Type)).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, id collab.Identity) error {
	db, err := b.ensureReady()
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE workspace_id = $1 AND object_id = $2 AND collab_type = $3`, postgresQuoteIdentifier(b.tableName))
	res, err := db.ExecContext(ctx, query, id.WorkspaceID, id.ObjectID, int(id.Type))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return collab.ErrNotFound
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
