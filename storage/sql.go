package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"board-stream/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS board_items (
    board_id TEXT NOT NULL,
    id TEXT NOT NULL,
    kind TEXT NOT NULL,
    container_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    version BIGINT NOT NULL DEFAULT 1,
    PRIMARY KEY (board_id, id)
);
CREATE INDEX IF NOT EXISTS idx_board_items_container ON board_items(board_id, kind, container_id);
`

// SQLStore keeps item positions in SQLite or PostgreSQL. Versions are a
// per-row counter bumped on every write.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens the database and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for drivers that number them.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ReadContainer(ctx context.Context, ref domain.ContainerRef) ([]domain.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, kind, container_id, position, version FROM board_items
WHERE board_id = ? AND kind = ? AND container_id = ?
ORDER BY position, id`), ref.BoardID, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.Item{}
	for rows.Next() {
		var (
			it      domain.Item
			kind    string
			version int64
		)
		if err := rows.Scan(&it.ID, &kind, &it.ContainerID, &it.Position, &version); err != nil {
			return nil, err
		}
		it.Kind = domain.ItemKind(kind)
		it.BoardID = ref.BoardID
		it.Version = strconv.FormatInt(version, 10)
		items = append(items, it)
	}
	return items, rows.Err()
}

// PersistPositions applies all updates in one transaction.
func (s *SQLStore) PersistPositions(ctx context.Context, boardID string, updates []domain.PositionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range updates {
		query := `UPDATE board_items SET position = ?, container_id = CASE WHEN ? = '' THEN container_id ELSE ? END, version = version + 1
WHERE board_id = ? AND id = ?`
		args := []any{u.Position, u.ContainerID, u.ContainerID, boardID, u.ItemID}
		if u.Version != "" {
			version, err := strconv.ParseInt(u.Version, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: item %s has malformed version %q", domain.ErrInvalidInput, u.ItemID, u.Version)
			}
			query += ` AND version = ?`
			args = append(args, version)
		}
		res, err := tx.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			continue
		}
		var exists int
		err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM board_items WHERE board_id = ? AND id = ?`), boardID, u.ItemID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("item %s: %w", u.ItemID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("item %s: %w", u.ItemID, domain.ErrConcurrencyConflict)
	}
	return tx.Commit()
}

// UpsertItem inserts or replaces an item row.
func (s *SQLStore) UpsertItem(ctx context.Context, it domain.Item) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO board_items (board_id, id, kind, container_id, position, version) VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT (board_id, id) DO UPDATE SET kind = excluded.kind, container_id = excluded.container_id,
    position = excluded.position, version = board_items.version + 1`),
		it.BoardID, it.ID, string(it.Kind), it.ContainerID, it.Position)
	return err
}

// DeleteItem removes an item row. Deleting a missing row is not an error.
func (s *SQLStore) DeleteItem(ctx context.Context, boardID, itemID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM board_items WHERE board_id = ? AND id = ?`), boardID, itemID)
	return err
}
