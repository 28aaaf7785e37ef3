// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides row cache persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rows_key ON rows(key);

		CREATE INDEX IF NOT EXISTS idx_rows_created_at ON rows(created_at);

		CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			response TEXT
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			reason TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations upgrades row tables created by older releases that predate
// the key and created_at columns.
func (s *SQLiteStore) runMigrations() error {
	cols, err := s.tableColumns("rows")
	if err != nil {
		return err
	}

	if _, ok := cols["created_at"]; !ok {
		if _, err := s.db.Exec(`ALTER TABLE rows ADD COLUMN created_at INTEGER`); err != nil {
			return fmt.Errorf("adding created_at column: %w", err)
		}
		if _, err := s.db.Exec(
			`UPDATE rows SET created_at = CAST(strftime('%s', 'now') AS INTEGER) WHERE created_at IS NULL`,
		); err != nil {
			return fmt.Errorf("backfilling created_at: %w", err)
		}
	}

	if _, ok := cols["key"]; !ok {
		if _, err := s.db.Exec(`ALTER TABLE rows ADD COLUMN key TEXT`); err != nil {
			return fmt.Errorf("adding key column: %w", err)
		}
		if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_rows_key ON rows(key)`); err != nil {
			return fmt.Errorf("indexing key column: %w", err)
		}
	}

	return nil
}

// tableColumns returns the column names of a table via PRAGMA table_info.
func (s *SQLiteStore) tableColumns(table string) (map[string]struct{}, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("inspecting table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// keyValue extracts the stringified key column value from a record, if any.
func keyValue(row Record, keyColumn string) (string, bool) {
	if keyColumn == "" {
		return "", false
	}
	v, ok := row[keyColumn]
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// stringify renders a scalar the way it appears in a row key: JSON numbers
// that are whole render without a fractional part.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// InsertRows appends every record as a new row.
func (s *SQLiteStore) InsertRows(ctx context.Context, rows []Record, keyColumn string) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	inserted := 0
	for _, row := range rows {
		data, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("encoding row: %w", err)
		}

		var key sql.NullString
		if kv, ok := keyValue(row, keyColumn); ok {
			key = sql.NullString{String: kv, Valid: true}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rows (key, data, created_at) VALUES (?, ?, ?)`,
			key, string(data), now,
		); err != nil {
			return 0, fmt.Errorf("inserting row: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing insert: %w", err)
	}
	return inserted, nil
}

// UpsertByKey inserts or replaces rows matched by key column value.
func (s *SQLiteStore) UpsertByKey(ctx context.Context, rows []Record, keyColumn string, strict bool) (int, error) {
	if keyColumn == "" {
		return 0, fmt.Errorf("upsert requires a key column")
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	touched := 0
	for _, row := range rows {
		kv, ok := keyValue(row, keyColumn)
		if !ok {
			if strict {
				return 0, fmt.Errorf("%w: %s", ErrMissingKey, keyColumn)
			}
			data, err := json.Marshal(row)
			if err != nil {
				return 0, fmt.Errorf("encoding row: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rows (key, data, created_at) VALUES (NULL, ?, ?)`,
				string(data), now,
			); err != nil {
				return 0, fmt.Errorf("inserting keyless row: %w", err)
			}
			touched++
			continue
		}

		data, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("encoding row: %w", err)
		}

		// Replace in place keeps the row id stable across upserts. Only the
		// oldest row for the key is touched; duplicate twins stay visible
		// to FindDuplicates.
		res, err := tx.ExecContext(ctx,
			`UPDATE rows SET data = ?, created_at = ?
			 WHERE id = (SELECT id FROM rows WHERE key = ? ORDER BY id LIMIT 1)`,
			string(data), now, kv,
		)
		if err != nil {
			return 0, fmt.Errorf("updating row %q: %w", kv, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if affected == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rows (key, data, created_at) VALUES (?, ?, ?)`,
				kv, string(data), now,
			); err != nil {
				return 0, fmt.Errorf("inserting row %q: %w", kv, err)
			}
		}
		touched++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert: %w", err)
	}
	return touched, nil
}

// QueryRows returns a filtered page of cached rows plus the total match count.
func (s *SQLiteStore) QueryRows(ctx context.Context, opts QueryOptions) ([]Record, int, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 2)

	if opts.SinceUnix > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, opts.SinceUnix)
	}
	if opts.Substring != "" {
		where = append(where, "lower(data) LIKE ?")
		args = append(args, "%"+strings.ToLower(opts.Substring)+"%")
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM rows"+clause, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting rows: %w", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	pageArgs := append(append([]any{}, args...), limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM rows"+clause+" ORDER BY id LIMIT ? OFFSET ?", pageArgs...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("querying rows: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, 0, fmt.Errorf("decoding row: %w", err)
		}
		out = append(out, projectColumns(rec, opts.Columns))
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return out, total, nil
}

// projectColumns narrows a record to the requested columns. An empty
// projection returns the record unchanged.
func projectColumns(rec Record, columns []string) Record {
	if len(columns) == 0 {
		return rec
	}
	allowed := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		allowed[c] = struct{}{}
	}
	out := make(Record, len(columns))
	for k, v := range rec {
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	return out
}

// FindDuplicates returns keys held by more than one row. Detected twins come
// from concurrent insert races and are surfaced for operators, not resolved.
func (s *SQLiteStore) FindDuplicates(ctx context.Context, keyColumn string) ([]Duplicate, error) {
	if keyColumn == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, COUNT(key) FROM rows
		 WHERE key IS NOT NULL
		 GROUP BY key HAVING COUNT(key) > 1`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying duplicates: %w", err)
	}
	defer rows.Close()

	var dupes []Duplicate
	for rows.Next() {
		var d Duplicate
		if err := rows.Scan(&d.Key, &d.Count); err != nil {
			return nil, err
		}
		dupes = append(dupes, d)
	}
	return dupes, rows.Err()
}
