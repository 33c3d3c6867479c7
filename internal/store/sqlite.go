package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/contactsync/contactsync/internal/model"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// deadLetterHorizon pushes a dead-lettered row's next_attempt_at far enough
// into the future that the due-query never picks it back up, while keeping
// the row (and its last_error/attempts history) queryable.
const deadLetterHorizon = 3650 * 24 * time.Hour

// maxLastErrorLen is the longest last_error text Reschedule and DeadLetter
// store; longer text is cut to this many bytes.
const maxLastErrorLen = 255

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// StoreOption configures optional settings for SQLiteStore.
type StoreOption func(*SQLiteStore)

// NewSQLiteStore opens dbPath, creating parent directories as needed,
// applies pragmas, and runs migrations to bring the schema up to date.
func NewSQLiteStore(dbPath string, opts ...StoreOption) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// queryContext is satisfied by both *sql.DB and *sql.Tx, letting the same
// query logic run standalone or inside a transaction.
type queryContext interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// --- Link ---

func (s *SQLiteStore) SaveLink(ctx context.Context, sourceID, directoryResource string) error {
	now := fmtTime(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE links SET directory_resource_name = ?, updated_at = ?
		WHERE source_contact_id = ?
	`, directoryResource, now, sourceID)
	if err != nil {
		return fmt.Errorf("update link: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO links (id, source_contact_id, directory_resource_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, ulid.Make().String(), sourceID, directoryResource, now, now)
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLink(ctx context.Context, sourceID string) (*model.Link, error) {
	return s.getLinkInTx(ctx, s.db, sourceID)
}

func (s *SQLiteStore) getLinkInTx(ctx context.Context, qc queryContext, sourceID string) (*model.Link, error) {
	row := qc.QueryRowContext(ctx, `
		SELECT id, source_contact_id, directory_resource_name, created_at, updated_at
		FROM links WHERE source_contact_id = ?
	`, sourceID)

	var l model.Link
	var created, updated string
	err := row.Scan(&l.ID, &l.SourceContactID, &l.DirectoryResourceName, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan link: %w", err)
	}
	if l.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) RemapLinks(ctx context.Context, target string, sources []string) error {
	if len(sources) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now())
	for _, src := range sources {
		if src == target {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE links SET directory_resource_name = ?, updated_at = ?
			WHERE directory_resource_name = ?
		`, target, now, src)
		if err != nil {
			return fmt.Errorf("remap links from %s: %w", src, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- PendingSync ---

func (s *SQLiteStore) Enqueue(ctx context.Context, sourceID string) error {
	now := fmtTime(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync SET attempts = 0, next_attempt_at = ?, last_error = NULL, updated_at = ?
		WHERE source_contact_id = ?
	`, now, now, sourceID)
	if err != nil {
		return fmt.Errorf("touch pending_sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_sync (id, source_contact_id, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
	`, ulid.Make().String(), sourceID, now, now, now)
	if err != nil {
		return fmt.Errorf("insert pending_sync: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FetchDue(ctx context.Context, limit int) ([]model.PendingSync, error) {
	now := fmtTime(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_contact_id, attempts, next_attempt_at, last_error, created_at, updated_at
		FROM pending_sync
		WHERE next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due: %w", err)
	}
	defer rows.Close()

	var out []model.PendingSync
	for rows.Next() {
		var p model.PendingSync
		var nextAttempt, created, updated string
		var lastError sql.NullString
		if err := rows.Scan(&p.ID, &p.SourceContactID, &p.Attempts, &nextAttempt, &lastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan pending_sync: %w", err)
		}
		p.LastError = lastError.String
		if p.NextAttemptAt, err = parseTime(nextAttempt); err != nil {
			return nil, fmt.Errorf("parse next_attempt_at: %w", err)
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if p.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Reschedule(ctx context.Context, row model.PendingSync, delay time.Duration, errorText string) error {
	now := time.Now()
	if len(errorText) > maxLastErrorLen {
		errorText = errorText[:maxLastErrorLen]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync
		SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, fmtTime(now.Add(delay)), errorText, fmtTime(now), row.ID)
	if err != nil {
		return fmt.Errorf("reschedule pending_sync: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeadLetter(ctx context.Context, row model.PendingSync, reason, detail string) error {
	now := time.Now()
	lastError := reason
	if detail != "" {
		lastError = fmt.Sprintf("%s:%s", reason, detail)
	}
	if len(lastError) > maxLastErrorLen {
		lastError = lastError[:maxLastErrorLen]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_sync
		SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, fmtTime(now.Add(deadLetterHorizon)), lastError, fmtTime(now), row.ID)
	if err != nil {
		return fmt.Errorf("dead-letter pending_sync: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, row model.PendingSync) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_sync WHERE id = ?`, row.ID)
	if err != nil {
		return fmt.Errorf("delete pending_sync: %w", err)
	}
	return nil
}

// --- Token ---

func (s *SQLiteStore) GetToken(ctx context.Context, system string) (*model.Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, system, access_token, refresh_token, expiry, scopes, account_id, created_at, updated_at
		FROM tokens WHERE system = ?
	`, system)

	var t model.Token
	var refreshToken, expiry, scopes, accountID sql.NullString
	var created, updated string
	err := row.Scan(&t.ID, &t.System, &t.AccessToken, &refreshToken, &expiry, &scopes, &accountID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.RefreshToken = refreshToken.String
	t.Scopes = scopes.String
	t.AccountID = accountID.String
	if expiry.Valid {
		if t.Expiry, err = parseTime(expiry.String); err != nil {
			return nil, fmt.Errorf("parse expiry: %w", err)
		}
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, system string, token model.Token) error {
	now := fmtTime(time.Now())
	var expiry sql.NullString
	if !token.Expiry.IsZero() {
		expiry = sql.NullString{String: fmtTime(token.Expiry), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens
		SET access_token = ?, refresh_token = ?, expiry = ?, scopes = ?, account_id = ?, updated_at = ?
		WHERE system = ?
	`, token.AccessToken, token.RefreshToken, expiry, token.Scopes, token.AccountID, now, system)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (id, system, access_token, refresh_token, expiry, scopes, account_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ulid.Make().String(), system, token.AccessToken, token.RefreshToken, expiry, token.Scopes, token.AccountID, now, now)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// QueueDepth returns the total row count in pending_sync, regardless of
// due status.
func (s *SQLiteStore) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_sync`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count pending_sync: %w", err)
	}
	return depth, nil
}
