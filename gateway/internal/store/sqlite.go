package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			client_id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			oauth_access_token TEXT NOT NULL DEFAULT '',
			oauth_refresh_token TEXT NOT NULL DEFAULT '',
			token_expires DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_account_id ON audit_events(account_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *SQLiteStore) GetAccount(ctx context.Context, clientID string) (*Account, error) {
	var a Account
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, access_token, oauth_access_token, oauth_refresh_token, token_expires, created_at, updated_at
		 FROM accounts WHERE client_id = ?`, clientID,
	).Scan(&a.ClientID, &a.AccessToken, &a.OAuthAccessToken, &a.OAuthRefreshToken, &expires, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		a.TokenExpires = expires.Time
	}
	return &a, nil
}

func (s *SQLiteStore) VerifyAccount(ctx context.Context, clientID, accessToken string) (*Account, error) {
	acct, err := s.GetAccount(ctx, clientID)
	return verify(acct, err, accessToken)
}

// UpsertAccount creates the account or, when it already exists, replaces its OAuth
// tokens and expiry. The device access token of an existing account is kept, and an
// empty refresh token never overwrites a stored one.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct *Account) (*Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (client_id, access_token, oauth_access_token, oauth_refresh_token, token_expires, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_id) DO UPDATE SET
		   oauth_access_token = excluded.oauth_access_token,
		   oauth_refresh_token = CASE WHEN excluded.oauth_refresh_token != '' THEN excluded.oauth_refresh_token ELSE accounts.oauth_refresh_token END,
		   token_expires = excluded.token_expires,
		   updated_at = excluded.updated_at`,
		acct.ClientID, acct.AccessToken, acct.OAuthAccessToken, acct.OAuthRefreshToken, nullTime(acct.TokenExpires), now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, acct.ClientID)
}

func (s *SQLiteStore) RefreshTokens(ctx context.Context, clientID, accessToken, refreshToken string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET
		   oauth_access_token = ?,
		   oauth_refresh_token = CASE WHEN ? != '' THEN ? ELSE oauth_refresh_token END,
		   token_expires = ?,
		   updated_at = ?
		 WHERE client_id = ?`,
		accessToken, refreshToken, refreshToken, nullTime(expiresAt), time.Now().UTC(), clientID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s not found", clientID)
	}
	return nil
}

// --- Audit ---

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	detail := ""
	if event.Detail != nil {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, account_id, device_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Action, event.AccountID, event.DeviceID, detail, event.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, account_id, device_id, detail, created_at FROM audit_events WHERE 1=1`
	var args []any

	if filter.Action != "" {
		query += " AND action LIKE ?"
		args = append(args, filter.Action+"%")
	}
	if filter.AccountID != "" {
		query += " AND account_id = ?"
		args = append(args, filter.AccountID)
	}
	if filter.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, filter.DeviceID)
	}

	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, auditLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.AccountID, &e.DeviceID, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Data Retention ---

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func auditLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
