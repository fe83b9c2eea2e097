package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			client_id TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			oauth_access_token TEXT NOT NULL DEFAULT '',
			oauth_refresh_token TEXT NOT NULL DEFAULT '',
			token_expires TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			account_id TEXT NOT NULL DEFAULT '',
			device_id TEXT NOT NULL DEFAULT '',
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *PostgresStore) GetAccount(ctx context.Context, clientID string) (*Account, error) {
	var a Account
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, access_token, oauth_access_token, oauth_refresh_token, token_expires, created_at, updated_at
		 FROM accounts WHERE client_id = $1`, clientID,
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

func (s *PostgresStore) VerifyAccount(ctx context.Context, clientID, accessToken string) (*Account, error) {
	acct, err := s.GetAccount(ctx, clientID)
	return verify(acct, err, accessToken)
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, acct *Account) (*Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (client_id, access_token, oauth_access_token, oauth_refresh_token, token_expires, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(client_id) DO UPDATE SET
		   oauth_access_token = EXCLUDED.oauth_access_token,
		   oauth_refresh_token = COALESCE(NULLIF(EXCLUDED.oauth_refresh_token, ''), accounts.oauth_refresh_token),
		   token_expires = EXCLUDED.token_expires,
		   updated_at = EXCLUDED.updated_at`,
		acct.ClientID, acct.AccessToken, acct.OAuthAccessToken, acct.OAuthRefreshToken, nullTime(acct.TokenExpires), now, now,
	)
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, acct.ClientID)
}

func (s *PostgresStore) RefreshTokens(ctx context.Context, clientID, accessToken, refreshToken string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET
		   oauth_access_token = $1,
		   oauth_refresh_token = COALESCE(NULLIF($2, ''), oauth_refresh_token),
		   token_expires = $3,
		   updated_at = $4
		 WHERE client_id = $5`,
		accessToken, refreshToken, nullTime(expiresAt), time.Now().UTC(), clientID,
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

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	var detail any
	if len(event.Detail) > 0 {
		detail = string(event.Detail)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action, account_id, device_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.Action, event.AccountID, event.DeviceID, detail, event.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query := `SELECT id, action, account_id, device_id, COALESCE(detail::text, ''), created_at FROM audit_events WHERE TRUE`
	var args []any
	argN := 1

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action LIKE $%d", argN)
		args = append(args, filter.Action+"%")
		argN++
	}
	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", argN)
		args = append(args, filter.AccountID)
		argN++
	}
	if filter.DeviceID != "" {
		query += fmt.Sprintf(" AND device_id = $%d", argN)
		args = append(args, filter.DeviceID)
		argN++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argN, argN+1)
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < $1", before,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
