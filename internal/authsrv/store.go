// Package authsrv implements the OAuth2-style token service the other
// services authenticate against: client-credentials issuance, refresh,
// introspection, and the token lifecycle around them.
package authsrv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Client is one registered API client.
type Client struct {
	ID         string
	SecretHash string
	CreatedAt  time.Time
}

// AccessToken is one issued bearer token. Scopes are stored as a JSON array.
type AccessToken struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	IsActive  bool
	CreatedAt time.Time
}

// RefreshToken lets a client mint new access tokens without re-sending its
// secret. At most one is active per client.
type RefreshToken struct {
	Token     string
	ClientID  string
	ExpiresAt time.Time
	IsActive  bool
	CreatedAt time.Time
}

// Store persists clients, their grants, and issued tokens in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the auth database at the given DSN.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &Store{db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			secret_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS client_scopes (
			client_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			PRIMARY KEY (client_id, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS client_roles (
			client_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (client_id, role)
		)`,
		`CREATE TABLE IF NOT EXISTS role_scopes (
			role TEXT NOT NULL,
			scope TEXT NOT NULL,
			PRIMARY KEY (role, scope)
		)`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			token TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			scopes TEXT NOT NULL DEFAULT '[]',
			expires_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_tokens_client ON access_tokens(client_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			token TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_client ON refresh_tokens(client_id, is_active)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateClient registers a client with its bcrypt secret hash, direct scopes
// and roles.
func (s *Store) CreateClient(ctx context.Context, c Client, scopes, roles []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO clients (id, secret_hash, created_at) VALUES (?, ?, ?)`,
		c.ID, c.SecretHash, c.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	for _, scope := range scopes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO client_scopes (client_id, scope) VALUES (?, ?)`,
			c.ID, scope); err != nil {
			return fmt.Errorf("insert client scope: %w", err)
		}
	}
	for _, role := range roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO client_roles (client_id, role) VALUES (?, ?)`,
			c.ID, role); err != nil {
			return fmt.Errorf("insert client role: %w", err)
		}
	}
	return tx.Commit()
}

// DefineRole binds a set of scopes to a role name.
func (s *Store) DefineRole(ctx context.Context, role string, scopes []string) error {
	for _, scope := range scopes {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO role_scopes (role, scope) VALUES (?, ?)`,
			role, scope); err != nil {
			return fmt.Errorf("insert role scope: %w", err)
		}
	}
	return nil
}

// GetClient returns the client by id, or nil when unknown.
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	var c Client
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, secret_hash, created_at FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.SecretHash, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &c, nil
}

// GrantedScopes resolves a client's full scope set: direct grants plus every
// scope reachable through its roles.
func (s *Store) GrantedScopes(ctx context.Context, clientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope FROM client_scopes WHERE client_id = ?
		UNION
		SELECT rs.scope FROM client_roles cr
		JOIN role_scopes rs ON rs.role = cr.role
		WHERE cr.client_id = ?
		ORDER BY scope`, clientID, clientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// InsertAccessToken stores a freshly issued token.
func (s *Store) InsertAccessToken(ctx context.Context, t AccessToken) error {
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO access_tokens (token, client_id, scopes, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		t.Token, t.ClientID, string(scopes),
		t.ExpiresAt.UTC().Format(time.RFC3339),
		t.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetAccessToken returns the token row, or nil when unknown.
func (s *Store) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	var t AccessToken
	var scopes, expires, created string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, scopes, expires_at, is_active, created_at
		 FROM access_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.ClientID, &scopes, &expires, &active, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes for %s: %w", t.ClientID, err)
	}
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.IsActive = active == 1
	return &t, nil
}

// CountActiveAccessTokens counts a client's live tokens as of now.
func (s *Store) CountActiveAccessTokens(ctx context.Context, clientID string, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM access_tokens
		 WHERE client_id = ? AND is_active = 1 AND expires_at > ?`,
		clientID, now.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

// OldestActiveAccessToken returns the client's longest-lived active token, or
// nil when it has none.
func (s *Store) OldestActiveAccessToken(ctx context.Context, clientID string, now time.Time) (*AccessToken, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM access_tokens
		 WHERE client_id = ? AND is_active = 1 AND expires_at > ?
		 ORDER BY created_at ASC, token ASC LIMIT 1`,
		clientID, now.UTC().Format(time.RFC3339)).Scan(&token)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.GetAccessToken(ctx, token)
}

// DeactivateAccessToken flips is_active off. Idempotent.
func (s *Store) DeactivateAccessToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE access_tokens SET is_active = 0 WHERE token = ?`, token)
	return err
}

// InsertRefreshToken stores a freshly issued refresh token.
func (s *Store) InsertRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (token, client_id, expires_at, is_active, created_at)
		 VALUES (?, ?, ?, 1, ?)`,
		t.Token, t.ClientID,
		t.ExpiresAt.UTC().Format(time.RFC3339),
		t.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetRefreshToken returns the refresh token row, or nil when unknown.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	var t RefreshToken
	var expires, created string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, expires_at, is_active, created_at
		 FROM refresh_tokens WHERE token = ?`, token).
		Scan(&t.Token, &t.ClientID, &expires, &active, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.IsActive = active == 1
	return &t, nil
}

// ActiveRefreshToken returns the client's current live refresh token, or nil.
func (s *Store) ActiveRefreshToken(ctx context.Context, clientID string, now time.Time) (*RefreshToken, error) {
	var t RefreshToken
	var expires, created string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT token, client_id, expires_at, is_active, created_at
		 FROM refresh_tokens
		 WHERE client_id = ? AND is_active = 1 AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		clientID, now.UTC().Format(time.RFC3339)).
		Scan(&t.Token, &t.ClientID, &expires, &active, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.ExpiresAt, _ = time.Parse(time.RFC3339, expires)
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	t.IsActive = active == 1
	return &t, nil
}

// SweepExpired deletes expired and deactivated token rows. Returns the number
// of rows removed across both tables.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Format(time.RFC3339)
	var total int64
	for _, table := range []string{"access_tokens", "refresh_tokens"} {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE expires_at <= ? OR is_active = 0`, cutoff)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// CountClients reports how many clients are registered; used to decide
// whether first-run seeding applies.
func (s *Store) CountClients(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clients`).Scan(&n)
	return n, err
}
