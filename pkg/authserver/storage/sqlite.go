// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lucas-1000/health-data-storage/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLiteStorage implements Storage with a SQLite database. The connection
// pool is capped at one connection, which serializes writers and makes the
// read-then-delete operations atomic.
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewSQLiteStorage opens (creating if needed) the database at path, applies
// pending migrations and starts the expired-token sweeper.
func NewSQLiteStorage(ctx context.Context, path string) (*SQLiteStorage, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStorage{
		db:          db,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanupLoop(DefaultCleanupInterval)
	return s, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Debugw("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Health pings the database.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the sweeper and closes the database.
func (s *SQLiteStorage) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return s.db.Close()
}

func (s *SQLiteStorage) cleanupLoop(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			res, err := s.db.Exec(`DELETE FROM tokens WHERE expires_at <= ?`, s.now().UnixNano())
			if err != nil {
				logger.Warnw("failed to sweep expired tokens", "error", err)
				continue
			}
			if n, _ := res.RowsAffected(); n > 0 {
				logger.Debugw("removed expired tokens", "count", n)
			}
		}
	}
}

// -----------------------
// Clients
// -----------------------

// CreateClient stores a new client.
func (s *SQLiteStorage) CreateClient(ctx context.Context, client *Client) error {
	if err := validateClient(client); err != nil {
		return err
	}

	redirects, scopes, grants, err := encodeLists(client.RedirectURIs, client.Scopes, client.GrantTypes)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (id, name, secret_hash, redirect_uris, scopes, grant_types, dynamic, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.SecretHash, redirects, scopes, grants, client.Dynamic,
		client.CreatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

const clientColumns = `id, name, secret_hash, redirect_uris, scopes, grant_types, dynamic, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c                         Client
		redirects, scopes, grants string
		createdAt                 int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &redirects, &scopes, &grants, &c.Dynamic, &createdAt); err != nil {
		return nil, err
	}
	if err := decodeLists([]string{redirects, scopes, grants}, &c.RedirectURIs, &c.Scopes, &c.GrantTypes); err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, createdAt)
	return &c, nil
}

// GetClient returns a client by ID.
func (s *SQLiteStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

// ListClients returns all clients ordered by creation time, then ID.
func (s *SQLiteStorage) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddClientRedirectURI appends a redirect URI inside a transaction.
func (s *SQLiteStorage) AddClientRedirectURI(ctx context.Context, id, uri string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	c, err := scanClient(tx.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: client", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying client: %w", err)
	}
	if c.HasRedirectURI(uri) {
		return nil
	}

	data, err := json.Marshal(append(c.RedirectURIs, uri))
	if err != nil {
		return fmt.Errorf("encoding redirect URIs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE clients SET redirect_uris = ? WHERE id = ?`, string(data), id); err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	return tx.Commit()
}

// -----------------------
// Tokens
// -----------------------

const tokenColumns = `kind, signature, user_id, client_id, scopes, issued_at, expires_at,
	linked_signature, redirect_uri, code_challenge, pending`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, db execer, t *Token) error {
	scopes, err := json.Marshal(emptyIfNil(t.Scopes))
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}
	var pending sql.NullString
	if t.Pending != nil {
		data, err := json.Marshal(t.Pending)
		if err != nil {
			return fmt.Errorf("encoding pending authorization: %w", err)
		}
		pending = sql.NullString{String: string(data), Valid: true}
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.Kind), t.Signature, t.UserID, t.ClientID, string(scopes),
		t.IssuedAt.UnixNano(), t.ExpiresAt.UnixNano(),
		t.LinkedSignature, t.RedirectURI, t.CodeChallenge, pending,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: token", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

func scanToken(row rowScanner) (*Token, error) {
	var (
		t                   Token
		kind, scopes        string
		issuedAt, expiresAt int64
		pending             sql.NullString
	)
	if err := row.Scan(&kind, &t.Signature, &t.UserID, &t.ClientID, &scopes, &issuedAt, &expiresAt,
		&t.LinkedSignature, &t.RedirectURI, &t.CodeChallenge, &pending); err != nil {
		return nil, err
	}
	t.Kind = TokenKind(kind)
	t.IssuedAt = time.Unix(0, issuedAt)
	t.ExpiresAt = time.Unix(0, expiresAt)
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	if pending.Valid {
		t.Pending = &PendingAuthorization{}
		if err := json.Unmarshal([]byte(pending.String), t.Pending); err != nil {
			return nil, fmt.Errorf("decoding pending authorization: %w", err)
		}
	}
	return &t, nil
}

// CreateToken stores a token record, replacing an expired record with the
// same key.
func (s *SQLiteStorage) CreateToken(ctx context.Context, token *Token) error {
	if err := validateToken(token); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE kind = ? AND signature = ? AND expires_at <= ?`,
		string(token.Kind), token.Signature, s.now().UnixNano(),
	); err != nil {
		return fmt.Errorf("clearing expired token: %w", err)
	}
	if err := insertToken(ctx, tx, token); err != nil {
		return err
	}
	return tx.Commit()
}

// GetToken returns a live token record.
func (s *SQLiteStorage) GetToken(ctx context.Context, kind TokenKind, signature string) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE kind = ? AND signature = ? AND expires_at > ?`,
		string(kind), signature, s.now().UnixNano(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}
	return t, nil
}

// DeleteToken removes a token record.
func (s *SQLiteStorage) DeleteToken(ctx context.Context, kind TokenKind, signature string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE kind = ? AND signature = ?`, string(kind), signature,
	); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

// ConsumeToken deletes a token record and returns it in one statement.
func (s *SQLiteStorage) ConsumeToken(ctx context.Context, kind TokenKind, signature string) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx,
		`DELETE FROM tokens WHERE kind = ? AND signature = ? RETURNING `+tokenColumns,
		string(kind), signature,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("consuming token: %w", err)
	}
	if t.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s token", ErrNotFound, kind)
	}
	return t, nil
}

// RotateRefreshToken swaps a refresh token for a new pair in one transaction.
func (s *SQLiteStorage) RotateRefreshToken(ctx context.Context, oldSignature string, access, refresh *Token) error {
	if err := validateToken(access); err != nil {
		return err
	}
	if err := validateToken(refresh); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE kind = ? AND signature = ? AND expires_at > ?`,
		string(KindRefreshToken), oldSignature, s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking deleted rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: refresh token", ErrNotFound)
	}

	if err := insertToken(ctx, tx, access); err != nil {
		return err
	}
	if err := insertToken(ctx, tx, refresh); err != nil {
		return err
	}
	return tx.Commit()
}

// -----------------------
// Users
// -----------------------

const userColumns = `id, subject, email, name, picture, api_key_digest, created_at, updated_at`

func scanUser(row rowScanner) (*User, error) {
	var (
		u                    User
		digest               sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.Subject, &u.Email, &u.Name, &u.Picture, &digest, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.APIKeyDigest = digest.String
	u.CreatedAt = time.Unix(0, createdAt)
	u.UpdatedAt = time.Unix(0, updatedAt)
	return &u, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateUser stores a new user.
func (s *SQLiteStorage) CreateUser(ctx context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Subject, user.Email, user.Name, user.Picture, nullIfEmpty(user.APIKeyDigest),
		user.CreatedAt.UnixNano(), user.UpdatedAt.UnixNano(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) userWhere(ctx context.Context, clause string, arg any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+clause, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// GetUser returns a user by ID.
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*User, error) {
	return s.userWhere(ctx, `id = ?`, id)
}

// GetUserBySubject returns a user by upstream subject.
func (s *SQLiteStorage) GetUserBySubject(ctx context.Context, subject string) (*User, error) {
	return s.userWhere(ctx, `subject = ?`, subject)
}

// GetUserByAPIKeyDigest returns a user by API key digest.
func (s *SQLiteStorage) GetUserByAPIKeyDigest(ctx context.Context, digest string) (*User, error) {
	if digest == "" {
		return nil, fmt.Errorf("%w: user", ErrNotFound)
	}
	return s.userWhere(ctx, `api_key_digest = ?`, digest)
}

// UpdateUserProfile overwrites an existing user's profile columns.
func (s *SQLiteStorage) UpdateUserProfile(ctx context.Context, id string, profile UserProfile) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, name = ?, picture = ?, updated_at = ? WHERE id = ?`,
		profile.Email, profile.Name, profile.Picture, profile.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("updating user profile: %w", err)
	}
	return requireRow(res)
}

// SetUserAPIKeyDigest replaces a user's API key digest.
func (s *SQLiteStorage) SetUserAPIKeyDigest(ctx context.Context, id, digest string, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key_digest = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(digest), updatedAt.UnixNano(), id,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: api key", ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("updating user api key: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return nil
}

// -----------------------
// helpers
// -----------------------

func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func encodeLists(lists ...[]string) (string, string, string, error) {
	var out [3]string
	for i, l := range lists {
		data, err := json.Marshal(emptyIfNil(l))
		if err != nil {
			return "", "", "", fmt.Errorf("encoding list: %w", err)
		}
		out[i] = string(data)
	}
	return out[0], out[1], out[2], nil
}

func decodeLists(raw []string, dst ...*[]string) error {
	for i, r := range raw {
		if err := json.Unmarshal([]byte(r), dst[i]); err != nil {
			return fmt.Errorf("decoding list: %w", err)
		}
	}
	return nil
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
