// Package account provides the data model and operations for AT
// Protocol user accounts, identified by a DID (decentralized
// identifier) and a handle (DNS-based username).
//
// Statuses control the account's operational state:
//   - active:    fully functional
//   - suspended: can post locally but data is not synced to relays
//   - disabled:  data preserved but cannot create new content
//   - removed:   tombstone row; all associated data is deleted
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/meridian-host/meridian-pds/internal/database"
	"github.com/meridian-host/meridian-pds/internal/repo"
)

// Sentinel errors for account operations.
var (
	ErrNotFound    = errors.New("account: not found")
	ErrHandleTaken = errors.New("account: handle already taken")
)

// Valid statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDisabled  = "disabled"
	StatusRemoved   = "removed"
)

// Account represents a user account hosted by this PDS.
type Account struct {
	ID         int       `json:"id"`
	DID        string    `json:"did"`
	Handle     string    `json:"handle"`
	Email      string    `json:"email,omitempty"`
	SigningKey string    `json:"-"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CreateParams holds the parameters for creating a new account.
type CreateParams struct {
	Handle          string
	Email           string
	Password        string // plaintext, will be hashed
	ServiceEndpoint string // public PDS URL used in the PLC genesis op
}

// Store provides account CRUD operations backed by PostgreSQL.
type Store struct {
	db *database.DB
}

// NewStore creates an account Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new account. It generates a repo signing key,
// derives a did:plc from the genesis operation over that key, hashes
// the password, and stores the account.
func (s *Store) Create(ctx context.Context, p CreateParams) (*Account, error) {
	signingKey, err := repo.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}

	var did string
	if p.ServiceEndpoint != "" {
		did, _, err = GeneratePLCDID(signingKey, p.Handle, p.ServiceEndpoint)
	} else {
		did, err = GenerateDID()
	}
	if err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}

	hash, err := HashPassword(p.Password)
	if err != nil {
		return nil, fmt.Errorf("account: create: %w", err)
	}

	var a Account
	err = s.db.Pool.QueryRow(ctx,
		`INSERT INTO accounts (did, handle, email, password, signing_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, did, handle, email, signing_key, status, created_at, updated_at`,
		did, p.Handle, p.Email, hash, signingKey,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("account: create %q: %w", p.Handle, err)
	}
	return &a, nil
}

const accountColumns = `id, did, handle, email, COALESCE(signing_key, ''), status, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByHandle returns an account by its handle.
// Returns ErrNotFound if no account matches.
func (s *Store) GetByHandle(ctx context.Context, handle string) (*Account, error) {
	a, err := scanAccount(s.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE handle = $1`, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by handle %q: %w", handle, err)
	}
	return a, nil
}

// GetByDID returns an account by its DID.
// Returns ErrNotFound if no account matches.
func (s *Store) GetByDID(ctx context.Context, did string) (*Account, error) {
	a, err := scanAccount(s.db.Pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE did = $1`, did))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("account: get by did %q: %w", did, err)
	}
	return a, nil
}

// List returns all accounts ordered by handle.
func (s *Store) List(ctx context.Context) ([]Account, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("account: list: %w", err)
	}
	defer rows.Close()

	accounts := []Account{}
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("account: list scan: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateStatus changes an account's status.
func (s *Store) UpdateStatus(ctx context.Context, handle, status string) (*Account, error) {
	a, err := scanAccount(s.db.Pool.QueryRow(ctx,
		`UPDATE accounts SET status = $1, updated_at = NOW()
		 WHERE handle = $2
		 RETURNING `+accountColumns, status, handle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: update status %q: %w", handle, err)
	}
	return a, nil
}

// Delete permanently removes an account. Repo roots cascade; blocks
// and records are content-addressed leftovers cleaned out of band.
func (s *Store) Delete(ctx context.Context, handle string) error {
	result, err := s.db.Pool.Exec(ctx,
		`DELETE FROM accounts WHERE handle = $1`, handle)
	if err != nil {
		return fmt.Errorf("account: delete %q: %w", handle, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return nil
}

// ResolveHandle looks up the DID for a given handle. This is used by
// the /.well-known/atproto-did endpoint. Accounts with status removed
// are not resolved; every other status is.
func (s *Store) ResolveHandle(ctx context.Context, handle string) (string, error) {
	var did string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT did FROM accounts WHERE handle = $1 AND status != 'removed'`,
		handle,
	).Scan(&did)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return "", fmt.Errorf("account: resolve handle %q: %w", handle, err)
	}
	return did, nil
}

// VerifyPassword checks the password for an account identified by
// handle. Returns the Account on success or an error if the handle is
// not found or the password doesn't match.
func (s *Store) VerifyPassword(ctx context.Context, handle, password string) (*Account, error) {
	var a Account
	var hash string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, did, handle, email, password, COALESCE(signing_key, ''), status, created_at, updated_at
		 FROM accounts WHERE handle = $1`,
		handle,
	).Scan(&a.ID, &a.DID, &a.Handle, &a.Email, &hash, &a.SigningKey, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	if err != nil {
		return nil, fmt.Errorf("account: verify password %q: %w", handle, err)
	}

	if err := CheckPassword(hash, password); err != nil {
		return nil, fmt.Errorf("account: invalid password for %q", handle)
	}
	return &a, nil
}
