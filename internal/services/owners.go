package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/AnshRaj112/hams-diary/internal/models"
	"github.com/AnshRaj112/hams-diary/pkg/utils"
)

// OwnerProfile is what a client reports about its signed-in owner.
type OwnerProfile struct {
	OwnerID    string `json:"-"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	PhotoURL   string `json:"photo_url"`
	ProviderID string `json:"provider_id"`
}

type OwnerDirectory interface {
	EnsureOwner(ctx context.Context, p OwnerProfile) (*models.Owner, error)
	LookupOwners(ctx context.Context, ids []string) (map[string]models.Owner, error)
}

// PostgresOwnerDirectory keeps owner profiles in the owners table. Emails
// are sealed with the cipher when one is configured.
type PostgresOwnerDirectory struct {
	db     *sql.DB
	cipher *utils.Cipher
	now    func() time.Time
}

func NewPostgresOwnerDirectory(db *sql.DB, cipher *utils.Cipher) *PostgresOwnerDirectory {
	return &PostgresOwnerDirectory{db: db, cipher: cipher, now: time.Now}
}

const upsertOwnerSQL = `
INSERT INTO owners (owner_id, display_name, email_encrypted, photo_url, provider_id, last_login_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
ON CONFLICT (owner_id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	email_encrypted = EXCLUDED.email_encrypted,
	photo_url = EXCLUDED.photo_url,
	provider_id = EXCLUDED.provider_id,
	last_login_at = EXCLUDED.last_login_at,
	updated_at = EXCLUDED.updated_at
RETURNING created_at`

const lookupOwnersSQL = `
SELECT owner_id, display_name, email_encrypted, photo_url, provider_id, last_login_at, created_at, updated_at
FROM owners
WHERE owner_id = ANY($1)`

func (d *PostgresOwnerDirectory) seal(email string) (string, error) {
	if d.cipher == nil {
		return email, nil
	}
	return d.cipher.Encrypt(email)
}

func (d *PostgresOwnerDirectory) open(stored string) string {
	if d.cipher == nil {
		return stored
	}
	plain, err := d.cipher.Decrypt(stored)
	if err != nil {
		return ""
	}
	return plain
}

// EnsureOwner creates or refreshes the owner's profile and stamps the login
// time.
func (d *PostgresOwnerDirectory) EnsureOwner(ctx context.Context, p OwnerProfile) (*models.Owner, error) {
	if p.OwnerID == "" {
		return nil, validationf("owner id is required")
	}
	sealed, err := d.seal(p.Email)
	if err != nil {
		return nil, fmt.Errorf("encrypt email: %w", err)
	}
	now := d.now().UTC()
	owner := &models.Owner{
		OwnerID:     p.OwnerID,
		DisplayName: models.DisplayNameFor(p.Name, p.Email),
		Email:       p.Email,
		PhotoURL:    p.PhotoURL,
		ProviderID:  p.ProviderID,
		LastLoginAt: now,
		UpdatedAt:   now,
	}
	err = d.db.QueryRowContext(ctx, upsertOwnerSQL,
		owner.OwnerID, owner.DisplayName, sealed, owner.PhotoURL, owner.ProviderID, now,
	).Scan(&owner.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert owner: %w", err)
	}
	return owner, nil
}

// LookupOwners returns the known profiles among ids. Unknown ids are
// absent from the map.
func (d *PostgresOwnerDirectory) LookupOwners(ctx context.Context, ids []string) (map[string]models.Owner, error) {
	out := make(map[string]models.Owner, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := d.db.QueryContext(ctx, lookupOwnersSQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("lookup owners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o models.Owner
		var email, photo, provider sql.NullString
		if err := rows.Scan(&o.OwnerID, &o.DisplayName, &email, &photo, &provider, &o.LastLoginAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		o.Email = d.open(email.String)
		o.PhotoURL = photo.String
		o.ProviderID = provider.String
		out[o.OwnerID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup owners: %w", err)
	}
	return out, nil
}
