package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/articleforge/articleforge/internal/secrets"
)

// InsertCredential stores one sealed credential.
func (s *Store) InsertCredential(ctx context.Context, rec secrets.Record) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO credentials (handle, org_id, kind, nonce, sealed, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, rec.Handle, rec.OrgID, rec.Kind, rec.Nonce, rec.Sealed, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential loads a sealed credential by handle, tenant-scoped.
func (s *Store) GetCredential(ctx context.Context, orgID, handle string) (secrets.Record, bool, error) {
	var rec secrets.Record
	err := s.DB.QueryRowContext(ctx, `
SELECT handle, org_id, kind, nonce, sealed, created_at
FROM credentials
WHERE handle=$1 AND org_id=$2 AND deleted_at IS NULL
`, handle, orgID).Scan(&rec.Handle, &rec.OrgID, &rec.Kind, &rec.Nonce, &rec.Sealed, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return secrets.Record{}, false, nil
	}
	if err != nil {
		return secrets.Record{}, false, err
	}
	return rec, true, nil
}

// DeleteCredential soft-deletes a sealed credential.
func (s *Store) DeleteCredential(ctx context.Context, orgID, handle string) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE credentials SET deleted_at=NOW() WHERE handle=$1 AND org_id=$2 AND deleted_at IS NULL
`, handle, orgID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("credential %s not found", handle)
	}
	return nil
}
