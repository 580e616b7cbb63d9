package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// User is a dashboard account scoped to one organization.
type User struct {
	ID           string
	OrgID        string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// CreateUser inserts an account.
func (s *Store) CreateUser(ctx context.Context, orgID, email, passwordHash, role string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO users (org_id, email, password_hash, role) VALUES ($1,$2,$3,$4) RETURNING id
`, orgID, email, passwordHash, role).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// GetUserByEmail loads a live account for login.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `
SELECT id, org_id, email, password_hash, role, created_at
FROM users
WHERE email=$1 AND deleted_at IS NULL
`, email).Scan(&u.ID, &u.OrgID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return User{}, fmt.Errorf("user not found")
	}
	return u, err
}

// UserRole resolves the account's role within the organization. Users from
// other organizations get no role.
func (s *Store) UserRole(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := s.DB.QueryRowContext(ctx, `
SELECT role FROM users WHERE id=$1 AND org_id=$2 AND deleted_at IS NULL
`, userID, orgID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}
