package store

import (
	"context"

	"github.com/google/uuid"
)

const accountColumns = `id, email, password_hash, role, family_id, created_at`

// InsertAccountParams describes a new login identity.
type InsertAccountParams struct {
	Email        string
	PasswordHash string
	Role         string
	FamilyID     *uuid.UUID
}

// InsertAccount creates an account. Email carries a unique constraint.
func (s *Store) InsertAccount(ctx context.Context, arg InsertAccountParams) (Account, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO accounts (email, password_hash, role, family_id)
		VALUES ($1, $2, $3, $4)
		RETURNING `+accountColumns,
		arg.Email, arg.PasswordHash, arg.Role, arg.FamilyID)
	return scanAccount(row)
}

// GetAccountByEmail loads an account for login.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email)
	return scanAccount(row)
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.Role, &a.FamilyID, &a.CreatedAt)
	return a, err
}
