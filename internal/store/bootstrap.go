package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Bootstrap creates the engine's own tables.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, s.Dialect.SystemTablesSQL()); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}
	return nil
}

// Credential links a login email to the record of the user it signs in as.
type Credential struct {
	ID           string
	Email        string
	PasswordHash string
	UserID       string
	Active       bool
}

// CredentialByEmail returns the credential for email, or ErrNotFound.
func (s *Store) CredentialByEmail(ctx context.Context, email string) (*Credential, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT id, email, password_hash, user_id, active FROM _credentials WHERE email = %s", s.Dialect.Placeholder(1)),
		email)
	if err != nil {
		return nil, err
	}
	return credentialFromRow(row), nil
}

// CredentialByID returns the credential with id, or ErrNotFound.
func (s *Store) CredentialByID(ctx context.Context, id string) (*Credential, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT id, email, password_hash, user_id, active FROM _credentials WHERE id = %s", s.Dialect.Placeholder(1)),
		id)
	if err != nil {
		return nil, err
	}
	return credentialFromRow(row), nil
}

func credentialFromRow(row map[string]any) *Credential {
	c := &Credential{
		ID:           fmt.Sprint(row["id"]),
		Email:        fmt.Sprint(row["email"]),
		PasswordHash: fmt.Sprint(row["password_hash"]),
		UserID:       fmt.Sprint(row["user_id"]),
	}
	switch v := row["active"].(type) {
	case bool:
		c.Active = v
	case int64:
		c.Active = v != 0
	}
	return c
}

// EnsureCredential creates a credential for email unless one exists. It
// reports whether a credential was created.
func (s *Store) EnsureCredential(ctx context.Context, email, password, userID string) (bool, error) {
	_, err := s.CredentialByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, err
	}
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("INSERT INTO _credentials (id, email, password_hash, user_id) VALUES (%s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(email), pb.Add(string(hash)), pb.Add(userID))
	if _, err := Exec(ctx, s.DB, sqlStr, pb.Params()...); err != nil {
		return false, s.Dialect.MapError(err)
	}
	s.logger.Infow("credential created", "email", email, "user_id", userID)
	return true, nil
}
