package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"denim/internal/query"
)

// RefreshToken is an opaque, single-use token exchanged for a new token pair.
type RefreshToken struct {
	ID           string
	CredentialID string
	Token        string
	ExpiresAt    time.Time
}

// CreateRefreshToken stores token for the credential.
func (s *Store) CreateRefreshToken(ctx context.Context, credentialID, token string, expiresAt time.Time) error {
	pb := s.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("INSERT INTO _refresh_tokens (id, credential_id, token, expires_at) VALUES (%s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(credentialID), pb.Add(token), pb.Add(s.Dialect.TimeParam(expiresAt)))
	if _, err := Exec(ctx, s.DB, sqlStr, pb.Params()...); err != nil {
		return s.Dialect.MapError(err)
	}
	return nil
}

// RefreshTokenByValue returns the stored token, or ErrNotFound.
func (s *Store) RefreshTokenByValue(ctx context.Context, token string) (*RefreshToken, error) {
	row, err := QueryRow(ctx, s.DB,
		fmt.Sprintf("SELECT id, credential_id, token, expires_at FROM _refresh_tokens WHERE token = %s", s.Dialect.Placeholder(1)),
		token)
	if err != nil {
		return nil, err
	}
	expiresAt, _ := query.ParseTime(row["expires_at"])
	return &RefreshToken{
		ID:           fmt.Sprint(row["id"]),
		CredentialID: fmt.Sprint(row["credential_id"]),
		Token:        fmt.Sprint(row["token"]),
		ExpiresAt:    expiresAt,
	}, nil
}

// DeleteRefreshToken removes token. Deleting an unknown token is not an error.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	_, err := Exec(ctx, s.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE token = %s", s.Dialect.Placeholder(1)), token)
	return err
}

// PruneRefreshTokens deletes expired tokens.
func (s *Store) PruneRefreshTokens(ctx context.Context) (int64, error) {
	return Exec(ctx, s.DB,
		fmt.Sprintf("DELETE FROM _refresh_tokens WHERE expires_at < %s", s.Dialect.Placeholder(1)),
		s.Dialect.TimeParam(time.Now()))
}
