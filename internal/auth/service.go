package auth

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"denim/internal/authz"
	"denim/internal/engine"
	"denim/internal/metadata"
	"denim/internal/store"
)

// Service signs callers in against the credential table and resolves the
// caller context of authenticated requests.
type Service struct {
	store      *store.Store
	provider   *engine.Provider
	authorizer *authz.Authorizer
	userTable  string
	secret     string
	logger     *zap.SugaredLogger
}

func NewService(s *store.Store, p *engine.Provider, a *authz.Authorizer, userTable, secret string, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: s, provider: p, authorizer: a, userTable: userTable, secret: secret, logger: logger}
}

// Login checks the password for email and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	cred, err := s.store.CredentialByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.UnauthorizedError("Invalid email or password")
	}
	if err != nil {
		return nil, err
	}
	if !cred.Active {
		return nil, engine.UnauthorizedError("Account is disabled")
	}
	if !CheckPassword(password, cred.PasswordHash) {
		s.logger.Infow("login failed", "email", email)
		return nil, engine.UnauthorizedError("Invalid email or password")
	}
	return s.issue(ctx, cred)
}

// Refresh exchanges a refresh token for a new pair. Tokens are single use.
func (s *Service) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	rt, err := s.store.RefreshTokenByValue(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.UnauthorizedError("Invalid refresh token")
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteRefreshToken(ctx, token); err != nil {
		return nil, err
	}
	if time.Now().After(rt.ExpiresAt) {
		return nil, engine.UnauthorizedError("Refresh token expired")
	}

	cred, err := s.store.CredentialByID(ctx, rt.CredentialID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.UnauthorizedError("Invalid refresh token")
	}
	if err != nil {
		return nil, err
	}
	if !cred.Active {
		return nil, engine.UnauthorizedError("Account is disabled")
	}
	return s.issue(ctx, cred)
}

// Logout revokes a refresh token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteRefreshToken(ctx, token)
}

func (s *Service) issue(ctx context.Context, cred *store.Credential) (*TokenPair, error) {
	access, err := GenerateAccessToken(cred.UserID, cred.Email, s.secret)
	if err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to generate access token")
	}
	refresh := GenerateRefreshToken()
	if err := s.store.CreateRefreshToken(ctx, cred.ID, refresh, time.Now().Add(RefreshTokenTTL)); err != nil {
		return nil, engine.NewAppError("INTERNAL_ERROR", 500, "Failed to store refresh token")
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Caller loads the caller context for a verified token: the caller's own
// record, read with system privileges, and the ids of the roles that apply
// to it.
func (s *Service) Caller(ctx context.Context, claims *Claims) (*metadata.UserContext, error) {
	rec, err := s.provider.RetrieveRecord(metadata.WithUser(ctx, metadata.SystemUser), s.userTable, claims.Subject, nil)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, engine.UnauthorizedError("Unknown user")
	}
	caller := &metadata.UserContext{ID: claims.Subject, Record: rec}
	roles, err := s.authorizer.ApplicableRoles(caller)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		caller.Roles = append(caller.Roles, role.ID)
	}
	return caller, nil
}

// Authenticate parses a bearer token and returns the caller it belongs to.
func (s *Service) Authenticate(ctx context.Context, token string) (*metadata.UserContext, error) {
	claims, err := ParseAccessToken(token, s.secret)
	if err != nil {
		return nil, engine.UnauthorizedError("Invalid or expired token")
	}
	return s.Caller(ctx, claims)
}
