package hr

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"denim/internal/config"
	"denim/internal/engine"
	"denim/internal/metadata"
)

// CredentialStore creates login credentials for employee records.
type CredentialStore interface {
	EnsureCredential(ctx context.Context, email, password, userID string) (bool, error)
}

// Seed makes sure an administrator employee with a login exists. It is safe
// to run on every start.
func Seed(ctx context.Context, p *engine.Provider, creds CredentialStore, cfg config.SeedConfig, logger *zap.SugaredLogger) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	sys := metadata.WithUser(ctx, metadata.SystemUser)

	existing, err := p.RetrieveRecords(sys, EmployeeTable, &metadata.Query{
		Conditions: metadata.Where("Email", metadata.OpEquals, metadata.Lit(cfg.AdminEmail)),
		PageSize:   1,
	})
	if err != nil {
		return fmt.Errorf("look up admin employee: %w", err)
	}

	var id string
	if len(existing) > 0 {
		id = existing[0].ID()
	} else {
		name := cfg.AdminName
		if name == "" {
			name = "Administrator"
		}
		created, err := p.CreateRecord(sys, EmployeeTable, metadata.Record{
			"Name":          name,
			"Email":         cfg.AdminEmail,
			"Access Level":  "Administrator",
			"Leave Balance": 25,
		})
		if err != nil {
			return fmt.Errorf("create admin employee: %w", err)
		}
		id = created.ID()
		logger.Infow("admin employee created", "id", id, "email", cfg.AdminEmail)
	}

	if _, err := creds.EnsureCredential(ctx, cfg.AdminEmail, cfg.AdminPassword, id); err != nil {
		return fmt.Errorf("create admin credential: %w", err)
	}
	return nil
}
