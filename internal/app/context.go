package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"budgetline/internal/config"
	"budgetline/internal/repo"
)

// ResolveUniteAndConfig picks the active organizational unit and ensures the
// unit plus its config exist in the database, seeding defaults when missing.
// It prefers the explicit override, then a workspace budgetline.yml, then the
// single unit already in the database.
func ResolveUniteAndConfig(ctx context.Context, workspace, uniteOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	uniteID := uniteOverride
	if uniteID == "" && fileCfg != nil {
		uniteID = fileCfg.Unite.ID
	}
	if uniteID == "" {
		u, err := r.SingleUnite(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("unite not specified; use --unite or add a budgetline.yml")
			}
			return "", nil, err
		}
		uniteID = u.ID
	}

	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(uniteID)
	}

	if _, err := r.GetUnite(ctx, uniteID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createUnite(ctx, r, uniteID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetUniteConfig(ctx, uniteID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertUniteConfig(ctx, uniteID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed unite config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Unite.ID = uniteID
	return uniteID, cfg, nil
}

// createUnite inserts a minimal unit footprint using the seed config.
func createUnite(ctx context.Context, r repo.Repo, uniteID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(uniteID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureUnite(ctx, tx, uniteID, seedCfg.Unite.Name, now); err != nil {
		return fmt.Errorf("ensure unite: %w", err)
	}
	if err := r.UpsertUniteConfigTx(ctx, tx, uniteID, seedCfg); err != nil {
		return fmt.Errorf("insert unite config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	return tx.Commit()
}
