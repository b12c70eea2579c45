// Package app holds the shared plumbing the CLI commands use to resolve the
// active project and its pipeline config.
package app

import (
	"context"
	"errors"
	"fmt"

	"faz/internal/config"
	"faz/internal/engine"
	"faz/internal/repo"
)

// ResolveProjectAndConfig picks the active project and makes sure a config
// row exists, seeding the default when missing. It prefers the override,
// then the single project in the workspace.
func ResolveProjectAndConfig(ctx context.Context, projectOverride, actorID string, e *engine.Engine) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := e.Repo.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
		projectID = p.ID
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return "", nil, err
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
