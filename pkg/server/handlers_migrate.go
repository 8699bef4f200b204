package server

import (
	"context"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/models"
)

func (s *Server) handleMigrateApply(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.MigrateApplyRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}

	// target_version is the documented name; version is accepted as an
	// alias because the rollback request uses it.
	target := req.TargetVersion
	if target == nil {
		target = req.Version
	}

	result, err := s.migrations.Apply(ctx, plugin, migrate.ApplyParams{
		TargetVersion: target,
		AppliedBy:     req.AppliedBy,
		DryRun:        req.DryRun,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Applied) > 0 {
		s.logger.Info().
			Str("plugin", plugin).
			Int("applied", len(result.Applied)).
			Int("current_version", result.CurrentVersion).
			Bool("dry_run", req.DryRun).
			Msg("Applied plugin migrations")
	}
	return result, nil
}

func (s *Server) handleMigrateRollback(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.MigrateRollbackRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}

	result, err := s.migrations.Rollback(ctx, plugin, migrate.RollbackParams{
		TargetVersion: req.Version,
		AppliedBy:     req.AppliedBy,
		DryRun:        req.DryRun,
	})
	if err != nil {
		return nil, err
	}
	if len(result.RolledBack) > 0 {
		s.logger.Info().
			Str("plugin", plugin).
			Int("rolled_back", len(result.RolledBack)).
			Int("current_version", result.CurrentVersion).
			Bool("dry_run", req.DryRun).
			Msg("Rolled back plugin migrations")
	}
	return result, nil
}

func (s *Server) handleMigrateStatus(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	if err := decodeRequest(msg.Data, &struct{}{}); err != nil {
		return nil, err
	}
	return s.migrations.Status(ctx, plugin)
}
