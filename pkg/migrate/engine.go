package migrate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/log"
	"github.com/roseybot/rosey/pkg/metrics"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/schema"
)

// Ledger statuses.
const (
	statusApplied    = "applied"
	statusFailed     = "failed"
	statusRolledBack = "rolled_back"
)

// errDryRun is the sentinel that unwinds a dry-run transaction. It never
// reaches callers and is never logged as a failure.
var errDryRun = errors.New("dry run rollback")

// Engine runs plugin migrations under per-plugin locks.
type Engine struct {
	db          *sqlx.DB
	root        string
	locks       *keyedLocks
	lockTimeout time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a migration engine reading files from
// <pluginRoot>/<plugin>/migrations/.
func NewEngine(db *sqlx.DB, pluginRoot string, lockTimeout time.Duration) *Engine {
	return &Engine{
		db:          db,
		root:        pluginRoot,
		locks:       newKeyedLocks(),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

func (e *Engine) migrationsDir(plugin string) string {
	return filepath.Join(e.root, plugin, "migrations")
}

// ApplyParams carries the optional knobs of an apply request.
type ApplyParams struct {
	// TargetVersion bounds the batch; nil means everything discovered.
	TargetVersion *int
	AppliedBy     string
	DryRun        bool
}

// AppliedMigration is one migration the batch ran.
type AppliedMigration struct {
	Version         int    `json:"version"`
	Name            string `json:"name"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// ApplyResult reports what an apply batch did.
type ApplyResult struct {
	Applied        []AppliedMigration `json:"applied"`
	CurrentVersion int                `json:"current_version"`
	Warnings       []string           `json:"warnings,omitempty"`
}

// Apply runs every pending migration up to the target version. The batch is
// validated before anything executes; each migration then runs in its own
// transaction and is recorded in the ledger. A dry run executes the whole
// batch inside one transaction and unwinds it at the end, leaving the ledger
// and schema untouched while still exercising every UP section in order.
func (e *Engine) Apply(ctx context.Context, plugin string, p ApplyParams) (*ApplyResult, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	release, err := e.locks.acquire(ctx, plugin, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	discovered, err := Discover(e.migrationsDir(plugin))
	if err != nil {
		return nil, err
	}
	current, err := e.currentVersion(ctx, plugin)
	if err != nil {
		return nil, err
	}

	target := 0
	for _, m := range discovered {
		if m.Version > target {
			target = m.Version
		}
	}
	if p.TargetVersion != nil {
		target = *p.TargetVersion
	}

	var pending []Migration
	for _, m := range discovered {
		if m.Version > current && m.Version <= target {
			pending = append(pending, m)
		}
	}

	result := &ApplyResult{Applied: []AppliedMigration{}, CurrentVersion: current}
	if len(pending) == 0 {
		return result, nil
	}

	batchErrors, warnings := partition(validateBatch(pending))
	if len(batchErrors) > 0 {
		msgs := make([]string, len(batchErrors))
		for i, issue := range batchErrors {
			msgs[i] = issue.Message
		}
		return nil, models.NewError(models.CodeValidationFailed,
			"migration validation failed: %s", strings.Join(msgs, "; "))
	}
	result.Warnings = warnings

	appliedBy := p.AppliedBy
	if appliedBy == "" {
		appliedBy = "system"
	}
	if p.DryRun {
		return e.dryRunApply(ctx, plugin, pending, appliedBy, result)
	}

	logger := log.WithPlugin(plugin)
	for _, m := range pending {
		elapsed, err := e.applyOne(ctx, plugin, m, appliedBy)
		if err != nil {
			metrics.RecordMigration(statusFailed)
			logger.Error().Err(err).Str("migration", m.label()).Msg("Migration failed")
			return nil, models.WrapError(models.CodeMigrationFailed, err,
				"migration %s failed (applied: %s)",
				m.label(), describeApplied(result.Applied))
		}

		result.Applied = append(result.Applied, AppliedMigration{
			Version:         m.Version,
			Name:            m.Name,
			ExecutionTimeMS: elapsed,
		})
		result.CurrentVersion = m.Version
		metrics.RecordMigration(statusApplied)
		logger.Info().Str("migration", m.label()).Int64("ms", elapsed).Msg("Migration applied")
	}
	return result, nil
}

// applyOne runs a single migration transactionally and writes its ledger
// row. A failed migration leaves a status=failed row behind, outside the
// rolled-back transaction.
func (e *Engine) applyOne(ctx context.Context, plugin string, m Migration, appliedBy string) (int64, error) {
	start := e.now()
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			return fmt.Errorf("up section: %w", err)
		}
		elapsed := e.now().Sub(start).Milliseconds()
		return e.record(ctx, tx, plugin, m, appliedBy, statusApplied, nil, elapsed)
	})
	elapsed := e.now().Sub(start).Milliseconds()

	if err != nil {
		msg := err.Error()
		if recErr := e.record(ctx, e.db, plugin, m, appliedBy, statusFailed, &msg, elapsed); recErr != nil {
			log.WithPlugin(plugin).Error().Err(recErr).
				Str("migration", m.label()).Msg("Could not record failed migration")
		}
		return elapsed, err
	}
	return elapsed, nil
}

// dryRunApply executes the pending batch inside a single transaction so that
// later migrations see the effects of earlier ones, then unwinds everything
// with the dry-run sentinel. Nothing survives, including ledger rows; a
// failed dry run leaves no failed row either.
func (e *Engine) dryRunApply(ctx context.Context, plugin string, pending []Migration, appliedBy string, result *ApplyResult) (*ApplyResult, error) {
	logger := log.WithPlugin(plugin)
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range pending {
			start := e.now()
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return models.WrapError(models.CodeMigrationFailed, err,
					"dry run of %s failed (would have applied: %s)",
					m.label(), describeApplied(result.Applied))
			}
			elapsed := e.now().Sub(start).Milliseconds()
			if err := e.record(ctx, tx, plugin, m, appliedBy, statusApplied, nil, elapsed); err != nil {
				return err
			}
			result.Applied = append(result.Applied, AppliedMigration{
				Version:         m.Version,
				Name:            m.Name,
				ExecutionTimeMS: elapsed,
			})
			metrics.RecordMigration("dry_run")
			logger.Info().Str("migration", m.label()).Msg("Migration dry run ok")
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return result, nil
	}
	return nil, err
}

// RollbackParams carries the optional knobs of a rollback request.
type RollbackParams struct {
	// TargetVersion is the version to roll back to; nil rolls back one step.
	TargetVersion *int
	AppliedBy     string
	DryRun        bool
}

// RolledBackMigration is one migration whose DOWN section ran.
type RolledBackMigration struct {
	Version         int    `json:"version"`
	Name            string `json:"name"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// RollbackResult reports what a rollback batch did.
type RollbackResult struct {
	RolledBack     []RolledBackMigration `json:"rolled_back"`
	CurrentVersion int                   `json:"current_version"`
}

// Rollback unwinds applied migrations above the target version in descending
// order, running each DOWN section in its own transaction and marking the
// ledger row rolled_back.
func (e *Engine) Rollback(ctx context.Context, plugin string, p RollbackParams) (*RollbackResult, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	release, err := e.locks.acquire(ctx, plugin, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	discovered, err := Discover(e.migrationsDir(plugin))
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}

	applied, err := e.appliedVersions(ctx, plugin)
	if err != nil {
		return nil, err
	}
	current := 0
	if len(applied) > 0 {
		current = applied[0]
	}

	target := current - 1
	if target < 0 {
		target = 0
	}
	if p.TargetVersion != nil {
		target = *p.TargetVersion
		if target < 0 {
			return nil, models.ValidationErrorf("target version must not be negative, got %d", target)
		}
	}

	// Collect the descending batch, checking each DOWN is runnable.
	var toRoll []Migration
	for _, version := range applied {
		if version <= target {
			break
		}
		m, ok := byVersion[version]
		if !ok {
			return nil, models.NewError(models.CodeRollbackFailed,
				"version %d is applied but its migration file is missing", version)
		}
		if m.DownSQL == "" {
			return nil, models.NewError(models.CodeRollbackFailed,
				"%s has no -- DOWN section", m.label())
		}
		toRoll = append(toRoll, m)
	}

	result := &RollbackResult{RolledBack: []RolledBackMigration{}, CurrentVersion: current}
	appliedBy := p.AppliedBy
	if appliedBy == "" {
		appliedBy = "system"
	}
	if p.DryRun {
		return e.dryRunRollback(ctx, plugin, toRoll, appliedBy, result)
	}

	logger := log.WithPlugin(plugin)
	for _, m := range toRoll {
		elapsed, err := e.rollbackOne(ctx, plugin, m, appliedBy)
		if err != nil {
			metrics.RecordMigration(statusFailed)
			logger.Error().Err(err).Str("migration", m.label()).Msg("Rollback failed")
			return nil, models.WrapError(models.CodeRollbackFailed, err,
				"rollback of %s failed (rolled back: %s)",
				m.label(), describeRolledBack(result.RolledBack))
		}

		result.RolledBack = append(result.RolledBack, RolledBackMigration{
			Version:         m.Version,
			Name:            m.Name,
			ExecutionTimeMS: elapsed,
		})
		metrics.RecordMigration(statusRolledBack)
		logger.Info().Str("migration", m.label()).Int64("ms", elapsed).Msg("Migration rolled back")
	}

	current, err = e.currentVersion(ctx, plugin)
	if err != nil {
		return nil, err
	}
	result.CurrentVersion = current
	return result, nil
}

// rollbackOne runs a single DOWN section transactionally and flips the
// ledger row to rolled_back. On failure the row keeps status=applied, which
// is still the truth.
func (e *Engine) rollbackOne(ctx context.Context, plugin string, m Migration, appliedBy string) (int64, error) {
	start := e.now()
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			return fmt.Errorf("down section: %w", err)
		}
		elapsed := e.now().Sub(start).Milliseconds()
		return e.record(ctx, tx, plugin, m, appliedBy, statusRolledBack, nil, elapsed)
	})
	return e.now().Sub(start).Milliseconds(), err
}

// dryRunRollback executes the descending batch inside a single transaction
// and unwinds it with the dry-run sentinel, mirroring dryRunApply.
func (e *Engine) dryRunRollback(ctx context.Context, plugin string, toRoll []Migration, appliedBy string, result *RollbackResult) (*RollbackResult, error) {
	logger := log.WithPlugin(plugin)
	err := e.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range toRoll {
			start := e.now()
			if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
				return models.WrapError(models.CodeRollbackFailed, err,
					"dry run rollback of %s failed (would have rolled back: %s)",
					m.label(), describeRolledBack(result.RolledBack))
			}
			elapsed := e.now().Sub(start).Milliseconds()
			if err := e.record(ctx, tx, plugin, m, appliedBy, statusRolledBack, nil, elapsed); err != nil {
				return err
			}
			result.RolledBack = append(result.RolledBack, RolledBackMigration{
				Version:         m.Version,
				Name:            m.Name,
				ExecutionTimeMS: elapsed,
			})
			metrics.RecordMigration("dry_run")
			logger.Info().Str("migration", m.label()).Msg("Rollback dry run ok")
		}
		return errDryRun
	})
	if errors.Is(err, errDryRun) {
		return result, nil
	}
	return nil, err
}

// LedgerEntry is one applied migration as reported by Status.
type LedgerEntry struct {
	Version         int    `json:"version"`
	Name            string `json:"name"`
	AppliedAt       string `json:"applied_at"`
	AppliedBy       string `json:"applied_by"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// PendingMigration is a discovered migration that has not been applied.
type PendingMigration struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
}

// StatusResult is the reply to a status request.
type StatusResult struct {
	CurrentVersion    int                `json:"current_version"`
	AppliedMigrations []LedgerEntry      `json:"applied_migrations"`
	PendingMigrations []PendingMigration `json:"pending_migrations"`
	Warnings          []string           `json:"warnings,omitempty"`
}

// Status reports the plugin's current version, its applied and pending
// migrations, and checksum warnings for applied files that have changed or
// disappeared since they ran.
func (e *Engine) Status(ctx context.Context, plugin string) (*StatusResult, error) {
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	release, err := e.locks.acquire(ctx, plugin, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	discovered, err := Discover(e.migrationsDir(plugin))
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Version         int    `db:"version"`
		Name            string `db:"name"`
		Checksum        string `db:"checksum"`
		AppliedAt       string `db:"applied_at"`
		AppliedBy       string `db:"applied_by"`
		ExecutionTimeMS int64  `db:"execution_time_ms"`
	}
	err = e.db.SelectContext(ctx, &rows, `
		SELECT version, name, checksum, applied_at, applied_by, execution_time_ms
		FROM plugin_schema_migrations
		WHERE plugin_name = ? AND status = ?
		ORDER BY version ASC`, plugin, statusApplied)
	if err != nil {
		return nil, models.DatabaseError("migration status", err)
	}

	byVersion := make(map[int]Migration, len(discovered))
	for _, m := range discovered {
		byVersion[m.Version] = m
	}

	result := &StatusResult{
		AppliedMigrations: []LedgerEntry{},
		PendingMigrations: []PendingMigration{},
	}
	for _, row := range rows {
		result.AppliedMigrations = append(result.AppliedMigrations, LedgerEntry{
			Version:         row.Version,
			Name:            row.Name,
			AppliedAt:       row.AppliedAt,
			AppliedBy:       row.AppliedBy,
			ExecutionTimeMS: row.ExecutionTimeMS,
		})
		if row.Version > result.CurrentVersion {
			result.CurrentVersion = row.Version
		}

		m, ok := byVersion[row.Version]
		switch {
		case !ok:
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"checksum: file for applied migration %03d_%s is missing", row.Version, row.Name))
		case m.Checksum != row.Checksum:
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"checksum: %s has changed since it was applied", m.label()))
		}
	}

	for _, m := range discovered {
		if m.Version > result.CurrentVersion {
			result.PendingMigrations = append(result.PendingMigrations, PendingMigration{
				Version: m.Version,
				Name:    m.Name,
			})
		}
	}
	return result, nil
}

// currentVersion is the highest version with status=applied, or 0.
func (e *Engine) currentVersion(ctx context.Context, plugin string) (int, error) {
	var version int
	err := e.db.GetContext(ctx, &version, `
		SELECT COALESCE(MAX(version), 0)
		FROM plugin_schema_migrations
		WHERE plugin_name = ? AND status = ?`, plugin, statusApplied)
	if err != nil {
		return 0, models.DatabaseError("migration current version", err)
	}
	return version, nil
}

// appliedVersions lists applied versions, newest first.
func (e *Engine) appliedVersions(ctx context.Context, plugin string) ([]int, error) {
	versions := []int{}
	err := e.db.SelectContext(ctx, &versions, `
		SELECT version FROM plugin_schema_migrations
		WHERE plugin_name = ? AND status = ?
		ORDER BY version DESC`, plugin, statusApplied)
	if err != nil {
		return nil, models.DatabaseError("migration history", err)
	}
	return versions, nil
}

// record upserts the ledger row for (plugin, version). It runs against the
// migration's own transaction for applied rows and against the pool for
// failed rows, which must survive the rollback.
func (e *Engine) record(ctx context.Context, ext sqlx.ExtContext, plugin string, m Migration, appliedBy, status string, errorMessage *string, elapsedMS int64) error {
	_, err := ext.ExecContext(ctx, `
		INSERT INTO plugin_schema_migrations
			(plugin_name, version, name, checksum, applied_at, applied_by, status, error_message, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (plugin_name, version) DO UPDATE SET
			name = excluded.name,
			checksum = excluded.checksum,
			applied_at = excluded.applied_at,
			applied_by = excluded.applied_by,
			status = excluded.status,
			error_message = excluded.error_message,
			execution_time_ms = excluded.execution_time_ms`,
		plugin, m.Version, m.Name, m.Checksum,
		database.FormatTime(e.now()), appliedBy, status, errorMessage, elapsedMS)
	if err != nil {
		return models.DatabaseError("migration ledger", err)
	}
	return nil
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.DatabaseError("begin migration transaction", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Logger.Error().Err(rbErr).Msg("Migration transaction rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return models.DatabaseError("commit migration transaction", err)
	}
	return nil
}

func describeApplied(applied []AppliedMigration) string {
	if len(applied) == 0 {
		return "none"
	}
	versions := make([]string, len(applied))
	for i, a := range applied {
		versions[i] = fmt.Sprintf("%d", a.Version)
	}
	return "versions " + strings.Join(versions, ", ")
}

func describeRolledBack(rolled []RolledBackMigration) string {
	if len(rolled) == 0 {
		return "none"
	}
	versions := make([]string, len(rolled))
	for i, r := range rolled {
		versions[i] = fmt.Sprintf("%d", r.Version)
	}
	return "versions " + strings.Join(versions, ", ")
}
