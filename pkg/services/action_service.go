package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/roseybot/rosey/pkg/database"
	"github.com/roseybot/rosey/pkg/models"
)

// ActionService appends to the user_actions audit log.
type ActionService struct {
	db *sqlx.DB
}

// NewActionService creates a new ActionService.
func NewActionService(db *sqlx.DB) *ActionService {
	return &ActionService{db: db}
}

// Record appends one audit row. details may be nil.
func (s *ActionService) Record(ctx context.Context, username, actionType string, details any) error {
	if username == "" {
		return models.MissingFieldError("username")
	}
	if actionType == "" {
		return models.MissingFieldError("action_type")
	}

	var detailsJSON *string
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return models.ValidationErrorf("details not serializable: %v", err)
		}
		str := string(b)
		detailsJSON = &str
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_actions (timestamp, username, action_type, details)
		VALUES (?, ?, ?, ?)`,
		database.FormatTime(time.Now()), username, actionType, detailsJSON)
	if err != nil {
		return models.DatabaseError("record user action", err)
	}
	return nil
}

// RecordPMCommand audits a command received over private message. The
// command, args, and outcome land in details; the event timestamp is kept
// there too since the audit row records arrival time.
func (s *ActionService) RecordPMCommand(ctx context.Context, cmd models.PMCommand) error {
	if cmd.Username == "" {
		return models.MissingFieldError("username")
	}
	details := map[string]any{
		"command":   cmd.Command,
		"args":      cmd.Args,
		"result":    cmd.Result,
		"timestamp": cmd.Timestamp,
	}
	if cmd.Error != "" {
		details["error"] = cmd.Error
	}
	return s.Record(ctx, cmd.Username, "pm_command", details)
}
