package server

import (
	"context"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/models"
)

// Fire-and-forget state writes. These handlers validate, write, and return;
// the publisher never sees the result, so failures surface only in logs and
// metrics.

func (s *Server) handleUserJoined(ctx context.Context, msg *bus.Msg) error {
	var req models.UserJoined
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return models.MissingFieldError("username")
	}
	return s.users.HandleJoin(ctx, req.Username)
}

func (s *Server) handleUserLeft(ctx context.Context, msg *bus.Msg) error {
	var req models.UserLeft
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return models.MissingFieldError("username")
	}
	return s.users.HandleLeave(ctx, req.Username)
}

// handleMessageLog appends to the transcript and bumps the author's lifetime
// line count. The two writes are independent; a failure in the second does
// not unwind the first.
func (s *Server) handleMessageLog(ctx context.Context, msg *bus.Msg) error {
	var req models.MessageLog
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return models.MissingFieldError("username")
	}
	if req.Message == "" {
		return models.MissingFieldError("message")
	}
	if err := s.chat.LogMessage(ctx, req.Username, req.Message); err != nil {
		return err
	}
	return s.users.RecordChatLine(ctx, req.Username)
}

func (s *Server) handleUserCount(ctx context.Context, msg *bus.Msg) error {
	var req models.UserCount
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	return s.stats.RecordUserCount(ctx, req.ChatCount, req.ConnectedCount)
}

func (s *Server) handleHighWater(ctx context.Context, msg *bus.Msg) error {
	var req models.HighWater
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	return s.stats.UpdateHighWater(ctx, req)
}

func (s *Server) handleStatusUpdate(ctx context.Context, msg *bus.Msg) error {
	var req models.StatusUpdate
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.StatusData == nil {
		return models.MissingFieldError("status_data")
	}
	return s.status.Update(ctx, req.StatusData)
}

func (s *Server) handleMarkSent(ctx context.Context, msg *bus.Msg) error {
	var req models.MarkSent
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return models.MissingFieldError("message_id")
	}
	return s.outbound.MarkSent(ctx, req.MessageID)
}

func (s *Server) handleMarkFailed(ctx context.Context, msg *bus.Msg) error {
	var req models.MarkFailed
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return models.MissingFieldError("message_id")
	}
	return s.outbound.MarkFailed(ctx, req.MessageID, req.Error, req.Permanent)
}

func (s *Server) handlePMCommand(ctx context.Context, msg *bus.Msg) error {
	var req models.PMCommand
	if err := decodeRequest(msg.Data, &req); err != nil {
		return err
	}
	if req.Username == "" {
		return models.MissingFieldError("username")
	}
	if req.Command == "" {
		return models.MissingFieldError("command")
	}
	return s.actions.RecordPMCommand(ctx, req)
}
