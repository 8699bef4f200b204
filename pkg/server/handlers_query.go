package server

import (
	"context"
	"errors"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/services"
)

func (s *Server) handleOutboundGet(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.OutboundGetRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	messages, err := s.outbound.FetchUnsent(ctx, req.Limit, req.MaxRetries)
	if err != nil {
		return nil, err
	}
	return models.OutboundGetResponse{Messages: messages}, nil
}

func (s *Server) handleRecentChat(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.RecentChatRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	lines, err := s.chat.RecentChat(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	return models.RecentChatResponse{Messages: lines}, nil
}

func (s *Server) handleChannelStats(ctx context.Context, msg *bus.Msg) (any, error) {
	if err := decodeRequest(msg.Data, &struct{}{}); err != nil {
		return nil, err
	}
	return s.stats.ChannelStats(ctx)
}

// handleUserStats answers found:false for unknown users rather than an
// error; an absent user is a normal answer, not a failure.
func (s *Server) handleUserStats(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.UserStatsRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Username == "" {
		return nil, models.MissingFieldError("username")
	}

	stats, err := s.users.GetUserStats(ctx, req.Username)
	if errors.Is(err, services.ErrNotFound) {
		return models.UserStatsResponse{Found: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return models.UserStatsResponse{
		Found:              true,
		Username:           stats.Username,
		FirstSeen:          stats.FirstSeen,
		LastSeen:           stats.LastSeen,
		TotalChatLines:     stats.TotalChatLines,
		TotalTimeConnected: stats.TotalTimeConnected,
		InSession:          stats.CurrentSessionStart != nil,
	}, nil
}

func (s *Server) handleKVSet(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.KVSetRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	var ttl int64
	if req.TTLSeconds != nil {
		ttl = *req.TTLSeconds
	}
	if err := s.kv.Set(ctx, req.PluginName, req.Key, req.Value, ttl); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleKVGet(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.KVGetRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	value, exists, err := s.kv.Get(ctx, req.PluginName, req.Key)
	if err != nil {
		return nil, err
	}
	return models.KVGetResponse{Exists: exists, Value: value}, nil
}

func (s *Server) handleKVDelete(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.KVDeleteRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	deleted, err := s.kv.Delete(ctx, req.PluginName, req.Key)
	if err != nil {
		return nil, err
	}
	return models.KVDeleteResponse{Deleted: deleted}, nil
}

func (s *Server) handleKVList(ctx context.Context, msg *bus.Msg) (any, error) {
	var req models.KVListRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	keys, truncated, err := s.kv.List(ctx, req.PluginName, req.Prefix, req.Limit)
	if err != nil {
		return nil, err
	}
	return models.KVListResponse{Keys: keys, Count: len(keys), Truncated: truncated}, nil
}
