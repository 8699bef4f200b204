package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/roseybot/rosey/pkg/services"
)

// userStatsResponse is the HTTP shape for one user's lifetime stats. A miss
// is a 404, so there is no found flag here.
type userStatsResponse struct {
	Username           string `json:"username"`
	FirstSeen          string `json:"first_seen"`
	LastSeen           string `json:"last_seen"`
	TotalChatLines     int64  `json:"total_chat_lines"`
	TotalTimeConnected int64  `json:"total_time_connected"`
	InSession          bool   `json:"in_session"`
}

func (s *Server) handleChannelStats(c *gin.Context) {
	stats, err := s.deps.Stats.ChannelStats(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleUserStats(c *gin.Context) {
	stats, err := s.deps.Users.GetUserStats(c.Request.Context(), c.Param("username"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, userStatsResponse{
		Username:           stats.Username,
		FirstSeen:          stats.FirstSeen,
		LastSeen:           stats.LastSeen,
		TotalChatLines:     stats.TotalChatLines,
		TotalTimeConnected: stats.TotalTimeConnected,
		InSession:          stats.CurrentSessionStart != nil,
	})
}

func (s *Server) handleRecentChat(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	lines, err := s.deps.Chat.RecentChat(c.Request.Context(), limit)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": lines, "count": len(lines)})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.deps.Status.Get(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleOutboundPending(c *gin.Context) {
	maxRetries, err := strconv.Atoi(c.DefaultQuery("max_retries", "3"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_retries must be an integer"})
		return
	}

	count, err := s.deps.Outbound.PendingCount(c.Request.Context(), maxRetries)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending_count": count})
}

// abortError maps service-layer errors to HTTP responses.
func (s *Server) abortError(c *gin.Context, err error) {
	if errors.Is(err, services.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Unexpected service error")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
