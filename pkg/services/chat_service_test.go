package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/roseybot/rosey/test/database"
)

func TestChatService_LogMessage(t *testing.T) {
	client := testdb.NewTestClient(t)
	chat := NewChatService(client.DB())
	ctx := context.Background()

	t.Run("appends lines in order", func(t *testing.T) {
		require.NoError(t, chat.LogMessage(ctx, "alice", "hello"))
		require.NoError(t, chat.LogMessage(ctx, "bob", "hi alice"))

		lines, err := chat.RecentChat(ctx, 10)
		require.NoError(t, err)
		require.Len(t, lines, 2)
		assert.Equal(t, "alice", lines[0].Username)
		assert.Equal(t, "hello", lines[0].Message)
		assert.Equal(t, "bob", lines[1].Username)
	})

	t.Run("rejects empty username", func(t *testing.T) {
		require.Error(t, chat.LogMessage(ctx, "", "anonymous"))
	})
}

func TestChatService_RecentChat(t *testing.T) {
	client := testdb.NewTestClient(t)
	chat := NewChatService(client.DB())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, chat.LogMessage(ctx, "alice", fmt.Sprintf("line %d", i)))
	}

	t.Run("limit keeps the newest lines", func(t *testing.T) {
		lines, err := chat.RecentChat(ctx, 3)
		require.NoError(t, err)
		require.Len(t, lines, 3)
		assert.Equal(t, "line 7", lines[0].Message)
		assert.Equal(t, "line 9", lines[2].Message)
	})

	t.Run("zero limit uses the default", func(t *testing.T) {
		lines, err := chat.RecentChat(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, lines, 10)
	})

	t.Run("timestamps are sortable strings", func(t *testing.T) {
		lines, err := chat.RecentChat(ctx, 10)
		require.NoError(t, err)
		for i := 1; i < len(lines); i++ {
			assert.LessOrEqual(t, lines[i-1].Timestamp, lines[i].Timestamp)
		}
	})
}

func TestChatService_TrimOlderThan(t *testing.T) {
	client := testdb.NewTestClient(t)
	chat := NewChatService(client.DB())
	ctx := context.Background()

	require.NoError(t, chat.LogMessage(ctx, "alice", "old news"))
	require.NoError(t, chat.LogMessage(ctx, "bob", "newer"))

	t.Run("past cutoff removes nothing", func(t *testing.T) {
		n, err := chat.TrimOlderThan(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("future cutoff removes everything", func(t *testing.T) {
		n, err := chat.TrimOlderThan(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		lines, err := chat.RecentChat(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})
}
