package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/models"
	testdb "github.com/roseybot/rosey/test/database"
)

func rawStatus(t *testing.T, pairs map[string]any) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[k] = b
	}
	return out
}

func TestStatusService_Update(t *testing.T) {
	client := testdb.NewTestClient(t)
	status := NewStatusService(client.DB())
	ctx := context.Background()

	t.Run("writes known fields", func(t *testing.T) {
		err := status.Update(ctx, rawStatus(t, map[string]any{
			"bot_name":           "rosey",
			"bot_rank":           3.0,
			"bot_afk":            false,
			"channel_name":       "lobby",
			"current_chat_users": 17,
			"bot_connected":      true,
		}))
		require.NoError(t, err)

		snap, err := status.Get(ctx)
		require.NoError(t, err)
		require.NotNil(t, snap.BotName)
		assert.Equal(t, "rosey", *snap.BotName)
		require.NotNil(t, snap.BotRank)
		assert.Equal(t, 3.0, *snap.BotRank)
		require.NotNil(t, snap.BotAFK)
		assert.False(t, *snap.BotAFK)
		require.NotNil(t, snap.CurrentChatUsers)
		assert.Equal(t, int64(17), *snap.CurrentChatUsers)
		require.NotNil(t, snap.BotConnected)
		assert.True(t, *snap.BotConnected)
		assert.NotEmpty(t, snap.LastUpdated)
	})

	t.Run("unknown fields are dropped silently", func(t *testing.T) {
		err := status.Update(ctx, rawStatus(t, map[string]any{
			"bot_name":      "rosey2",
			"secret_field":  "ignored",
			"another_field": 42,
		}))
		require.NoError(t, err)

		snap, err := status.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rosey2", *snap.BotName)
	})

	t.Run("all-unknown update writes nothing", func(t *testing.T) {
		before, err := status.Get(ctx)
		require.NoError(t, err)

		err = status.Update(ctx, rawStatus(t, map[string]any{"nope": 1}))
		require.NoError(t, err)

		after, err := status.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.LastUpdated, after.LastUpdated)
	})

	t.Run("partial update leaves other fields alone", func(t *testing.T) {
		err := status.Update(ctx, rawStatus(t, map[string]any{"current_media_title": "intermission"}))
		require.NoError(t, err)

		snap, err := status.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rosey2", *snap.BotName)
		require.NotNil(t, snap.CurrentMediaTitle)
		assert.Equal(t, "intermission", *snap.CurrentMediaTitle)
	})

	t.Run("rejects non-scalar values", func(t *testing.T) {
		err := status.Update(ctx, rawStatus(t, map[string]any{
			"bot_name": map[string]string{"nested": "object"},
		}))
		require.Error(t, err)
		assert.True(t, models.IsCode(err, models.CodeValidationError))
	})

	t.Run("rejects empty status_data", func(t *testing.T) {
		err := status.Update(ctx, nil)
		require.Error(t, err)
		assert.True(t, models.IsCode(err, models.CodeMissingField))
	})
}
