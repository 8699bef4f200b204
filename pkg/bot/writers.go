package bot

import (
	"encoding/json"
	"strings"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/events"
	"github.com/roseybot/rosey/pkg/models"
)

// handleEvent folds one normalized event into state and publishes the
// corresponding database writes. Events are also rebroadcast on the
// rosey.events.* subjects so plugins can consume them without a platform
// connection of their own.
func (b *Bot) handleEvent(evt events.Event) {
	b.state.Apply(evt)
	b.rebroadcast(evt)

	switch evt.Name {
	case events.Message:
		// The bot's own lines echo back from the platform.
		if b.state.IsSelf(evt.User) {
			return
		}
		b.publish(bus.SubjectMessageLog, models.MessageLog{
			Username: evt.User,
			Message:  evt.Content,
		})

	case events.PM:
		if cmd, ok := parsePMCommand(evt); ok {
			b.publish(bus.SubjectActionPMCommand, cmd)
		}

	case events.UserJoin:
		b.publish(bus.SubjectUserJoined, models.UserJoined{Username: evt.User})

	case events.UserLeave:
		b.publish(bus.SubjectUserLeft, models.UserLeft{Username: evt.User})

	case events.UserList:
		// Joins are idempotent on the database side, so replaying the
		// roster reopens any sessions missed across a reconnect.
		for _, u := range evt.Users {
			b.publish(bus.SubjectUserJoined, models.UserJoined{Username: u.Username})
		}
		b.publishUserCount()

	case events.Connected, events.Disconnected:
		b.publishStatus()

	case "usercount":
		b.publishUserCount()
	}
}

// rebroadcast mirrors the event onto the bus verbatim.
func (b *Bot) rebroadcast(evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error().Err(err).Str("event", evt.Name).Msg("Could not encode event")
		return
	}
	if err := b.conn.Publish(events.Subject(evt.Name), data); err != nil {
		b.logger.Warn().Err(err).Str("event", evt.Name).Msg("Event rebroadcast failed")
	}
}

func (b *Bot) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Msg("Could not encode payload")
		return
	}
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("Publish failed")
	}
}

func (b *Bot) publishUserCount() {
	chat, connected := b.state.Counts()
	b.publish(bus.SubjectStatsUserCount, models.UserCount{
		ChatCount:      chat,
		ConnectedCount: connected,
	})
	if hwChat, hwConnected, ok := b.state.HighWater(); ok {
		hw := models.HighWater{ChatCount: hwChat}
		if hwConnected > 0 {
			hw.ConnectedCount = &hwConnected
		}
		b.publish(bus.SubjectStatsHighWater, hw)
	}
}

func (b *Bot) publishStatus() {
	b.publish(bus.SubjectStatusUpdate, models.StatusUpdate{
		StatusData: b.state.StatusData(),
	})
}

// parsePMCommand recognizes a leading ! in a private message and records it
// as a command audit entry. There is no dispatcher here; plugins observe
// the pm events themselves, so the result starts as pending.
func parsePMCommand(evt events.Event) (models.PMCommand, bool) {
	content := strings.TrimSpace(evt.Content)
	if !strings.HasPrefix(content, "!") {
		return models.PMCommand{}, false
	}
	tokens := strings.Fields(strings.TrimPrefix(content, "!"))
	if len(tokens) == 0 || tokens[0] == "" {
		return models.PMCommand{}, false
	}
	return models.PMCommand{
		Timestamp: evt.Timestamp,
		Username:  evt.User,
		Command:   tokens[0],
		Args:      tokens[1:],
		Result:    models.PMResultPending,
	}, true
}
