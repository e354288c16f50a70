// Package events implements the AmityVox event bus: a fire-and-forget
// publish/subscribe abstraction over NATS across exactly four channel
// families (guild, channel, user, broadcast). REST handlers publish the
// mutations they commit; every gateway process subscribes and re-dispatches
// to its own local sessions after a visibility check.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Channel naming is the full contract between REST and gateway; no other
// channels are read or written.
const BroadcastSubject = "broadcast"

// GuildSubject returns the channel family for events routed to every member
// of a guild.
func GuildSubject(guildID string) string { return "guild:" + guildID }

// ChannelSubject returns the channel family for events routed to viewers of
// a single channel.
func ChannelSubject(channelID string) string { return "channel:" + channelID }

// UserSubject returns the channel family for events targeted at a specific
// user's own sessions.
func UserSubject(userID string) string { return "user:" + userID }

// Target narrows delivery within a channel family: guild/channel scoping for
// the gateway's visibility filter, and an optional exclusion list used to
// suppress self-echo (e.g. a user's own PresenceUpdate).
type Target struct {
	GuildID      string   `json:"guild_id,omitempty"`
	ChannelID    string   `json:"channel_id,omitempty"`
	ExcludeUsers []string `json:"exclude_users,omitempty"`
}

// Envelope is the wire payload carried on every subject.
type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Target *Target         `json:"target,omitempty"`
}

// Bus wraps a NATS connection and implements the four-family publish/
// subscribe contract. There is deliberately no JetStream persistence here:
// at-least-once delivery across a gateway crash is out of scope, so the
// bus only needs transport-level reconnect, which nats.go already
// provides, not a durable stream.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// New connects to the NATS server at natsURL and returns a Bus. Reconnects
// are unlimited with backoff; callers observe connectivity through
// HealthCheck rather than failing publishes outright on transient loss.
func New(natsURL string, logger *slog.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("amityvox-gateway"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("event bus disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("event bus reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error("event bus error", slog.String("error", err.Error()))
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus at %s: %w", natsURL, err)
	}

	logger.Info("event bus connection established", slog.String("url", nc.ConnectedUrl()))
	return &Bus{conn: nc, logger: logger}, nil
}

// Publish sends an envelope to subject. It is fire-and-forget: it never
// blocks on subscribers and is never retried internally (the write that
// triggered it has already committed).
func (b *Bus) Publish(_ context.Context, subject string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope for %s: %w", subject, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	b.logger.Debug("event published", slog.String("subject", subject), slog.String("event", env.Event))
	return nil
}

// PublishGuildEvent publishes to guild:{guildID}.
func (b *Bus) PublishGuildEvent(ctx context.Context, guildID, event string, data interface{}, excludeUsers ...string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, GuildSubject(guildID), Envelope{
		Event: event,
		Data:  raw,
		Target: &Target{
			GuildID:      guildID,
			ExcludeUsers: excludeUsers,
		},
	})
}

// PublishChannelEvent publishes a channel-scoped event. Guild channels route
// onto guild:{guildID} (every member's session is already subscribed there;
// the gateway's visibility filter uses Target.ChannelID to require
// VIEW_CHANNEL on top of guild membership). DM channels (guildID == "") have
// no guild subject to piggyback on, so they route onto channel:{channelID}
// directly, which only their recipients' sessions subscribe to.
func (b *Bus) PublishChannelEvent(ctx context.Context, channelID, guildID, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	target := &Target{
		ChannelID: channelID,
		GuildID:   guildID,
	}
	if guildID != "" {
		return b.Publish(ctx, GuildSubject(guildID), Envelope{Event: event, Data: raw, Target: target})
	}
	return b.Publish(ctx, ChannelSubject(channelID), Envelope{Event: event, Data: raw, Target: target})
}

// PublishUserEvent publishes to user:{userID}, delivered only to that
// user's own sessions.
func (b *Bus) PublishUserEvent(ctx context.Context, userID, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, UserSubject(userID), Envelope{Event: event, Data: raw})
}

// PublishBroadcastEvent publishes to the broadcast family (e.g. a
// service-wide Reconnect request).
func (b *Bus) PublishBroadcastEvent(ctx context.Context, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	return b.Publish(ctx, BroadcastSubject, Envelope{Event: event, Data: raw})
}

// Subscribe subscribes to subject. nats.go transparently re-subscribes
// across reconnects; callers (GatewayEngine) must tolerate duplicate
// deliveries across a reconnection.
func (b *Bus) Subscribe(subject string, handler func(Envelope)) (*nats.Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("failed to unmarshal envelope",
				slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe creates a queue-group subscription for load-balanced
// delivery: each message on subject goes to only one subscriber in the
// queue group. The gateway subscribes to every family, broadcast included,
// with plain Subscribe.
func (b *Bus) QueueSubscribe(subject, queue string, handler func(Envelope)) (*nats.Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Error("failed to unmarshal envelope",
				slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribing to %s (queue %s): %w", subject, queue, err)
	}
	return sub, nil
}

// Conn returns the underlying NATS connection for advanced use (e.g. the
// integration test harness).
func (b *Bus) Conn() *nats.Conn { return b.conn }

// HealthCheck reports whether the bus connection is currently active.
func (b *Bus) HealthCheck() error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("event bus connection is not active (status: %s)", b.conn.Status())
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (b *Bus) Close() {
	b.logger.Info("closing event bus connection")
	b.conn.Drain()
}
