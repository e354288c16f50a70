// Package gateway implements the WebSocket gateway: the per-connection state
// machine (Hello, Identify/Resume, heartbeat liveness, visibility-filtered
// dispatch) that turns a bus envelope into a frame on exactly the sessions
// entitled to see it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// Op codes (spec §4.5.2). Gaps at 6, 8, 9 are intentional — they mirror the
// sparse numbering of the protocol this was adapted from and are reserved,
// not assigned.
const (
	OpDispatch       = 0
	OpHeartbeat      = 1
	OpIdentify       = 2
	OpPresenceUpdate = 3
	OpResume         = 4
	OpReconnect      = 5
	OpInvalidSession = 7
	OpHello          = 10
	OpHeartbeatAck   = 11
)

// Close codes (spec §4.5.6).
const (
	CloseUnknown              = websocket.StatusCode(4000)
	CloseUnknownOpcode        = websocket.StatusCode(4001)
	CloseDecodeError          = websocket.StatusCode(4002)
	CloseNotAuthenticated     = websocket.StatusCode(4003)
	CloseAuthFailed           = websocket.StatusCode(4004)
	CloseAlreadyAuthenticated = websocket.StatusCode(4005)
	CloseInvalidSequence      = websocket.StatusCode(4007)
	CloseRateLimited          = websocket.StatusCode(4008)
	CloseSessionTimeout       = websocket.StatusCode(4009)
)

// GatewayMessage is the wire frame (spec §4.5.1): { op, t?, s?, d? }.
type GatewayMessage struct {
	Op   int             `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  *int64          `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// IdentifyPayload is op 2's payload.
type IdentifyPayload struct {
	Token      string          `json:"token"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// ResumePayload is op 4's payload.
type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// PresenceUpdatePayload is op 3's payload.
type PresenceUpdatePayload struct {
	Status string `json:"status"`
}

// HelloPayload is op 10's payload.
type HelloPayload struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// readyGuildRef is one entry of READY's guilds list (spec §4.5.3): every
// guild is reported unavailable, then immediately followed by a full
// GUILD_CREATE dispatch for it.
type readyGuildRef struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// readyPayload is the Dispatch data for event "READY".
type readyPayload struct {
	V                int             `json:"v"`
	User             json.RawMessage `json:"user"`
	Guilds           []readyGuildRef `json:"guilds"`
	SessionID        string          `json:"session_id"`
	ResumeGatewayURL string          `json:"resume_gateway_url,omitempty"`
}

// presenceUpdateBroadcast is the payload published to guild subjects on a
// client PresenceUpdate.
type presenceUpdateBroadcast struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Config tunes the engine's timing and rate-limit behavior (spec §5).
type Config struct {
	HeartbeatInterval time.Duration
	IdentifyTimeout   time.Duration
	WriteQueueSize    int

	IdentifyPerIP      int
	IdentifyWindow     time.Duration
	PresencePerSession int
	PresenceWindow     time.Duration
	AnyOpPerSession    int
	AnyOpWindow        time.Duration
	ResumeGatewayURL   string
}

// DefaultConfig returns the gateway's production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  45 * time.Second,
		IdentifyTimeout:    30 * time.Second,
		WriteQueueSize:     256,
		IdentifyPerIP:      1,
		IdentifyWindow:     5 * time.Second,
		PresencePerSession: 5,
		PresenceWindow:     60 * time.Second,
		AnyOpPerSession:    120,
		AnyOpWindow:        60 * time.Second,
	}
}

// TokenValidator validates a gateway access token and returns the subject
// user id. Implemented by internal/auth.Service.
type TokenValidator interface {
	ValidateAccessToken(token string) (snowflake.ID, error)
}

// Engine accepts WebSocket connections and drives the per-connection state
// machine. One Engine per process; it owns no per-connection state itself
// beyond what is needed to construct connections.
type Engine struct {
	cfg      Config
	registry *presence.Registry
	cache    *presence.Cache
	bus      *events.Bus
	tokens   TokenValidator
	store    Store
	logger   *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg Config, registry *presence.Registry, cache *presence.Cache, bus *events.Bus, tokens TokenValidator, store Store, logger *slog.Logger) *Engine {
	return &Engine{cfg: cfg, registry: registry, cache: cache, bus: bus, tokens: tokens, store: store, logger: logger}
}

// ServeHTTP upgrades the request to a WebSocket and drives one connection to
// completion. It never returns until the connection closes.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		e.logger.Warn("gateway accept failed", slog.String("error", err.Error()))
		return
	}

	c := &connection{
		engine:          e,
		ws:              ws,
		remoteIP:        clientIP(r),
		state:           stateAwaitingIdentify,
		writeCh:         make(chan []byte, e.cfg.WriteQueueSize),
		closed:          make(chan struct{}),
		guildIDs:        make(map[string]bool),
		dmChannelIDs:    make(map[string]bool),
		presenceStatus:  presence.StatusOnline,
		anyOpLimiter:    rate.NewLimiter(rate.Every(e.cfg.AnyOpWindow/time.Duration(e.cfg.AnyOpPerSession)), e.cfg.AnyOpPerSession),
		presenceLimiter: rate.NewLimiter(rate.Every(e.cfg.PresenceWindow/time.Duration(e.cfg.PresencePerSession)), e.cfg.PresencePerSession),
	}
	c.run(r.Context())
}

// connection states.
const (
	stateAwaitingIdentify = iota
	stateConnected
	stateClosed
)

// connection is one GatewayEngine session: the reader owns the socket's read
// half and runs in the goroutine that calls run; the writer owns the write
// half and drains writeCh. Neither touches the other's state directly.
type connection struct {
	engine   *Engine
	ws       *websocket.Conn
	remoteIP string

	mu             sync.Mutex
	state          int
	sessionID      string
	userID         string
	guildIDs       map[string]bool
	dmChannelIDs   map[string]bool
	subs           []*nats.Subscription
	lastAckSeq     int64
	presenceStatus string

	writeCh   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	anyOpLimiter    *rate.Limiter
	presenceLimiter *rate.Limiter

	zombieTimer *time.Timer
}

func (c *connection) run(ctx context.Context) {
	go c.writerLoop()
	defer c.teardown(ctx)

	if !c.enqueue(GatewayMessage{Op: OpHello, Data: mustMarshal(HelloPayload{
		HeartbeatInterval: c.engine.cfg.HeartbeatInterval.Milliseconds(),
	})}) {
		return
	}

	identifyDeadline := time.AfterFunc(c.engine.cfg.IdentifyTimeout, func() {
		if c.getState() == stateAwaitingIdentify {
			c.closeWith(CloseNotAuthenticated, "identify timeout")
		}
	})
	defer identifyDeadline.Stop()

	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if c.getState() == stateClosed {
			return
		}

		var msg GatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.closeWith(CloseDecodeError, "decode error")
			return
		}

		if !c.anyOpLimiter.Allow() {
			c.closeWith(CloseRateLimited, "rate limited")
			return
		}

		switch c.getState() {
		case stateAwaitingIdentify:
			switch msg.Op {
			case OpIdentify:
				if !c.handleIdentify(ctx, msg) {
					return
				}
			case OpResume:
				c.handleResume(ctx, msg)
			default:
				c.closeWith(CloseNotAuthenticated, "not authenticated")
				return
			}
		case stateConnected:
			switch msg.Op {
			case OpHeartbeat:
				c.handleHeartbeat(ctx, msg)
			case OpPresenceUpdate:
				c.handlePresenceUpdate(ctx, msg)
			case OpIdentify:
				c.closeWith(CloseAlreadyAuthenticated, "already authenticated")
				return
			default:
				c.closeWith(CloseUnknownOpcode, "unknown opcode")
				return
			}
		}
	}
}

func (c *connection) getState() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) setState(s int) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *connection) currentUserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *connection) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// handleIdentify processes op 2 (spec §4.5.3). It returns false when the
// connection has been closed and the read loop must stop.
func (c *connection) handleIdentify(ctx context.Context, msg GatewayMessage) bool {
	var payload IdentifyPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.closeWith(CloseDecodeError, "decode error")
		return false
	}

	limit, err := c.engine.cache.CheckRateLimitInfo(ctx, "identify:"+c.remoteIP, c.engine.cfg.IdentifyPerIP, c.engine.cfg.IdentifyWindow)
	if err != nil {
		c.engine.logger.Error("identify rate limit check failed", slog.String("error", err.Error()))
	} else if !limit.Allowed {
		c.closeWith(CloseRateLimited, "rate limited")
		return false
	}

	userID, err := c.engine.tokens.ValidateAccessToken(payload.Token)
	if err != nil {
		c.closeWith(CloseAuthFailed, "auth failed")
		return false
	}
	uid := userID.String()

	guildIDs, err := c.engine.store.UserGuildIDs(ctx, uid)
	if err != nil {
		c.engine.logger.Error("loading guild memberships failed", slog.String("error", err.Error()))
		c.closeWith(CloseAuthFailed, "auth failed")
		return false
	}
	dmChannelIDs, err := c.engine.store.UserDMChannelIDs(ctx, uid)
	if err != nil {
		c.engine.logger.Error("loading dm channels failed", slog.String("error", err.Error()))
		c.closeWith(CloseAuthFailed, "auth failed")
		return false
	}

	sess, err := c.engine.registry.Create(ctx, uid, guildIDs, c)
	if err != nil {
		c.engine.logger.Error("session create failed", slog.String("error", err.Error()))
		c.closeWith(CloseUnknown, "internal error")
		return false
	}

	c.mu.Lock()
	c.sessionID = sess.SessionID
	c.userID = uid
	for _, id := range guildIDs {
		c.guildIDs[id] = true
	}
	for _, id := range dmChannelIDs {
		c.dmChannelIDs[id] = true
	}
	c.mu.Unlock()

	c.subscribeAll(uid, guildIDs, dmChannelIDs)

	selfPayload, err := c.engine.store.SelfPayload(ctx, uid)
	if err != nil {
		c.engine.logger.Error("loading self payload failed", slog.String("error", err.Error()))
		c.closeWith(CloseUnknown, "internal error")
		return false
	}

	guildRefs := make([]readyGuildRef, len(guildIDs))
	for i, id := range guildIDs {
		guildRefs[i] = readyGuildRef{ID: id, Unavailable: true}
	}
	ready := readyPayload{
		V:                1,
		User:             selfPayload,
		Guilds:           guildRefs,
		SessionID:        sess.SessionID,
		ResumeGatewayURL: c.engine.cfg.ResumeGatewayURL,
	}
	if _, err := c.engine.registry.AppendEvent(ctx, sess.SessionID, "READY", mustMarshal(ready)); err != nil {
		c.engine.logger.Error("appending READY failed", slog.String("error", err.Error()))
		c.closeWith(CloseUnknown, "internal error")
		return false
	}

	for _, guildID := range guildIDs {
		snapshot, err := c.engine.store.GuildSnapshot(ctx, guildID)
		if err != nil {
			c.engine.logger.Error("loading guild snapshot failed", slog.String("guild_id", guildID), slog.String("error", err.Error()))
			continue
		}
		if _, err := c.engine.registry.AppendEvent(ctx, sess.SessionID, "GUILD_CREATE", snapshot); err != nil {
			c.engine.logger.Error("appending GUILD_CREATE failed", slog.String("error", err.Error()))
		}
	}

	if err := c.engine.cache.SetPresence(ctx, uid, presence.StatusOnline, 2*c.engine.cfg.HeartbeatInterval); err != nil {
		c.engine.logger.Warn("set presence failed", slog.String("error", err.Error()))
	}

	c.setState(stateConnected)
	c.armZombieTimer()
	return true
}

// handleResume processes op 4 (spec §4.5.3).
func (c *connection) handleResume(ctx context.Context, msg GatewayMessage) {
	var payload ResumePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.closeWith(CloseDecodeError, "decode error")
		return
	}

	userID, err := c.engine.tokens.ValidateAccessToken(payload.Token)
	if err != nil {
		c.closeWith(CloseAuthFailed, "auth failed")
		return
	}
	uid := userID.String()

	replay, sess, err := c.engine.registry.Resume(ctx, payload.SessionID, payload.Seq, c)
	if err != nil {
		var invalid *presence.InvalidSessionError
		if errors.As(err, &invalid) {
			c.enqueue(GatewayMessage{Op: OpInvalidSession, Data: mustMarshal(invalid.Resumable)})
			return
		}
		c.engine.logger.Error("resume failed", slog.String("error", err.Error()))
		c.enqueue(GatewayMessage{Op: OpInvalidSession, Data: mustMarshal(false)})
		return
	}
	if sess.UserID != uid {
		c.enqueue(GatewayMessage{Op: OpInvalidSession, Data: mustMarshal(false)})
		return
	}

	dmChannelIDs, err := c.engine.store.UserDMChannelIDs(ctx, uid)
	if err != nil {
		c.engine.logger.Error("loading dm channels failed", slog.String("error", err.Error()))
		dmChannelIDs = nil
	}

	c.mu.Lock()
	c.sessionID = sess.SessionID
	c.userID = uid
	for _, id := range sess.Guilds {
		c.guildIDs[id] = true
	}
	for _, id := range dmChannelIDs {
		c.dmChannelIDs[id] = true
	}
	c.mu.Unlock()

	c.subscribeAll(uid, sess.Guilds, dmChannelIDs)

	for _, ev := range replay {
		seq := ev.Sequence
		c.enqueue(GatewayMessage{Op: OpDispatch, Type: ev.Event, Seq: &seq, Data: ev.Data})
	}

	if _, err := c.engine.registry.AppendEvent(ctx, sess.SessionID, "RESUMED", mustMarshal(struct{}{})); err != nil {
		c.engine.logger.Error("appending RESUMED failed", slog.String("error", err.Error()))
	}

	c.setState(stateConnected)
	c.armZombieTimer()
}

// handleHeartbeat processes op 1 while Connected (spec §4.5.3/§4.5.4).
func (c *connection) handleHeartbeat(ctx context.Context, msg GatewayMessage) {
	var seq *int64
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		var s int64
		if err := json.Unmarshal(msg.Data, &s); err == nil {
			seq = &s
		}
	}
	c.mu.Lock()
	if seq != nil {
		c.lastAckSeq = *seq
	}
	status := c.presenceStatus
	uid := c.userID
	c.mu.Unlock()

	c.enqueue(GatewayMessage{Op: OpHeartbeatAck})
	c.armZombieTimer()

	if err := c.engine.cache.SetPresence(ctx, uid, status, 2*c.engine.cfg.HeartbeatInterval); err != nil {
		c.engine.logger.Warn("refresh presence failed", slog.String("error", err.Error()))
	}
}

// handlePresenceUpdate processes op 3 while Connected (spec §4.5.3).
func (c *connection) handlePresenceUpdate(ctx context.Context, msg GatewayMessage) {
	if !c.presenceLimiter.Allow() {
		c.closeWith(CloseRateLimited, "rate limited")
		return
	}

	var payload PresenceUpdatePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		c.closeWith(CloseDecodeError, "decode error")
		return
	}
	status := normalizePresenceStatus(payload.Status)

	c.mu.Lock()
	c.presenceStatus = status
	uid := c.userID
	guildIDs := make([]string, 0, len(c.guildIDs))
	for id := range c.guildIDs {
		guildIDs = append(guildIDs, id)
	}
	c.mu.Unlock()

	if err := c.engine.cache.SetPresence(ctx, uid, status, 2*c.engine.cfg.HeartbeatInterval); err != nil {
		c.engine.logger.Warn("set presence failed", slog.String("error", err.Error()))
	}

	payloadData := presenceUpdateBroadcast{UserID: uid, Status: status}
	for _, guildID := range guildIDs {
		if err := c.engine.bus.PublishGuildEvent(ctx, guildID, "PRESENCE_UPDATE", payloadData, uid); err != nil {
			c.engine.logger.Error("publishing presence update failed", slog.String("error", err.Error()))
		}
	}
}

// normalizePresenceStatus maps the wire vocabulary (which includes "dnd")
// onto presence's six-value status set. Unrecognized values default to
// online rather than rejecting the update outright.
func normalizePresenceStatus(s string) string {
	switch s {
	case "dnd":
		return presence.StatusBusy
	case presence.StatusOnline, presence.StatusIdle, presence.StatusFocus, presence.StatusBusy, presence.StatusInvisible, presence.StatusOffline:
		return s
	default:
		return presence.StatusOnline
	}
}

// armZombieTimer (re)arms the zombie-detection deadline: 2x the heartbeat
// interval without a client Heartbeat closes with 4009 (spec §4.5.3/§5).
func (c *connection) armZombieTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zombieTimer != nil {
		c.zombieTimer.Stop()
	}
	c.zombieTimer = time.AfterFunc(2*c.engine.cfg.HeartbeatInterval, func() {
		c.closeWith(CloseSessionTimeout, "session timeout")
	})
}

// subscribeAll subscribes to every bus subject this session's user should
// receive: its own user subject, one per guild membership, one per DM
// channel, and the broadcast family (spec §4.5.3).
func (c *connection) subscribeAll(userID string, guildIDs, dmChannelIDs []string) {
	if sub, err := c.engine.bus.Subscribe(events.UserSubject(userID), c.onUserEnvelope); err != nil {
		c.engine.logger.Error("subscribing to user subject failed", slog.String("error", err.Error()))
	} else {
		c.addSub(sub)
	}

	for _, guildID := range guildIDs {
		if sub, err := c.engine.bus.Subscribe(events.GuildSubject(guildID), c.onGuildEnvelope); err != nil {
			c.engine.logger.Error("subscribing to guild subject failed", slog.String("guild_id", guildID), slog.String("error", err.Error()))
		} else {
			c.addSub(sub)
		}
	}

	for _, channelID := range dmChannelIDs {
		if sub, err := c.engine.bus.Subscribe(events.ChannelSubject(channelID), c.onChannelEnvelope); err != nil {
			c.engine.logger.Error("subscribing to channel subject failed", slog.String("channel_id", channelID), slog.String("error", err.Error()))
		} else {
			c.addSub(sub)
		}
	}

	if sub, err := c.engine.bus.Subscribe(events.BroadcastSubject, c.onBroadcastEnvelope); err != nil {
		c.engine.logger.Error("subscribing to broadcast subject failed", slog.String("error", err.Error()))
	} else {
		c.addSub(sub)
	}
}

func (c *connection) addSub(sub *nats.Subscription) {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
}

func (c *connection) unsubscribeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			c.engine.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
		}
	}
}

// excluded reports whether target names this session's user in its
// ExcludeUsers list (used for self-echo suppression), per spec §4.5.5's
// closing rule.
func (c *connection) excluded(target *events.Target) bool {
	if target == nil {
		return false
	}
	uid := c.currentUserID()
	for _, u := range target.ExcludeUsers {
		if u == uid {
			return true
		}
	}
	return false
}

// deliver hands an envelope's event/data to this session's buffer. It runs
// on whatever goroutine the bus invoked the subscription handler on, never
// the connection's reader, so it uses a detached context: an in-flight
// delivery is never cancelled by the connection closing (spec §5).
func (c *connection) deliver(event string, data json.RawMessage) {
	sessionID := c.currentSessionID()
	if sessionID == "" {
		return
	}
	if _, err := c.engine.registry.AppendEvent(context.Background(), sessionID, event, data); err != nil {
		c.engine.logger.Debug("append event failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// onUserEnvelope handles the user:{id} family: always delivered to the
// subject's own sessions, modulo exclusion (spec §4.5.5).
func (c *connection) onUserEnvelope(env events.Envelope) {
	if c.excluded(env.Target) {
		return
	}
	c.deliver(env.Event, env.Data)
}

// onGuildEnvelope handles the guild:{id} family. Membership in the guild is
// implied by the subscription itself; if the envelope additionally names a
// channel (the case for channel-scoped events routed onto the guild
// subject, e.g. MESSAGE_CREATE), VIEW_CHANNEL on that channel is required
// too (spec §4.5.5).
func (c *connection) onGuildEnvelope(env events.Envelope) {
	if c.excluded(env.Target) {
		return
	}
	if env.Target != nil && env.Target.ChannelID != "" {
		perms, err := c.engine.store.ChannelPermissions(context.Background(), c.currentUserID(), env.Target.GuildID, env.Target.ChannelID)
		if err != nil {
			c.engine.logger.Debug("channel permission check failed", slog.String("error", err.Error()))
			return
		}
		if !permissions.HasPermission(perms, permissions.ViewChannel) {
			return
		}
	}
	c.deliver(env.Event, env.Data)
}

// onChannelEnvelope handles the channel:{id} family, used exclusively for
// DM channels: subscription scope already restricts delivery to recipients
// (spec §4.5.5).
func (c *connection) onChannelEnvelope(env events.Envelope) {
	if c.excluded(env.Target) {
		return
	}
	c.deliver(env.Event, env.Data)
}

// onBroadcastEnvelope handles the broadcast family: always delivered,
// modulo exclusion.
func (c *connection) onBroadcastEnvelope(env events.Envelope) {
	if c.excluded(env.Target) {
		return
	}
	c.deliver(env.Event, env.Data)
}

// Enqueue implements presence.Writer: it is called by SessionRegistry when
// an event is appended to this connection's session.
func (c *connection) Enqueue(ev presence.BufferedEvent) bool {
	seq := ev.Sequence
	return c.enqueue(GatewayMessage{Op: OpDispatch, Type: ev.Event, Seq: &seq, Data: ev.Data})
}

func (c *connection) enqueue(msg GatewayMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.engine.logger.Error("failed to marshal gateway message", slog.String("error", err.Error()))
		return false
	}
	select {
	case c.writeCh <- data:
		return true
	default:
		c.closeWith(CloseRateLimited, "write queue overflow")
		return false
	}
}

func (c *connection) writerLoop() {
	for {
		select {
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *connection) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.closed)
		c.ws.Close(code, reason)
	})
}

func (c *connection) teardown(ctx context.Context) {
	c.mu.Lock()
	if c.zombieTimer != nil {
		c.zombieTimer.Stop()
	}
	c.mu.Unlock()

	c.closeOnce.Do(func() {
		c.setState(stateClosed)
		close(c.closed)
		c.ws.Close(websocket.StatusNormalClosure, "")
	})

	c.unsubscribeAll()

	sessID := c.currentSessionID()
	if sessID != "" {
		if err := c.engine.registry.MarkDisconnected(ctx, sessID); err != nil {
			c.engine.logger.Debug("mark disconnected failed", slog.String("session_id", sessID), slog.String("error", err.Error()))
		}
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gateway: marshal failed for %T: %v", v, err))
	}
	return data
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
