package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionState tracks where a gateway session sits in its lifecycle.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionInvalid      SessionState = "invalid"
)

const (
	resumeTTL         = 120 * time.Second
	maxBufferedEvents = 1000
)

// GatewaySession is the durable record stored at ws_session:{id}. It does
// not carry the process-local socket handle — that lives only in this
// process's in-memory `local` map, since no two gateway processes may hold
// the authoritative copy of a session at once.
type GatewaySession struct {
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Sequence  int64        `json:"sequence"`
	Guilds    []string     `json:"guilds"`
	State     SessionState `json:"state"`
}

// BufferedEvent is one entry of the ws_events:{id} replay list.
type BufferedEvent struct {
	Sequence int64           `json:"s"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
}

// Writer is implemented by whatever in the gateway package owns a
// connection's outbound socket half. Enqueue returns false if the event
// could not be queued; the gateway's implementation closes the connection
// with 4008 itself when its bounded queue is full. AppendEvent does not act
// on the result.
type Writer interface {
	Enqueue(ev BufferedEvent) bool
}

// InvalidSessionError is returned by Resume when the session cannot be
// resumed; Resumable distinguishes "retry Resume shortly" (session currently
// Connected elsewhere) from "give up, re-Identify" (window expired, unknown
// session, or sequence gap).
type InvalidSessionError struct {
	Resumable bool
}

func (e *InvalidSessionError) Error() string {
	if e.Resumable {
		return "session not resumable yet, retry"
	}
	return "session not resumable"
}

// Registry is the session registry: a process-local live session map plus
// the shared durable record in Cache.
type Registry struct {
	cache *Cache

	mu    sync.RWMutex
	local map[string]Writer

	appendMu sync.Map // sessionID -> *sync.Mutex, serializes AppendEvent's assign-then-enqueue per session
}

// NewRegistry constructs a Registry backed by cache.
func NewRegistry(cache *Cache) *Registry {
	return &Registry{cache: cache, local: make(map[string]Writer)}
}

// appendLock returns the per-session mutex used to keep sequence assignment
// and the writer Enqueue call in lockstep, creating it on first use.
func (r *Registry) appendLock(sessionID string) *sync.Mutex {
	v, _ := r.appendMu.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func sessionKey(id string) string      { return "ws_session:" + id }
func eventsKey(id string) string       { return "ws_events:" + id }
func userSessionsKey(uid string) string { return "user_sessions:" + uid }

// Create allocates a new session, writes its KV record with state=Connected,
// sequence=0, and registers it locally under w.
func (r *Registry) Create(ctx context.Context, userID string, guilds []string, w Writer) (*GatewaySession, error) {
	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	sess := GatewaySession{
		SessionID: id,
		UserID:    userID,
		Sequence:  0,
		Guilds:    guilds,
		State:     SessionConnected,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}

	pipe := r.cache.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(id), raw, 0) // no TTL while Connected
	pipe.SAdd(ctx, userSessionsKey(userID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("writing session record: %w", err)
	}

	r.mu.Lock()
	r.local[id] = w
	r.mu.Unlock()
	return &sess, nil
}

// MarkDisconnected flips the KV record to Disconnected, sets TTL=120s, and
// drops the local handle.
func (r *Registry) MarkDisconnected(ctx context.Context, sessionID string) error {
	sess, err := r.load(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.State = SessionDisconnected
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := r.cache.rdb.Set(ctx, sessionKey(sessionID), raw, resumeTTL).Err(); err != nil {
		return fmt.Errorf("updating session record: %w", err)
	}

	r.mu.Lock()
	delete(r.local, sessionID)
	r.mu.Unlock()
	return nil
}

func (r *Registry) load(ctx context.Context, sessionID string) (*GatewaySession, error) {
	raw, err := r.cache.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &InvalidSessionError{Resumable: false}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session record: %w", err)
	}
	var sess GatewaySession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decoding session record: %w", err)
	}
	return &sess, nil
}

// Resume attempts to resume sessionID: iff the
// record is present and Disconnected, replay buffered events with sequence
// strictly greater than lastSeenSeq (in order, FIFO of the buffered list —
// never renumbered), then transition to Connected and clear the TTL.
func (r *Registry) Resume(ctx context.Context, sessionID string, lastSeenSeq int64, w Writer) ([]BufferedEvent, *GatewaySession, error) {
	sess, err := r.load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	switch sess.State {
	case SessionConnected:
		return nil, nil, &InvalidSessionError{Resumable: true}
	case SessionInvalid:
		return nil, nil, &InvalidSessionError{Resumable: false}
	}
	if lastSeenSeq > sess.Sequence {
		return nil, nil, &InvalidSessionError{Resumable: false}
	}

	raw, err := r.cache.rdb.LRange(ctx, eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("fetching buffered events: %w", err)
	}
	// LPUSH puts the newest event at index 0; reverse to chronological order.
	events := make([]BufferedEvent, len(raw))
	for i, item := range raw {
		var ev BufferedEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, nil, fmt.Errorf("decoding buffered event: %w", err)
		}
		events[len(raw)-1-i] = ev
	}

	if len(events) > 0 && events[0].Sequence > lastSeenSeq+1 {
		// The oldest surviving buffered event is already past lastSeenSeq+1:
		// the buffer wrapped and some events between were dropped.
		return nil, nil, &InvalidSessionError{Resumable: false}
	}

	var replay []BufferedEvent
	for _, ev := range events {
		if ev.Sequence > lastSeenSeq {
			replay = append(replay, ev)
		}
	}

	sess.State = SessionConnected
	newRaw, err := json.Marshal(sess)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling session: %w", err)
	}
	if err := r.cache.rdb.Set(ctx, sessionKey(sessionID), newRaw, 0).Err(); err != nil {
		return nil, nil, fmt.Errorf("updating session record: %w", err)
	}

	r.mu.Lock()
	r.local[sessionID] = w
	r.mu.Unlock()
	return replay, sess, nil
}

// AppendEvent atomically increments sequence, stamps it onto the event,
// pushes it onto the replay buffer (trimmed to the last 1000), and — if the
// session is locally live — hands it to the writer queue. The session's
// TTL, if any, is preserved exactly (redis.KeepTTL): appends never refresh
// the resume window, so a client that never reconnects still loses its
// buffered backlog on schedule.
//
// Sequence assignment (the Redis WATCH transaction) and the Enqueue call are
// held under the same per-session lock: two envelopes arriving concurrently
// on different bus subscription goroutines for the same session (e.g. a
// guild event and a user event) would otherwise risk assigning seq N and
// N+1 but enqueuing N+1 before N, which the client sees as a sequence gap.
// Serializing the whole assign-then-enqueue step per session keeps the two
// always in lockstep.
func (r *Registry) AppendEvent(ctx context.Context, sessionID, event string, data json.RawMessage) (int64, error) {
	lock := r.appendLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var seq int64
	for attempt := 0; attempt < 5; attempt++ {
		err := r.cache.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, sessionKey(sessionID)).Bytes()
			if errors.Is(err, redis.Nil) {
				return &InvalidSessionError{Resumable: false}
			}
			if err != nil {
				return err
			}
			var sess GatewaySession
			if err := json.Unmarshal(raw, &sess); err != nil {
				return err
			}
			sess.Sequence++
			seq = sess.Sequence
			newRaw, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			ev := BufferedEvent{Sequence: seq, Event: event, Data: data}
			evRaw, err := json.Marshal(ev)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, sessionKey(sessionID), newRaw, redis.KeepTTL)
				pipe.LPush(ctx, eventsKey(sessionID), evRaw)
				pipe.LTrim(ctx, eventsKey(sessionID), 0, maxBufferedEvents-1)
				return nil
			})
			return err
		}, sessionKey(sessionID))

		if err == nil {
			break
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, err
	}

	r.mu.RLock()
	w, live := r.local[sessionID]
	r.mu.RUnlock()
	if live {
		w.Enqueue(BufferedEvent{Sequence: seq, Event: event, Data: data})
	}
	return seq, nil
}

// InvalidateAllForUser invalidates every session belonging to userID
// (used on logout), regardless of which gateway process holds it live.
func (r *Registry) InvalidateAllForUser(ctx context.Context, userID string) error {
	ids, err := r.cache.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("listing user sessions: %w", err)
	}
	for _, id := range ids {
		r.cache.rdb.Del(ctx, sessionKey(id), eventsKey(id))
		r.mu.Lock()
		delete(r.local, id)
		r.mu.Unlock()
		r.appendMu.Delete(id)
	}
	return r.cache.rdb.Del(ctx, userSessionsKey(userID)).Err()
}

// Unregister drops the local handle for sessionID without touching the KV
// record, used when the engine is tearing down a connection that already
// transitioned state elsewhere (e.g. a forced re-Identify).
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	delete(r.local, sessionID)
	r.mu.Unlock()
	r.appendMu.Delete(sessionID)
}
