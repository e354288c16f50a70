package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/amityvox/amityvox/internal/gateway"
	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// fakeGatewayStore is a canned gateway.Store: two users share a guild, but
// only one of them holds VIEW_CHANNEL on the guild's single channel.
type fakeGatewayStore struct {
	guildID        string
	channelID      string
	eligibleUser   string
	ineligibleUser string
}

func (s *fakeGatewayStore) UserGuildIDs(_ context.Context, userID string) ([]string, error) {
	if userID == s.eligibleUser || userID == s.ineligibleUser {
		return []string{s.guildID}, nil
	}
	return nil, nil
}

func (s *fakeGatewayStore) UserDMChannelIDs(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (s *fakeGatewayStore) SelfPayload(_ context.Context, userID string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"id": userID})
}

func (s *fakeGatewayStore) GuildSnapshot(_ context.Context, guildID string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"id": guildID})
}

func (s *fakeGatewayStore) ChannelPermissions(_ context.Context, userID, _, _ string) (uint64, error) {
	if userID == s.eligibleUser {
		return permissions.ViewChannel | permissions.SendMessages, nil
	}
	return 0, nil
}

// fakeTokenValidator maps opaque test tokens straight to user ids, standing
// in for internal/auth.Service.ValidateAccessToken.
type fakeTokenValidator map[string]snowflake.ID

func (f fakeTokenValidator) ValidateAccessToken(token string) (snowflake.ID, error) {
	if id, ok := f[token]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("unknown token %q", token)
}

// dialAndIdentify connects to the gateway, completes Hello/Identify, and
// drains the READY and GUILD_CREATE dispatches that follow, leaving the
// connection positioned to observe whatever is published next.
func dialAndIdentify(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing gateway: %v", err)
	}

	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("reading hello: %v", err)
	}

	identify := gateway.GatewayMessage{
		Op: gateway.OpIdentify,
		Data: mustMarshalJSON(gateway.IdentifyPayload{
			Token: token,
		}),
	}
	raw, err := json.Marshal(identify)
	if err != nil {
		t.Fatalf("marshaling identify: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		t.Fatalf("sending identify: %v", err)
	}

	// READY, then one GUILD_CREATE for the single guild in this test.
	for i := 0; i < 2; i++ {
		if _, _, err := conn.Read(ctx); err != nil {
			t.Fatalf("reading post-identify dispatch %d: %v", i, err)
		}
	}

	return conn
}

// waitForDispatch reads frames off conn until it sees a Dispatch of the
// given event type or the deadline passes.
func waitForDispatch(conn *websocket.Conn, event string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return false
		}
		var msg gateway.GatewayMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Op == gateway.OpDispatch && msg.Type == event {
			return true
		}
	}
}

func mustMarshalJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// TestGatewayVisibilityFilter drives the gateway state machine end to end:
// two sessions Identify into the same guild, a MESSAGE_CREATE is published
// for one of the guild's channels, and only the session holding
// VIEW_CHANNEL on that channel should see it. This is the fan-out and
// no-cross-channel-bleed property the visibility filter in
// onGuildEnvelope/ChannelPermissions exists to enforce.
func TestGatewayVisibilityFilter(t *testing.T) {
	ctx := context.Background()

	guildID := testNodes.Generate().String()
	channelID := testNodes.Generate().String()
	eligibleUser := testNodes.Generate()
	ineligibleUser := testNodes.Generate()

	store := &fakeGatewayStore{
		guildID:        guildID,
		channelID:      channelID,
		eligibleUser:   eligibleUser.String(),
		ineligibleUser: ineligibleUser.String(),
	}
	tokens := fakeTokenValidator{
		"eligible-token":   eligibleUser,
		"ineligible-token": ineligibleUser,
	}

	registry := presence.NewRegistry(testCache)
	// Both test sessions dial from the same loopback address; the default
	// Identify-per-IP limit of 1/5s would reject the second one.
	cfg := gateway.DefaultConfig()
	cfg.IdentifyPerIP = 10
	engine := gateway.NewEngine(cfg, registry, testCache, testBus, tokens, store, testLogger)

	srv := httptest.NewServer(http.HandlerFunc(engine.ServeHTTP))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	eligibleConn := dialAndIdentify(t, wsURL, "eligible-token")
	defer eligibleConn.Close(websocket.StatusNormalClosure, "")
	ineligibleConn := dialAndIdentify(t, wsURL, "ineligible-token")
	defer ineligibleConn.Close(websocket.StatusNormalClosure, "")

	// Give the NATS subscriptions issued during Identify time to register
	// before publishing.
	time.Sleep(200 * time.Millisecond)

	if err := testBus.PublishChannelEvent(ctx, channelID, guildID, "MESSAGE_CREATE",
		map[string]string{"channel_id": channelID, "content": "hello"}); err != nil {
		t.Fatalf("publishing message create: %v", err)
	}

	if !waitForDispatch(eligibleConn, "MESSAGE_CREATE", 3*time.Second) {
		t.Error("session with VIEW_CHANNEL should have received MESSAGE_CREATE")
	}
	if waitForDispatch(ineligibleConn, "MESSAGE_CREATE", 1*time.Second) {
		t.Error("session without VIEW_CHANNEL should not have received MESSAGE_CREATE")
	}
}
