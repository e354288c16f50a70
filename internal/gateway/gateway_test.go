package gateway

import (
	"encoding/json"
	"testing"

	"github.com/amityvox/amityvox/internal/presence"
)

func TestOpcodeConstants(t *testing.T) {
	opcodes := map[string]int{
		"Dispatch":        OpDispatch,
		"Heartbeat":       OpHeartbeat,
		"Identify":        OpIdentify,
		"PresenceUpdate":  OpPresenceUpdate,
		"Resume":          OpResume,
		"Reconnect":       OpReconnect,
		"InvalidSession":  OpInvalidSession,
		"Hello":           OpHello,
		"HeartbeatAck":    OpHeartbeatAck,
	}

	seen := make(map[int]string)
	for name, op := range opcodes {
		if existing, ok := seen[op]; ok {
			t.Errorf("duplicate opcode %d: %s and %s", op, existing, name)
		}
		seen[op] = name
	}

	if OpDispatch != 0 {
		t.Errorf("OpDispatch = %d, want 0", OpDispatch)
	}
	if OpHello != 10 {
		t.Errorf("OpHello = %d, want 10", OpHello)
	}
	if OpHeartbeatAck != 11 {
		t.Errorf("OpHeartbeatAck = %d, want 11", OpHeartbeatAck)
	}
	if OpInvalidSession != 7 {
		t.Errorf("OpInvalidSession = %d, want 7", OpInvalidSession)
	}
}

func TestCloseCodeConstants(t *testing.T) {
	codes := map[string]int{
		"Unknown":              int(CloseUnknown),
		"UnknownOpcode":        int(CloseUnknownOpcode),
		"DecodeError":          int(CloseDecodeError),
		"NotAuthenticated":     int(CloseNotAuthenticated),
		"AuthFailed":           int(CloseAuthFailed),
		"AlreadyAuthenticated": int(CloseAlreadyAuthenticated),
		"InvalidSequence":      int(CloseInvalidSequence),
		"RateLimited":          int(CloseRateLimited),
		"SessionTimeout":       int(CloseSessionTimeout),
	}
	seen := make(map[int]string)
	for name, code := range codes {
		if existing, ok := seen[code]; ok {
			t.Errorf("duplicate close code %d: %s and %s", code, existing, name)
		}
		seen[code] = name
	}
	if CloseSessionTimeout != 4009 {
		t.Errorf("CloseSessionTimeout = %d, want 4009", CloseSessionTimeout)
	}
}

func TestGatewayMessage_JSON(t *testing.T) {
	data, _ := json.Marshal(map[string]string{"key": "value"})
	seq := int64(42)
	msg := GatewayMessage{
		Op:   OpDispatch,
		Type: "MESSAGE_CREATE",
		Data: data,
		Seq:  &seq,
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded GatewayMessage
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Op != OpDispatch {
		t.Errorf("op = %d, want %d", decoded.Op, OpDispatch)
	}
	if decoded.Type != "MESSAGE_CREATE" {
		t.Errorf("type = %q, want %q", decoded.Type, "MESSAGE_CREATE")
	}
	if decoded.Seq == nil || *decoded.Seq != 42 {
		t.Errorf("seq = %v, want 42", decoded.Seq)
	}
}

func TestGatewayMessage_Omitempty(t *testing.T) {
	msg := GatewayMessage{Op: OpHeartbeat}

	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded map[string]interface{}
	json.Unmarshal(encoded, &decoded)

	if _, ok := decoded["s"]; ok {
		t.Errorf("seq should be omitted, got: %s", encoded)
	}
	if _, ok := decoded["t"]; ok {
		t.Errorf("type should be omitted, got: %s", encoded)
	}
}

func TestIdentifyPayload_JSON(t *testing.T) {
	payload := IdentifyPayload{Token: "my-secret-token"}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded IdentifyPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.Token != "my-secret-token" {
		t.Errorf("token = %q, want %q", decoded.Token, "my-secret-token")
	}
}

func TestHelloPayload_JSON(t *testing.T) {
	payload := HelloPayload{HeartbeatInterval: 45000}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}

	var decoded HelloPayload
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if decoded.HeartbeatInterval != 45000 {
		t.Errorf("heartbeat_interval = %d, want %d", decoded.HeartbeatInterval, 45000)
	}
}

func TestGatewayMessage_FromJSON(t *testing.T) {
	raw := `{"op":2,"d":{"token":"abc123"}}`
	var msg GatewayMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}

	if msg.Op != OpIdentify {
		t.Errorf("op = %d, want %d", msg.Op, OpIdentify)
	}

	var identify IdentifyPayload
	if err := json.Unmarshal(msg.Data, &identify); err != nil {
		t.Fatalf("unmarshal data error: %v", err)
	}
	if identify.Token != "abc123" {
		t.Errorf("token = %q, want %q", identify.Token, "abc123")
	}
}

func TestResumePayload_JSON(t *testing.T) {
	raw := `{"token":"abc123","session_id":"S1","seq":7}`
	var payload ResumePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if payload.SessionID != "S1" || payload.Seq != 7 {
		t.Errorf("got %+v", payload)
	}
}

func TestNormalizePresenceStatus(t *testing.T) {
	cases := map[string]string{
		"dnd":       presence.StatusBusy,
		"online":    presence.StatusOnline,
		"idle":      presence.StatusIdle,
		"focus":     presence.StatusFocus,
		"busy":      presence.StatusBusy,
		"invisible": presence.StatusInvisible,
		"offline":   presence.StatusOffline,
		"bogus":     presence.StatusOnline,
		"":          presence.StatusOnline,
	}
	for in, want := range cases {
		if got := normalizePresenceStatus(in); got != want {
			t.Errorf("normalizePresenceStatus(%q) = %q, want %q", in, got, want)
		}
	}
}
