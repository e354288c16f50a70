package models

import (
	"testing"
	"time"

	"github.com/amityvox/amityvox/internal/snowflake"
)

func TestGuildMember_IsTimedOut(t *testing.T) {
	tests := []struct {
		name     string
		timeout  *time.Time
		expected bool
	}{
		{"nil timeout", nil, false},
		{"future timeout", timePtr(time.Now().Add(1 * time.Hour)), true},
		{"past timeout", timePtr(time.Now().Add(-1 * time.Hour)), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := GuildMember{TimeoutUntil: tc.timeout}
			if got := m.IsTimedOut(); got != tc.expected {
				t.Errorf("IsTimedOut() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestMessage_IsEdited(t *testing.T) {
	m := Message{}
	if m.IsEdited() {
		t.Error("new message should not be edited")
	}
	now := time.Now()
	m.EditedAt = &now
	if !m.IsEdited() {
		t.Error("message with EditedAt set should be edited")
	}
}

func TestChannelTypeConstants(t *testing.T) {
	types := []string{ChannelTypeText, ChannelTypeCategory, ChannelTypeDM}
	seen := make(map[string]bool)
	for _, ct := range types {
		if ct == "" {
			t.Errorf("channel type constant is empty")
		}
		if seen[ct] {
			t.Errorf("duplicate channel type: %s", ct)
		}
		seen[ct] = true
	}
}

func TestUser_ToSelf(t *testing.T) {
	email := "alice@example.com"
	u := &User{ID: snowflake.ID(1), Username: "alice", Email: &email}
	self := u.ToSelf()
	if self.Email == nil || *self.Email != email {
		t.Errorf("ToSelf().Email = %v, want %q", self.Email, email)
	}
	if self.User.ID != u.ID {
		t.Errorf("ToSelf().User.ID = %v, want %v", self.User.ID, u.ID)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
