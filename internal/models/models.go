// Package models defines the shared entity types consumed by the core:
// User, Guild, Channel, Role, GuildMember, Message, and Reaction. Types carry
// JSON tags for gateway/REST serialization and match the PostgreSQL schema.
package models

import (
	"time"

	"github.com/amityvox/amityvox/internal/snowflake"
)

// User represents a user account. (username, discriminator) is globally
// unique. Corresponds to the users table.
type User struct {
	ID            snowflake.ID `json:"id"`
	Username      string       `json:"username"`
	Discriminator string       `json:"discriminator"`
	DisplayName   *string      `json:"display_name,omitempty"`
	AvatarID      *string      `json:"avatar_id,omitempty"`
	PasswordHash  *string      `json:"-"`
	Email         *string      `json:"-"`
	CreatedAt     time.Time    `json:"created_at"`
}

// SelfUser is a response-only wrapper that includes the email field, used
// for endpoints where the user is viewing their own account (@me, login,
// register).
type SelfUser struct {
	*User
	Email *string `json:"email,omitempty"`
}

// ToSelf returns a SelfUser wrapper that includes the email field in JSON
// output.
func (u *User) ToSelf() SelfUser {
	return SelfUser{User: u, Email: u.Email}
}

// Guild represents a community server: a container of channels, roles, and
// members. Corresponds to the guilds table.
type Guild struct {
	ID        snowflake.ID `json:"id"`
	OwnerID   snowflake.ID `json:"owner_id"`
	Name      string       `json:"name"`
	IconID    *string      `json:"icon_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ChannelType constants for channels.channel_type.
const (
	ChannelTypeText     = "text"
	ChannelTypeCategory = "category"
	ChannelTypeDM       = "dm"
)

// Channel represents a text channel, category, or DM. DMs have no guild;
// categories have no parent. Corresponds to the channels table.
type Channel struct {
	ID          snowflake.ID  `json:"id"`
	GuildID     *snowflake.ID `json:"guild_id,omitempty"`
	ParentID    *snowflake.ID `json:"parent_id,omitempty"`
	ChannelType string        `json:"type"`
	Name        *string       `json:"name,omitempty"`
	Topic       *string       `json:"topic,omitempty"`
	Position    int           `json:"position"`
	CreatedAt   time.Time     `json:"created_at"`
	Recipients  []User        `json:"recipients,omitempty"`
}

// Role represents a permission bundle within a guild, rank-ordered by
// position. Exactly one role per guild has IsEveryone set, and its ID
// equals the guild's ID by convention, sidestepping the chicken-and-egg
// problem of creating a guild and its default role together. Corresponds
// to the roles table.
type Role struct {
	ID          snowflake.ID `json:"id"`
	GuildID     snowflake.ID `json:"guild_id"`
	Name        string       `json:"name"`
	Color       *string      `json:"color,omitempty"`
	Position    int          `json:"position"`
	Permissions uint64       `json:"permissions"`
	IsEveryone  bool         `json:"is_everyone"`
	CreatedAt   time.Time    `json:"created_at"`
}

// GuildMember represents a user's membership in a guild, including the set
// of role IDs attached to it. Corresponds to the guild_members table.
type GuildMember struct {
	GuildID      snowflake.ID `json:"guild_id"`
	UserID       snowflake.ID `json:"user_id"`
	Nickname     *string      `json:"nickname,omitempty"`
	RoleIDs      []string     `json:"role_ids,omitempty"`
	JoinedAt     time.Time    `json:"joined_at"`
	TimeoutUntil *time.Time   `json:"timeout_until,omitempty"`
	User         *User        `json:"user,omitempty"`
}

// IsTimedOut reports whether the member is currently timed out.
func (m GuildMember) IsTimedOut() bool {
	return m.TimeoutUntil != nil && m.TimeoutUntil.After(time.Now())
}

// MemberRole associates a guild member with a role. Corresponds to the
// member_roles table.
type MemberRole struct {
	GuildID snowflake.ID `json:"guild_id"`
	UserID  snowflake.ID `json:"user_id"`
	RoleID  snowflake.ID `json:"role_id"`
}

// Message represents a chat message in a channel. GuildID is nil for DM
// channels. Corresponds to the messages table.
type Message struct {
	ID        snowflake.ID  `json:"id"`
	ChannelID snowflake.ID  `json:"channel_id"`
	GuildID   *snowflake.ID `json:"guild_id,omitempty"`
	AuthorID  snowflake.ID  `json:"author_id"`
	Content   string        `json:"content"`
	EditedAt  *time.Time    `json:"edited_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	Author    *User         `json:"author,omitempty"`
}

// IsEdited reports whether the message has been edited since creation.
func (m Message) IsEdited() bool { return m.EditedAt != nil }

// Reaction represents a user's emoji reaction to a message. Corresponds to
// the reactions table.
type Reaction struct {
	MessageID snowflake.ID `json:"message_id"`
	UserID    snowflake.ID `json:"user_id"`
	Emoji     string       `json:"emoji"`
	CreatedAt time.Time    `json:"created_at"`
}
