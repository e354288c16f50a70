package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// Store is the read-only view of the relational schema the gateway needs to
// drive Identify/Resume and the visibility filter. It is deliberately
// narrow — REST CRUD lives in internal/api, not here.
type Store interface {
	UserGuildIDs(ctx context.Context, userID string) ([]string, error)
	UserDMChannelIDs(ctx context.Context, userID string) ([]string, error)
	SelfPayload(ctx context.Context, userID string) (json.RawMessage, error)
	GuildSnapshot(ctx context.Context, guildID string) (json.RawMessage, error)
	ChannelPermissions(ctx context.Context, userID, guildID, channelID string) (uint64, error)
}

// PostgresStore implements Store directly against the primary database pool.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) UserGuildIDs(ctx context.Context, userID string) ([]string, error) {
	uid, err := snowflake.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parsing user id: %w", err)
	}
	rows, err := s.Pool.Query(ctx, `SELECT guild_id FROM guild_members WHERE user_id = $1`, uid)
	if err != nil {
		return nil, fmt.Errorf("querying guild memberships: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var gid snowflake.ID
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("scanning guild id: %w", err)
		}
		ids = append(ids, gid.String())
	}
	return ids, rows.Err()
}

func (s *PostgresStore) UserDMChannelIDs(ctx context.Context, userID string) ([]string, error) {
	uid, err := snowflake.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parsing user id: %w", err)
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT cr.channel_id
		FROM channel_recipients cr
		JOIN channels c ON c.id = cr.channel_id
		WHERE cr.user_id = $1 AND c.channel_type = $2`, uid, models.ChannelTypeDM)
	if err != nil {
		return nil, fmt.Errorf("querying dm channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var cid snowflake.ID
		if err := rows.Scan(&cid); err != nil {
			return nil, fmt.Errorf("scanning channel id: %w", err)
		}
		ids = append(ids, cid.String())
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SelfPayload(ctx context.Context, userID string) (json.RawMessage, error) {
	uid, err := snowflake.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("parsing user id: %w", err)
	}
	var u models.User
	err = s.Pool.QueryRow(ctx,
		`SELECT id, username, discriminator, display_name, avatar_id, email, created_at
		 FROM users WHERE id = $1`, uid).
		Scan(&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", userID, err)
	}
	return json.Marshal(u.ToSelf())
}

func (s *PostgresStore) GuildSnapshot(ctx context.Context, guildID string) (json.RawMessage, error) {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return nil, fmt.Errorf("parsing guild id: %w", err)
	}
	var g models.Guild
	if err := s.Pool.QueryRow(ctx,
		`SELECT id, owner_id, name, icon_id, created_at FROM guilds WHERE id = $1`, gid).
		Scan(&g.ID, &g.OwnerID, &g.Name, &g.IconID, &g.CreatedAt); err != nil {
		return nil, fmt.Errorf("loading guild %s: %w", guildID, err)
	}

	channels, err := s.guildChannels(ctx, gid)
	if err != nil {
		return nil, err
	}
	roles, err := s.guildRoles(ctx, gid)
	if err != nil {
		return nil, err
	}

	snapshot := struct {
		models.Guild
		Channels []models.Channel `json:"channels"`
		Roles    []models.Role    `json:"roles"`
	}{Guild: g, Channels: channels, Roles: roles}

	return json.Marshal(snapshot)
}

func (s *PostgresStore) guildChannels(ctx context.Context, guildID snowflake.ID) ([]models.Channel, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, guild_id, parent_id, channel_type, name, topic, position, created_at
		 FROM channels WHERE guild_id = $1 ORDER BY position`, guildID)
	if err != nil {
		return nil, fmt.Errorf("querying guild channels: %w", err)
	}
	defer rows.Close()

	var channels []models.Channel
	for rows.Next() {
		var c models.Channel
		if err := rows.Scan(&c.ID, &c.GuildID, &c.ParentID, &c.ChannelType, &c.Name, &c.Topic, &c.Position, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *PostgresStore) guildRoles(ctx context.Context, guildID snowflake.ID) ([]models.Role, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, guild_id, name, color, position, permissions, is_everyone, created_at
		 FROM roles WHERE guild_id = $1 ORDER BY position`, guildID)
	if err != nil {
		return nil, fmt.Errorf("querying guild roles: %w", err)
	}
	defer rows.Close()

	var roles []models.Role
	for rows.Next() {
		var r models.Role
		if err := rows.Scan(&r.ID, &r.GuildID, &r.Name, &r.Color, &r.Position, &r.Permissions, &r.IsEveryone, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ChannelPermissions resolves userID's effective permission bitset on
// channelID within guildID, per permissions.ResolveChannel. Used by the
// gateway's visibility filter to decide whether a
// channel-scoped event may be appended to a session.
func (s *PostgresStore) ChannelPermissions(ctx context.Context, userID, guildID, channelID string) (uint64, error) {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return 0, fmt.Errorf("parsing guild id: %w", err)
	}
	uid, err := snowflake.Parse(userID)
	if err != nil {
		return 0, fmt.Errorf("parsing user id: %w", err)
	}

	var guild models.Guild
	if err := s.Pool.QueryRow(ctx, `SELECT id, owner_id FROM guilds WHERE id = $1`, gid).
		Scan(&guild.ID, &guild.OwnerID); err != nil {
		return 0, fmt.Errorf("loading guild: %w", err)
	}

	roleRows, err := s.Pool.Query(ctx,
		`SELECT id, position, permissions, is_everyone FROM roles WHERE guild_id = $1`, gid)
	if err != nil {
		return 0, fmt.Errorf("querying roles: %w", err)
	}
	defer roleRows.Close()
	var roles []permissions.RoleInfo
	for roleRows.Next() {
		var r permissions.RoleInfo
		var id snowflake.ID
		if err := roleRows.Scan(&id, &r.Position, &r.Permissions, &r.IsEveryone); err != nil {
			return 0, fmt.Errorf("scanning role: %w", err)
		}
		r.ID = id.String()
		roles = append(roles, r)
	}
	if err := roleRows.Err(); err != nil {
		return 0, err
	}

	memberRows, err := s.Pool.Query(ctx,
		`SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2`, gid, uid)
	if err != nil {
		return 0, fmt.Errorf("querying member roles: %w", err)
	}
	defer memberRows.Close()
	var roleIDs []string
	for memberRows.Next() {
		var rid snowflake.ID
		if err := memberRows.Scan(&rid); err != nil {
			return 0, fmt.Errorf("scanning member role: %w", err)
		}
		roleIDs = append(roleIDs, rid.String())
	}
	if err := memberRows.Err(); err != nil {
		return 0, err
	}

	member := permissions.MemberInfo{UserID: userID, RoleIDs: roleIDs}
	guildInfo := permissions.GuildInfo{ID: guildID, OwnerID: guild.OwnerID.String()}
	channel := &permissions.ChannelInfo{ID: channelID}
	return permissions.ResolveChannel(member, guildInfo, roles, channel), nil
}
