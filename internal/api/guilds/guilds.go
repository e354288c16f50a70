// Package guilds implements REST API handlers for reading guild and
// membership data. Mounted under /api/v1/guilds.
package guilds

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/api/apiutil"
	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// Handler implements guild-related REST API endpoints.
type Handler struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// HandleGetGuild returns a guild's details. Requires the caller to be a
// member.
// GET /api/v1/guilds/{guildID}
func (h *Handler) HandleGetGuild(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")

	if !h.isMember(r.Context(), guildID, userID) {
		apiutil.WriteError(w, http.StatusForbidden, "not_a_member", "You are not a member of this guild")
		return
	}

	var g models.Guild
	err := h.Pool.QueryRow(r.Context(),
		`SELECT id, owner_id, name, icon_id, created_at FROM guilds WHERE id = $1`, guildID,
	).Scan(&g.ID, &g.OwnerID, &g.Name, &g.IconID, &g.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			apiutil.WriteError(w, http.StatusNotFound, "guild_not_found", "Guild not found")
			return
		}
		apiutil.InternalError(w, h.Logger, "Failed to get guild", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, g)
}

// HandleGetGuildMembers returns the member list of a guild, each with its
// role IDs attached. Requires the caller to be a member.
// GET /api/v1/guilds/{guildID}/members
func (h *Handler) HandleGetGuildMembers(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	guildID := chi.URLParam(r, "guildID")

	if !h.isMember(r.Context(), guildID, userID) {
		apiutil.WriteError(w, http.StatusForbidden, "not_a_member", "You are not a member of this guild")
		return
	}

	rows, err := h.Pool.Query(r.Context(),
		`SELECT gm.guild_id, gm.user_id, gm.nickname, gm.joined_at, gm.timeout_until,
		        u.id, u.username, u.discriminator, u.display_name, u.avatar_id, u.created_at
		 FROM guild_members gm JOIN users u ON u.id = gm.user_id
		 WHERE gm.guild_id = $1 ORDER BY gm.joined_at`, guildID)
	if err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to get guild members", err)
		return
	}
	defer rows.Close()

	members := make([]models.GuildMember, 0)
	for rows.Next() {
		var m models.GuildMember
		var u models.User
		if err := rows.Scan(
			&m.GuildID, &m.UserID, &m.Nickname, &m.JoinedAt, &m.TimeoutUntil,
			&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.CreatedAt,
		); err != nil {
			apiutil.InternalError(w, h.Logger, "Failed to read guild members", err)
			return
		}
		m.User = &u
		members = append(members, m)
	}

	if err := h.attachRoleIDs(r.Context(), guildID, members); err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to load member roles", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, members)
}

func (h *Handler) attachRoleIDs(ctx context.Context, guildID string, members []models.GuildMember) error {
	if len(members) == 0 {
		return nil
	}
	rows, err := h.Pool.Query(ctx,
		`SELECT user_id, role_id FROM member_roles WHERE guild_id = $1`, guildID)
	if err != nil {
		return err
	}
	defer rows.Close()

	roleIDs := make(map[snowflake.ID][]string)
	for rows.Next() {
		var userID snowflake.ID
		var roleID snowflake.ID
		if err := rows.Scan(&userID, &roleID); err != nil {
			return err
		}
		roleIDs[userID] = append(roleIDs[userID], roleID.String())
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range members {
		members[i].RoleIDs = roleIDs[members[i].UserID]
	}
	return nil
}

// isMember checks that userID has joined guildID, either as the owner or via
// a guild_members row.
func (h *Handler) isMember(ctx context.Context, guildID, userID string) bool {
	var exists bool
	h.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2)
		 OR EXISTS(SELECT 1 FROM guilds WHERE id = $1 AND owner_id = $2)`,
		guildID, userID,
	).Scan(&exists)
	return exists
}
