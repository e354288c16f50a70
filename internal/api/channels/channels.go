// Package channels implements REST API handlers for channel operations:
// fetching a channel, sending and paginating messages, reacting to messages,
// and triggering typing indicators. Mounted under /api/v1/channels.
package channels

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/api/apiutil"
	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/mentions"
	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/permissions"
	"github.com/amityvox/amityvox/internal/snowflake"
)

// Handler implements channel-related REST API endpoints.
type Handler struct {
	Pool     *pgxpool.Pool
	EventBus *events.Bus
	Nodes    *snowflake.Node
	Logger   *slog.Logger
}

type createMessageRequest struct {
	Content string `json:"content"`
}

// HandleGetChannel returns a channel's details.
// GET /api/v1/channels/{channelID}
func (h *Handler) HandleGetChannel(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	if !h.hasChannelPermission(r.Context(), channelID, userID, permissions.ViewChannel) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need VIEW_CHANNEL permission")
		return
	}

	channel, err := h.getChannel(r.Context(), channelID)
	if err != nil {
		if err == pgx.ErrNoRows {
			apiutil.WriteError(w, http.StatusNotFound, "channel_not_found", "Channel not found")
			return
		}
		apiutil.InternalError(w, h.Logger, "Failed to get channel", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, channel)
}

// HandleGetMessages returns a page of messages in a channel, newest first
// (also with a before cursor); with an after cursor the page is oldest first.
// GET /api/v1/channels/{channelID}/messages
func (h *Handler) HandleGetMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	if !h.hasChannelPermission(r.Context(), channelID, userID, permissions.ViewChannel) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need VIEW_CHANNEL permission")
		return
	}

	cid, err := snowflake.Parse(channelID)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_id", "Invalid channel id")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, parseErr := strconv.Atoi(l); parseErr == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	query := `SELECT id, channel_id, guild_id, author_id, content, edited_at, created_at
	          FROM messages WHERE channel_id = $1 ORDER BY id DESC LIMIT $2`
	args := []interface{}{cid, limit}

	if before := r.URL.Query().Get("before"); before != "" {
		if bid, perr := snowflake.Parse(before); perr == nil {
			query = `SELECT id, channel_id, guild_id, author_id, content, edited_at, created_at
			         FROM messages WHERE channel_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3`
			args = []interface{}{cid, bid, limit}
		}
	} else if after := r.URL.Query().Get("after"); after != "" {
		if aid, perr := snowflake.Parse(after); perr == nil {
			query = `SELECT id, channel_id, guild_id, author_id, content, edited_at, created_at
			         FROM messages WHERE channel_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3`
			args = []interface{}{cid, aid, limit}
		}
	}

	rows, err := h.Pool.Query(r.Context(), query, args...)
	if err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to get messages", err)
		return
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.GuildID, &m.AuthorID, &m.Content, &m.EditedAt, &m.CreatedAt); err != nil {
			apiutil.InternalError(w, h.Logger, "Failed to read messages", err)
			return
		}
		messages = append(messages, m)
	}

	h.enrichMessagesWithAuthors(r.Context(), messages)
	apiutil.WriteJSON(w, http.StatusOK, messages)
}

// HandleCreateMessage sends a new message in a channel and fans it out as a
// MESSAGE_CREATE channel event.
// POST /api/v1/channels/{channelID}/messages
func (h *Handler) HandleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	if !h.hasChannelPermission(r.Context(), channelID, userID, permissions.SendMessages) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need SEND_MESSAGES permission")
		return
	}

	var req createMessageRequest
	if !apiutil.DecodeJSON(w, r, &req) {
		return
	}
	if !apiutil.RequireNonEmpty(w, "content", req.Content) {
		return
	}
	if !apiutil.ValidateStringLength(w, "content", req.Content, 0, 4000) {
		return
	}

	cid, err := snowflake.Parse(channelID)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_id", "Invalid channel id")
		return
	}
	authorID, err := snowflake.Parse(userID)
	if err != nil {
		apiutil.WriteError(w, http.StatusBadRequest, "invalid_id", "Invalid user id")
		return
	}

	var guildID *snowflake.ID
	if err := h.Pool.QueryRow(r.Context(), `SELECT guild_id FROM channels WHERE id = $1`, cid).Scan(&guildID); err != nil {
		apiutil.WriteError(w, http.StatusNotFound, "channel_not_found", "Channel not found")
		return
	}

	// Parsed only to validate wire syntax; the client is the source of truth
	// for which mentions render, the gateway fan-out carries raw content.
	_ = mentions.Parse(req.Content)

	msgID := h.Nodes.Generate()
	var msg models.Message
	err = h.Pool.QueryRow(r.Context(),
		`INSERT INTO messages (id, channel_id, guild_id, author_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING id, channel_id, guild_id, author_id, content, edited_at, created_at`,
		msgID, cid, guildID, authorID, req.Content,
	).Scan(&msg.ID, &msg.ChannelID, &msg.GuildID, &msg.AuthorID, &msg.Content, &msg.EditedAt, &msg.CreatedAt)
	if err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to send message", err)
		return
	}

	h.enrichMessageWithAuthor(r.Context(), &msg)

	guildSubject := ""
	if guildID != nil {
		guildSubject = guildID.String()
	}
	if err := h.EventBus.PublishChannelEvent(r.Context(), channelID, guildSubject, "MESSAGE_CREATE", msg); err != nil {
		h.Logger.Warn("failed to publish MESSAGE_CREATE", slog.String("error", err.Error()))
	}

	apiutil.WriteJSON(w, http.StatusCreated, msg)
}

// HandleGetMessage returns a single message.
// GET /api/v1/channels/{channelID}/messages/{messageID}
func (h *Handler) HandleGetMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")

	if !h.hasChannelPermission(r.Context(), channelID, userID, permissions.ViewChannel) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need VIEW_CHANNEL permission")
		return
	}

	msg, err := h.getMessage(r.Context(), channelID, messageID)
	if err != nil {
		if err == pgx.ErrNoRows {
			apiutil.WriteError(w, http.StatusNotFound, "message_not_found", "Message not found")
			return
		}
		apiutil.InternalError(w, h.Logger, "Failed to get message", err)
		return
	}

	h.enrichMessageWithAuthor(r.Context(), msg)
	apiutil.WriteJSON(w, http.StatusOK, msg)
}

// HandleDeleteMessage deletes a message. The author, or anyone with
// MANAGE_MESSAGES, may delete it.
// DELETE /api/v1/channels/{channelID}/messages/{messageID}
func (h *Handler) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")

	msg, err := h.getMessage(r.Context(), channelID, messageID)
	if err != nil {
		if err == pgx.ErrNoRows {
			apiutil.WriteError(w, http.StatusNotFound, "message_not_found", "Message not found")
			return
		}
		apiutil.InternalError(w, h.Logger, "Failed to load message", err)
		return
	}

	isAuthor := msg.AuthorID.String() == userID
	if !isAuthor && !h.hasChannelPermission(r.Context(), channelID, userID, permissions.ManageMessages) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need MANAGE_MESSAGES permission")
		return
	}

	if _, err := h.Pool.Exec(r.Context(), `DELETE FROM messages WHERE id = $1 AND channel_id = $2`, messageID, channelID); err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to delete message", err)
		return
	}

	guildSubject := ""
	if msg.GuildID != nil {
		guildSubject = msg.GuildID.String()
	}
	if err := h.EventBus.PublishChannelEvent(r.Context(), channelID, guildSubject, "MESSAGE_DELETE", map[string]string{
		"id": messageID, "channel_id": channelID,
	}); err != nil {
		h.Logger.Warn("failed to publish MESSAGE_DELETE", slog.String("error", err.Error()))
	}

	apiutil.WriteNoContent(w)
}

// HandleAddReaction adds the caller's own reaction to a message.
// PUT /api/v1/channels/{channelID}/messages/{messageID}/reactions/{emoji}/@me
func (h *Handler) HandleAddReaction(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	emoji := chi.URLParam(r, "emoji")

	if !h.hasChannelPermission(r.Context(), channelID, userID, permissions.AddReactions) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need ADD_REACTIONS permission")
		return
	}

	var exists bool
	h.Pool.QueryRow(r.Context(),
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND channel_id = $2)`, messageID, channelID,
	).Scan(&exists)
	if !exists {
		apiutil.WriteError(w, http.StatusNotFound, "message_not_found", "Message not found")
		return
	}

	if _, err := h.Pool.Exec(r.Context(),
		`INSERT INTO reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
		messageID, userID, emoji,
	); err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to add reaction", err)
		return
	}

	guildSubject := h.channelGuildSubject(r.Context(), channelID)
	if err := h.EventBus.PublishChannelEvent(r.Context(), channelID, guildSubject, "MESSAGE_REACTION_ADD", map[string]string{
		"message_id": messageID, "channel_id": channelID, "user_id": userID, "emoji": emoji,
	}); err != nil {
		h.Logger.Warn("failed to publish MESSAGE_REACTION_ADD", slog.String("error", err.Error()))
	}

	apiutil.WriteNoContent(w)
}

// HandleRemoveReaction removes the caller's own reaction from a message.
// DELETE /api/v1/channels/{channelID}/messages/{messageID}/reactions/{emoji}/@me
func (h *Handler) HandleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	emoji := chi.URLParam(r, "emoji")

	if _, err := h.Pool.Exec(r.Context(),
		`DELETE FROM reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	); err != nil {
		apiutil.InternalError(w, h.Logger, "Failed to remove reaction", err)
		return
	}

	guildSubject := h.channelGuildSubject(r.Context(), channelID)
	if err := h.EventBus.PublishChannelEvent(r.Context(), channelID, guildSubject, "MESSAGE_REACTION_REMOVE", map[string]string{
		"message_id": messageID, "channel_id": channelID, "user_id": userID, "emoji": emoji,
	}); err != nil {
		h.Logger.Warn("failed to publish MESSAGE_REACTION_REMOVE", slog.String("error", err.Error()))
	}

	apiutil.WriteNoContent(w)
}

// HandleTriggerTyping publishes a TYPING_START channel event. The event
// carries no persisted state; clients show and hide the indicator on a
// short client-side timeout.
// POST /api/v1/channels/{channelID}/typing
func (h *Handler) HandleTriggerTyping(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())
	channelID := chi.URLParam(r, "channelID")

	if !h.hasChannelPermission(r.Context(), channelID, userID, permissions.SendMessages) {
		apiutil.WriteError(w, http.StatusForbidden, "missing_permission", "You need SEND_MESSAGES permission")
		return
	}

	guildSubject := h.channelGuildSubject(r.Context(), channelID)
	if err := h.EventBus.PublishChannelEvent(r.Context(), channelID, guildSubject, "TYPING_START", map[string]string{
		"channel_id": channelID, "user_id": userID,
	}); err != nil {
		h.Logger.Warn("failed to publish TYPING_START", slog.String("error", err.Error()))
	}

	apiutil.WriteNoContent(w)
}

func (h *Handler) getChannel(ctx context.Context, channelID string) (*models.Channel, error) {
	var c models.Channel
	err := h.Pool.QueryRow(ctx,
		`SELECT id, guild_id, parent_id, channel_type, name, topic, position, created_at
		 FROM channels WHERE id = $1`, channelID,
	).Scan(&c.ID, &c.GuildID, &c.ParentID, &c.ChannelType, &c.Name, &c.Topic, &c.Position, &c.CreatedAt)
	return &c, err
}

func (h *Handler) getMessage(ctx context.Context, channelID, messageID string) (*models.Message, error) {
	var m models.Message
	err := h.Pool.QueryRow(ctx,
		`SELECT id, channel_id, guild_id, author_id, content, edited_at, created_at
		 FROM messages WHERE id = $1 AND channel_id = $2`, messageID, channelID,
	).Scan(&m.ID, &m.ChannelID, &m.GuildID, &m.AuthorID, &m.Content, &m.EditedAt, &m.CreatedAt)
	return &m, err
}

func (h *Handler) enrichMessageWithAuthor(ctx context.Context, msg *models.Message) {
	var u models.User
	err := h.Pool.QueryRow(ctx,
		`SELECT id, username, discriminator, display_name, avatar_id, created_at
		 FROM users WHERE id = $1`, msg.AuthorID,
	).Scan(&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.CreatedAt)
	if err == nil {
		msg.Author = &u
	}
}

func (h *Handler) enrichMessagesWithAuthors(ctx context.Context, messages []models.Message) {
	if len(messages) == 0 {
		return
	}
	ids := make(map[snowflake.ID]struct{}, len(messages))
	for _, m := range messages {
		ids[m.AuthorID] = struct{}{}
	}
	authorIDs := make([]int64, 0, len(ids))
	for id := range ids {
		authorIDs = append(authorIDs, int64(id))
	}

	rows, err := h.Pool.Query(ctx,
		`SELECT id, username, discriminator, display_name, avatar_id, created_at
		 FROM users WHERE id = ANY($1)`, authorIDs)
	if err != nil {
		return
	}
	defer rows.Close()

	userMap := make(map[snowflake.ID]*models.User, len(authorIDs))
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.CreatedAt); err != nil {
			continue
		}
		uc := u
		userMap[u.ID] = &uc
	}

	for i := range messages {
		if u, ok := userMap[messages[i].AuthorID]; ok {
			messages[i].Author = u
		}
	}
}

// channelGuildSubject returns the channel's guild id as a string, or "" for
// DM channels, for use as the guild scope on a channel event.
func (h *Handler) channelGuildSubject(ctx context.Context, channelID string) string {
	var guildID *snowflake.ID
	h.Pool.QueryRow(ctx, `SELECT guild_id FROM channels WHERE id = $1`, channelID).Scan(&guildID)
	if guildID == nil {
		return ""
	}
	return guildID.String()
}

// hasChannelPermission checks whether userID holds perm on channelID. For DM
// channels (no guild) it checks that the user is a recipient; DM recipients
// implicitly hold every permission used by this handler.
func (h *Handler) hasChannelPermission(ctx context.Context, channelID, userID string, perm uint64) bool {
	var guildID *snowflake.ID
	var channelType string
	if err := h.Pool.QueryRow(ctx,
		`SELECT guild_id, channel_type FROM channels WHERE id = $1`, channelID,
	).Scan(&guildID, &channelType); err != nil {
		return false
	}

	if guildID == nil {
		var isRecipient bool
		h.Pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM channel_recipients WHERE channel_id = $1 AND user_id = $2)`,
			channelID, userID,
		).Scan(&isRecipient)
		return isRecipient
	}

	var guild models.Guild
	if err := h.Pool.QueryRow(ctx, `SELECT id, owner_id FROM guilds WHERE id = $1`, guildID).
		Scan(&guild.ID, &guild.OwnerID); err != nil {
		return false
	}

	roleRows, err := h.Pool.Query(ctx,
		`SELECT id, position, permissions, is_everyone FROM roles WHERE guild_id = $1`, guildID)
	if err != nil {
		return false
	}
	defer roleRows.Close()
	var roles []permissions.RoleInfo
	for roleRows.Next() {
		var rid snowflake.ID
		var ri permissions.RoleInfo
		if err := roleRows.Scan(&rid, &ri.Position, &ri.Permissions, &ri.IsEveryone); err != nil {
			return false
		}
		ri.ID = rid.String()
		roles = append(roles, ri)
	}

	memberRows, err := h.Pool.Query(ctx,
		`SELECT role_id FROM member_roles WHERE guild_id = $1 AND user_id = $2`, guildID, userID)
	if err != nil {
		return false
	}
	defer memberRows.Close()
	var roleIDs []string
	for memberRows.Next() {
		var rid snowflake.ID
		if err := memberRows.Scan(&rid); err != nil {
			return false
		}
		roleIDs = append(roleIDs, rid.String())
	}

	member := permissions.MemberInfo{UserID: userID, RoleIDs: roleIDs}
	guildInfo := permissions.GuildInfo{ID: guildID.String(), OwnerID: guild.OwnerID.String()}
	channel := &permissions.ChannelInfo{ID: channelID}
	effective := permissions.ResolveChannel(member, guildInfo, roles, channel)
	return effective&perm != 0
}
