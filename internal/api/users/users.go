// Package users implements REST API handlers for the current user's own
// profile. Mounted under /api/v1/users.
package users

import (
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/api/apiutil"
	"github.com/amityvox/amityvox/internal/auth"
	"github.com/amityvox/amityvox/internal/models"
)

// Handler implements user-related REST API endpoints.
type Handler struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// HandleGetSelf returns the authenticated user's own profile, including the
// email address that is otherwise omitted from user responses.
// GET /api/v1/users/@me
func (h *Handler) HandleGetSelf(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var u models.User
	err := h.Pool.QueryRow(r.Context(),
		`SELECT id, username, discriminator, display_name, avatar_id, email, created_at
		 FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.Email, &u.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			apiutil.WriteError(w, http.StatusNotFound, "user_not_found", "User not found")
			return
		}
		apiutil.InternalError(w, h.Logger, "Failed to get self", err)
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, u.ToSelf())
}
