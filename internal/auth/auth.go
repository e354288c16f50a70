// Package auth implements authentication for AmityVox: Argon2id password
// hashing, JWT access-token issuance/validation, and a cache-backed session
// record that makes explicit logout invalidation possible even though the
// tokens themselves are stateless JWTs.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/alexedwards/argon2id"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/amityvox/internal/models"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/snowflake"
)

var argon2Params = &argon2id.Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLength:  16,
	KeyLength:   32,
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{2,32}$`)

// AuthError is a classified auth failure: Status is the HTTP status a REST
// handler should respond with, Code a machine-readable identifier, and
// Message the human-readable detail.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func errInvalidCredentials() *AuthError {
	return &AuthError{Status: 401, Code: "invalid_credentials", Message: "Invalid username or password"}
}

func errInvalidToken() *AuthError {
	return &AuthError{Status: 401, Code: "invalid_token", Message: "Invalid or expired token"}
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ChangePasswordRequest is the input to Service.ChangePassword.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangeEmailRequest is the input to Service.ChangeEmail.
type ChangeEmailRequest struct {
	Password string `json:"password"`
	NewEmail string `json:"new_email"`
}

// Session is a REST auth session: ID is the bearer token itself (a signed
// access JWT), also used as the cache key that makes Logout's invalidation
// effective without waiting for JWT expiry.
type Session struct {
	ID        string
	ExpiresAt time.Time
}

// accessClaims is the JWT claim set: {sub, exp, iat, type}.
type accessClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

// Config configures a Service.
type Config struct {
	Pool                *pgxpool.Pool
	Cache               *presence.Cache
	Nodes               *snowflake.Node
	JWTSecret           string
	AccessTokenTTL      time.Duration
	RegistrationEnabled bool
	Logger              *slog.Logger
}

// Service implements registration, login, session validation, and account
// mutation against the primary database and the shared cache.
type Service struct {
	pool                *pgxpool.Pool
	cache               *presence.Cache
	nodes               *snowflake.Node
	secret              []byte
	accessTTL           time.Duration
	registrationEnabled bool
	logger              *slog.Logger
}

// NewService constructs a Service from cfg.
func NewService(cfg Config) *Service {
	ttl := cfg.AccessTokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		pool:                cfg.Pool,
		cache:               cfg.Cache,
		nodes:               cfg.Nodes,
		secret:              []byte(cfg.JWTSecret),
		accessTTL:           ttl,
		registrationEnabled: cfg.RegistrationEnabled,
		logger:              cfg.Logger,
	}
}

// Register creates a new user account and an initial session.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.User, *Session, error) {
	if !s.registrationEnabled {
		return nil, nil, &AuthError{Status: 403, Code: "registration_closed", Message: "Registration is currently closed"}
	}
	if err := validateUsername(req.Username); err != nil {
		return nil, nil, &AuthError{Status: 400, Code: "invalid_username", Message: err.Error()}
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, nil, &AuthError{Status: 400, Code: "invalid_password", Message: err.Error()}
	}

	hash, err := argon2id.CreateHash(req.Password, argon2Params)
	if err != nil {
		return nil, nil, fmt.Errorf("hashing password: %w", err)
	}

	var email *string
	if req.Email != "" {
		email = &req.Email
	}

	var user *models.User
	for attempt := 0; attempt < 10; attempt++ {
		discriminator, err := randomDiscriminator()
		if err != nil {
			return nil, nil, err
		}
		id := s.nodes.Generate()
		u := &models.User{
			ID:            id,
			Username:      req.Username,
			Discriminator: discriminator,
			PasswordHash:  &hash,
			Email:         email,
			CreatedAt:     id.Time(),
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO users (id, username, discriminator, password_hash, email, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			u.ID, u.Username, u.Discriminator, u.PasswordHash, u.Email, u.CreatedAt)
		if err == nil {
			user = u
			break
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue // (username, discriminator) collision: retry with a new discriminator
		}
		return nil, nil, fmt.Errorf("inserting user: %w", err)
	}
	if user == nil {
		return nil, nil, fmt.Errorf("could not allocate a unique discriminator for %q", req.Username)
	}

	sess, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, sess, nil
}

// Login verifies credentials and issues a new session.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*models.User, *Session, error) {
	user, err := s.lookupByUsername(ctx, req.Username)
	if err != nil {
		return nil, nil, errInvalidCredentials()
	}
	if user.PasswordHash == nil {
		return nil, nil, errInvalidCredentials()
	}
	match, err := argon2id.ComparePasswordAndHash(req.Password, *user.PasswordHash)
	if err != nil {
		return nil, nil, fmt.Errorf("comparing password hash: %w", err)
	}
	if !match {
		return nil, nil, errInvalidCredentials()
	}

	sess, err := s.issueSession(ctx, user.ID)
	if err != nil {
		return nil, nil, err
	}
	return user, sess, nil
}

// Logout invalidates the session identified by its bearer token.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.cache.DeleteSession(ctx, token)
}

// ValidateSession verifies token is both a well-formed, unexpired access JWT
// and still present in the cache-backed session record, so Logout takes
// effect immediately rather than waiting for the JWT's own expiry.
func (s *Service) ValidateSession(ctx context.Context, token string) (string, error) {
	userID, err := s.parseAccessToken(token)
	if err != nil {
		return "", errInvalidToken()
	}
	if _, err := s.cache.GetSession(ctx, token); err != nil {
		return "", errInvalidToken()
	}
	return userID.String(), nil
}

// ValidateAccessToken satisfies gateway.TokenValidator: JWT verification
// only, with no cache round trip, since the gateway validates once at
// Identify/Resume rather than per-request.
func (s *Service) ValidateAccessToken(token string) (snowflake.ID, error) {
	return s.parseAccessToken(token)
}

func (s *Service) parseAccessToken(token string) (snowflake.ID, error) {
	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Type != "access" {
		return 0, fmt.Errorf("token is not an access token")
	}
	return snowflake.Parse(claims.Subject)
}

// ChangePassword verifies the current password and replaces the stored hash.
func (s *Service) ChangePassword(ctx context.Context, userID string, req ChangePasswordRequest) error {
	uid, err := snowflake.Parse(userID)
	if err != nil {
		return errInvalidToken()
	}
	var hash string
	if err := s.pool.QueryRow(ctx, `SELECT password_hash FROM users WHERE id = $1`, uid).Scan(&hash); err != nil {
		return errInvalidCredentials()
	}
	match, err := argon2id.ComparePasswordAndHash(req.CurrentPassword, hash)
	if err != nil {
		return fmt.Errorf("comparing password hash: %w", err)
	}
	if !match {
		return &AuthError{Status: 401, Code: "invalid_credentials", Message: "Current password is incorrect"}
	}
	if err := validatePassword(req.NewPassword); err != nil {
		return &AuthError{Status: 400, Code: "invalid_password", Message: err.Error()}
	}
	newHash, err := argon2id.CreateHash(req.NewPassword, argon2Params)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, newHash, uid); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// ChangeEmail verifies the account password and replaces the stored email.
func (s *Service) ChangeEmail(ctx context.Context, userID string, req ChangeEmailRequest) error {
	uid, err := snowflake.Parse(userID)
	if err != nil {
		return errInvalidToken()
	}
	var hash string
	if err := s.pool.QueryRow(ctx, `SELECT password_hash FROM users WHERE id = $1`, uid).Scan(&hash); err != nil {
		return errInvalidCredentials()
	}
	match, err := argon2id.ComparePasswordAndHash(req.Password, hash)
	if err != nil {
		return fmt.Errorf("comparing password hash: %w", err)
	}
	if !match {
		return &AuthError{Status: 401, Code: "invalid_credentials", Message: "Password is incorrect"}
	}
	if _, err := s.pool.Exec(ctx, `UPDATE users SET email = $1 WHERE id = $2`, req.NewEmail, uid); err != nil {
		return fmt.Errorf("updating email: %w", err)
	}
	return nil
}

func (s *Service) lookupByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, discriminator, display_name, avatar_id, password_hash, email, created_at
		 FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.Discriminator, &u.DisplayName, &u.AvatarID, &u.PasswordHash, &u.Email, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %q not found", username)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return &u, nil
}

// issueSession mints an access JWT for userID and records it in the cache so
// Logout can invalidate it before its natural expiry.
func (s *Service) issueSession(ctx context.Context, userID snowflake.ID) (*Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Type: "access",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	if err := s.cache.StoreSession(ctx, token, presence.SessionData{
		UserID:    userID.String(),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	return &Session{ID: token, ExpiresAt: expiresAt}, nil
}

// randomDiscriminator returns a random 4-digit discriminator ("0001"-"9999").
func randomDiscriminator() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9999))
	if err != nil {
		return "", fmt.Errorf("generating discriminator: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()+1), nil
}

// validateUsername enforces the username shape: 2-32 characters,
// letters/digits/dot/underscore/hyphen only.
func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("username must be 2-32 characters of letters, digits, '.', '_', or '-'")
	}
	return nil
}

// validatePassword enforces an 8-128 character length, counted in runes so
// multi-byte passwords aren't unfairly truncated by byte length.
func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	if n > 128 {
		return fmt.Errorf("password must be at most 128 characters")
	}
	return nil
}
