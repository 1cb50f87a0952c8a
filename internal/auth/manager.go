// Package auth owns user identity and access policy for the edge node:
// registration and password verification (bcrypt), HS256 token issuance
// and verification, the server-side refresh token registry, and the
// role-based permission check used by the command pipeline.
//
// Tokens are stateless; "revoking" a session means deleting its refresh
// token from the registry and letting the short-lived access token expire
// naturally. Every failed verification emits an auth event so rejected
// tokens are visible in the audit trail.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/roboedge-io/roboedge/internal/db"
	"github.com/roboedge-io/roboedge/internal/events"
	"github.com/roboedge-io/roboedge/internal/metrics"
)

// bcryptCost is the work factor for password hashing. The stock default
// keeps a single hash above 10ms on current server hardware, which is the
// line this platform draws for brute-force resistance.
const bcryptCost = bcrypt.DefaultCost

// TokenPair is what a successful login or refresh returns.
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

// Manager wires the token manager, the user store, and the refresh token
// registry into the auth operations the rest of the core calls.
type Manager struct {
	users   UserStore
	refresh RefreshTokenStore
	tokens  *TokenManager
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewManager creates a Manager with the given dependencies. metrics may be
// nil.
func NewManager(users UserStore, refresh RefreshTokenStore, tokens *TokenManager, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		users:   users,
		refresh: refresh,
		tokens:  tokens,
		bus:     bus,
		metrics: m,
		logger:  logger.Named("auth"),
	}
}

// TokenManager exposes the underlying token manager, used by the API
// middleware to verify bearer tokens without pulling in the whole Manager.
func (m *Manager) TokenManager() *TokenManager { return m.tokens }

// RegisterUser creates a user with a bcrypt-hashed password. Duplicate
// usernames and unknown roles are rejected. Two registrations with the
// same password produce different hashes (bcrypt salts per call).
func (m *Manager) RegisterUser(ctx context.Context, username, password, role string) (*db.User, error) {
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if !ValidRole(role) {
		return nil, fmt.Errorf("auth: unknown role %q", role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hashing password: %w", err)
	}

	user := &db.User{
		Username: username,
		Password: string(hash),
		Role:     role,
		IsActive: true,
	}
	if err := m.users.Create(ctx, user); err != nil {
		return nil, err
	}

	m.logger.Info("user registered",
		zap.String("user_id", user.ID.String()),
		zap.String("username", username),
		zap.String("role", role),
	)
	return user, nil
}

// AuthenticateUser verifies a username/password pair. bcrypt's comparison
// is constant-time; a missing user takes the same error path as a wrong
// password so the response does not leak which usernames exist.
func (m *Manager) AuthenticateUser(ctx context.Context, username, password string) (*db.User, error) {
	user, err := m.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			m.emitAuthFailure("", username, "invalid credentials")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		m.emitAuthFailure("", username, "account disabled")
		return nil, ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		m.emitAuthFailure("", username, "invalid credentials")
		return nil, ErrInvalidCredentials
	}

	_ = m.users.UpdateLastLogin(ctx, user.ID, time.Now().UTC())
	return user, nil
}

// Login authenticates and issues a token pair. The refresh token is bound
// to deviceID and its hash recorded in the registry.
func (m *Manager) Login(ctx context.Context, username, password, deviceID string) (*TokenPair, *db.User, error) {
	user, err := m.AuthenticateUser(ctx, username, password)
	if err != nil {
		return nil, nil, err
	}
	pair, err := m.issueTokenPair(ctx, user, deviceID)
	if err != nil {
		return nil, nil, err
	}

	m.bus.Publish("auth.login", events.New("", events.SeverityInfo, events.CategoryAuth,
		"user logged in", map[string]any{
			"user_id":  user.ID.String(),
			"username": user.Username,
		}))
	return pair, user, nil
}

// RefreshSession rotates a refresh token: the presented token must verify
// as a refresh JWT and still exist in the registry. The old registry entry
// is deleted before the new pair is issued — if issuing fails, the user
// logs in again rather than replaying the old token.
func (m *Manager) RefreshSession(ctx context.Context, rawToken string) (*TokenPair, error) {
	claims, err := m.VerifyToken(rawToken, TokenRefresh, "")
	if err != nil {
		return nil, err
	}

	hash := hashRefreshToken(rawToken)
	stored, err := m.refresh.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			m.emitAuthFailure(claims.UserID, "", "refresh token revoked")
		}
		return nil, err
	}
	if err := m.refresh.DeleteByHash(ctx, hash); err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
		return nil, err
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := m.users.GetByID(ctx, stored.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	return m.issueTokenPair(ctx, user, stored.DeviceID)
}

// Logout revokes the given refresh token. Revoking an unknown token is a
// no-op — the client clears its state regardless.
func (m *Manager) Logout(ctx context.Context, rawToken string) error {
	err := m.refresh.DeleteByHash(ctx, hashRefreshToken(rawToken))
	if err != nil && !errors.Is(err, ErrRefreshTokenNotFound) {
		return err
	}
	return nil
}

// VerifyToken verifies a token of the expected type. On failure it emits
// an auth WARN event carrying the token's claimed user ID (when it can be
// decoded) and the supplied trace ID, then returns the sentinel error.
func (m *Manager) VerifyToken(tokenString string, expected TokenType, traceID string) (*Claims, error) {
	claims, err := m.tokens.Verify(tokenString, expected)
	if err == nil {
		return claims, nil
	}

	claimedUser := ""
	if claims != nil {
		claimedUser = claims.UserID
	}
	m.emitAuthFailureWithTrace(traceID, claimedUser, "", err.Error())
	return nil, err
}

// CheckPermission resolves the user's role and reports whether it grants
// action. resource is carried into the audit trail but plays no part in
// the default policy — per-resource grants are a policy-table extension,
// not a code change.
func (m *Manager) CheckPermission(ctx context.Context, userID, action, resource string) bool {
	id, err := uuid.Parse(userID)
	if err != nil {
		return false
	}
	user, err := m.users.GetByID(ctx, id)
	if err != nil || !user.IsActive {
		return false
	}
	allowed := roleAllows(user.Role, action)
	if !allowed {
		m.logger.Debug("permission denied",
			zap.String("user_id", userID),
			zap.String("role", user.Role),
			zap.String("action", action),
			zap.String("resource", resource),
		)
	}
	return allowed
}

// PurgeExpiredTokens deletes expired refresh tokens from the registry.
// Wired as a periodic background job.
func (m *Manager) PurgeExpiredTokens(ctx context.Context) error {
	n, err := m.refresh.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("purged expired refresh tokens", zap.Int64("count", n))
	}
	return nil
}

func (m *Manager) issueTokenPair(ctx context.Context, user *db.User, deviceID string) (*TokenPair, error) {
	access, err := m.tokens.Create(user.ID.String(), user.Role, TokenAccess, "", 0)
	if err != nil {
		return nil, err
	}
	refresh, err := m.tokens.Create(user.ID.String(), user.Role, TokenRefresh, deviceID, 0)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(m.tokens.RefreshTTL())
	if err := m.refresh.Create(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: hashRefreshToken(refresh),
		DeviceID:  deviceID,
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:           access,
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

func (m *Manager) emitAuthFailure(userID, username, reason string) {
	m.emitAuthFailureWithTrace("", userID, username, reason)
}

func (m *Manager) emitAuthFailureWithTrace(traceID, userID, username, reason string) {
	ctx := map[string]any{"reason": reason}
	if userID != "" {
		ctx["user_id"] = userID
	}
	if username != "" {
		ctx["username"] = username
	}
	m.bus.Publish("auth.failure", events.New(traceID, events.SeverityWarn, events.CategoryAuth,
		"authentication failed", ctx))
	if m.metrics != nil {
		m.metrics.AuthFailures.WithLabelValues(reason).Inc()
	}
}

// hashRefreshToken returns the SHA-256 hex digest of a raw refresh token.
// Only the hash hits the database — the raw token lives only on the client.
func hashRefreshToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
