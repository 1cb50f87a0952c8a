package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/roboedge-io/roboedge/internal/db"
	"github.com/roboedge-io/roboedge/internal/events"
)

func newTestManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(database) })

	tokens, err := NewTokenManager([]byte("test-secret"), "roboedge-test", 0, 0)
	require.NoError(t, err)

	bus := events.NewBus(100, zap.NewNop())
	t.Cleanup(bus.Close)

	mgr := NewManager(
		NewGormUserStore(database),
		NewGormRefreshTokenStore(database),
		tokens, bus, nil, zap.NewNop(),
	)
	return mgr, bus
}

func TestRegisterAndAuthenticate(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	user, err := mgr.RegisterUser(ctx, "op1", "hunter2!", RoleOperator)
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2!", user.Password, "password must be stored hashed")

	got, err := mgr.AuthenticateUser(ctx, "op1", "hunter2!")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = mgr.AuthenticateUser(ctx, "op1", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown user takes the same error path as a wrong password.
	_, err = mgr.AuthenticateUser(ctx, "nobody", "hunter2!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.RegisterUser(ctx, "dup", "pw-one", RoleViewer)
	require.NoError(t, err)
	_, err = mgr.RegisterUser(ctx, "dup", "pw-two", RoleViewer)
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.RegisterUser(context.Background(), "u", "pw", "superuser")
	assert.Error(t, err)
}

func TestPasswordHashesNotLinkable(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	u1, err := mgr.RegisterUser(ctx, "alice", "same-password", RoleViewer)
	require.NoError(t, err)
	u2, err := mgr.RegisterUser(ctx, "bob", "same-password", RoleViewer)
	require.NoError(t, err)

	assert.NotEqual(t, u1.Password, u2.Password, "identical passwords must hash differently")

	_, err = mgr.AuthenticateUser(ctx, "alice", "same-password")
	require.NoError(t, err)
	_, err = mgr.AuthenticateUser(ctx, "bob", "same-password")
	require.NoError(t, err)
}

func TestTokenRoundTrip(t *testing.T) {
	tokens, err := NewTokenManager([]byte("s3cret"), "roboedge-test", 0, 0)
	require.NoError(t, err)

	signed, err := tokens.Create("user-42", RoleOperator, TokenAccess, "", time.Minute)
	require.NoError(t, err)

	claims, err := tokens.Verify(signed, TokenAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.UserID)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, TokenAccess, claims.TokenType)
}

func TestExpiredTokenRejected(t *testing.T) {
	tokens, err := NewTokenManager([]byte("s3cret"), "roboedge-test", 0, 0)
	require.NoError(t, err)

	signed, err := tokens.Create("user-42", RoleOperator, TokenAccess, "", -time.Second)
	require.NoError(t, err)

	claims, err := tokens.Verify(signed, TokenAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)
	// The claimed identity is still decoded for the audit trail.
	require.NotNil(t, claims)
	assert.Equal(t, "user-42", claims.UserID)
}

func TestTamperedTokenRejected(t *testing.T) {
	tokens, err := NewTokenManager([]byte("s3cret"), "roboedge-test", 0, 0)
	require.NoError(t, err)
	other, err := NewTokenManager([]byte("different"), "roboedge-test", 0, 0)
	require.NoError(t, err)

	signed, err := other.Create("user-42", RoleOperator, TokenAccess, "", time.Minute)
	require.NoError(t, err)

	_, err = tokens.Verify(signed, TokenAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenTypeMismatch(t *testing.T) {
	tokens, err := NewTokenManager([]byte("s3cret"), "roboedge-test", 0, 0)
	require.NoError(t, err)

	refresh, err := tokens.Create("user-42", RoleOperator, TokenRefresh, "device-1", time.Minute)
	require.NoError(t, err)

	_, err = tokens.Verify(refresh, TokenAccess)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestVerifyFailureEmitsAuthEvent(t *testing.T) {
	mgr, bus := newTestManager(t)
	sub := bus.Subscribe("auth.failure")
	defer sub.Close()

	expired, err := mgr.TokenManager().Create("user-42", RoleViewer, TokenAccess, "", -time.Second)
	require.NoError(t, err)

	_, err = mgr.VerifyToken(expired, TokenAccess, "trace-5")
	require.ErrorIs(t, err, ErrTokenExpired)

	select {
	case ev := <-sub.C:
		assert.Equal(t, "trace-5", ev.TraceID)
		assert.Equal(t, events.SeverityWarn, ev.Severity)
		assert.Equal(t, "user-42", ev.Context["user_id"])
	case <-time.After(time.Second):
		t.Fatal("no auth event emitted")
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.RegisterUser(ctx, "op1", "pw", RoleOperator)
	require.NoError(t, err)

	pair, user, err := mgr.Login(ctx, "op1", "pw", "device-1")
	require.NoError(t, err)
	assert.Equal(t, "op1", user.Username)

	claims, err := mgr.TokenManager().Verify(pair.RefreshToken, TokenRefresh)
	require.NoError(t, err)
	assert.Equal(t, "device-1", claims.DeviceID, "refresh token must be device-bound")
	access, err := mgr.TokenManager().Verify(pair.AccessToken, TokenAccess)
	require.NoError(t, err)
	assert.Empty(t, access.DeviceID, "access token must not be device-bound")

	// Rotation: the old refresh token is single-use.
	next, err := mgr.RefreshSession(ctx, pair.RefreshToken)
	require.NoError(t, err)
	_, err = mgr.RefreshSession(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	// Logout revokes; further refresh fails.
	require.NoError(t, mgr.Logout(ctx, next.RefreshToken))
	_, err = mgr.RefreshSession(ctx, next.RefreshToken)
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)

	// Logout of an unknown token is a no-op.
	assert.NoError(t, mgr.Logout(ctx, "not-a-token"))
}

func TestCheckPermission(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	admin, err := mgr.RegisterUser(ctx, "root", "pw", RoleAdmin)
	require.NoError(t, err)
	operator, err := mgr.RegisterUser(ctx, "op", "pw", RoleOperator)
	require.NoError(t, err)
	viewer, err := mgr.RegisterUser(ctx, "view", "pw", RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		userID string
		action string
		want   bool
	}{
		{admin.ID.String(), "robot.move", true},
		{admin.ID.String(), "anything.at.all", true},
		{operator.ID.String(), "robot.move", true},
		{operator.ID.String(), "command.create", true},
		{operator.ID.String(), "user.delete", false},
		{viewer.ID.String(), "robot.status", true},
		{viewer.ID.String(), "robot.move", false},
		{"not-a-uuid", "robot.status", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mgr.CheckPermission(ctx, tt.userID, tt.action, "r1"),
			"user=%s action=%s", tt.userID, tt.action)
	}
}

func TestRoleAllowsPrefixWildcard(t *testing.T) {
	rolePermissions["tester"] = []string{"robot.*"}
	defer delete(rolePermissions, "tester")

	assert.True(t, roleAllows("tester", "robot.move"))
	assert.True(t, roleAllows("tester", "robot.stop"))
	assert.False(t, roleAllows("tester", "command.create"))
	assert.False(t, roleAllows("tester", "robots.move"))
}
