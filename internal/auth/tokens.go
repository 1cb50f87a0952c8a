package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Default token lifetimes. Access tokens are short-lived by design —
// refresh tokens handle session continuity, and "revocation" of an access
// token means letting it expire.
const (
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// TokenType distinguishes access tokens from refresh tokens. A token is
// only accepted where its type is expected; presenting a refresh token on
// an API call fails verification.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims holds the custom JWT claims embedded in every token.
// Standard claims (exp, iat, iss) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the UUID of the authenticated user.
	UserID string `json:"uid"`

	// Role is the user's role at token issuance time.
	// Access tokens are short-lived so role staleness is acceptable.
	Role string `json:"role"`

	// TokenType is "access" or "refresh".
	TokenType TokenType `json:"type"`

	// DeviceID binds a refresh token to the device that requested it.
	// Empty on access tokens.
	DeviceID string `json:"device_id,omitempty"`
}

// TokenManager handles HS256 signing and verification. The signing secret
// is shared between the edge and the cloud so either side can verify
// tokens minted by the other.
type TokenManager struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenManager creates a TokenManager. Zero TTLs select the defaults.
func NewTokenManager(secret []byte, issuer string, accessTTL, refreshTTL time.Duration) (*TokenManager, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: JWT secret is required")
	}
	if accessTTL == 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	if refreshTTL == 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	return &TokenManager{
		secret:     secret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *TokenManager) AccessTTL() time.Duration { return m.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (m *TokenManager) RefreshTTL() time.Duration { return m.refreshTTL }

// Create signs a token of the given type for the user. deviceID is only
// meaningful for refresh tokens. ttl overrides the configured lifetime
// when non-zero; a negative ttl produces an already-expired token (used
// by tests to exercise expiry handling).
func (m *TokenManager) Create(userID, role string, typ TokenType, deviceID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		switch typ {
		case TokenRefresh:
			ttl = m.refreshTTL
		default:
			ttl = m.accessTTL
		}
	}

	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			// JTI gives every token instance a unique identifier so a
			// denylist can reference individual tokens if one is added.
			ID: uuid.NewString(),
		},
		UserID:    userID,
		Role:      role,
		TokenType: typ,
		DeviceID:  deviceID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and verifies a token string and checks it is of the
// expected type. On failure it returns a sentinel error plus whatever
// claims could be decoded — the claimed user ID is wanted in the audit
// trail even when the signature or expiry check fails.
func (m *TokenManager) Verify(tokenString string, expected TokenType) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC.
			// This prevents the "alg:none" and RSA confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		// The claims decode before validation runs, so an expired token
		// still carries its claimed identity.
		var claims *Claims
		if token != nil {
			claims, _ = token.Claims.(*Claims)
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return claims, ErrTokenExpired
		}
		return claims, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.TokenType != expected {
		return claims, ErrWrongTokenType
	}
	return claims, nil
}
