package auth

import "errors"

// Sentinel errors returned by the auth package. Callers distinguish them
// with errors.Is; everything else is an internal fault.
var (
	ErrInvalidCredentials   = errors.New("auth: invalid credentials")
	ErrDuplicateUser        = errors.New("auth: username already registered")
	ErrUserNotFound         = errors.New("auth: user not found")
	ErrUserDisabled         = errors.New("auth: user account disabled")
	ErrTokenExpired         = errors.New("auth: token expired")
	ErrTokenInvalid         = errors.New("auth: token invalid")
	ErrWrongTokenType       = errors.New("auth: wrong token type")
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found or revoked")
)
