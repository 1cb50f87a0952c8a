package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/roboedge-io/roboedge/internal/db"
)

// UserStore is the persistence interface the Manager depends on.
// The gorm implementation below is the production one; tests may
// substitute their own.
type UserStore interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByUsername(ctx context.Context, username string) (*db.User, error)
	UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// RefreshTokenStore is the server-side refresh token registry.
// Only SHA-256 hashes of raw tokens are stored; revoking means deleting.
type RefreshTokenStore interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// NewGormUserStore returns a UserStore backed by the given database.
func NewGormUserStore(database *gorm.DB) UserStore {
	return &gormUserStore{database: database}
}

type gormUserStore struct {
	database *gorm.DB
}

func (s *gormUserStore) Create(ctx context.Context, user *db.User) error {
	if err := s.database.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("auth: creating user: %w", err)
	}
	return nil
}

func (s *gormUserStore) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	if err := s.database.WithContext(ctx).First(&user, "id = ?", id.String()).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user: %w", err)
	}
	return &user, nil
}

func (s *gormUserStore) GetByUsername(ctx context.Context, username string) (*db.User, error) {
	var user db.User
	if err := s.database.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user by username: %w", err)
	}
	return &user, nil
}

func (s *gormUserStore) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := s.database.WithContext(ctx).Model(&db.User{}).
		Where("id = ?", id.String()).
		Update("last_login_at", at).Error; err != nil {
		return fmt.Errorf("auth: updating last login: %w", err)
	}
	return nil
}

// NewGormRefreshTokenStore returns a RefreshTokenStore backed by the given
// database.
func NewGormRefreshTokenStore(database *gorm.DB) RefreshTokenStore {
	return &gormRefreshTokenStore{database: database}
}

type gormRefreshTokenStore struct {
	database *gorm.DB
}

func (s *gormRefreshTokenStore) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := s.database.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("auth: persisting refresh token: %w", err)
	}
	return nil
}

func (s *gormRefreshTokenStore) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	if err := s.database.WithContext(ctx).First(&token, "token_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}
	return &token, nil
}

func (s *gormRefreshTokenStore) DeleteByHash(ctx context.Context, hash string) error {
	res := s.database.WithContext(ctx).Delete(&db.RefreshToken{}, "token_hash = ?", hash)
	if res.Error != nil {
		return fmt.Errorf("auth: deleting refresh token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRefreshTokenNotFound
	}
	return nil
}

func (s *gormRefreshTokenStore) DeleteAllForUser(ctx context.Context, userID uuid.UUID) error {
	if err := s.database.WithContext(ctx).Delete(&db.RefreshToken{}, "user_id = ?", userID.String()).Error; err != nil {
		return fmt.Errorf("auth: revoking user tokens: %w", err)
	}
	return nil
}

func (s *gormRefreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.database.WithContext(ctx).Delete(&db.RefreshToken{}, "expires_at < ?", now)
	if res.Error != nil {
		return 0, fmt.Errorf("auth: purging expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
