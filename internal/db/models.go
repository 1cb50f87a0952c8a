package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sync queue
// -----------------------------------------------------------------------------

// Sync item statuses. A row is either waiting (pending), taken by an
// in-flight flush batch (sending), or permanently parked after exhausting
// its retries (failed). Successfully delivered rows are deleted, never
// stored as "sent".
const (
	SyncStatusPending = "pending"
	SyncStatusSending = "sending"
	SyncStatusFailed  = "failed"
)

// SyncItem is one pending cross-node operation in the durable FIFO queue.
// Seq is allocated at enqueue time as max(seq)+1 inside the insert
// transaction; the unique index makes the total order authoritative.
type SyncItem struct {
	Base
	Seq        int64  `gorm:"column:seq;uniqueIndex;not null"`
	OpType     string `gorm:"not null"`
	Payload    string `gorm:"type:text;not null"` // JSON document, opaque to the queue
	TraceID    string `gorm:"default:''"`
	Status     string `gorm:"not null;default:'pending';index"`
	RetryCount int    `gorm:"not null;default:0"`
	LastError  string `gorm:"type:text;default:''"`
}

// TableName pins the table name to the wire contract ("sync_queue") instead
// of GORM's pluralized default.
func (SyncItem) TableName() string { return "sync_queue" }

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User represents a local platform user. Password holds a bcrypt hash —
// never the plaintext. Role is one of "admin", "operator", "viewer"
// (extensible; authorization resolves roles to permission sets at check
// time, so new roles only touch the auth package).
type User struct {
	Base
	Username    string `gorm:"uniqueIndex;not null"`
	Password    string `gorm:"not null"` // bcrypt hash
	Role        string `gorm:"not null;default:'viewer'"`
	IsActive    bool   `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// RefreshToken stores a hashed refresh token associated with a user session.
// The raw token is never stored — only its SHA-256 hash. Tokens are rotated
// on every use. DeviceID binds the token to the device that requested it;
// access tokens carry no device binding.
type RefreshToken struct {
	Base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	DeviceID  string    `gorm:"not null;default:''"`
	ExpiresAt time.Time `gorm:"not null;index"`
}
