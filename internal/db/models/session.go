package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Session is the persisted record of a login. Only the SHA-256 hash of the
// bearer token is stored.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:sess"`

	ID         string    `bun:"id,pk"`                     // UUIDv7
	AccountID  int64     `bun:"account_id,notnull"`        // FK to accounts(id)
	TokenHash  string    `bun:"token_hash,notnull,unique"` // SHA256 hash of bearer token
	Encoding   string    `bun:"encoding,notnull"`
	ExpiresAt  time.Time `bun:"expires_at,notnull"`
	CreatedAt  time.Time `bun:"created_at,notnull,default:current_timestamp"`
	LastUsedAt time.Time `bun:"last_used_at,notnull,default:current_timestamp"`
	UserAgent  *string   `bun:"user_agent"`
	IPAddress  *string   `bun:"ip_address"`
	Revoked    bool      `bun:"revoked,notnull,default:false"`
}
