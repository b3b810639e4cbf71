package models

import (
	"time"

	"github.com/google/uuid"
)

// Owner is a script author's account. Identity comes from an external OAuth
// provider; only the stable external id is stored here.
type Owner struct {
	ID        uuid.UUID `db:"id"          json:"id"`
	DiscordID string    `db:"discord_id"  json:"discord_id"`
	Username  string    `db:"username"    json:"username"`
	CreatedAt time.Time `db:"created_at"  json:"created_at"`
	UpdatedAt time.Time `db:"updated_at"  json:"updated_at"`
}
