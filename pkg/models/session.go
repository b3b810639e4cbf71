package models

import (
	"time"

	"github.com/google/uuid"
)

// Session tracks one anonymous visitor's progress through one keysystem.
// Keyed by (keysystem_id, visitor_id); the visitor id is a client-persisted
// random identifier, not an account.
//
// TokenValue/TokenCreatedAt hold the in-flight anti-bypass token. The pair
// exists only between "visitor clicked start" and "callback verified"; it is
// cleared in the same statement that advances CurrentCheckpoint.
type Session struct {
	KeysystemID       uuid.UUID  `db:"keysystem_id"       json:"keysystem_id"`
	VisitorID         string     `db:"visitor_id"         json:"visitor_id"`
	CurrentCheckpoint int        `db:"current_checkpoint" json:"current_checkpoint"`
	CooldownTill      *time.Time `db:"cooldown_till"      json:"cooldown_till,omitempty"`
	TokenValue        *string    `db:"token_value"        json:"-"`
	TokenCreatedAt    *time.Time `db:"token_created_at"   json:"-"`
	Keys              []Key      `db:"-"                  json:"keys"`
	CreatedAt         time.Time  `db:"created_at"         json:"created_at"`
}

// HasToken reports whether an anti-bypass token is in flight.
func (s *Session) HasToken() bool {
	return s.TokenValue != nil && s.TokenCreatedAt != nil
}

// OnCooldown reports whether the session is still inside its key cooldown.
func (s *Session) OnCooldown(now time.Time) bool {
	return s.CooldownTill != nil && s.CooldownTill.After(now)
}

// LootLabsCallback is the per-visitor dynamic callback minted for a LootLabs
// checkpoint attempt. Kept in its own table rather than inside the checkpoint
// document so the shared keysystem row never grows per visitor.
type LootLabsCallback struct {
	Token           string    `db:"token"            json:"token"`
	KeysystemID     uuid.UUID `db:"keysystem_id"     json:"keysystem_id"`
	CheckpointIndex int       `db:"checkpoint_index" json:"checkpoint_index"`
	VisitorID       string    `db:"visitor_id"       json:"visitor_id"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}
