package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxCheckpoints caps the checkpoint list per keysystem.
const MaxCheckpoints = 10

// Keysystem bundles an owner's checkpoints, key policy and webhook config.
// Checkpoint order is meaningful and fixed; a visitor's progress is an index
// into Checkpoints.
type Keysystem struct {
	ID                 uuid.UUID    `db:"id"                   json:"id"`
	OwnerID            uuid.UUID    `db:"owner_id"             json:"owner_id"`
	Name               string       `db:"name"                 json:"name"`
	MaxKeysPerPerson   int          `db:"max_keys_per_person"  json:"max_keys_per_person"`
	KeyTimerHours      int          `db:"key_timer_hours"      json:"key_timer_hours"` // 0 = permanent keys
	KeyCooldownMinutes int          `db:"key_cooldown_minutes" json:"key_cooldown_minutes"`
	WebhookURL         *string      `db:"webhook_url"          json:"webhook_url,omitempty"`
	LootLabsAPIKey     *string      `db:"lootlabs_api_key"     json:"-"`
	Active             bool         `db:"active"               json:"active"`
	Checkpoints        []Checkpoint `db:"checkpoints"          json:"checkpoints"`
	CreatedAt          time.Time    `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at"           json:"updated_at"`
}

// PublicKeysystem is the visitor-facing view: no callback tokens, no webhook
// URL, no provider API keys.
type PublicKeysystem struct {
	ID                 uuid.UUID          `json:"id"`
	Name               string             `json:"name"`
	MaxKeysPerPerson   int                `json:"max_keys_per_person"`
	KeyTimerHours      int                `json:"key_timer_hours"`
	KeyCooldownMinutes int                `json:"key_cooldown_minutes"`
	Active             bool               `json:"active"`
	Checkpoints        []PublicCheckpoint `json:"checkpoints"`
}

// Public returns the secret-free view of the keysystem.
func (k *Keysystem) Public() PublicKeysystem {
	cps := make([]PublicCheckpoint, len(k.Checkpoints))
	for i, cp := range k.Checkpoints {
		cps[i] = PublicCheckpoint{
			Type:        cp.Type,
			RedirectURL: cp.RedirectURL,
			Mandatory:   cp.Mandatory || i == 0,
		}
	}
	return PublicKeysystem{
		ID:                 k.ID,
		Name:               k.Name,
		MaxKeysPerPerson:   k.MaxKeysPerPerson,
		KeyTimerHours:      k.KeyTimerHours,
		KeyCooldownMinutes: k.KeyCooldownMinutes,
		Active:             k.Active,
		Checkpoints:        cps,
	}
}

// KeyExpiry computes a key's expiry from the keysystem timer, or nil for
// permanent keys.
func (k *Keysystem) KeyExpiry(now time.Time) *time.Time {
	if k.KeyTimerHours <= 0 {
		return nil
	}
	exp := now.Add(time.Duration(k.KeyTimerHours) * time.Hour)
	return &exp
}

// CooldownUntil computes the cooldown deadline applied after a key grant.
func (k *Keysystem) CooldownUntil(now time.Time) time.Time {
	return now.Add(time.Duration(k.KeyCooldownMinutes) * time.Minute)
}
