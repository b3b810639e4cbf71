package models

import (
	"time"

	"github.com/google/uuid"
)

// KeyStatus is flipped from active to expired by the external sweeper once
// ExpiresAt passes; the gate itself only ever writes "active".
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "active"
	KeyStatusExpired KeyStatus = "expired"
)

// Key is an access key granted to a session after a full checkpoint pass.
type Key struct {
	ID          uuid.UUID  `db:"id"           json:"id"`
	KeysystemID uuid.UUID  `db:"keysystem_id" json:"keysystem_id"`
	VisitorID   string     `db:"visitor_id"   json:"-"`
	Value       string     `db:"value"        json:"value"`
	HWID        *string    `db:"hwid"         json:"hwid,omitempty"`
	Status      KeyStatus  `db:"status"       json:"status"`
	ExpiresAt   *time.Time `db:"expires_at"   json:"expires_at,omitempty"` // nil = permanent
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}

// Usable reports whether the key can still redeem script access.
func (k *Key) Usable(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}
