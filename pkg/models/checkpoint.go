package models

// CheckpointType identifies which ad provider backs a checkpoint. Verification
// is dispatched on this tag; there is no subtyping beyond it.
type CheckpointType string

const (
	CheckpointCustom      CheckpointType = "custom"
	CheckpointLinkvertise CheckpointType = "linkvertise"
	CheckpointLootLabs    CheckpointType = "lootlabs"
	CheckpointWorkInk     CheckpointType = "workink"
)

// Valid reports whether t is one of the supported checkpoint types.
func (t CheckpointType) Valid() bool {
	switch t {
	case CheckpointCustom, CheckpointLinkvertise, CheckpointLootLabs, CheckpointWorkInk:
		return true
	}
	return false
}

// Checkpoint is one ad step in a keysystem's ordered list. Stored as a JSONB
// array element on the keysystem row, so field names are wire names.
//
// CallbackToken is the static capability embedded in the provider's return URL
// for custom/linkvertise/workink checkpoints. LootLabs checkpoints have no
// static token: a fresh one is minted per visitor per attempt and tracked in
// the lootlabs_callbacks table instead.
type Checkpoint struct {
	Type          CheckpointType `json:"type"`
	RedirectURL   string         `json:"redirect_url"`
	Mandatory     bool           `json:"mandatory,omitempty"`
	CallbackToken string         `json:"callback_token,omitempty"`
}

// UsesStaticCallback reports whether the checkpoint is resolved by its stored
// callback token rather than a per-visitor dynamic one.
func (c Checkpoint) UsesStaticCallback() bool {
	return c.Type != CheckpointLootLabs
}

// PublicCheckpoint is the secret-free view served to anonymous visitors.
type PublicCheckpoint struct {
	Type        CheckpointType `json:"type"`
	RedirectURL string         `json:"redirect_url"`
	Mandatory   bool           `json:"mandatory"`
}
