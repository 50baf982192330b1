package device

import "time"

// MatchField records which column satisfied an identifier lookup.
type MatchField string

// Match fields.
const (
	MatchNickname MatchField = "nickname"
	MatchHWModel  MatchField = "hw_model"
)

// Device is a registered pill dispenser.
type Device struct {
	ID        int64     `json:"device_id"`
	Nickname  string    `json:"nickname"`
	HWModel   string    `json:"hw_model"`
	CreatedAt time.Time `json:"created_at"`

	// MatchedBy is set by FindByIdentifier.
	MatchedBy MatchField `json:"-"`
}
