// README: Agent position model and validation.
package location

import (
	"errors"
	"time"

	"courier/internal/types"
)

// AgentPosition is the single live record kept per agent. Writes overwrite.
type AgentPosition struct {
	AgentID    types.ID    `json:"agent_id"`
	Position   types.Point `json:"position"`
	AccuracyM  float64     `json:"accuracy_m,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Update is one report from an agent device.
type Update struct {
	AgentID    types.ID
	Position   types.Point
	AccuracyM  float64
	CapturedAt time.Time
}

// Result tells the reporter whether the update replaced the live record.
// Out-of-order samples (older than the stored capture time) are dropped.
type Result struct {
	Accepted bool          `json:"accepted"`
	Position AgentPosition `json:"position"`
}

// Nearby is an agent found by a radius search.
type Nearby struct {
	AgentID    types.ID    `json:"agent_id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
	CapturedAt time.Time   `json:"captured_at"`
}

var (
	ErrNotFound        = errors.New("agent position not found")
	ErrInvalidPosition = errors.New("invalid position")
)

func (u Update) validate() error {
	if u.AgentID == "" {
		return errors.Join(ErrInvalidPosition, errors.New("agent id required"))
	}
	if !u.Position.Valid() {
		return errors.Join(ErrInvalidPosition, errors.New("coordinates out of range"))
	}
	if u.AccuracyM < 0 {
		return errors.Join(ErrInvalidPosition, errors.New("negative accuracy"))
	}
	return nil
}
