// README: Mirrors accepted agent positions into Firebase Realtime Database.
package location

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/db"
)

// rtdbPositionEntry mirrors a single agent entry under /agent_positions.
type rtdbPositionEntry struct {
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	AccuracyM  float64 `json:"accuracy_m,omitempty"`
	CapturedAt int64   `json:"captured_at"`
	ReceivedAt int64   `json:"received_at"`
}

// FirebaseMirror lets client apps listen to /agent_positions/{agentID}
// directly instead of polling.
type FirebaseMirror struct {
	client *db.Client
	root   string
}

func NewFirebaseMirror(client *db.Client) *FirebaseMirror {
	return &FirebaseMirror{client: client, root: "agent_positions"}
}

func (m *FirebaseMirror) MirrorPosition(ctx context.Context, p AgentPosition) error {
	ref := m.client.NewRef(m.root + "/" + string(p.AgentID))
	entry := rtdbPositionEntry{
		Lat:        p.Position.Lat,
		Lng:        p.Position.Lng,
		AccuracyM:  p.AccuracyM,
		CapturedAt: p.CapturedAt.UnixMilli(),
		ReceivedAt: p.ReceivedAt.UnixMilli(),
	}
	if err := ref.Set(ctx, entry); err != nil {
		return fmt.Errorf("mirror agent %s: %w", p.AgentID, err)
	}
	return nil
}
