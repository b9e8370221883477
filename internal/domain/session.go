package domain

import (
	"encoding/json"
	"time"
)

// Side identifies which participant a track belongs to
type Side string

const (
	SideChallenger Side = "challenger"
	SideChallenged Side = "challenged"
)

// TrackConfig is the configuration shared by both tracks of a duel.
// Both players receive an identical copy so neither starts with an advantage.
type TrackConfig struct {
	Seed       uint64 `json:"seed"`
	Target     int    `json:"target"`
	MaxActions int    `json:"max_actions"`
}

// Action is a single player move forwarded to the track engine
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TrackResult is the scored outcome of a resolved track
type TrackResult struct {
	Score    int64  `json:"score"`
	HandRank string `json:"hand_rank"`
}

// PlayerTrack is one player's independent progression within a duel
type PlayerTrack struct {
	CharacterID string          `json:"character_id"`
	State       json.RawMessage `json:"state"`
	Resolved    bool            `json:"resolved"`
	Result      *TrackResult    `json:"result,omitempty"`
	Actions     int             `json:"actions"`
}

// DuelSession holds both tracks of an in-progress duel
type DuelSession struct {
	DuelID       string      `json:"duel_id"`
	Config       TrackConfig `json:"config"`
	Challenger   PlayerTrack `json:"challenger"`
	Challenged   PlayerTrack `json:"challenged"`
	Version      int64       `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActionAt time.Time   `json:"last_action_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	// Result is set once settlement ran, before the challenge is completed.
	Result *DuelResult `json:"result,omitempty"`
}

// SideOf returns which side characterID plays, or false if not a participant
func (s *DuelSession) SideOf(characterID string) (Side, bool) {
	switch characterID {
	case s.Challenger.CharacterID:
		return SideChallenger, true
	case s.Challenged.CharacterID:
		return SideChallenged, true
	}
	return "", false
}

// Track returns a pointer to the track for the given side
func (s *DuelSession) Track(side Side) *PlayerTrack {
	if side == SideChallenger {
		return &s.Challenger
	}
	return &s.Challenged
}

// Opponent returns the track facing the given side
func (s *DuelSession) Opponent(side Side) *PlayerTrack {
	if side == SideChallenger {
		return &s.Challenged
	}
	return &s.Challenger
}

// BothResolved reports whether the join barrier can fire
func (s *DuelSession) BothResolved() bool {
	return s.Challenger.Resolved && s.Challenged.Resolved
}

// IsExpired reports whether the session outlived its sliding TTL
func (s *DuelSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Touch records activity and renews the sliding expiry
func (s *DuelSession) Touch(now time.Time, ttl time.Duration) {
	s.Version++
	s.LastActionAt = now
	s.ExpiresAt = now.Add(ttl)
}

// TrackView is what a participant may see of a duel in progress
type TrackView struct {
	DuelID           string       `json:"duel_id"`
	Side             Side         `json:"side"`
	Challenge        *Challenge   `json:"challenge"`
	Track            *PlayerTrack `json:"track,omitempty"`
	OpponentResolved bool         `json:"opponent_resolved"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
}

// ActionResult is returned after an action was applied
type ActionResult struct {
	DuelID    string      `json:"duel_id"`
	Side      Side        `json:"side"`
	Track     PlayerTrack `json:"track"`
	Completed bool        `json:"completed"`
	Result    *DuelResult `json:"result,omitempty"`
}

// ActionSubmission is the inbound shape of an action from a transport
type ActionSubmission struct {
	DuelID      string `json:"duel_id"`
	CharacterID string `json:"character_id"`
	Action      Action `json:"action"`
}
