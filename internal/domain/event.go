package domain

import "time"

// EventType names a duel notification
type EventType string

const (
	EventChallengeCreated   EventType = "challenge_created"
	EventChallengeAccepted  EventType = "challenge_accepted"
	EventChallengeDeclined  EventType = "challenge_declined"
	EventChallengeCancelled EventType = "challenge_cancelled"
	EventChallengeExpired   EventType = "challenge_expired"
	EventDuelStarted        EventType = "duel_started"
	EventTrackResolved      EventType = "track_resolved"
	EventDuelCompleted      EventType = "duel_completed"
	EventDuelVoided         EventType = "duel_voided"
)

// DuelEvent is dispatched to notifiers whenever a duel changes
type DuelEvent struct {
	Type       EventType   `json:"type"`
	DuelID     string      `json:"duel_id"`
	Recipients []string    `json:"recipients"`
	Challenge  *Challenge  `json:"challenge,omitempty"`
	Result     *DuelResult `json:"result,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
