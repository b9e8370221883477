package domain

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidTarget        = errors.New("cannot challenge yourself")
	ErrInvalidWager         = errors.New("invalid wager amount")
	ErrConflictingChallenge = errors.New("an active challenge already exists between these characters")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrNotAuthorized        = errors.New("character is not allowed to perform this action")
	ErrInvalidState         = errors.New("challenge is not in a valid state for this action")
	ErrChallengeExpired     = errors.New("challenge has expired")
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrStateChanged         = errors.New("challenge state changed concurrently")
	ErrNotAParticipant      = errors.New("character is not a participant in this duel")
	ErrAlreadyResolved      = errors.New("track already resolved")
	ErrSessionNotFound      = errors.New("duel session not found")
	ErrSessionExpired       = errors.New("duel session has expired")
	ErrAccountNotFound      = errors.New("account not found")
	ErrInvalidAction        = errors.New("invalid action")
	ErrInternalError        = errors.New("internal server error")
)

// InsufficientFundsError names the party that cannot cover a wager.
type InsufficientFundsError struct {
	CharacterID string
	Required    int64
	Available   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: character %s has %d, needs %d (short %d)",
		e.CharacterID, e.Available, e.Required, e.Shortfall())
}

// Shortfall returns how much gold the character is missing.
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Required - e.Available
}

// Is lets errors.Is match ErrInsufficientFunds.
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidRequest, "INVALID_REQUEST"},
	{ErrInvalidTarget, "INVALID_TARGET"},
	{ErrInvalidWager, "INVALID_WAGER"},
	{ErrConflictingChallenge, "CONFLICTING_CHALLENGE"},
	{ErrInsufficientFunds, "INSUFFICIENT_FUNDS"},
	{ErrNotAuthorized, "NOT_AUTHORIZED"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrChallengeExpired, "CHALLENGE_EXPIRED"},
	{ErrChallengeNotFound, "CHALLENGE_NOT_FOUND"},
	{ErrStateChanged, "STATE_CHANGED"},
	{ErrNotAParticipant, "NOT_A_PARTICIPANT"},
	{ErrAlreadyResolved, "ALREADY_RESOLVED"},
	{ErrSessionNotFound, "SESSION_NOT_FOUND"},
	{ErrSessionExpired, "SESSION_EXPIRED"},
	{ErrAccountNotFound, "ACCOUNT_NOT_FOUND"},
	{ErrInvalidAction, "INVALID_ACTION"},
}

// ErrorCode maps an error to a stable code a transport layer can expose.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "INTERNAL"
}
