// Package engine holds the reference track engine used to drive duels.
package engine

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"

	"github.com/duel-arena/internal/domain"
)

// Actions understood by DrawEngine
const (
	ActionDraw  = "draw"
	ActionStand = "stand"
)

// Hand ranks reported by Score
const (
	RankBust    = "BUST"
	RankNatural = "NATURAL"
	RankPerfect = "PERFECT"
	RankStrong  = "STRONG"
	RankFair    = "FAIR"
	RankWeak    = "WEAK"
)

const (
	deckSize    = 52
	openingHand = 2
)

// DrawState is the per-player state of a draw-to-target track
type DrawState struct {
	CharacterID string `json:"character_id"`
	Seed        uint64 `json:"seed"`
	Target      int    `json:"target"`
	MaxActions  int    `json:"max_actions"`
	Cards       []int  `json:"cards"`
	Total       int    `json:"total"`
	Actions     int    `json:"actions"`
	Stood       bool   `json:"stood"`
	Busted      bool   `json:"busted"`
}

// Resolved reports whether the track can take no more actions
func (s *DrawState) Resolved() bool {
	return s.Stood || s.Busted || (s.MaxActions > 0 && s.Actions >= s.MaxActions)
}

// DrawEngine deals cards from a deck shuffled by the shared seed, so both
// players of a duel see the same card order. A track resolves when the player
// stands, busts past the target or runs out of actions.
type DrawEngine struct{}

// NewDrawEngine creates a draw-to-target engine
func NewDrawEngine() *DrawEngine {
	return &DrawEngine{}
}

// Init deals the opening hand
func (e *DrawEngine) Init(characterID string, cfg domain.TrackConfig) (json.RawMessage, error) {
	if cfg.Target <= 0 {
		return nil, fmt.Errorf("target must be positive, got %d", cfg.Target)
	}
	st := DrawState{
		CharacterID: characterID,
		Seed:        cfg.Seed,
		Target:      cfg.Target,
		MaxActions:  cfg.MaxActions,
	}
	deck := shuffle(cfg.Seed)
	st.Cards = append(st.Cards, deck[:openingHand]...)
	st.Total = handTotal(st.Cards, st.Target)
	return json.Marshal(st)
}

// Apply performs one draw or stand
func (e *DrawEngine) Apply(state json.RawMessage, action domain.Action) (json.RawMessage, error) {
	st, err := decode(state)
	if err != nil {
		return nil, err
	}
	if st.Resolved() {
		return nil, domain.ErrAlreadyResolved
	}

	switch action.Type {
	case ActionDraw:
		deck := shuffle(st.Seed)
		if len(st.Cards) >= len(deck) {
			st.Stood = true
			break
		}
		st.Cards = append(st.Cards, deck[len(st.Cards)])
		st.Total = handTotal(st.Cards, st.Target)
		st.Busted = st.Total > st.Target
	case ActionStand:
		st.Stood = true
	default:
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidAction, action.Type)
	}
	st.Actions++
	return json.Marshal(st)
}

// IsResolved reports whether the track is finished
func (e *DrawEngine) IsResolved(state json.RawMessage) (bool, error) {
	st, err := decode(state)
	if err != nil {
		return false, err
	}
	return st.Resolved(), nil
}

// Score rates a finished hand. A bust scores zero; an opening hand that hits
// the target outranks one that got there by drawing.
func (e *DrawEngine) Score(state json.RawMessage) (domain.TrackResult, error) {
	st, err := decode(state)
	if err != nil {
		return domain.TrackResult{}, err
	}
	if st.Busted {
		return domain.TrackResult{Score: 0, HandRank: RankBust}, nil
	}

	result := domain.TrackResult{Score: int64(st.Total)}
	gap := st.Target - st.Total
	switch {
	case gap == 0 && len(st.Cards) == openingHand:
		result.Score++
		result.HandRank = RankNatural
	case gap == 0:
		result.HandRank = RankPerfect
	case gap <= 3:
		result.HandRank = RankStrong
	case gap <= 6:
		result.HandRank = RankFair
	default:
		result.HandRank = RankWeak
	}
	return result, nil
}

func decode(state json.RawMessage) (*DrawState, error) {
	var st DrawState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("%w: unreadable track state: %v", domain.ErrInvalidAction, err)
	}
	return &st, nil
}

// shuffle returns card values in deal order for a seed. Face cards count ten,
// aces count one here and are promoted by handTotal.
func shuffle(seed uint64) []int {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := r.Perm(deckSize)
	deck := make([]int, deckSize)
	for i, p := range perm {
		deck[i] = min(p%13+1, 10)
	}
	return deck
}

// handTotal counts one ace as eleven when that does not pass the target
func handTotal(cards []int, target int) int {
	total, aces := 0, 0
	for _, c := range cards {
		total += c
		if c == 1 {
			aces++
		}
	}
	if aces > 0 && total+10 <= target {
		total += 10
	}
	return total
}
