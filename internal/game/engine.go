// internal/game/engine.go
//
// Core engine for a single guessing game.
// Responsibilities:
//   - Construct games with the creator pinned as owner.
//   - Enforce the owner guard on SetSecret and End.
//   - Enforce the active-game guard on Guess.
//   - Emit one Attempt record per guess, win or miss.
//
// Notes:
//   - The secret defaults to 0 and is only ever changed by the owner;
//     the engine never generates one.
//   - There is no reset path: an ended game stays ended.
//   - randomID() is a compact hex identifier for correlating server state.
package game

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// New constructs a new game owned by the given caller identity.
// The game starts active with a zero secret.
func New(owner string) *Game {
	return &Game{
		ID:        randomID(),
		Owner:     strings.TrimSpace(owner),
		Secret:    0,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

// SetSecret overwrites the secret number. Owner only.
// There is deliberately no activity guard: the owner may rewrite the
// secret mid-game or after the game ended.
func (g *Game) SetSecret(caller string, value uint8) error {
	if caller != g.Owner {
		return ErrUnauthorized
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Secret = value
	return nil
}

// Guess compares value against the secret, mutating the game on a hit.
// Returns the Attempt record emitted for this call.
//
// Validation rules:
//   - Game must be active, else ErrGameInactive and no Attempt.
//
// State transitions:
//   - On match → Active = false (terminal), Attempt.Success = true.
//   - On mismatch → state unchanged, Attempt.Success = false.
func (g *Game) Guess(caller string, value uint8) (Attempt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.Active {
		return Attempt{}, ErrGameInactive
	}
	hit := value == g.Secret
	if hit {
		g.Active = false
	}
	return Attempt{
		GameID:  g.ID,
		Player:  caller,
		Success: hit,
		At:      time.Now().UTC(),
	}, nil
}

// End force-ends the game. Owner only.
// Idempotent: ending an already inactive game is not an error.
func (g *Game) End(caller string) error {
	if caller != g.Owner {
		return ErrUnauthorized
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Active = false
	return nil
}

// IsActive reports whether guesses are still accepted.
func (g *Game) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Active
}

// State reports a coarse string representation of the current game state.
func (g *Game) State() string {
	if g.IsActive() {
		return "active"
	}
	return "inactive"
}

// randomID returns a compact 16-hex-char identifier.
// Collisions are extremely unlikely given crypto/rand entropy.
func randomID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
