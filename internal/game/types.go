// internal/game/types.go
//
// Core type definitions for the number-guessing engine.
// Defines:
//   - Game: state for a single deployed game (owner, secret, active flag).
//   - Attempt: the record emitted for every guess call.
//   - Sentinel errors for the two precondition failures.

package game

import (
	"errors"
	"sync"
	"time"
)

// ErrUnauthorized is returned when a caller other than the game owner
// invokes an owner-restricted operation. The game is left untouched.
var ErrUnauthorized = errors.New("unauthorized")

// ErrGameInactive is returned when a guess arrives after the game has
// ended. The game is left untouched.
var ErrGameInactive = errors.New("game inactive")

// Game holds the state of a single guessing game.
// Owner never changes after New. Active only ever transitions true→false;
// once a game ends there is no way back within this engine.
//
// Many callers guess the same game concurrently, so every mutation runs
// under the game's own mutex; the store lock only guards the map.
type Game struct {
	mu sync.Mutex // serializes mutations; ID/Owner/CreatedAt are immutable after New

	ID        string    // Unique game identifier (random hex string).
	Owner     string    // Identity of the creator; the only caller allowed to set the secret or end the game.
	Secret    uint8     // The number to guess. Never serialized to clients or the DB.
	Active    bool      // True while guesses are accepted.
	CreatedAt time.Time // When the game was constructed (UTC).
}

// Attempt is the immutable record produced by every guess call.
// The engine returns it instead of writing it anywhere, so the caller
// decides where the log lives (DB table, test slice, ...).
type Attempt struct {
	GameID  string    `json:"gameId"`
	Player  string    `json:"player"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}
