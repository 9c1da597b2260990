// internal/httpserver/server.go
//
// HTTP server wiring for the numguess backend.
// Responsibilities:
//   - Router + middleware (JSON, CORS, timeouts, panic recovery, request IDs).
//   - Public endpoints: "/", "/health".
//   - Game endpoints (optional auth): POST /game/new, POST /game/secret,
//     POST /game/guess, POST /game/end, GET /game/{id}.
//   - Attempt log + profile/stat endpoints mounted from routes_history.go.
//   - Auth endpoints (require auth where noted): /auth/*.
//   - Database bookkeeping for games, attempts and user stats.
//
// Notes:
//   - CORS is origin‑aware and credentials‑enabled (so cookies work).
//   - Optional auth decorates requests with user context when a valid token is present;
//     routes can still run for guests.
//   - The secret number lives only in the in-memory store; no handler ever
//     serializes it and no DB row ever contains it.

package httpserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"numguess/internal/game"
	"numguess/internal/store"
)

// Server bundles router, in-memory game store, and DB handle.
type Server struct {
	r     *chi.Mux
	store store.Store
	db    *sql.DB
}

// New constructs a Server, installs middleware, and registers routes.
func New(st store.Store, db *sql.DB) *Server {
	s := &Server{r: chi.NewRouter(), store: st, db: db}

	// --- middleware ---
	s.r.Use(chimw.RequestID)                 // add X-Request-ID
	s.r.Use(chimw.RealIP)                    // set RemoteAddr from X-Forwarded-For etc.
	s.r.Use(chimw.Recoverer)                 // recover from panics
	s.r.Use(chimw.Timeout(10 * time.Second)) // bound handler time
	s.r.Use(jsonContentType)                 // default JSON responses
	s.r.Use(corsFromEnv)                     // credentials-friendly CORS

	// --- diagnostics ---
	s.r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"service":"numguess","endpoints":["/health","POST /game/new","POST /game/secret","POST /game/guess","POST /game/end","/auth/*"]}`))
	})
	s.r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	// Game endpoints — OPTIONAL AUTH (guests can own and play games)
	s.r.With(s.withOptionalAuth()).Post("/game/new", s.handleNewGame)
	s.r.With(s.withOptionalAuth()).Post("/game/secret", s.handleSetSecret)
	s.r.With(s.withOptionalAuth()).Post("/game/guess", s.handleGuess)
	s.r.With(s.withOptionalAuth()).Post("/game/end", s.handleEndGame)
	s.r.Get("/game/{id}", s.handleGetGame)

	// Attempt log + profile/stats
	s.mountHistory(s.r)

	// Auth (signup/login/logout/me)
	s.mountAuthRoutes()

	// JSON 404 for easier debugging
	s.r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_found","path":"`+r.URL.Path+`"}`, http.StatusNotFound)
	})

	return s
}

// Start begins serving HTTP on addr.
func (s *Server) Start(addr string) error { return http.ListenAndServe(addr, s.r) }

// Router exposes the internal router (useful for tests).
func (s *Server) Router() chi.Router { return s.r }

// ----------------------------- middleware ----------------------------------

// jsonContentType sets a default JSON Content-Type header on all responses.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		next.ServeHTTP(w, r)
	})
}

// corsFromEnv enables credentialed CORS for a single origin.
// Uses CLIENT_ORIGIN env var; defaults to http://localhost:5173.
func corsFromEnv(next http.Handler) http.Handler {
	origin := os.Getenv("CLIENT_ORIGIN")
	if origin == "" {
		origin = "http://localhost:5173"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ------------------------------ GAME ---------------------------------------

// callerID returns the authenticated user ID if logged in, otherwise
// ensures an anonymous ID cookie. Every game route resolves its caller
// identity through here.
func (s *Server) callerID(w http.ResponseWriter, r *http.Request) string {
	if me, _ := r.Context().Value(ctxUserKey{}).(*authUser); me != nil {
		return me.ID
	}
	return s.ensureAnonID(w, r)
}

// newGameRes is the payload for POST /game/new.
type newGameRes struct {
	GameID string `json:"gameId"`
	Owner  string `json:"owner"`
}

// handleNewGame constructs a new game owned by the caller and persists a
// DB row (either user_id or anonymous_id) for history/stats.
// The secret starts at 0 until the owner sets it.
func (s *Server) handleNewGame(w http.ResponseWriter, r *http.Request) {
	caller := s.callerID(w, r)

	g := game.New(caller)
	if err := s.store.Save(r.Context(), g); err != nil {
		log.Error().Err(err).Msg("save game")
		http.Error(w, `{"error":"save_failed"}`, http.StatusInternalServerError)
		return
	}

	// Persist owner row; the secret is NOT stored in the DB.
	now := g.CreatedAt.Format(time.RFC3339)
	me, _ := r.Context().Value(ctxUserKey{}).(*authUser)
	if me != nil {
		_, err := s.db.Exec(`INSERT INTO games (id, user_id, status, guesses, created_at)
		                     VALUES (?,?,?,0,?)`, g.ID, me.ID, "active", now)
		if err != nil {
			log.Warn().Err(err).Str("gameId", g.ID).Msg("insert user game row")
		}
		if _, err := s.db.Exec(`UPDATE users SET games_created = games_created + 1 WHERE id=?`, me.ID); err != nil {
			log.Warn().Err(err).Str("user", me.ID).Msg("bump games_created")
		}
	} else {
		_, err := s.db.Exec(`INSERT INTO games (id, anonymous_id, status, guesses, created_at)
		                     VALUES (?,?,?,0,?)`, g.ID, caller, "active", now)
		if err != nil {
			log.Warn().Err(err).Str("gameId", g.ID).Msg("insert anon game row")
		}
	}

	_ = json.NewEncoder(w).Encode(newGameRes{GameID: g.ID, Owner: g.Owner})
}

// gameRes is the public view of a game. Owner and active flag are freely
// readable by anyone; the secret never appears here.
type gameRes struct {
	GameID    string `json:"gameId"`
	Owner     string `json:"owner"`
	Active    bool   `json:"active"`
	State     string `json:"state"` // "active" | "inactive"
	CreatedAt string `json:"createdAt"`
}

// handleGetGame returns the queryable fields of a game.
func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(gameRes{
		GameID:    g.ID,
		Owner:     g.Owner,
		Active:    g.IsActive(),
		State:     g.State(),
		CreatedAt: g.CreatedAt.Format(time.RFC3339),
	})
}

// secretReq is the payload for POST /game/secret.
type secretReq struct {
	GameID string `json:"gameId"`
	Value  *int   `json:"value"`
}

// handleSetSecret overwrites the secret number. Owner only; allowed
// whether the game is active or not.
func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req secretReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	v, ok := uint8Value(req.Value)
	if !ok {
		http.Error(w, `{"error":"value_out_of_range"}`, http.StatusBadRequest)
		return
	}
	g, err := s.store.Get(r.Context(), req.GameID)
	if err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	if err := g.SetSecret(s.callerID(w, r), v); err != nil {
		writeGameErr(w, err)
		return
	}
	if err := s.store.Save(r.Context(), g); err != nil {
		http.Error(w, `{"error":"save_failed"}`, http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// guessReq is the payload for POST /game/guess.
type guessReq struct {
	GameID string `json:"gameId"`
	Value  *int   `json:"value"`
}

// handleGuess applies a guess to a game, appends the emitted attempt
// record to the attempts log, and updates counters/stats best-effort.
// The response body is the attempt record itself — the caller learns the
// outcome from the event, nothing else is revealed.
func (s *Server) handleGuess(w http.ResponseWriter, r *http.Request) {
	var req guessReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	v, ok := uint8Value(req.Value)
	if !ok {
		http.Error(w, `{"error":"value_out_of_range"}`, http.StatusBadRequest)
		return
	}
	g, err := s.store.Get(r.Context(), req.GameID)
	if err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}

	caller := s.callerID(w, r)
	attempt, err := g.Guess(caller, v)
	if err != nil {
		writeGameErr(w, err)
		return
	}
	if err := s.store.Save(r.Context(), g); err != nil {
		http.Error(w, `{"error":"save_failed"}`, http.StatusInternalServerError)
		return
	}

	// Persist the attempt + counters/history (best effort, non-fatal if it fails)
	me, _ := r.Context().Value(ctxUserKey{}).(*authUser)

	if tx, err := s.db.Begin(); err != nil {
		log.Warn().Err(err).Str("gameId", g.ID).Msg("begin attempt tx")
	} else {
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`INSERT INTO attempts (game_id, player_id, success, created_at)
		                      VALUES (?,?,?,?)`,
			attempt.GameID, attempt.Player, boolToInt(attempt.Success), attempt.At.Format(time.RFC3339)); err != nil {
			log.Warn().Err(err).Str("gameId", g.ID).Msg("insert attempt")
		}
		if _, err := tx.Exec(`UPDATE games SET guesses = guesses + 1 WHERE id=?`, g.ID); err != nil {
			log.Warn().Err(err).Msg("update guesses")
		}
		if me != nil {
			if _, err := tx.Exec(`UPDATE users SET guesses_made = guesses_made + 1 WHERE id=?`, me.ID); err != nil {
				log.Warn().Err(err).Str("user", me.ID).Msg("bump guesses_made")
			}
		}
		if attempt.Success {
			if _, err := tx.Exec(`UPDATE games SET status='won', finished_at=? WHERE id=?`,
				attempt.At.Format(time.RFC3339), g.ID); err != nil {
				log.Warn().Err(err).Msg("finish game")
			}
			if me != nil {
				if _, err := tx.Exec(`UPDATE users SET wins = wins + 1 WHERE id=?`, me.ID); err != nil {
					log.Warn().Err(err).Str("user", me.ID).Msg("bump wins")
				}
			}
		}
		_ = tx.Commit()
	}

	_ = json.NewEncoder(w).Encode(attempt)
}

// endReq is the payload for POST /game/end.
type endReq struct {
	GameID string `json:"gameId"`
}

// handleEndGame force-ends a game. Owner only; idempotent.
func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	var req endReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad_json"}`, http.StatusBadRequest)
		return
	}
	g, err := s.store.Get(r.Context(), req.GameID)
	if err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	if err := g.End(s.callerID(w, r)); err != nil {
		writeGameErr(w, err)
		return
	}
	if err := s.store.Save(r.Context(), g); err != nil {
		http.Error(w, `{"error":"save_failed"}`, http.StatusInternalServerError)
		return
	}

	// Won games keep their status; a manual end only closes active rows.
	if _, err := s.db.Exec(`UPDATE games SET status='ended', finished_at=? WHERE id=? AND status='active'`,
		time.Now().UTC().Format(time.RFC3339), g.ID); err != nil {
		log.Warn().Err(err).Str("gameId", g.ID).Msg("end game row")
	}

	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true, "active": g.IsActive()})
}

// ------------------------------- helpers -----------------------------------

// writeGameErr maps engine precondition failures onto HTTP statuses.
func writeGameErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrUnauthorized):
		http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
	case errors.Is(err, game.ErrGameInactive):
		http.Error(w, `{"error":"game_inactive"}`, http.StatusConflict)
	default:
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
	}
}

// uint8Value validates a decoded JSON number as a secret/guess value.
// Requires presence and the 0–255 range.
func uint8Value(p *int) (uint8, bool) {
	if p == nil || *p < 0 || *p > 255 {
		return 0, false
	}
	return uint8(*p), true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getEnv returns the value of k or def if unset/empty.
func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
