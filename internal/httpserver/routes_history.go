// internal/httpserver/routes_history.go
//
// HTTP routes over the durable bookkeeping tables.
// Exposes:
//   - GET /game/{id}/attempts → the append-only attempt log for a game
//   - GET /stats/me           → per-user counters (gated)
//   - GET /games/mine         → recent games of the caller (gated)
//
// The attempt log is the externally observable record of every guess:
// one row per call, in insertion order, success flag included. It is the
// only way a caller learns the outcome of someone else's guess.

package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// mountHistory registers attempt log + profile/stat routes.
func (s *Server) mountHistory(r chi.Router) {
	r.Get("/game/{id}/attempts", s.handleAttempts)
	r.With(s.requireAuth()).Get("/stats/me", s.handleMyStats)
	r.With(s.requireAuth()).Get("/games/mine", s.handleMyGames)
}

// attemptRow is one entry of the attempt log response.
type attemptRow struct {
	Player    string `json:"player"`
	Success   bool   `json:"success"`
	CreatedAt string `json:"createdAt"`
}

// handleAttempts lists the attempt log for a game, oldest first.
// Public: anyone may read the log, same as the active flag.
func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")

	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM games WHERE id=?`, gameID).Scan(&exists); err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}

	rows, err := s.db.Query(`SELECT player_id, success, created_at
	                         FROM attempts WHERE game_id=? ORDER BY id ASC`, gameID)
	if err != nil {
		http.Error(w, `{"error":"db_error"}`, http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	out := []attemptRow{}
	for rows.Next() {
		var a attemptRow
		var success int
		if err := rows.Scan(&a.Player, &success, &a.CreatedAt); err == nil {
			a.Success = success == 1
			out = append(out, a)
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}

// handleMyStats returns the caller's lifetime counters.
func (s *Server) handleMyStats(w http.ResponseWriter, r *http.Request) {
	me, _ := r.Context().Value(ctxUserKey{}).(*authUser)
	if me == nil {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	u, err := s.findUserByID(me.ID)
	if err != nil {
		http.Error(w, `{"error":"not_found"}`, http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":           u.ID,
		"gamesCreated": u.GamesCreated,
		"guessesMade":  u.GuessesMade,
		"wins":         u.Wins,
	})
}

// handleMyGames lists the caller's recent games.
func (s *Server) handleMyGames(w http.ResponseWriter, r *http.Request) {
	me, _ := r.Context().Value(ctxUserKey{}).(*authUser)
	if me == nil {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	rows, err := s.db.Query(`SELECT id, status, guesses, created_at, COALESCE(finished_at,'')
	                         FROM games WHERE user_id=? ORDER BY created_at DESC LIMIT 50`, me.ID)
	if err != nil {
		http.Error(w, `{"error":"db_error"}`, http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	type gameRow struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		Guesses    int    `json:"guesses"`
		CreatedAt  string `json:"createdAt"`
		FinishedAt string `json:"finishedAt,omitempty"`
	}
	out := []gameRow{}
	for rows.Next() {
		var gr gameRow
		if err := rows.Scan(&gr.ID, &gr.Status, &gr.Guesses, &gr.CreatedAt, &gr.FinishedAt); err == nil {
			out = append(out, gr)
		}
	}
	_ = json.NewEncoder(w).Encode(out)
}
