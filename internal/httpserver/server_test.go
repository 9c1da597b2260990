package httpserver

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"numguess/assets"
	"numguess/internal/store"
)

// newTestServer builds a Server over a migrated in-memory SQLite database.
func newTestServer(t *testing.T) (*Server, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the :memory: database alive and shared.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	names, err := assets.MigrationNames()
	require.NoError(t, err)
	for _, n := range names {
		sqlText, err := assets.Migration(n)
		require.NoError(t, err)
		_, err = db.Exec(sqlText)
		require.NoError(t, err)
	}
	return New(store.NewMemoryStore(), db), db
}

// client replays cookies across requests, so each client instance acts as
// one stable caller identity (anonymous or logged in).
type client struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]string
}

func newClient(t *testing.T, s *Server) *client {
	return &client{t: t, h: s.Router(), cookies: map[string]string{}}
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range c.cookies {
		req.AddCookie(&http.Cookie{Name: k, Value: v})
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck.Value
	}
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(into))
}

func (c *client) newGame() string {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/game/new", map[string]any{})
	require.Equal(c.t, http.StatusOK, rec.Code)
	var res struct {
		GameID string `json:"gameId"`
	}
	decode(c.t, rec, &res)
	require.NotEmpty(c.t, res.GameID)
	return res.GameID
}

func TestGameLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	owner := newClient(t, s)
	player := newClient(t, s)

	id := owner.newGame()

	rec := owner.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 42})
	require.Equal(t, http.StatusOK, rec.Code)

	// Mismatch: event {player, false}, game stays active.
	rec = player.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 10})
	require.Equal(t, http.StatusOK, rec.Code)
	var att struct {
		Player  string `json:"player"`
		Success bool   `json:"success"`
	}
	decode(t, rec, &att)
	assert.False(t, att.Success)
	assert.NotEmpty(t, att.Player)

	rec = player.do(http.MethodGet, "/game/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var g struct {
		Active bool   `json:"active"`
		State  string `json:"state"`
	}
	decode(t, rec, &g)
	assert.True(t, g.Active)
	assert.Equal(t, "active", g.State)

	// Match: event {player, true}, game goes inactive.
	rec = player.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 42})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &att)
	assert.True(t, att.Success)

	rec = player.do(http.MethodGet, "/game/"+id, nil)
	decode(t, rec, &g)
	assert.False(t, g.Active)
	assert.Equal(t, "inactive", g.State)

	// Inactive is terminal.
	rec = player.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 42})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "game_inactive")

	// Attempt log: both events, oldest first.
	rec = player.do(http.MethodGet, "/game/"+id+"/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var log []struct {
		Player  string `json:"player"`
		Success bool   `json:"success"`
	}
	decode(t, rec, &log)
	require.Len(t, log, 2)
	assert.False(t, log[0].Success)
	assert.True(t, log[1].Success)
	assert.Equal(t, log[0].Player, log[1].Player)
}

func TestSetSecretUnauthorized(t *testing.T) {
	s, _ := newTestServer(t)
	owner := newClient(t, s)
	player := newClient(t, s)

	id := owner.newGame()

	rec := player.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 7})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "unauthorized")

	// State unchanged: the default secret 0 still wins.
	rec = player.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	var att struct {
		Success bool `json:"success"`
	}
	decode(t, rec, &att)
	assert.True(t, att.Success)
}

func TestEndGame(t *testing.T) {
	s, _ := newTestServer(t)
	owner := newClient(t, s)
	player := newClient(t, s)

	id := owner.newGame()
	rec := owner.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 200})
	require.Equal(t, http.StatusOK, rec.Code)

	// Non-owner cannot end.
	rec = player.do(http.MethodPost, "/game/end", map[string]any{"gameId": id})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = player.do(http.MethodGet, "/game/"+id, nil)
	var g struct {
		Active bool `json:"active"`
	}
	decode(t, rec, &g)
	assert.True(t, g.Active, "rejected end must not change state")

	// Owner ends; twice, idempotently.
	rec = owner.do(http.MethodPost, "/game/end", map[string]any{"gameId": id})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = owner.do(http.MethodPost, "/game/end", map[string]any{"gameId": id})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = player.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 200})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSecretNeverExposed(t *testing.T) {
	s, _ := newTestServer(t)
	owner := newClient(t, s)

	id := owner.newGame()
	rec := owner.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 123})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = owner.do(http.MethodGet, "/game/"+id, nil)
	var fields map[string]any
	decode(t, rec, &fields)
	assert.ElementsMatch(t,
		[]string{"gameId", "owner", "active", "state", "createdAt"},
		keys(fields))

	rec = owner.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 5})
	fields = map[string]any{}
	decode(t, rec, &fields)
	assert.ElementsMatch(t,
		[]string{"gameId", "player", "success", "at"},
		keys(fields))
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestGuessValidation(t *testing.T) {
	s, _ := newTestServer(t)
	owner := newClient(t, s)
	id := owner.newGame()

	for _, v := range []int{-1, 256, 1000} {
		rec := owner.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": v})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	// Missing value
	rec := owner.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown game
	rec = owner.do(http.MethodPost, "/game/guess", map[string]any{"gameId": "nope", "value": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAuthFlowAndStats(t *testing.T) {
	s, _ := newTestServer(t)
	c := newClient(t, s)

	rec := c.do(http.MethodPost, "/auth/signup", map[string]any{"username": "alice_1", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/auth/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	decode(t, rec, &me)
	assert.Equal(t, "alice_1", me.Username)

	// Owner identity is the user ID, not the anon cookie.
	id := c.newGame()
	rec = c.do(http.MethodGet, "/game/"+id, nil)
	var g struct {
		Owner string `json:"owner"`
	}
	decode(t, rec, &g)
	assert.Equal(t, me.ID, g.Owner)

	rec = c.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 9})
	require.Equal(t, http.StatusOK, rec.Code)

	// One miss, one win (any caller may guess, the owner included).
	rec = c.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = c.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 9})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/stats/me", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		GamesCreated int `json:"gamesCreated"`
		GuessesMade  int `json:"guessesMade"`
		Wins         int `json:"wins"`
	}
	decode(t, rec, &stats)
	assert.Equal(t, 1, stats.GamesCreated)
	assert.Equal(t, 2, stats.GuessesMade)
	assert.Equal(t, 1, stats.Wins)

	rec = c.do(http.MethodGet, "/games/mine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Guesses int    `json:"guesses"`
	}
	decode(t, rec, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, id, mine[0].ID)
	assert.Equal(t, "won", mine[0].Status)
	assert.Equal(t, 2, mine[0].Guesses)
}

func TestAnonIdentityNotReplayable(t *testing.T) {
	s, _ := newTestServer(t)
	owner := newClient(t, s)
	intruder := newClient(t, s)

	id := owner.newGame()

	// Anyone can read the owner's public ID.
	rec := intruder.do(http.MethodGet, "/game/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var g struct {
		Owner  string `json:"owner"`
		Active bool   `json:"active"`
	}
	decode(t, rec, &g)
	require.NotEmpty(t, g.Owner)

	// Copying it into the anon cookie must not grant ownership: the bare
	// ID carries no HMAC tag, so the intruder gets a fresh identity.
	intruder.cookies[anonCookieName] = g.Owner
	rec = intruder.do(http.MethodPost, "/game/end", map[string]any{"gameId": id})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Same with a guessed tag.
	intruder.cookies[anonCookieName] = g.Owner + ".AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	rec = intruder.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = owner.do(http.MethodGet, "/game/"+id, nil)
	decode(t, rec, &g)
	assert.True(t, g.Active, "forged cookies must not have changed state")

	// The real owner's signed cookie still works.
	rec = owner.do(http.MethodPost, "/game/end", map[string]any{"gameId": id})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuessSurvivesBookkeepingFailure(t *testing.T) {
	s, db := newTestServer(t)
	owner := newClient(t, s)

	id := owner.newGame()
	rec := owner.do(http.MethodPost, "/game/secret", map[string]any{"gameId": id, "value": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	// Bookkeeping is best-effort: with the DB gone the guess must still
	// resolve against the in-memory game instead of panicking.
	require.NoError(t, db.Close())

	rec = owner.do(http.MethodPost, "/game/guess", map[string]any{"gameId": id, "value": 3})
	require.Equal(t, http.StatusOK, rec.Code)
	var att struct {
		Success bool `json:"success"`
	}
	decode(t, rec, &att)
	assert.True(t, att.Success)
}

func TestSignupClaimsAnonGames(t *testing.T) {
	s, _ := newTestServer(t)
	c := newClient(t, s)

	// Play anonymously first.
	id := c.newGame()

	rec := c.do(http.MethodPost, "/auth/signup", map[string]any{"username": "bob_2", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusOK, rec.Code)

	// The anonymous game now belongs to the account.
	rec = c.do(http.MethodGet, "/games/mine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var mine []struct {
		ID string `json:"id"`
	}
	decode(t, rec, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, id, mine[0].ID)
}

func TestRequireAuthRejectsGuests(t *testing.T) {
	s, _ := newTestServer(t)
	c := newClient(t, s)

	rec := c.do(http.MethodGet, "/stats/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = c.do(http.MethodGet, "/games/mine", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
