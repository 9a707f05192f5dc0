// Mathpair Game
//
// Two players are paired into a shared session and work through a sequence
// of math levels. Each level hands each player their own prompt; when both
// players have submitted the correct answer, the session advances to the
// next level, until the question catalog runs out.
//
// Features:
// - Single global matchmaking queue: first FIND_MATCH waits, second pairs
// - WebSocket per player: /path/ws, JSON {command, payload} in, {event, payload} out
// - Live feedback to both players on every answer, right or wrong
// - Help hand-off: one player requests help, the partner accepts, and the
//   requester's half opens up to the partner (enforced client-side)
// - Disconnect recovery: the remaining player is re-queued tagged with the
//   session id, so the next FIND_MATCH resumes the same session at the
//   same level instead of starting over
// - Fully abandoned sessions reaped after a configurable idle timeout
// - Session ids via google/uuid, connection ids via crypto/rand
// - In-browser QR button to share the game URL, backed by go-qrcode

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

type playerSlot string

const (
	slotP1 playerSlot = "p1"
	slotP2 playerSlot = "p2"
)

func (s playerSlot) valid() bool {
	return s == slotP1 || s == slotP2
}

// Messages coming from clients
type clientCommand struct {
	Command string          `json:"command"` // "FIND_MATCH", "SUBMIT_ANSWER", "REQUEST_HELP", "ACCEPT_HELP"
	Payload json.RawMessage `json:"payload"`
}

type findMatchPayload struct {
	Name string `json:"name"`
}

type submitAnswerPayload struct {
	SessionID string     `json:"sessionId"`
	Slot      playerSlot `json:"slot"`
	Value     float64    `json:"value"`
}

type helpPayload struct {
	SessionID string     `json:"sessionId"`
	Slot      playerSlot `json:"slot"` // the slot needing help, not the accepter
}

// Messages sent to clients, wrapped in a serverEvent envelope
type serverEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type playerRef struct {
	Name string     `json:"name"`
	Slot playerSlot `json:"slot"`
}

// SessionStartedPayload is sent to both players on pairing, each with
// their own perspective, and again when a replacement player resumes a
// session one player walked away from.
type sessionStartedPayload struct {
	SessionID string    `json:"sessionId"`
	Level     int       `json:"level"`
	Me        playerRef `json:"me"`
	Partner   playerRef `json:"partner"`
	Challenge PromptSet `json:"challenge"`
}

type answerFeedbackPayload struct {
	Slot       playerSlot `json:"slot"`
	IsCorrect  bool       `json:"isCorrect"`
	SolverName string     `json:"solverName"`
}

type levelAdvancedPayload struct {
	Level     int       `json:"level"`
	Challenge PromptSet `json:"challenge"`
}

type helpRequestedPayload struct {
	TargetSlot playerSlot `json:"targetSlot"`
}

type helpStatusPayload struct {
	Active     bool       `json:"active"`
	TargetSlot playerSlot `json:"targetSlot"`
}

type partnerLeftPayload struct {
	DepartedName string `json:"departedName"`
}

type sessionCompletePayload struct {
	Message     string `json:"message"`
	TotalLevels int    `json:"totalLevels"`
}

type client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

type occupant struct {
	connID string
	name   string
}

type slotState struct {
	occupant *occupant // nil while the slot is vacant
	solved   bool
	answer   float64 // retained across a vacancy, refreshed on resume
}

type session struct {
	id            string
	level         int
	complete      bool
	slots         map[playerSlot]*slotState
	helpRequested map[playerSlot]bool
	helpActive    map[playerSlot]bool
	vacantSince   time.Time // set while both slots are vacant
}

func (s *session) resetHelp() {
	s.helpRequested[slotP1] = false
	s.helpRequested[slotP2] = false
	s.helpActive[slotP1] = false
	s.helpActive[slotP2] = false
}

// waitingPlayer is the single matchmaking slot. The session id is minted
// on enqueue so it is stable once a partner shows up; for a player
// re-queued after their partner left, it names the session to resume.
type waitingPlayer struct {
	connID    string
	name      string
	sessionID string
}

// matchmaker owns the waiting slot, the session registry, and the
// connection bookkeeping. Everything that can race sits behind one mutex;
// nothing blocks while holding it.
type matchmaker struct {
	cfg *Config

	mu          sync.Mutex
	waiting     *waitingPlayer
	sessions    map[string]*session
	connSession map[string]string  // connID -> sessionID, for disconnects
	clients     map[string]*client // connID -> client
}

func newMatchmaker(cfg *Config) *matchmaker {
	m := &matchmaker{
		cfg:         cfg,
		sessions:    make(map[string]*session),
		connSession: make(map[string]string),
		clients:     make(map[string]*client),
	}
	if cfg.sessionTimeout > 0 {
		go m.reaperLoop()
	}
	return m
}

// pushLocked queues one event for one connection. Assumes m.mu is held.
func (m *matchmaker) pushLocked(connID string, event string, payload any) {
	c, ok := m.clients[connID]
	if !ok {
		return
	}

	select {
	case c.send <- serverEvent{Event: event, Payload: payload}:
	default:
		delete(m.clients, connID)
		close(c.send)
	}
}

// broadcastLocked queues one event for every occupied slot of a session.
func (m *matchmaker) broadcastLocked(s *session, event string, payload any) {
	for _, sl := range []playerSlot{slotP1, slotP2} {
		if st := s.slots[sl]; st.occupant != nil {
			m.pushLocked(st.occupant.connID, event, payload)
		}
	}
}

func (m *matchmaker) register(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[c.id] = c
}

// findMatch handles FIND_MATCH. With an empty queue the player waits;
// otherwise the queued player either resumes their existing session with
// this player as the replacement partner, or the two start a new session
// at level 1.
func (m *matchmaker) findMatch(c *client, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.waiting == nil {
		m.waiting = &waitingPlayer{
			connID:    c.id,
			name:      name,
			sessionID: uuid.NewString(),
		}

		logf(m.cfg, "GAMES: %q waiting for a partner", name)
		m.pushLocked(c.id, "AWAITING_PARTNER", nil)
		return
	}

	// Repeated FIND_MATCH from the queued connection must not pair the
	// connection with itself.
	if m.waiting.connID == c.id {
		m.waiting.name = name
		m.pushLocked(c.id, "AWAITING_PARTNER", nil)
		return
	}

	w := m.waiting
	m.waiting = nil

	if s, ok := m.sessions[w.sessionID]; ok {
		m.resumeLocked(s, c.id, name)
		return
	}

	first, ok := fetchChallenge(1)
	if !ok {
		logf(m.cfg, "GAMES: no level 1 challenges; %q stays queued", w.name)
		m.waiting = w
		return
	}

	s := &session{
		id:    w.sessionID,
		level: 1,
		slots: map[playerSlot]*slotState{
			slotP1: {occupant: &occupant{connID: w.connID, name: w.name}, answer: first.answers.p1},
			slotP2: {occupant: &occupant{connID: c.id, name: name}, answer: first.answers.p2},
		},
		helpRequested: map[playerSlot]bool{slotP1: false, slotP2: false},
		helpActive:    map[playerSlot]bool{slotP1: false, slotP2: false},
	}

	m.sessions[s.id] = s
	m.connSession[w.connID] = s.id
	m.connSession[c.id] = s.id

	logf(m.cfg, "GAMES: paired %q and %q in session %s", w.name, name, s.id)

	m.pushLocked(w.connID, "SESSION_STARTED", sessionStartedPayload{
		SessionID: s.id,
		Level:     s.level,
		Me:        playerRef{Name: w.name, Slot: slotP1},
		Partner:   playerRef{Name: name, Slot: slotP2},
		Challenge: first.prompts,
	})
	m.pushLocked(c.id, "SESSION_STARTED", sessionStartedPayload{
		SessionID: s.id,
		Level:     s.level,
		Me:        playerRef{Name: name, Slot: slotP2},
		Partner:   playerRef{Name: w.name, Slot: slotP1},
		Challenge: first.prompts,
	})
}

// resumeLocked fills the single vacant slot of an in-progress session.
// Both solved flags reset, both slots draw fresh answers for the current
// level, and help state clears, since the accepted helper may be the one
// who left. Assumes m.mu is held.
func (m *matchmaker) resumeLocked(s *session, connID string, name string) {
	var vacant playerSlot
	switch {
	case s.slots[slotP1].occupant == nil:
		vacant = slotP1
	case s.slots[slotP2].occupant == nil:
		vacant = slotP2
	default:
		logf(m.cfg, "GAMES: no vacant slot in session %s for %q", s.id, name)
		return
	}

	ch, ok := fetchChallenge(s.level)
	if !ok {
		logf(m.cfg, "GAMES: no level %d challenges to resume session %s", s.level, s.id)
		return
	}

	s.slots[vacant].occupant = &occupant{connID: connID, name: name}
	s.slots[slotP1].solved = false
	s.slots[slotP2].solved = false
	s.slots[slotP1].answer = ch.answers.p1
	s.slots[slotP2].answer = ch.answers.p2
	s.resetHelp()
	s.vacantSince = time.Time{}

	m.connSession[connID] = s.id

	logf(m.cfg, "GAMES: %q resumed session %s at level %d", name, s.id, s.level)

	for _, sl := range []playerSlot{slotP1, slotP2} {
		me := s.slots[sl].occupant
		partner := s.slots[otherSlot(sl)].occupant
		if me == nil || partner == nil {
			continue
		}

		m.pushLocked(me.connID, "SESSION_STARTED", sessionStartedPayload{
			SessionID: s.id,
			Level:     s.level,
			Me:        playerRef{Name: me.name, Slot: sl},
			Partner:   playerRef{Name: partner.name, Slot: otherSlot(sl)},
			Challenge: ch.prompts,
		})
	}
}

func otherSlot(sl playerSlot) playerSlot {
	if sl == slotP1 {
		return slotP2
	}
	return slotP1
}

// submitAnswer handles SUBMIT_ANSWER. Feedback goes to both players
// either way; only a correct answer marks the slot solved. When both
// slots are solved the session advances, or completes if the catalog has
// no next level.
func (m *matchmaker) submitAnswer(sessionID string, sl playerSlot, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		logf(m.cfg, "GAMES: session %s not found", sessionID)
		return
	}
	if !sl.valid() {
		logf(m.cfg, "GAMES: bad slot %q for session %s", sl, sessionID)
		return
	}

	st := s.slots[sl]
	if st.occupant == nil {
		logf(m.cfg, "GAMES: answer for vacant slot %s of session %s", sl, sessionID)
		return
	}

	correct := st.answer == value
	if correct {
		st.solved = true
	}

	m.broadcastLocked(s, "ANSWER_FEEDBACK", answerFeedbackPayload{
		Slot:       sl,
		IsCorrect:  correct,
		SolverName: st.occupant.name,
	})

	if s.complete || !s.slots[slotP1].solved || !s.slots[slotP2].solved {
		return
	}

	next, ok := fetchChallenge(s.level + 1)
	if !ok {
		s.complete = true
		s.resetHelp()

		logf(m.cfg, "GAMES: session %s completed %d levels", s.id, s.level)
		m.broadcastLocked(s, "SESSION_COMPLETE", sessionCompletePayload{
			Message:     "You solved all the problems! Yoohoo!",
			TotalLevels: s.level,
		})
		return
	}

	s.level++
	s.slots[slotP1].solved = false
	s.slots[slotP2].solved = false
	s.slots[slotP1].answer = next.answers.p1
	s.slots[slotP2].answer = next.answers.p2
	s.resetHelp()

	m.broadcastLocked(s, "LEVEL_ADVANCED", levelAdvancedPayload{
		Level:     s.level,
		Challenge: next.prompts,
	})
}

// requestHelp handles REQUEST_HELP. Idempotent; signals intent only.
func (m *matchmaker) requestHelp(sessionID string, sl playerSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		logf(m.cfg, "GAMES: session %s not found", sessionID)
		return
	}
	if !sl.valid() || s.slots[sl].occupant == nil {
		logf(m.cfg, "GAMES: help request for vacant slot %s of session %s", sl, sessionID)
		return
	}

	s.helpRequested[sl] = true
	m.broadcastLocked(s, "HELP_REQUESTED", helpRequestedPayload{TargetSlot: sl})
}

// acceptHelp handles ACCEPT_HELP for the slot that asked. Acceptance
// without a standing request is dropped.
func (m *matchmaker) acceptHelp(sessionID string, sl playerSlot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[sessionID]
	if s == nil {
		logf(m.cfg, "GAMES: session %s not found", sessionID)
		return
	}
	if !sl.valid() || s.slots[sl].occupant == nil {
		logf(m.cfg, "GAMES: help acceptance for vacant slot %s of session %s", sl, sessionID)
		return
	}
	if !s.helpRequested[sl] {
		return
	}

	s.helpActive[sl] = true
	m.broadcastLocked(s, "HELP_STATUS", helpStatusPayload{
		Active:     true,
		TargetSlot: sl,
	})
}

// disconnect vacates whatever the connection held. A waiting player is
// simply dequeued; a player mid-session leaves their slot vacant (answer
// retained), the partner is notified and re-queued tagged with the
// session id so the next FIND_MATCH resumes the game. If an unpaired
// player already holds the queue at that moment, they are pulled
// straight into the vacant slot instead.
func (m *matchmaker) disconnect(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.clients[c.id]; ok && cur == c {
		delete(m.clients, c.id)
		close(c.send)
	}

	if m.waiting != nil && m.waiting.connID == c.id {
		logf(m.cfg, "GAMES: waiting player %q left", m.waiting.name)
		m.waiting = nil
	}

	sid, ok := m.connSession[c.id]
	if !ok {
		return
	}
	delete(m.connSession, c.id)

	s := m.sessions[sid]
	if s == nil {
		return
	}

	var departed string
	for _, sl := range []playerSlot{slotP1, slotP2} {
		st := s.slots[sl]
		if st.occupant != nil && st.occupant.connID == c.id {
			departed = st.occupant.name
			st.occupant = nil
		}
	}
	if departed == "" {
		return
	}

	var remaining *occupant
	for _, sl := range []playerSlot{slotP1, slotP2} {
		if st := s.slots[sl]; st.occupant != nil {
			remaining = st.occupant
		}
	}

	if remaining == nil {
		s.vacantSince = time.Now()
		logf(m.cfg, "GAMES: session %s fully abandoned", s.id)
		return
	}

	logf(m.cfg, "GAMES: %q left session %s, %q remains", departed, s.id, remaining.name)
	m.pushLocked(remaining.connID, "PARTNER_LEFT", partnerLeftPayload{DepartedName: departed})

	// Nothing to resume once the catalog has been cleared.
	if s.complete {
		return
	}

	switch {
	case m.waiting == nil:
		m.waiting = &waitingPlayer{
			connID:    remaining.connID,
			name:      remaining.name,
			sessionID: s.id,
		}
	case m.sessions[m.waiting.sessionID] == nil:
		// An unpaired player is queued; filling the vacant slot beats
		// minting a new session.
		w := m.waiting
		m.waiting = nil
		m.resumeLocked(s, w.connID, w.name)
	}
}

// dispatch decodes one inbound frame and routes it. Unknown commands and
// malformed payloads are logged and dropped, never surfaced to clients.
func (m *matchmaker) dispatch(c *client, msg clientCommand) {
	switch msg.Command {
	case "FIND_MATCH":
		var p findMatchPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Name == "" {
			logf(m.cfg, "GAMES: bad FIND_MATCH payload dropped")
			return
		}
		m.findMatch(c, p.Name)

	case "SUBMIT_ANSWER":
		var p submitAnswerPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logf(m.cfg, "GAMES: bad SUBMIT_ANSWER payload dropped")
			return
		}
		m.submitAnswer(p.SessionID, p.Slot, p.Value)

	case "REQUEST_HELP":
		var p helpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logf(m.cfg, "GAMES: bad REQUEST_HELP payload dropped")
			return
		}
		m.requestHelp(p.SessionID, p.Slot)

	case "ACCEPT_HELP":
		var p helpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			logf(m.cfg, "GAMES: bad ACCEPT_HELP payload dropped")
			return
		}
		m.acceptHelp(p.SessionID, p.Slot)

	default:
		logf(m.cfg, "GAMES: unknown command %q dropped", msg.Command)
	}
}

// reaperLoop periodically removes sessions both players have abandoned.
func (m *matchmaker) reaperLoop() {
	ticker := time.NewTicker(m.cfg.sessionTimeout / 2)
	for range ticker.C {
		m.reapIdle(time.Now().Add(-m.cfg.sessionTimeout))
	}
}

func (m *matchmaker) reapIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range m.sessions {
		if !s.vacantSince.IsZero() && s.vacantSince.Before(cutoff) {
			delete(m.sessions, id)
			logf(m.cfg, "GAMES: reaped abandoned session %s", id)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	return hex.EncodeToString(buf)
}

func serveWS(cfg *Config, m *matchmaker) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		connID := newConnID()
		if connID == "" {
			http.Error(w, "unable to assign connection id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &client{
			conn: conn,
			send: make(chan any, 8),
			id:   connID,
		}

		m.register(c)

		go c.writePump()
		c.readPump(m)
	}
}

func (c *client) readPump(m *matchmaker) {
	defer func() {
		m.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientCommand
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		m.dispatch(c, msg)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the game URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../qr; strip the trailing "/qr" to get the game URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed pair/index.html
var indexHTML []byte

//go:embed pair/app.css
var pairCSS []byte

//go:embed pair/app.js
var pairJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pairCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(pairJS)
	}
}

// registerPairGame sets up routes so that:
//   - $path        → HTML client
//   - $path/ws     → WebSocket shared by all players
//   - $path/qr     → PNG QR code for the game URL
func registerPairGame(cfg *Config, path string, mux *httprouter.Router) {
	m := newMatchmaker(cfg)

	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets
	mux.GET(cfg.prefix+"/assets/pair/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/pair/app.js", getJsHandler(cfg))

	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, m))

	mux.GET(cfg.prefix+path+"/qr", qrHandler)
}
