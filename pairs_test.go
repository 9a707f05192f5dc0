package main

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		bind: "127.0.0.1",
		port: 8080,
	}
}

func newTestClient(id string) *client {
	return &client{
		send: make(chan any, 16),
		id:   id,
	}
}

// recvEvent pops the next queued event for a client. All matchmaker
// operations are synchronous, so an expected event is already queued by
// the time the operation returns.
func recvEvent(t *testing.T, c *client) serverEvent {
	t.Helper()

	select {
	case msg := <-c.send:
		ev, ok := msg.(serverEvent)
		require.True(t, ok, "queued message is not a serverEvent: %T", msg)
		return ev
	default:
		t.Fatal("expected an event, none queued")
		return serverEvent{}
	}
}

func requireNoEvent(t *testing.T, c *client) {
	t.Helper()

	select {
	case msg := <-c.send:
		t.Fatalf("unexpected event: %+v", msg)
	default:
	}
}

func drainEvents(c *client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

// pairPlayers queues Alice, pairs Bob, and returns both with Alice's
// session view.
func pairPlayers(t *testing.T, m *matchmaker) (alice, bob *client, start sessionStartedPayload) {
	t.Helper()

	alice = newTestClient("conn-alice")
	bob = newTestClient("conn-bob")
	m.register(alice)
	m.register(bob)

	m.findMatch(alice, "Alice")
	ev := recvEvent(t, alice)
	require.Equal(t, "AWAITING_PARTNER", ev.Event)

	m.findMatch(bob, "Bob")

	evA := recvEvent(t, alice)
	require.Equal(t, "SESSION_STARTED", evA.Event)
	startA, ok := evA.Payload.(sessionStartedPayload)
	require.True(t, ok)

	evB := recvEvent(t, bob)
	require.Equal(t, "SESSION_STARTED", evB.Event)
	startB, ok := evB.Payload.(sessionStartedPayload)
	require.True(t, ok)

	require.Equal(t, startA.SessionID, startB.SessionID)

	return alice, bob, startA
}

// solveLevel submits the current correct answer for both slots and
// drains the resulting feedback events.
func solveLevel(t *testing.T, m *matchmaker, sessionID string, alice, bob *client) {
	t.Helper()

	s := m.sessions[sessionID]
	require.NotNil(t, s)

	m.submitAnswer(sessionID, slotP1, s.slots[slotP1].answer)
	m.submitAnswer(sessionID, slotP2, s.slots[slotP2].answer)

	for i := 0; i < 2; i++ {
		ev := recvEvent(t, alice)
		require.Equal(t, "ANSWER_FEEDBACK", ev.Event)
		ev = recvEvent(t, bob)
		require.Equal(t, "ANSWER_FEEDBACK", ev.Event)
	}
}

func TestFindMatchQueuesFirstPlayer(t *testing.T) {
	m := newMatchmaker(testConfig())

	alice := newTestClient("conn-alice")
	m.register(alice)
	m.findMatch(alice, "Alice")

	ev := recvEvent(t, alice)
	assert.Equal(t, "AWAITING_PARTNER", ev.Event)
	assert.Nil(t, ev.Payload)

	require.NotNil(t, m.waiting)
	assert.Equal(t, "Alice", m.waiting.name)
	assert.Empty(t, m.sessions)
}

func TestFindMatchPairsPlayers(t *testing.T) {
	m := newMatchmaker(testConfig())

	alice, bob, start := pairPlayers(t, m)

	assert.Equal(t, 1, start.Level)
	assert.Equal(t, playerRef{Name: "Alice", Slot: slotP1}, start.Me)
	assert.Equal(t, playerRef{Name: "Bob", Slot: slotP2}, start.Partner)
	assert.NotEmpty(t, start.Challenge.P1Prompt)
	assert.NotEmpty(t, start.Challenge.P2Prompt)

	assert.Nil(t, m.waiting)
	assert.Len(t, m.sessions, 1)
	assert.Equal(t, start.SessionID, m.connSession[alice.id])
	assert.Equal(t, start.SessionID, m.connSession[bob.id])
}

func TestRepeatedFindMatchDoesNotSelfPair(t *testing.T) {
	m := newMatchmaker(testConfig())

	alice := newTestClient("conn-alice")
	m.register(alice)

	m.findMatch(alice, "Alice")
	require.Equal(t, "AWAITING_PARTNER", recvEvent(t, alice).Event)

	m.findMatch(alice, "Alice")
	assert.Equal(t, "AWAITING_PARTNER", recvEvent(t, alice).Event)

	assert.Empty(t, m.sessions)
	require.NotNil(t, m.waiting)
	assert.Equal(t, alice.id, m.waiting.connID)
}

func TestConcurrentFindMatchSingleWaitingSlot(t *testing.T) {
	m := newMatchmaker(testConfig())

	const players = 10

	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		i := i
		c := newTestClient(fmt.Sprintf("conn-%d", i))
		m.register(c)

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.findMatch(c, fmt.Sprintf("player-%d", i))
		}()
	}
	wg.Wait()

	assert.Nil(t, m.waiting)
	assert.Len(t, m.sessions, players/2)

	// Every session consumed exactly two distinct connections.
	seen := make(map[string]int)
	for _, s := range m.sessions {
		require.NotNil(t, s.slots[slotP1].occupant)
		require.NotNil(t, s.slots[slotP2].occupant)
		seen[s.slots[slotP1].occupant.connID]++
		seen[s.slots[slotP2].occupant.connID]++
	}
	assert.Len(t, seen, players)
	for connID, n := range seen {
		assert.Equal(t, 1, n, "connection %s paired twice", connID)
	}
}

func TestSubmitAnswerFeedback(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	s := m.sessions[start.SessionID]

	m.submitAnswer(start.SessionID, slotP1, s.slots[slotP1].answer+1)

	for _, c := range []*client{alice, bob} {
		ev := recvEvent(t, c)
		require.Equal(t, "ANSWER_FEEDBACK", ev.Event)
		fb := ev.Payload.(answerFeedbackPayload)
		assert.Equal(t, slotP1, fb.Slot)
		assert.False(t, fb.IsCorrect)
		assert.Equal(t, "Alice", fb.SolverName)
	}
	assert.False(t, s.slots[slotP1].solved)

	m.submitAnswer(start.SessionID, slotP1, s.slots[slotP1].answer)

	for _, c := range []*client{alice, bob} {
		ev := recvEvent(t, c)
		require.Equal(t, "ANSWER_FEEDBACK", ev.Event)
		fb := ev.Payload.(answerFeedbackPayload)
		assert.Equal(t, slotP1, fb.Slot)
		assert.True(t, fb.IsCorrect)
	}
	assert.True(t, s.slots[slotP1].solved)

	// One solved slot is not enough to advance.
	requireNoEvent(t, alice)
	requireNoEvent(t, bob)
	assert.Equal(t, 1, s.level)
}

func TestBothSolvedAdvancesLevel(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	s := m.sessions[start.SessionID]
	s.helpRequested[slotP1] = true
	s.helpActive[slotP1] = true

	solveLevel(t, m, start.SessionID, alice, bob)

	for _, c := range []*client{alice, bob} {
		ev := recvEvent(t, c)
		require.Equal(t, "LEVEL_ADVANCED", ev.Event)
		adv := ev.Payload.(levelAdvancedPayload)
		assert.Equal(t, 2, adv.Level)
		assert.NotEmpty(t, adv.Challenge.P1Prompt)
	}

	assert.Equal(t, 2, s.level)
	assert.False(t, s.slots[slotP1].solved)
	assert.False(t, s.slots[slotP2].solved)
	assert.False(t, s.helpRequested[slotP1])
	assert.False(t, s.helpActive[slotP1])
}

func TestCatalogExhaustionCompletesSession(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	maxLevel := len(questionCatalog)

	for level := 1; level < maxLevel; level++ {
		solveLevel(t, m, start.SessionID, alice, bob)
		require.Equal(t, "LEVEL_ADVANCED", recvEvent(t, alice).Event)
		require.Equal(t, "LEVEL_ADVANCED", recvEvent(t, bob).Event)
	}

	solveLevel(t, m, start.SessionID, alice, bob)

	for _, c := range []*client{alice, bob} {
		ev := recvEvent(t, c)
		require.Equal(t, "SESSION_COMPLETE", ev.Event)
		done := ev.Payload.(sessionCompletePayload)
		assert.Equal(t, maxLevel, done.TotalLevels)
		assert.NotEmpty(t, done.Message)
	}

	s := m.sessions[start.SessionID]
	assert.True(t, s.complete)
	assert.Equal(t, maxLevel, s.level)

	// Further submissions still get feedback but never advance.
	m.submitAnswer(start.SessionID, slotP1, s.slots[slotP1].answer)
	require.Equal(t, "ANSWER_FEEDBACK", recvEvent(t, alice).Event)
	require.Equal(t, "ANSWER_FEEDBACK", recvEvent(t, bob).Event)
	requireNoEvent(t, alice)
	requireNoEvent(t, bob)
	assert.Equal(t, maxLevel, s.level)
}

func TestUnknownSessionIsSilent(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, _ := pairPlayers(t, m)

	m.submitAnswer("no-such-session", slotP1, 42)
	m.requestHelp("no-such-session", slotP1)
	m.acceptHelp("no-such-session", slotP1)

	requireNoEvent(t, alice)
	requireNoEvent(t, bob)
}

func TestHelpHandOff(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	s := m.sessions[start.SessionID]

	// Acceptance without a standing request is dropped.
	m.acceptHelp(start.SessionID, slotP1)
	requireNoEvent(t, alice)
	requireNoEvent(t, bob)
	assert.False(t, s.helpActive[slotP1])

	m.requestHelp(start.SessionID, slotP1)
	for _, c := range []*client{alice, bob} {
		ev := recvEvent(t, c)
		require.Equal(t, "HELP_REQUESTED", ev.Event)
		assert.Equal(t, helpRequestedPayload{TargetSlot: slotP1}, ev.Payload)
	}

	// Requesting again is idempotent.
	m.requestHelp(start.SessionID, slotP1)
	require.Equal(t, "HELP_REQUESTED", recvEvent(t, alice).Event)
	require.Equal(t, "HELP_REQUESTED", recvEvent(t, bob).Event)

	m.acceptHelp(start.SessionID, slotP1)
	for _, c := range []*client{alice, bob} {
		ev := recvEvent(t, c)
		require.Equal(t, "HELP_STATUS", ev.Event)
		assert.Equal(t, helpStatusPayload{Active: true, TargetSlot: slotP1}, ev.Payload)
	}
	assert.True(t, s.helpActive[slotP1])

	// Advancing the level resets help state, so a stale acceptance
	// afterwards is dropped again.
	solveLevel(t, m, start.SessionID, alice, bob)
	require.Equal(t, "LEVEL_ADVANCED", recvEvent(t, alice).Event)
	require.Equal(t, "LEVEL_ADVANCED", recvEvent(t, bob).Event)

	m.acceptHelp(start.SessionID, slotP1)
	requireNoEvent(t, alice)
	requireNoEvent(t, bob)
	assert.False(t, s.helpActive[slotP1])
}

func TestDisconnectOfWaitingPlayerClearsQueue(t *testing.T) {
	m := newMatchmaker(testConfig())

	alice := newTestClient("conn-alice")
	m.register(alice)
	m.findMatch(alice, "Alice")
	require.Equal(t, "AWAITING_PARTNER", recvEvent(t, alice).Event)

	m.disconnect(alice)

	assert.Nil(t, m.waiting)
	assert.Empty(t, m.sessions)
	assert.Empty(t, m.connSession)
}

func TestDisconnectReseedsQueueAndResumes(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	// Advance to level 2 so the resume has a level worth preserving.
	solveLevel(t, m, start.SessionID, alice, bob)
	require.Equal(t, "LEVEL_ADVANCED", recvEvent(t, alice).Event)
	require.Equal(t, "LEVEL_ADVANCED", recvEvent(t, bob).Event)

	m.disconnect(alice)

	ev := recvEvent(t, bob)
	require.Equal(t, "PARTNER_LEFT", ev.Event)
	assert.Equal(t, partnerLeftPayload{DepartedName: "Alice"}, ev.Payload)

	require.NotNil(t, m.waiting)
	assert.Equal(t, bob.id, m.waiting.connID)
	assert.Equal(t, start.SessionID, m.waiting.sessionID)
	assert.NotContains(t, m.connSession, alice.id)

	s := m.sessions[start.SessionID]
	require.NotNil(t, s)
	assert.Nil(t, s.slots[slotP1].occupant)
	require.NotNil(t, s.slots[slotP2].occupant)

	// A new player resumes the same session at the same level.
	carol := newTestClient("conn-carol")
	m.register(carol)
	m.findMatch(carol, "Carol")

	evB := recvEvent(t, bob)
	require.Equal(t, "SESSION_STARTED", evB.Event)
	startB := evB.Payload.(sessionStartedPayload)
	assert.Equal(t, start.SessionID, startB.SessionID)
	assert.Equal(t, 2, startB.Level)
	assert.Equal(t, playerRef{Name: "Carol", Slot: slotP1}, startB.Partner)

	evC := recvEvent(t, carol)
	require.Equal(t, "SESSION_STARTED", evC.Event)
	startC := evC.Payload.(sessionStartedPayload)
	assert.Equal(t, start.SessionID, startC.SessionID)
	assert.Equal(t, 2, startC.Level)
	assert.Equal(t, playerRef{Name: "Carol", Slot: slotP1}, startC.Me)
	assert.Equal(t, playerRef{Name: "Bob", Slot: slotP2}, startC.Partner)

	assert.Nil(t, m.waiting)
	assert.Len(t, m.sessions, 1)
	assert.False(t, s.slots[slotP1].solved)
	assert.False(t, s.slots[slotP2].solved)
}

func TestDisconnectWithQueuedPlayerResumesImmediately(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	carol := newTestClient("conn-carol")
	m.register(carol)
	m.findMatch(carol, "Carol")
	require.Equal(t, "AWAITING_PARTNER", recvEvent(t, carol).Event)

	m.disconnect(alice)

	ev := recvEvent(t, bob)
	require.Equal(t, "PARTNER_LEFT", ev.Event)

	// Carol fills the vacant slot rather than waiting for a fresh pair.
	evB := recvEvent(t, bob)
	require.Equal(t, "SESSION_STARTED", evB.Event)
	assert.Equal(t, start.SessionID, evB.Payload.(sessionStartedPayload).SessionID)

	evC := recvEvent(t, carol)
	require.Equal(t, "SESSION_STARTED", evC.Event)
	assert.Equal(t, start.SessionID, evC.Payload.(sessionStartedPayload).SessionID)

	assert.Nil(t, m.waiting)
	assert.Len(t, m.sessions, 1)
}

func TestVacatedSlotOperationsAreSilent(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	m.disconnect(alice)
	require.Equal(t, "PARTNER_LEFT", recvEvent(t, bob).Event)

	m.submitAnswer(start.SessionID, slotP1, 42)
	m.requestHelp(start.SessionID, slotP1)
	m.acceptHelp(start.SessionID, slotP1)

	requireNoEvent(t, bob)
}

func TestCompletedSessionDisconnectDoesNotReseed(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	for i := 0; i < len(questionCatalog); i++ {
		solveLevel(t, m, start.SessionID, alice, bob)
		drainEvents(alice)
		drainEvents(bob)
	}
	require.True(t, m.sessions[start.SessionID].complete)

	m.disconnect(alice)

	require.Equal(t, "PARTNER_LEFT", recvEvent(t, bob).Event)
	assert.Nil(t, m.waiting)
}

func TestReapAbandonedSessions(t *testing.T) {
	m := newMatchmaker(testConfig())
	alice, bob, start := pairPlayers(t, m)

	m.disconnect(alice)
	m.disconnect(bob)

	s := m.sessions[start.SessionID]
	require.NotNil(t, s)
	require.False(t, s.vacantSince.IsZero())

	// A session that still has an occupant is never reaped.
	_, _, other := pairPlayers(t, m)

	m.reapIdle(time.Now().Add(time.Minute))

	assert.NotContains(t, m.sessions, start.SessionID)
	assert.Contains(t, m.sessions, other.SessionID)
}
