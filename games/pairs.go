// Package games holds design notes for the games served by mathpair.
package games

// Two players are paired into a shared session and advance through a sequence of math levels
// Each player sees their own prompt; a level is cleared once both have answered correctly
// Either player can ask for help; the partner must explicitly accept before they can edit the asker's answer
// If a player disconnects, the remaining player waits, and the next player to queue takes over the empty seat
// The session keeps its level across the hand-over, but both answers reset

// Display formats:
// Two side-by-side panels, one per player, partner's panel read-only unless help is active
// Live feedback banner for every submission from either player

// Implementation details:
// - Single websocket endpoint, one global matchmaking queue (no game IDs)
// - Identify connections by a random per-socket ID; no cookies
// - Session IDs are UUIDs so a reconnect hand-over can name the session it resumes

// How to play
// - Enter a name and hit Find Match; the first player waits for a second
// - Solve your half of each level; watch your partner's progress live
// - Stuck? Request help and your partner can fill in your answer once they accept
