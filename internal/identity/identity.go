// Package identity owns the process-wide self-ID and session-ID counter
// spec.md §9's "Global state" design note calls out: rather than
// free-floating package vars, they live on an Identity value built by New,
// so tests get a clean process identity by constructing a fresh one.
package identity

import (
	"crypto/rand"
	"sync/atomic"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const selfIDLength = 16

// Identity holds the process-wide self ID and the monotonic session
// counter used to tag and validate in-flight signaling messages.
type Identity struct {
	selfID    string
	sessionID atomic.Int64
}

// New generates a fresh 16-character self ID (spec.md §3 "Self
// identity"). Session ID starts at 0; the first Join call increments it
// to 1 before use.
func New() *Identity {
	return &Identity{selfID: generateSelfID()}
}

func generateSelfID() string {
	buf := make([]byte, selfIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable entropy
		// starvation; fall back to a fixed-but-unique-enough value
		// rather than panicking a conferencing client on startup.
		for i := range buf {
			buf[i] = idAlphabet[i%len(idAlphabet)]
		}
		return string(buf[:selfIDLength])
	}
	out := make([]byte, selfIDLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out)
}

// SelfID returns this process's peer ID.
func (id *Identity) SelfID() string { return id.selfID }

// NextSession increments and returns the new current session ID. Called
// once per join attempt (spec.md §3 "Session ID").
func (id *Identity) NextSession() int64 {
	return id.sessionID.Add(1)
}

// CurrentSession returns the session ID tagged onto the most recent join
// attempt, without incrementing it.
func (id *Identity) CurrentSession() int64 {
	return id.sessionID.Load()
}

// SessionValid reports whether sessionID matches the current session;
// every resumed async handler must check this before mutating state
// (spec.md §5 "Suspension points").
func (id *Identity) SessionValid(sessionID int64) bool {
	return sessionID == id.sessionID.Load()
}
