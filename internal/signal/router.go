// Package signal implements the inbound signaling message filter and
// dispatcher (spec.md §4.4). Dispatch is a plain switch over
// wire.MessageType — spec.md §9's design note calls for a tagged-union
// switch rather than a handler map, so adding a type is a compiler-
// checked exhaustiveness concern, not a silent map-miss.
package signal

import (
	"github.com/pion/logging"

	"meshsig/internal/wire"
)

// Handlers is the per-type dispatch target the room controller supplies.
// Any field left nil silently ignores that message type (spec.md §4.4:
// "unknown types are ignored silently" generalizes to "unhandled types").
type Handlers struct {
	OnAnnounce     func(msg wire.Message)
	OnOffer        func(msg wire.Message)
	OnAnswer       func(msg wire.Message)
	OnICECandidate func(msg wire.Message)
	OnLeave        func(msg wire.Message)
	OnPing         func(msg wire.Message)
	OnPong         func(msg wire.Message)
	OnMuteStatus   func(msg wire.Message)
	OnRoomLock     func(msg wire.Message)
	OnRoomLocked   func(msg wire.Message)
}

// ActivityRecorder records that a peer was heard from, for heartbeat
// last-seen tracking (spec.md §4.4 "Records peer activity").
type ActivityRecorder func(peerID string)

// Router filters and dispatches inbound signal messages.
type Router struct {
	selfID       string
	recordActive ActivityRecorder
	handlers     Handlers
	logger       logging.LeveledLogger
}

// New builds a Router for selfID. recordActive may be nil.
func New(selfID string, recordActive ActivityRecorder, handlers Handlers, logger logging.LeveledLogger) *Router {
	return &Router{
		selfID:       selfID,
		recordActive: recordActive,
		handlers:     handlers,
		logger:       logger,
	}
}

// Route rejects self-originated and not-addressed-to-self messages,
// records peer activity, then dispatches by type (spec.md §4.4).
func (r *Router) Route(msg wire.Message) {
	if msg.From == r.selfID {
		return
	}
	if msg.To != "" && msg.To != r.selfID {
		return
	}

	if r.recordActive != nil {
		r.recordActive(msg.From)
	}

	switch msg.Type {
	case wire.TypeAnnounce:
		r.dispatch(r.handlers.OnAnnounce, msg)
	case wire.TypeOffer:
		r.dispatch(r.handlers.OnOffer, msg)
	case wire.TypeAnswer:
		r.dispatch(r.handlers.OnAnswer, msg)
	case wire.TypeICECandidate:
		r.dispatch(r.handlers.OnICECandidate, msg)
	case wire.TypeLeave:
		r.dispatch(r.handlers.OnLeave, msg)
	case wire.TypePing:
		r.dispatch(r.handlers.OnPing, msg)
	case wire.TypePong:
		r.dispatch(r.handlers.OnPong, msg)
	case wire.TypeMuteStatus:
		r.dispatch(r.handlers.OnMuteStatus, msg)
	case wire.TypeRoomLock:
		r.dispatch(r.handlers.OnRoomLock, msg)
	case wire.TypeRoomLocked:
		r.dispatch(r.handlers.OnRoomLocked, msg)
	default:
		if r.logger != nil {
			r.logger.Debugf("signal: ignoring unknown message type %q from %s", msg.Type, msg.From)
		}
	}
}

func (r *Router) dispatch(h func(wire.Message), msg wire.Message) {
	if h != nil {
		h(msg)
	}
}
