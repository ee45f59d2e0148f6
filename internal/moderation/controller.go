// Package moderation implements room-lock, raise-hand, mute-all, and the
// remote-mic lease state machine (spec.md §4.7). Messages travel on a
// peer's control data channel, except room-lock, which SetLocked sends
// only as a best-effort signaling broadcast.
//
// Grounded on internal/session.Peer's single-owner discipline: every
// public method here is expected to be called from the room controller's
// single task-queue goroutine, so state here is unsynchronized by design
// (the teacher's internal/sfu.SFUContext likewise assumes single-goroutine
// access from its owning connection handler).
package moderation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"meshsig/internal/adapters"
	"meshsig/internal/wire"
)

// LeaseState enumerates the remote-mic lease state machine (spec.md
// §4.7 "Remote mic lease").
type LeaseState string

const (
	LeaseIdle            LeaseState = "idle"
	LeasePendingOutgoing LeaseState = "pendingOutgoing"
	LeasePendingIncoming LeaseState = "pendingIncoming"
	LeaseActive          LeaseState = "active"
	LeaseStopped         LeaseState = "stopped"
	LeaseExpired         LeaseState = "expired"
	LeaseRejected        LeaseState = "rejected"
	LeaseError           LeaseState = "error"
)

const (
	rmHeartbeatInterval = 5 * time.Second
	rmHeartbeatTimeout  = 15 * time.Second
)

// Sender publishes a control-channel record addressed to remoteID
// (SendControl) and a best-effort signaling message to every peer
// (BroadcastSignal, the room-lock fan-out, spec.md §4.7).
type Sender interface {
	SendControl(remoteID string, v any) error
	BroadcastSignal(msg wire.Message)
}

// Callbacks surfaces moderation state transitions to the UX boundary.
// Any field left nil is simply not called.
type Callbacks struct {
	OnRoomLockChanged   func(locked bool)
	OnRaiseHandChanged  func(peerID string, raised bool)
	OnMuteAllResponse   func(requestID, peerID string, accepted bool)
	OnLeaseStateChanged func(peerID string, state LeaseState, reason wire.RemoteMicReason)
}

// Controller owns every moderation/remote-mic state table for one room
// (spec.md §4.7). One instance per room.Controller lifetime; Reset clears
// it back to the idle/unlocked state on Leave.
type Controller struct {
	selfID string
	sender Sender
	audio  adapters.AudioRoutingSink
	cb     Callbacks
	logger logging.LeveledLogger

	locked  bool
	raised  map[string]bool
	muteAll *muteAllRequest
	leases  map[string]*lease // keyed by remote peer ID
}

type muteAllRequest struct {
	id        string
	reason    string
	responses map[string]bool
}

type lease struct {
	peerID     string
	requestID  string
	state      LeaseState
	asSource   bool // true if the local peer initiated (is the mic source)
	lastBeatAt time.Time
	heartbeatT *time.Timer
	timeoutT   *time.Timer
}

// New builds a Controller. audio may be nil (defaults to a no-op sink).
func New(selfID string, sender Sender, audio adapters.AudioRoutingSink, cb Callbacks, logger logging.LeveledLogger) *Controller {
	if audio == nil {
		audio = adapters.NoopAudioRoutingSink{}
	}
	return &Controller{
		selfID: selfID,
		sender: sender,
		audio:  audio,
		cb:     cb,
		logger: logger,
		raised: make(map[string]bool),
		leases: make(map[string]*lease),
	}
}

// Reset clears every moderation/remote-mic/lock state back to idle
// (spec.md §4.6 Leave: "Reset moderation, remote-mic, and
// network-reconnect state").
func (c *Controller) Reset() {
	for _, l := range c.leases {
		c.stopLeaseTimers(l)
	}
	c.locked = false
	c.raised = make(map[string]bool)
	c.muteAll = nil
	c.leases = make(map[string]*lease)
}

// Locked reports the current room-lock state.
func (c *Controller) Locked() bool { return c.locked }

// --- Room lock (spec.md §4.7 "Room lock") ---

// SetLocked broadcasts the new lock state and applies it locally.
func (c *Controller) SetLocked(locked bool) {
	c.locked = locked
	c.sender.BroadcastSignal(wire.Message{
		Type: wire.TypeRoomLock,
		From: c.selfID,
		Data: wire.RoomLockPayload{Locked: locked},
	})
	if c.cb.OnRoomLockChanged != nil {
		c.cb.OnRoomLockChanged(locked)
	}
}

// HandleRoomLockSignal applies an inbound room-lock broadcast.
func (c *Controller) HandleRoomLockSignal(locked bool) {
	c.locked = locked
	if c.cb.OnRoomLockChanged != nil {
		c.cb.OnRoomLockChanged(locked)
	}
}

// HandleRoomLockedSignal applies the room-locked echo sent to late
// joiners so they learn the current lock owner's state.
func (c *Controller) HandleRoomLockedSignal(lockedBy string) {
	c.locked = lockedBy != ""
	if c.cb.OnRoomLockChanged != nil {
		c.cb.OnRoomLockChanged(c.locked)
	}
}

// --- Raise hand (spec.md §4.7 "Raise hand") ---

// SetRaised sends the local peer's raised-hand state to every peer in
// peerIDs over their control channel (spec.md §4.7 "Raise hand").
func (c *Controller) SetRaised(peerIDs []string, raised bool) {
	c.raised[c.selfID] = raised
	for _, peerID := range peerIDs {
		_ = c.sender.SendControl(peerID, wire.RaiseHand{Type: wire.ControlRaiseHand, Raised: raised, PeerID: c.selfID})
	}
	if c.cb.OnRaiseHandChanged != nil {
		c.cb.OnRaiseHandChanged(c.selfID, raised)
	}
}

// RaisedHands returns the set of peer IDs currently raised.
func (c *Controller) RaisedHands() []string {
	out := make([]string, 0, len(c.raised))
	for id, raised := range c.raised {
		if raised {
			out = append(out, id)
		}
	}
	return out
}

// --- Mute all (spec.md §4.7 "Mute all") ---

// RequestMuteAll multicasts a mute-request to every peer and returns the
// request ID callers use to correlate responses.
func (c *Controller) RequestMuteAll(peerIDs []string, reason string) string {
	id := uuid.NewString()
	c.muteAll = &muteAllRequest{id: id, reason: reason, responses: make(map[string]bool)}
	req := wire.MuteRequest{Type: wire.ControlMuteRequest, ID: id, Reason: reason}
	for _, peerID := range peerIDs {
		_ = c.sender.SendControl(peerID, req)
	}
	return id
}

// --- Control-channel dispatch ---

// HandleControlMessage decodes and dispatches one inbound control-channel
// record from remoteID. Malformed/unknown records are dropped silently
// (the wire layer already validated JSON shape before calling this).
func (c *Controller) HandleControlMessage(remoteID string, t wire.ControlType, raw []byte) {
	switch t {
	case wire.ControlRaiseHand:
		var msg wire.RaiseHand
		if err := decodeControl(raw, &msg); err != nil {
			return
		}
		c.raised[remoteID] = msg.Raised
		if c.cb.OnRaiseHandChanged != nil {
			c.cb.OnRaiseHandChanged(remoteID, msg.Raised)
		}

	case wire.ControlMuteRequest:
		var msg wire.MuteRequest
		if err := decodeControl(raw, &msg); err != nil {
			return
		}
		_ = c.sender.SendControl(remoteID, wire.MuteResponse{Type: wire.ControlMuteResp, ID: msg.ID, Accepted: true})

	case wire.ControlMuteResp:
		var msg wire.MuteResponse
		if err := decodeControl(raw, &msg); err != nil {
			return
		}
		if c.muteAll != nil && c.muteAll.id == msg.ID {
			c.muteAll.responses[remoteID] = msg.Accepted
		}
		if c.cb.OnMuteAllResponse != nil {
			c.cb.OnMuteAllResponse(msg.ID, remoteID, msg.Accepted)
		}

	case wire.ControlRMRequest:
		c.handleRMRequest(remoteID, raw)
	case wire.ControlRMResponse:
		c.handleRMResponse(remoteID, raw)
	case wire.ControlRMStart:
		c.handleRMStart(remoteID, raw)
	case wire.ControlRMStop:
		c.handleRMStop(remoteID, raw)
	case wire.ControlRMHeartbeat:
		c.handleRMHeartbeat(remoteID, raw)

	default:
		if c.logger != nil {
			c.logger.Debugf("moderation: ignoring control type %q from %s", t, remoteID)
		}
	}
}

// decodeControl unmarshals an already shape-validated control-channel
// payload (session.Peer's handleControlPayload gjson-checks it before
// this is ever reached).
func decodeControl(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// --- Remote-mic lease (spec.md §4.7 "Remote mic lease") ---

// SendRequest initiates an outgoing remote-mic request to peerID,
// transitioning the local lease record to pendingOutgoing.
func (c *Controller) SendRequest(peerID string) string {
	id := uuid.NewString()
	l := &lease{peerID: peerID, requestID: id, state: LeasePendingOutgoing, asSource: true}
	c.leases[peerID] = l
	c.notifyLease(l, "")
	_ = c.sender.SendControl(peerID, wire.RMRequest{Type: wire.ControlRMRequest, RequestID: id, Ts: nowMillis()})
	return id
}

func (c *Controller) handleRMRequest(remoteID string, raw []byte) {
	var msg wire.RMRequest
	if err := decodeControl(raw, &msg); err != nil {
		return
	}
	if existing, ok := c.leases[remoteID]; ok && existing.state != LeaseIdle && existing.state != LeaseStopped &&
		existing.state != LeaseExpired && existing.state != LeaseRejected && existing.state != LeaseError {
		_ = c.sender.SendControl(remoteID, wire.RMResponse{Type: wire.ControlRMResponse, RequestID: msg.RequestID, Ts: nowMillis(), Accepted: false, Reason: wire.ReasonBusy})
		return
	}
	l := &lease{peerID: remoteID, requestID: msg.RequestID, state: LeasePendingIncoming, asSource: false}
	c.leases[remoteID] = l
	c.notifyLease(l, "")
}

// RespondRequest answers a pending incoming request (spec.md: target
// answers with rm_response{accepted, reason}).
func (c *Controller) RespondRequest(peerID string, accepted bool, reason wire.RemoteMicReason) {
	l, ok := c.leases[peerID]
	if !ok || l.state != LeasePendingIncoming {
		return
	}
	_ = c.sender.SendControl(peerID, wire.RMResponse{Type: wire.ControlRMResponse, RequestID: l.requestID, Ts: nowMillis(), Accepted: accepted, Reason: reason})
	if !accepted {
		l.state = LeaseRejected
		c.notifyLease(l, reason)
		delete(c.leases, peerID)
	}
	// Acceptance waits for the source's rm_start before activating.
}

func (c *Controller) handleRMResponse(remoteID string, raw []byte) {
	var msg wire.RMResponse
	if err := decodeControl(raw, &msg); err != nil {
		return
	}
	l, ok := c.leases[remoteID]
	if !ok || l.state != LeasePendingOutgoing || l.requestID != msg.RequestID {
		return
	}
	if !msg.Accepted {
		l.state = LeaseRejected
		c.notifyLease(l, msg.Reason)
		delete(c.leases, remoteID)
		return
	}
	_ = c.sender.SendControl(remoteID, wire.RMStart{Type: wire.ControlRMStart, RequestID: l.requestID, Ts: nowMillis()})
	c.activateLease(l)
}

func (c *Controller) handleRMStart(remoteID string, raw []byte) {
	var msg wire.RMStart
	if err := decodeControl(raw, &msg); err != nil {
		return
	}
	l, ok := c.leases[remoteID]
	if !ok || l.state != LeasePendingIncoming || l.requestID != msg.RequestID {
		return
	}
	c.activateLease(l)
}

func (c *Controller) activateLease(l *lease) {
	l.state = LeaseActive
	l.lastBeatAt = time.Now()
	c.armHeartbeatTimers(l)
	c.notifyLease(l, "")

	if l.asSource {
		c.audio.SetMode(adapters.RoutingExclusive, l.peerID)
	}
}

func (c *Controller) armHeartbeatTimers(l *lease) {
	c.stopLeaseTimers(l)
	l.heartbeatT = time.AfterFunc(rmHeartbeatInterval, func() {
		if l.state != LeaseActive {
			return
		}
		_ = c.sender.SendControl(l.peerID, wire.RMHeartbeat{Type: wire.ControlRMHeartbeat, RequestID: l.requestID, Ts: nowMillis()})
		l.heartbeatT.Reset(rmHeartbeatInterval)
	})
	l.timeoutT = time.AfterFunc(rmHeartbeatTimeout, func() {
		c.StopLease(l.peerID, wire.ReasonHeartbeatTimeout)
	})
}

func (c *Controller) handleRMHeartbeat(remoteID string, raw []byte) {
	var msg wire.RMHeartbeat
	if err := decodeControl(raw, &msg); err != nil {
		return
	}
	l, ok := c.leases[remoteID]
	if !ok || l.state != LeaseActive || l.requestID != msg.RequestID {
		return
	}
	l.lastBeatAt = time.Now()
	if l.timeoutT != nil {
		l.timeoutT.Stop()
	}
	l.timeoutT = time.AfterFunc(rmHeartbeatTimeout, func() {
		c.StopLease(l.peerID, wire.ReasonHeartbeatTimeout)
	})
}

func (c *Controller) handleRMStop(remoteID string, raw []byte) {
	var msg wire.RMStop
	if err := decodeControl(raw, &msg); err != nil {
		return
	}
	l, ok := c.leases[remoteID]
	if !ok {
		return
	}
	c.finishLease(l, LeaseStopped, msg.Reason, false)
}

// StopLease ends an active/pending lease with peerID, notifying the peer
// unless the stop was caused by that peer disconnecting.
func (c *Controller) StopLease(peerID string, reason wire.RemoteMicReason) {
	l, ok := c.leases[peerID]
	if !ok {
		return
	}
	c.finishLease(l, leaseStateForReason(reason), reason, reason != wire.ReasonPeerDisconnected)
}

func leaseStateForReason(reason wire.RemoteMicReason) LeaseState {
	switch reason {
	case wire.ReasonHeartbeatTimeout:
		return LeaseExpired
	case wire.ReasonUnknown, wire.ReasonVirtualDeviceInstallFailed, wire.ReasonVirtualDeviceRestart, wire.ReasonVirtualDeviceMissing:
		return LeaseError
	default:
		return LeaseStopped
	}
}

func (c *Controller) finishLease(l *lease, state LeaseState, reason wire.RemoteMicReason, notifyPeer bool) {
	c.stopLeaseTimers(l)
	wasSource := l.asSource
	l.state = state
	c.notifyLease(l, reason)
	delete(c.leases, l.peerID)

	if notifyPeer {
		_ = c.sender.SendControl(l.peerID, wire.RMStop{Type: wire.ControlRMStop, RequestID: l.requestID, Ts: nowMillis(), Reason: reason})
	}
	if wasSource {
		c.audio.SetMode(adapters.RoutingBroadcast, "")
	}
}

func (c *Controller) stopLeaseTimers(l *lease) {
	if l.heartbeatT != nil {
		l.heartbeatT.Stop()
	}
	if l.timeoutT != nil {
		l.timeoutT.Stop()
	}
}

func (c *Controller) notifyLease(l *lease, reason wire.RemoteMicReason) {
	if c.cb.OnLeaseStateChanged != nil {
		c.cb.OnLeaseStateChanged(l.peerID, l.state, reason)
	}
}

// HandlePeerLeft stops any active/pending lease held with peerID
// (spec.md §4.7: "Any peer disconnect that participates in an active
// lease stops it with reason peer-disconnected") and forgets its
// raised-hand state.
func (c *Controller) HandlePeerLeft(peerID string) {
	delete(c.raised, peerID)
	if _, ok := c.leases[peerID]; ok {
		c.StopLease(peerID, wire.ReasonPeerDisconnected)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
