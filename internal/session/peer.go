// Package session implements the per-remote-peer state machine
// (spec.md §4.5, the largest single component). It drives a
// pion/webrtc.PeerConnection through offer/answer/ICE-restart, queues
// trickle ICE candidates, multiplexes the "chat" and "control" data
// channels, and applies local-track/audio-routing policy.
//
// Grounded on the teacher's handlers.go wiring of OnICECandidate /
// OnConnectionStateChange / OnICEConnectionStateChange / OnTrack, but
// the callbacks here never mutate Peer state directly: per spec.md §5's
// single-owner model, every pion callback and every timer posts an Event
// onto a buffered channel that the room controller's single event loop
// drains and dispatches back into Peer's Handle* methods.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/tidwall/gjson"

	"meshsig/internal/adapters"
	"meshsig/internal/sdpcodec"
	"meshsig/internal/wire"
)

// State is the peer session state (spec.md §4.5).
type State string

const (
	StateNew        State = "new"
	StateOffering   State = "offering"
	StateAnswering  State = "answering"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
)

const (
	MaxICERestartAttempts  = 3
	gracePeriodDuration    = 5 * time.Second
	restartFailureDuration = 15 * time.Second
	iceRestartDelayBase    = 1 * time.Second
	postConnectMuteDelay   = 500 * time.Millisecond
	eventBufferSize        = 64
)

// EventKind enumerates the asynchronous occurrences a Peer posts to its
// owner for serialized handling.
type EventKind int

const (
	EventICECandidateGathered EventKind = iota
	EventConnectionStateChanged
	EventICEConnectionStateChanged
	EventDataChannelOpened
	EventRemoteTrack
	EventGraceTimerExpired
	EventRestartFailureTimerExpired
	EventRestartRetryTimerExpired
	EventSendMuteStatus
	EventChatReceived
	EventControlReceived
)

// Event is a single occurrence queued for the owning room's event loop.
type Event struct {
	Kind         EventKind
	ICECandidate *webrtc.ICECandidate
	ConnState    webrtc.PeerConnectionState
	ICEConnState webrtc.ICEConnectionState
	DataChannel  *webrtc.DataChannel
	Track        *webrtc.TrackRemote
	Receiver     *webrtc.RTPReceiver
	Raw          []byte
}

// Params configures a new Peer.
type Params struct {
	SelfID   string
	RemoteID string
	Config   webrtc.Configuration
	Media    adapters.MediaPipeline
	Logger   logging.LeveledLogger

	// Send publishes an outbound signal message (offer/answer/ice
	// candidate/mute-status) addressed to RemoteID.
	Send func(msg wire.Message)

	OnJoined         func(remoteID string)
	OnChatMessage    func(remoteID string, msg wire.ChatMessage)
	OnControlMessage func(remoteID string, controlType wire.ControlType, raw []byte)

	// OnClosed fires on every Cleanup, regardless of fireLeave: it is the
	// owner's signal to evict this peer's record (spec.md §3 "otherwise
	// drop record"). OnLeave fires only when fireLeave is true: it is the
	// UX-visible "peer left" notification, which a closed-but-never-
	// connected peer must not trigger.
	OnClosed func(remoteID string)
	OnLeave  func(remoteID string)

	LocalMuteStatus func() wire.MuteStatusPayload
}

// Peer is the per-remote-peer state machine (spec.md §3 "Peer record").
type Peer struct {
	selfID   string
	remoteID string
	params   Params

	pc *webrtc.PeerConnection

	mu                 sync.Mutex
	state              State
	connectedAt        time.Time
	displayName        string
	platform           wire.Platform
	remoteMute         wire.MuteStatusPayload
	iceRestartAttempts int
	restartInProgress  bool
	lastICEState       webrtc.ICEConnectionState
	closed             bool

	graceTimer          *time.Timer
	restartFailureTimer *time.Timer
	restartRetryTimer   *time.Timer

	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit

	chatChannel    *webrtc.DataChannel
	controlChannel *webrtc.DataChannel
	senders        map[webrtc.RTPCodecType]*webrtc.RTPSender

	events chan Event
}

// New creates the underlying RTCPeerConnection and wires every pion
// callback to post onto the event channel. The peer starts in StateNew.
func New(p Params) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(p.Config)
	if err != nil {
		return nil, fmt.Errorf("session: new peer connection for %s: %w", p.RemoteID, err)
	}

	peer := &Peer{
		selfID:   p.SelfID,
		remoteID: p.RemoteID,
		params:   p,
		pc:       pc,
		state:    StateNew,
		senders:  make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		events:   make(chan Event, eventBufferSize),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		peer.postEvent(Event{Kind: EventICECandidateGathered, ICECandidate: c})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		peer.postEvent(Event{Kind: EventConnectionStateChanged, ConnState: s})
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		peer.postEvent(Event{Kind: EventICEConnectionStateChanged, ICEConnState: s})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		peer.postEvent(Event{Kind: EventDataChannelOpened, DataChannel: dc})
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		peer.postEvent(Event{Kind: EventRemoteTrack, Track: t, Receiver: r})
	})

	return peer, nil
}

// Events returns the channel the owning room's loop selects on.
func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) postEvent(e Event) {
	select {
	case p.events <- e:
	default:
		if p.params.Logger != nil {
			p.params.Logger.Warnf("session %s: event channel full, dropping %v", p.remoteID, e.Kind)
		}
	}
}

// State returns the current state under lock.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// IsInitiator reports whether selfID wins the lexicographic tie-break
// against remoteID (spec.md §4.5 "self > peer by lexicographic string
// compare").
func (p *Peer) IsInitiator() bool {
	return strings.Compare(p.selfID, p.remoteID) > 0
}

// HandleAnnounce implements the "new" state's announce transition.
// Returns true if the caller should re-announce targeted at the peer
// (spec.md: "on receive announce with reversed ordering: re-announce
// targeted at the peer; remains new until the peer offers").
func (p *Peer) HandleAnnounce(displayName string, platform wire.Platform) (offered bool, shouldReannounce bool) {
	p.mu.Lock()
	p.displayName = displayName
	p.platform = platform
	isNew := p.state == StateNew
	p.mu.Unlock()

	if !isNew {
		return false, false
	}

	if p.IsInitiator() {
		if err := p.offer(false); err != nil {
			if p.params.Logger != nil {
				p.params.Logger.Errorf("session %s: offer failed: %v", p.remoteID, err)
			}
			return false, false
		}
		return true, false
	}
	return false, true
}

// offer builds and sends an offer (initial or ICE-restart). The caller
// (initiator) creates the "chat" and "control" data channels at offer
// creation time (spec.md §4.5 "Data channels").
func (p *Peer) offer(iceRestart bool) error {
	if !iceRestart {
		chat, err := p.pc.CreateDataChannel("chat", nil)
		if err != nil {
			return fmt.Errorf("create chat channel: %w", err)
		}
		p.wireChatChannel(chat)

		control, err := p.pc.CreateDataChannel("control", nil)
		if err != nil {
			return fmt.Errorf("create control channel: %w", err)
		}
		p.wireControlChannel(control)
	}

	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = sdpcodec.ApplyOpusHint(offer.SDP)

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	if !iceRestart {
		p.setState(StateOffering)
	}

	p.send(wire.TypeOffer, wire.SDPPayload{Type: "offer", SDP: offer.SDP})
	return nil
}

// HandleOffer implements the "answering" transition: set remote
// description, create and send the answer, drain queued candidates
// (spec.md §4.5 "answering").
func (p *Peer) HandleOffer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description (offer): %w", err)
	}
	p.markRemoteDescSet()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description (answer): %w", err)
	}

	p.setState(StateConnecting)
	p.send(wire.TypeAnswer, wire.SDPPayload{Type: "answer", SDP: answer.SDP})
	return nil
}

// HandleAnswer implements the "offering" -> "connecting" transition.
func (p *Peer) HandleAnswer(sdp string) error {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description (answer): %w", err)
	}
	p.markRemoteDescSet()
	p.setState(StateConnecting)
	return nil
}

func (p *Peer) markRemoteDescSet() {
	p.mu.Lock()
	p.remoteDescSet = true
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil && p.params.Logger != nil {
			p.params.Logger.Warnf("session %s: drained candidate failed: %v", p.remoteID, err)
		}
	}
}

// HandleRemoteICECandidate applies or queues a trickled candidate
// (spec.md §4.5 "Trickle ICE").
func (p *Peer) HandleRemoteICECandidate(payload wire.ICECandidatePayload) error {
	init := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate,
		SDPMid:        &payload.SDPMid,
		SDPMLineIndex: &payload.SDPMLineIndex,
	}

	p.mu.Lock()
	ready := p.remoteDescSet
	if !ready {
		p.pendingCandidates = append(p.pendingCandidates, init)
	}
	p.mu.Unlock()

	if !ready {
		return nil
	}
	return p.pc.AddICECandidate(init)
}

// HandleLocalICECandidateGathered sends the gathered candidate as an
// addressed ice-candidate message.
func (p *Peer) HandleLocalICECandidateGathered(c *webrtc.ICECandidate) {
	j := c.ToJSON()
	var mLineIndex uint16
	if j.SDPMLineIndex != nil {
		mLineIndex = *j.SDPMLineIndex
	}
	var mid string
	if j.SDPMid != nil {
		mid = *j.SDPMid
	}
	p.send(wire.TypeICECandidate, wire.ICECandidatePayload{
		Candidate:     j.Candidate,
		SDPMid:        mid,
		SDPMLineIndex: mLineIndex,
	})
}

// HandleICEConnectionStateChanged implements the connecting/connected/
// disconnected/failed transitions (spec.md §4.5).
func (p *Peer) HandleICEConnectionStateChanged(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	p.lastICEState = s
	state := p.state
	p.mu.Unlock()

	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if state == StateConnecting {
			p.onICEConnected()
		} else if p.restartInProgressLocked() {
			p.onRestartSucceeded()
		}
	case webrtc.ICEConnectionStateDisconnected:
		if state == StateConnected {
			p.armGraceTimer()
		}
	case webrtc.ICEConnectionStateFailed:
		if state == StateConnected {
			p.TriggerICERestart()
		}
	}
}

func (p *Peer) restartInProgressLocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartInProgress
}

func (p *Peer) onICEConnected() {
	p.mu.Lock()
	p.stopTimersLocked()
	p.iceRestartAttempts = 0
	p.restartInProgress = false
	p.connectedAt = time.Now()
	p.state = StateConnected
	p.mu.Unlock()

	if p.params.OnJoined != nil {
		p.params.OnJoined(p.remoteID)
	}

	time.AfterFunc(postConnectMuteDelay, func() {
		p.postEvent(Event{Kind: EventSendMuteStatus})
	})
}

// HandleSendMuteStatus is invoked by the owning loop on the +500ms timer
// fired from onICEConnected.
func (p *Peer) HandleSendMuteStatus() {
	if p.params.LocalMuteStatus == nil {
		return
	}
	p.send(wire.TypeMuteStatus, p.params.LocalMuteStatus())
}

func (p *Peer) onRestartSucceeded() {
	p.mu.Lock()
	p.stopTimersLocked()
	p.iceRestartAttempts = 0
	p.restartInProgress = false
	p.mu.Unlock()
}

func (p *Peer) armGraceTimer() {
	p.mu.Lock()
	if p.graceTimer != nil {
		p.graceTimer.Stop()
	}
	p.graceTimer = time.AfterFunc(gracePeriodDuration, func() {
		p.postEvent(Event{Kind: EventGraceTimerExpired})
	})
	p.mu.Unlock()
}

// HandleGraceTimerExpired attempts an ICE restart if still disconnected.
func (p *Peer) HandleGraceTimerExpired() {
	p.mu.Lock()
	stillDisconnected := p.lastICEState == webrtc.ICEConnectionStateDisconnected
	p.mu.Unlock()

	if stillDisconnected {
		p.TriggerICERestart()
	}
}

// TriggerICERestart implements spec.md §4.5 "ICE restart", guarded
// solely by restart_in_progress (spec.md §9 Open Question resolution:
// the grace-period timer is ignored while a restart is in flight).
func (p *Peer) TriggerICERestart() {
	p.mu.Lock()
	if p.restartInProgress {
		p.mu.Unlock()
		return
	}
	if p.iceRestartAttempts >= MaxICERestartAttempts {
		p.mu.Unlock()
		p.Cleanup(true)
		return
	}
	p.restartInProgress = true
	p.iceRestartAttempts++
	attempt := p.iceRestartAttempts
	p.mu.Unlock()

	if err := p.offer(true); err != nil {
		if p.params.Logger != nil {
			p.params.Logger.Errorf("session %s: ice restart offer (attempt %d) failed: %v", p.remoteID, attempt, err)
		}
	}

	p.mu.Lock()
	if p.restartFailureTimer != nil {
		p.restartFailureTimer.Stop()
	}
	p.restartFailureTimer = time.AfterFunc(restartFailureDuration, func() {
		p.postEvent(Event{Kind: EventRestartFailureTimerExpired})
	})
	p.mu.Unlock()
}

// HandleRestartFailureTimerExpired retries with backoff if attempts
// remain, else cleans up (spec.md §4.5).
func (p *Peer) HandleRestartFailureTimerExpired() {
	p.mu.Lock()
	stillInProgress := p.restartInProgress
	attempt := p.iceRestartAttempts
	p.mu.Unlock()

	if !stillInProgress {
		return
	}

	if attempt >= MaxICERestartAttempts {
		p.Cleanup(true)
		return
	}

	p.mu.Lock()
	p.restartInProgress = false
	delay := iceRestartDelayBase * time.Duration(uint64(1)<<uint(attempt-1))
	if p.restartRetryTimer != nil {
		p.restartRetryTimer.Stop()
	}
	p.restartRetryTimer = time.AfterFunc(delay, func() {
		p.postEvent(Event{Kind: EventRestartRetryTimerExpired})
	})
	p.mu.Unlock()
}

// HandleRestartRetryTimerExpired re-attempts the restart after backoff.
func (p *Peer) HandleRestartRetryTimerExpired() {
	p.TriggerICERestart()
}

// HandleConnectionStateChanged implements the terminal-state rules
// (spec.md §4.5 "Any state ...").
func (p *Peer) HandleConnectionStateChanged(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateFailed:
		if !p.restartInProgressLocked() {
			p.Cleanup(true)
		}
	case webrtc.PeerConnectionStateClosed:
		wasConnected := p.State() == StateConnected
		p.Cleanup(wasConnected)
	}
}

func (p *Peer) stopTimersLocked() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	if p.restartFailureTimer != nil {
		p.restartFailureTimer.Stop()
		p.restartFailureTimer = nil
	}
	if p.restartRetryTimer != nil {
		p.restartRetryTimer.Stop()
		p.restartRetryTimer = nil
	}
}

// Cleanup releases every timer and channel and closes the transport.
// OnClosed always fires so the owner evicts this peer's record; fireLeave
// additionally controls whether the UX-visible leave callback runs: a
// peer that never reached connected is dropped silently from the UI
// (spec.md §3 "Peer record" invariants) but still removed from the
// owner's maps. Idempotent.
func (p *Peer) Cleanup(fireLeave bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stopTimersLocked()
	p.state = StateClosed
	chat, control := p.chatChannel, p.controlChannel
	p.mu.Unlock()

	if chat != nil {
		_ = chat.Close()
	}
	if control != nil {
		_ = control.Close()
	}
	_ = p.pc.Close()

	if p.params.OnClosed != nil {
		p.params.OnClosed(p.remoteID)
	}
	if fireLeave && p.params.OnLeave != nil {
		p.params.OnLeave(p.remoteID)
	}
}

func (p *Peer) send(t wire.MessageType, data any) {
	if p.params.Send == nil {
		return
	}
	p.params.Send(wire.Message{
		V:    wire.ProtocolVersion,
		Type: t,
		From: p.selfID,
		To:   p.remoteID,
		Data: data,
		Ts:   time.Now().UnixMilli(),
	})
}

// RemoteMuteStatus returns the last known mute status for this peer.
func (p *Peer) RemoteMuteStatus() wire.MuteStatusPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteMute
}

// HandleRemoteMuteStatus records the peer's self-reported mute status.
func (p *Peer) HandleRemoteMuteStatus(status wire.MuteStatusPayload) {
	p.mu.Lock()
	p.remoteMute = status
	p.mu.Unlock()
}

// DisplayName and Platform expose the announce-provided metadata.
func (p *Peer) DisplayName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayName
}

func (p *Peer) Platform() wire.Platform {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.platform
}

// ConnectedAt returns the time ICE first reached connected/completed.
func (p *Peer) ConnectedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectedAt
}

// PeerConnection exposes the underlying transport for stats querying
// (internal/stats) and track management.
func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

// --- Data channels (spec.md §4.5 "Data channels") ---

// HandleDataChannelOpened wires a responder-side data channel by label.
func (p *Peer) HandleDataChannelOpened(dc *webrtc.DataChannel) {
	switch dc.Label() {
	case "chat":
		p.wireChatChannel(dc)
	case "control":
		p.wireControlChannel(dc)
	}
}

func (p *Peer) wireChatChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.chatChannel = dc
	p.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.postEvent(Event{Kind: EventChatReceived, Raw: msg.Data})
	})
}

func (p *Peer) wireControlChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.controlChannel = dc
	p.mu.Unlock()

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.postEvent(Event{Kind: EventControlReceived, Raw: msg.Data})
	})
}

// HandleChatReceived is invoked by the owning loop once a chat payload
// has been queued through EventChatReceived; pion's own data-channel
// goroutine never parses or dispatches it directly.
func (p *Peer) HandleChatReceived(raw []byte) {
	p.handleChatPayload(raw)
}

// HandleControlReceived is invoked by the owning loop once a control
// payload has been queued through EventControlReceived; pion's own
// data-channel goroutine never reaches moderation/room state directly.
func (p *Peer) HandleControlReceived(raw []byte) {
	p.handleControlPayload(raw)
}

func (p *Peer) handleChatPayload(raw []byte) {
	if !gjson.ValidBytes(raw) {
		if p.params.Logger != nil {
			p.params.Logger.Warnf("session %s: malformed chat payload dropped", p.remoteID)
		}
		return
	}

	var msg wire.ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if p.params.Logger != nil {
			p.params.Logger.Warnf("session %s: chat unmarshal dropped: %v", p.remoteID, err)
		}
		return
	}
	if len(msg.Content) > wire.MaxChatLength {
		msg.Content = msg.Content[:wire.MaxChatLength]
	}

	if p.params.OnChatMessage != nil {
		p.params.OnChatMessage(p.remoteID, msg)
	}
}

func (p *Peer) handleControlPayload(raw []byte) {
	if !gjson.ValidBytes(raw) {
		if p.params.Logger != nil {
			p.params.Logger.Warnf("session %s: malformed control payload dropped", p.remoteID)
		}
		return
	}

	t := gjson.GetBytes(raw, "type").String()
	if t == "" {
		if p.params.Logger != nil {
			p.params.Logger.Warnf("session %s: control payload missing type, dropped", p.remoteID)
		}
		return
	}

	if p.params.OnControlMessage != nil {
		p.params.OnControlMessage(p.remoteID, wire.ControlType(t), raw)
	}
}

// SendChat publishes msg on the chat channel, clamping content length.
func (p *Peer) SendChat(msg wire.ChatMessage) error {
	p.mu.Lock()
	dc := p.chatChannel
	p.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("session %s: chat channel not open", p.remoteID)
	}
	if len(msg.Content) > wire.MaxChatLength {
		msg.Content = msg.Content[:wire.MaxChatLength]
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return dc.Send(raw)
}

// SendControl publishes an arbitrary control-channel record.
func (p *Peer) SendControl(v any) error {
	p.mu.Lock()
	dc := p.controlChannel
	p.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("session %s: control channel not open", p.remoteID)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dc.Send(raw)
}

// --- Tracks (spec.md §4.5 "Tracks") ---

// SetLocalTrack adds or replaces the sender for track's kind (spec.md:
// "for each track kind, if a sender for that kind exists replace its
// track, else add a new transceiver").
func (p *Peer) SetLocalTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	sender, exists := p.senders[track.Kind()]
	p.mu.Unlock()

	if exists {
		return sender.ReplaceTrack(track)
	}

	newSender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("session %s: add track: %w", p.remoteID, err)
	}
	p.mu.Lock()
	p.senders[track.Kind()] = newSender
	p.mu.Unlock()
	return nil
}

// ReplaceTrack replaces the matching-kind sender, falling back to add
// if none exists (spec.md "replace_track").
func (p *Peer) ReplaceTrack(track webrtc.TrackLocal) error {
	return p.SetLocalTrack(track)
}

// SetAudioRouting applies broadcast/exclusive policy to this peer's
// audio sender (spec.md §4.5 "Audio routing"). When shouldSend is false
// the sender's track is replaced with nil ("null track").
func (p *Peer) SetAudioRouting(shouldSend bool, audioTrack webrtc.TrackLocal) error {
	p.mu.Lock()
	sender, exists := p.senders[webrtc.RTPCodecTypeAudio]
	p.mu.Unlock()

	if !shouldSend {
		if exists {
			return sender.ReplaceTrack(nil)
		}
		return nil
	}

	if exists {
		return sender.ReplaceTrack(audioTrack)
	}
	return p.SetLocalTrack(audioTrack)
}

// ForceICERestart resets the restart-attempt counter and triggers a
// fresh ICE restart if the peer's last known ICE state is disconnected
// or failed, ignoring restart_in_progress. Used by the network monitor's
// reconnect sequence (spec.md §4.6: "for each peer whose ICE state is
// disconnected/failed, reset restart counter and force an ICE restart").
func (p *Peer) ForceICERestart() {
	p.mu.Lock()
	state := p.lastICEState
	if state != webrtc.ICEConnectionStateDisconnected && state != webrtc.ICEConnectionStateFailed {
		p.mu.Unlock()
		return
	}
	p.iceRestartAttempts = 0
	p.restartInProgress = false
	p.mu.Unlock()

	p.TriggerICERestart()
}

// RemoteID returns the peer's ID.
func (p *Peer) RemoteID() string { return p.remoteID }

// HandleRemoteTrack forwards an incoming media track to the media
// pipeline boundary (spec.md §1: the media engine is an external
// collaborator; the core only hands it tracks).
func (p *Peer) HandleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if p.params.Media != nil {
		p.params.Media.OnRemoteTrack(p.remoteID, track, receiver)
	}
}
