// Package room implements the room controller (spec.md §4.6): the
// single owner of the session, the peer map, the broker pool, the dedup
// cache, and every timer. Every mutation funnels through one task queue
// drained by a single goroutine (§5 "single-threaded cooperative task
// scheduler"), generalizing the teacher's map-of-peers-behind-a-mutex
// RoomManager into a channel-handoff event loop that also drains every
// session.Peer's event channel.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/tidwall/gjson"

	"meshsig/internal/adapters"
	"meshsig/internal/broker"
	"meshsig/internal/creds"
	"meshsig/internal/dedup"
	"meshsig/internal/identity"
	"meshsig/internal/session"
	"meshsig/internal/signal"
	"meshsig/internal/stats"
	"meshsig/internal/wire"
)

// Moderation is the narrow seam the room controller drives moderation
// traffic through. internal/moderation.Controller satisfies this
// implicitly; room never imports that package, avoiding a cycle.
type Moderation interface {
	HandleControlMessage(remoteID string, controlType wire.ControlType, raw []byte)
	HandleRoomLockSignal(locked bool)
	HandleRoomLockedSignal(lockedBy string)
	HandlePeerLeft(remoteID string)
	Reset()
}

// SetModeration installs the moderation controller after construction
// (moderation.New needs a Sender, and the natural Sender is the
// Controller itself, so the two are wired together in two steps by the
// composition root rather than introducing a constructor cycle).
func (c *Controller) SetModeration(m Moderation) { c.params.Moderation = m }

// SendControl publishes v on remoteID's control data channel. Satisfies
// moderation.Sender.
func (c *Controller) SendControl(remoteID string, v any) error {
	p := c.existingPeer(remoteID)
	if p == nil {
		return fmt.Errorf("room: no peer %s", remoteID)
	}
	return p.SendControl(v)
}

// BroadcastSignal publishes msg to every peer via the broker/broadcast
// transport (room-lock/room-locked fan-out). Satisfies moderation.Sender.
func (c *Controller) BroadcastSignal(msg wire.Message) { c.publishSignal(msg) }

// Config configures a Controller (spec.md §3/§4.6).
type Config struct {
	RoomID      string
	DisplayName string
	Platform    wire.Platform // empty triggers the OS heuristic

	Brokers []broker.Config // used when the credential provider returns none
	ICE     webrtc.Configuration

	DedupWindow int
	DedupTTL    time.Duration

	AnnounceDebounce    time.Duration
	AnnounceInterval    time.Duration
	AnnounceMinDuration time.Duration

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PingStaleAfter    time.Duration

	NetworkReconnectBase        time.Duration
	NetworkReconnectMaxAttempts int
}

func (cfg Config) withDefaults() Config {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = dedup.DefaultWindow
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = dedup.DefaultTTL
	}
	if cfg.AnnounceDebounce <= 0 {
		cfg.AnnounceDebounce = 100 * time.Millisecond
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = 3 * time.Second
	}
	if cfg.AnnounceMinDuration <= 0 {
		cfg.AnnounceMinDuration = 60 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.PingStaleAfter <= 0 {
		cfg.PingStaleAfter = 5 * time.Second
	}
	if cfg.NetworkReconnectBase <= 0 {
		cfg.NetworkReconnectBase = 1 * time.Second
	}
	if cfg.NetworkReconnectMaxAttempts <= 0 {
		cfg.NetworkReconnectMaxAttempts = 5
	}
	return cfg
}

// Params wires the Controller's collaborators.
type Params struct {
	Identity       *identity.Identity
	Config         Config
	CredLoader     *creds.Loader
	Media          adapters.MediaPipeline
	Moderation     Moderation
	UX             adapters.UXNotifier
	NetworkWatcher adapters.NetworkWatcher
	Stats          *stats.Aggregator // optional; powers PeerSummaries' RTT/quality fields
	Logger         logging.LeveledLogger

	// LocalMuteStatus supplies the local mute state sent to a peer
	// 500 ms after it reaches connected (spec.md §4.5).
	LocalMuteStatus func() wire.MuteStatusPayload
	// OnChatMessage, if set, is forwarded every parsed chat message
	// from any peer's chat data channel.
	OnChatMessage func(remoteID string, msg wire.ChatMessage)
}

type peerEventEnvelope struct {
	remoteID string
	event    session.Event
}

// PeerSnapshot is a read-only view over one peer record, safe to hand
// to UI/stats code outside the controller (spec.md §3 "Ownership":
// "references handed to stats/UI are read-only snapshots").
type PeerSnapshot struct {
	RemoteID    string
	DisplayName string
	Platform    wire.Platform
	State       session.State
	ConnectedAt time.Time
}

// Controller owns the session, the peer map, the broker pool, the
// dedup cache, moderation state, and every timer (spec.md §3
// "Ownership").
type Controller struct {
	params   Params
	identity *identity.Identity
	cfg      Config

	joinMu  sync.Mutex
	leaveMu sync.Mutex

	mu             sync.Mutex
	signalingState wire.SignalingState
	sessionID      int64
	iceConfig      webrtc.Configuration
	platform       wire.Platform
	lastAnnounceAt time.Time

	pool      *broker.Pool
	dedup     *dedup.Cache
	router    *signal.Router
	broadcast *localBroadcast

	announceStop  chan struct{}
	heartbeatStop chan struct{}
	networkUnsub  func()
	wasInRoom     bool
	reconnectTmr  *time.Timer

	runStop chan struct{}
	tasks   chan func()
	events  chan peerEventEnvelope

	peersMu  sync.Mutex
	peers    map[string]*session.Peer
	peerDone map[string]chan struct{}
	lastSeen map[string]time.Time
	lastPing map[string]time.Time

	wg sync.WaitGroup
}

// New creates a Controller. Call Join to actually enter a room.
func New(p Params) *Controller {
	c := &Controller{
		params:         p,
		identity:       p.Identity,
		cfg:            p.Config.withDefaults(),
		signalingState: wire.SignalingIdle,
		peers:          make(map[string]*session.Peer),
		peerDone:       make(map[string]chan struct{}),
		lastSeen:       make(map[string]time.Time),
		lastPing:       make(map[string]time.Time),
	}

	c.router = signal.New(c.identity.SelfID(), c.recordActivity, signal.Handlers{
		OnAnnounce:     c.onAnnounce,
		OnOffer:        c.onOffer,
		OnAnswer:       c.onAnswer,
		OnICECandidate: c.onICECandidateMsg,
		OnLeave:        c.onLeaveMsg,
		OnPing:         c.onPing,
		OnPong:         func(wire.Message) {},
		OnMuteStatus:   c.onMuteStatus,
		OnRoomLock:     c.onRoomLock,
		OnRoomLocked:   c.onRoomLocked,
	}, p.Logger)

	return c
}

// SignalingState returns the current user-visible state.
func (c *Controller) SignalingState() wire.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signalingState
}

// SignalingStateValue satisfies adapters.DiagnosticsSource.
func (c *Controller) SignalingStateValue() wire.SignalingState { return c.SignalingState() }

// PeerSummaries satisfies adapters.DiagnosticsSource, folding in an RTT/
// quality snapshot from params.Stats when one was configured.
func (c *Controller) PeerSummaries() []adapters.PeerSummary {
	c.peersMu.Lock()
	peers := make([]*session.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()

	quality := make(map[string]stats.Snapshot)
	if c.params.Stats != nil {
		sources := make([]stats.PeerStatsSource, len(peers))
		for i, p := range peers {
			sources[i] = p
		}
		for _, snap := range c.params.Stats.Snapshot(sources) {
			quality[snap.PeerID] = snap
		}
	}

	out := make([]adapters.PeerSummary, 0, len(peers))
	for _, p := range peers {
		summary := adapters.PeerSummary{
			RemoteID:    p.RemoteID(),
			DisplayName: p.DisplayName(),
			Platform:    string(p.Platform()),
			State:       string(p.State()),
		}
		if ct := p.ConnectedAt(); !ct.IsZero() {
			summary.ConnectedAt = ct.UTC().Format(time.RFC3339)
		}
		if snap, ok := quality[p.RemoteID()]; ok {
			summary.RTTMillis = float64(snap.RTT) / float64(time.Millisecond)
			summary.Quality = string(snap.Quality)
		}
		out = append(out, summary)
	}
	return out
}

// Peers returns a read-only snapshot of every known peer.
func (c *Controller) Peers() []PeerSnapshot {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make([]PeerSnapshot, 0, len(c.peers))
	for id, p := range c.peers {
		out = append(out, PeerSnapshot{
			RemoteID:    id,
			DisplayName: p.DisplayName(),
			Platform:    p.Platform(),
			State:       p.State(),
			ConnectedAt: p.ConnectedAt(),
		})
	}
	return out
}

// Snapshot returns the live peer handles, for the stats aggregator to
// query transport statistics on demand. Callers must not mutate peer
// state directly.
func (c *Controller) Snapshot() []*session.Peer {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	out := make([]*session.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Join enters (or re-enters) the room. Concurrent Join calls serialize
// on joinMu rather than racing a hand-rolled in-progress flag (spec.md
// §4.6 "Join... serialized by a join-in-progress flag").
func (c *Controller) Join(ctx context.Context) error {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	if c.SignalingState() != wire.SignalingIdle {
		c.Leave()
		time.Sleep(100 * time.Millisecond)
	}

	sessionID := c.identity.NextSession()
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	c.setSignalingState(wire.SignalingConnecting)

	bundle, err := c.params.CredLoader.Load(ctx, c.cfg.RoomID, c.cfg.DisplayName)
	if err != nil {
		c.setSignalingState(wire.SignalingFailed)
		c.notifyError(fmt.Errorf("room: %w", err))
		return err
	}

	iceConfig := c.cfg.ICE
	if len(bundle.ICEServers) > 0 {
		iceConfig.ICEServers = bundle.ICEServers
	}
	platform := c.cfg.Platform
	if platform == "" {
		platform = platformFromOS()
	}
	c.mu.Lock()
	c.iceConfig = iceConfig
	c.platform = platform
	c.mu.Unlock()

	if c.broadcast != nil {
		c.broadcast.Close()
	}
	bc, err := newLocalBroadcast(c.cfg.RoomID, func(raw []byte) {
		c.postTask(func() { c.ingestBroadcast(sessionID, raw) })
	}, c.params.Logger)
	if err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: local broadcast fallback unavailable: %v", err)
		}
		c.broadcast = nil
	} else {
		c.broadcast = bc
	}

	brokerConfigs := make([]broker.Config, 0, len(bundle.Brokers))
	for _, b := range bundle.Brokers {
		brokerConfigs = append(brokerConfigs, broker.Config{URL: b.URL, Username: b.Username, Password: b.Password})
	}
	if len(brokerConfigs) == 0 {
		brokerConfigs = c.cfg.Brokers
	}

	c.dedup = dedup.New(c.cfg.DedupWindow, c.cfg.DedupTTL)
	topic := c.topic()
	pool := broker.NewPool(brokerConfigs, c.identity.SelfID(), topic, c.dedup, c.params.Logger)
	pool.SetMessageHandler(func(t string, payload []byte) {
		c.postTask(func() { c.ingestBroker(sessionID, t, payload) })
	})
	pool.SetReconnectHook(func() { c.postTask(func() { c.onBrokerReconnected(sessionID) }) })

	if connected := pool.ConnectAll(ctx); len(connected) == 0 {
		c.notifyError(fmt.Errorf("room: %w", wire.ErrMQTTConnection))
	}
	if subscribed := pool.SubscribeAll(ctx); subscribed == 0 {
		pool.Shutdown()
		c.notifyError(fmt.Errorf("room: %w", wire.ErrMQTTSubscribeFailed))
		pool = nil
	}
	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()

	c.setSignalingState(wire.SignalingConnected)

	c.startRunLoop(sessionID)
	c.startAnnounceLoop(sessionID)
	c.startHeartbeatLoop(sessionID)
	c.startNetworkMonitor(sessionID)

	time.AfterFunc(300*time.Millisecond, func() {
		c.postTask(func() {
			if c.identity.SessionValid(sessionID) {
				c.sendAnnounce("")
			}
		})
	})

	return nil
}

// Leave tears the room down. No-op if not currently joined.
func (c *Controller) Leave() {
	c.leaveMu.Lock()
	defer c.leaveMu.Unlock()

	if c.SignalingState() == wire.SignalingIdle {
		return
	}

	c.stopAnnounceLoop()
	c.stopHeartbeatLoop()
	c.stopNetworkMonitor()

	c.publishSignal(wire.Message{Type: wire.TypeLeave, From: c.identity.SelfID()})

	c.peersMu.Lock()
	peers := make([]*session.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()
	for _, p := range peers {
		p.Cleanup(false)
	}

	c.stopRunLoop()

	c.mu.Lock()
	pool := c.pool
	c.pool = nil
	bc := c.broadcast
	c.broadcast = nil
	dc := c.dedup
	c.dedup = nil
	c.mu.Unlock()

	if pool != nil {
		pool.Shutdown()
	}
	if bc != nil {
		bc.Close()
	}
	if dc != nil {
		dc.Close()
	}
	if c.params.Moderation != nil {
		c.params.Moderation.Reset()
	}

	c.mu.Lock()
	c.wasInRoom = false
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
	c.mu.Unlock()

	c.peersMu.Lock()
	for _, done := range c.peerDone {
		close(done)
	}
	c.peers = make(map[string]*session.Peer)
	c.peerDone = make(map[string]chan struct{})
	c.lastSeen = make(map[string]time.Time)
	c.lastPing = make(map[string]time.Time)
	c.peersMu.Unlock()

	c.setSignalingState(wire.SignalingIdle)
}

func (c *Controller) topic() string { return "p2p-conf/" + c.cfg.RoomID }

// --- single-owner task queue ---

func (c *Controller) startRunLoop(sessionID int64) {
	stop := make(chan struct{})
	tasks := make(chan func(), 256)
	events := make(chan peerEventEnvelope, 256)
	c.mu.Lock()
	c.runStop = stop
	c.tasks = tasks
	c.events = events
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-stop:
				return
			case fn := <-tasks:
				fn()
			case env := <-events:
				if c.identity.SessionValid(sessionID) {
					c.dispatchEvent(env.remoteID, env.event)
				}
			}
		}
	}()
}

func (c *Controller) stopRunLoop() {
	c.mu.Lock()
	stop := c.runStop
	c.runStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// postTask enqueues fn to run on the single owning goroutine. Dropped
// (with a log) if the queue is saturated, never blocks the caller.
func (c *Controller) postTask(fn func()) {
	c.mu.Lock()
	tasks := c.tasks
	c.mu.Unlock()
	if tasks == nil {
		return
	}
	select {
	case tasks <- fn:
	default:
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: task queue full, dropping a task")
		}
	}
}

func (c *Controller) postEvent(remoteID string, e session.Event) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return
	}
	select {
	case events <- peerEventEnvelope{remoteID: remoteID, event: e}:
	default:
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: event queue full, dropping an event for %s", remoteID)
		}
	}
}

func (c *Controller) dispatchEvent(remoteID string, e session.Event) {
	c.peersMu.Lock()
	p := c.peers[remoteID]
	c.peersMu.Unlock()
	if p == nil {
		return
	}

	switch e.Kind {
	case session.EventICECandidateGathered:
		p.HandleLocalICECandidateGathered(e.ICECandidate)
	case session.EventConnectionStateChanged:
		p.HandleConnectionStateChanged(e.ConnState)
	case session.EventICEConnectionStateChanged:
		p.HandleICEConnectionStateChanged(e.ICEConnState)
	case session.EventDataChannelOpened:
		p.HandleDataChannelOpened(e.DataChannel)
	case session.EventRemoteTrack:
		p.HandleRemoteTrack(e.Track, e.Receiver)
	case session.EventGraceTimerExpired:
		p.HandleGraceTimerExpired()
	case session.EventRestartFailureTimerExpired:
		p.HandleRestartFailureTimerExpired()
	case session.EventRestartRetryTimerExpired:
		p.HandleRestartRetryTimerExpired()
	case session.EventSendMuteStatus:
		p.HandleSendMuteStatus()
	case session.EventChatReceived:
		p.HandleChatReceived(e.Raw)
	case session.EventControlReceived:
		p.HandleControlReceived(e.Raw)
	}
}

func (c *Controller) forwardPeerEvents(remoteID string, p *session.Peer, done <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case e := <-p.Events():
			c.postEvent(remoteID, e)
		case <-done:
			return
		}
	}
}

// --- peer lifecycle ---

func (c *Controller) getOrCreatePeer(remoteID string) *session.Peer {
	c.peersMu.Lock()
	if p, ok := c.peers[remoteID]; ok {
		c.peersMu.Unlock()
		return p
	}
	c.peersMu.Unlock()

	c.mu.Lock()
	iceConfig := c.iceConfig
	c.mu.Unlock()

	var p *session.Peer
	newPeer, err := session.New(session.Params{
		SelfID:           c.identity.SelfID(),
		RemoteID:         remoteID,
		Config:           iceConfig,
		Media:            c.params.Media,
		Logger:           c.params.Logger,
		Send:             c.publishSignal,
		OnJoined:         c.handlePeerJoined,
		OnLeave:          c.handlePeerLeave,
		OnClosed:         func(rid string) { c.handlePeerEvicted(rid, p) },
		OnChatMessage:    c.params.OnChatMessage,
		OnControlMessage: c.handleControlMessage,
		LocalMuteStatus:  c.params.LocalMuteStatus,
	})
	if err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Errorf("room: create peer %s: %v", remoteID, err)
		}
		return nil
	}
	p = newPeer

	done := make(chan struct{})
	c.peersMu.Lock()
	if existing, ok := c.peers[remoteID]; ok {
		c.peersMu.Unlock()
		p.Cleanup(false)
		return existing
	}
	c.peers[remoteID] = p
	c.peerDone[remoteID] = done
	c.lastSeen[remoteID] = time.Now()
	c.peersMu.Unlock()

	c.wg.Add(1)
	go c.forwardPeerEvents(remoteID, p, done)
	return p
}

func (c *Controller) handleControlMessage(remoteID string, t wire.ControlType, raw []byte) {
	if c.params.Moderation != nil {
		c.params.Moderation.HandleControlMessage(remoteID, t, raw)
	}
}

func (c *Controller) handlePeerJoined(remoteID string) {
	c.peersMu.Lock()
	p := c.peers[remoteID]
	c.peersMu.Unlock()
	if p == nil || c.params.UX == nil {
		return
	}
	c.params.UX.PeerJoined(remoteID, p.DisplayName(), p.Platform())
}

// handlePeerEvicted fires on every session.Peer.Cleanup, connected or not
// (spec.md §3 "otherwise drop record"), and removes the peer's bookkeeping
// regardless of whether the UX-visible leave notification runs. The
// identity check guards against a losing peer from getOrCreatePeer's
// duplicate-registration race evicting the winning peer's record.
func (c *Controller) handlePeerEvicted(remoteID string, p *session.Peer) {
	c.peersMu.Lock()
	if c.peers[remoteID] != p {
		c.peersMu.Unlock()
		return
	}
	done, ok := c.peerDone[remoteID]
	delete(c.peers, remoteID)
	delete(c.peerDone, remoteID)
	delete(c.lastSeen, remoteID)
	delete(c.lastPing, remoteID)
	c.peersMu.Unlock()
	if ok {
		close(done)
	}

	if c.params.Moderation != nil {
		c.params.Moderation.HandlePeerLeft(remoteID)
	}
	if c.params.Stats != nil {
		c.params.Stats.Forget(remoteID)
	}
}

// handlePeerLeave is the UX-visible notification, fired only for
// Cleanup(true): a leave message, a heartbeat timeout, exhausted ICE
// restarts, a failed connection, or a close after reaching connected.
func (c *Controller) handlePeerLeave(remoteID string) {
	if c.params.UX != nil {
		c.params.UX.PeerLeft(remoteID)
	}
}

func (c *Controller) healthyPeerCount() int {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	n := 0
	for _, p := range c.peers {
		switch p.State() {
		case session.StateConnected, session.StateConnecting:
			n++
		}
	}
	return n
}

func (c *Controller) recordActivity(remoteID string) {
	c.peersMu.Lock()
	c.lastSeen[remoteID] = time.Now()
	c.peersMu.Unlock()
}

// --- announce loop (spec.md §4.6 "Announce") ---

func (c *Controller) startAnnounceLoop(sessionID int64) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.announceStop = stop
	c.mu.Unlock()

	start := time.Now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.AnnounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.identity.SessionValid(sessionID) {
					return
				}
				c.postTask(func() { c.announceTick(sessionID, start) })
			}
		}
	}()
}

func (c *Controller) announceTick(sessionID int64, loopStart time.Time) {
	if !c.identity.SessionValid(sessionID) {
		return
	}
	healthy := c.healthyPeerCount()
	if healthy == 0 {
		c.sendAnnounce("")
	}
	if healthy > 0 && time.Since(loopStart) >= c.cfg.AnnounceMinDuration {
		c.stopAnnounceLoop()
	}
}

func (c *Controller) stopAnnounceLoop() {
	c.mu.Lock()
	stop := c.announceStop
	c.announceStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Controller) sendAnnounce(target string) {
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastAnnounceAt) < c.cfg.AnnounceDebounce {
		c.mu.Unlock()
		return
	}
	c.lastAnnounceAt = now
	platform := c.platform
	sessionID := c.sessionID
	c.mu.Unlock()

	c.publishSignal(wire.Message{
		Type:      wire.TypeAnnounce,
		From:      c.identity.SelfID(),
		To:        target,
		UserName:  c.cfg.DisplayName,
		Platform:  platform,
		Ts:        time.Now().UnixMilli(),
		SessionID: sessionID,
	})
}

// --- heartbeat loop (spec.md §4.6 "Heartbeat") ---

func (c *Controller) startHeartbeatLoop(sessionID int64) {
	stop := make(chan struct{})
	c.mu.Lock()
	c.heartbeatStop = stop
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.identity.SessionValid(sessionID) {
					return
				}
				c.postTask(func() { c.heartbeatTick(sessionID) })
			}
		}
	}()
}

func (c *Controller) stopHeartbeatLoop() {
	c.mu.Lock()
	stop := c.heartbeatStop
	c.heartbeatStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Controller) heartbeatTick(sessionID int64) {
	if !c.identity.SessionValid(sessionID) {
		return
	}
	now := time.Now()

	c.peersMu.Lock()
	peers := make([]*session.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()

	for _, p := range peers {
		remoteID := p.RemoteID()

		c.peersMu.Lock()
		lastSeen := c.lastSeen[remoteID]
		lastPing := c.lastPing[remoteID]
		c.peersMu.Unlock()

		if now.Sub(lastSeen) > c.cfg.HeartbeatTimeout {
			p.Cleanup(true)
			continue
		}
		if now.Sub(lastPing) > c.cfg.PingStaleAfter {
			c.publishSignal(wire.Message{Type: wire.TypePing, From: c.identity.SelfID(), To: remoteID})
			c.peersMu.Lock()
			c.lastPing[remoteID] = now
			c.peersMu.Unlock()
		}
	}
}

// --- network monitor (spec.md §4.6 "Network monitor") ---

func (c *Controller) startNetworkMonitor(sessionID int64) {
	if c.params.NetworkWatcher == nil {
		return
	}
	unsub := c.params.NetworkWatcher.Subscribe(
		func() { c.postTask(func() { c.onNetworkOffline() }) },
		func() { c.postTask(func() { c.onNetworkOnline(sessionID) }) },
	)
	c.mu.Lock()
	c.networkUnsub = unsub
	c.mu.Unlock()
}

func (c *Controller) stopNetworkMonitor() {
	c.mu.Lock()
	unsub := c.networkUnsub
	c.networkUnsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (c *Controller) onNetworkOffline() {
	c.mu.Lock()
	if c.signalingState != wire.SignalingIdle {
		c.wasInRoom = true
	}
	if c.reconnectTmr != nil {
		c.reconnectTmr.Stop()
		c.reconnectTmr = nil
	}
	c.mu.Unlock()
}

func (c *Controller) onNetworkOnline(sessionID int64) {
	c.mu.Lock()
	wasInRoom := c.wasInRoom
	c.mu.Unlock()
	if !wasInRoom {
		return
	}
	c.scheduleNetworkReconnect(sessionID, 1)
}

func (c *Controller) scheduleNetworkReconnect(sessionID int64, attempt int) {
	delay := time.Duration(float64(c.cfg.NetworkReconnectBase) * math.Pow(1.5, float64(attempt-1)))
	timer := time.AfterFunc(delay, func() {
		c.postTask(func() {
			if c.identity.SessionValid(sessionID) {
				c.attemptNetworkReconnect(sessionID, attempt)
			}
		})
	})
	c.mu.Lock()
	c.reconnectTmr = timer
	c.mu.Unlock()
}

func (c *Controller) attemptNetworkReconnect(sessionID int64, attempt int) {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()

	if pool != nil && pool.ConnectedCount() == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool.ConnectAll(ctx)
		pool.SubscribeAll(ctx)
		cancel()
	}

	c.stopAnnounceLoop()
	c.sendAnnounce("")
	c.startAnnounceLoop(sessionID)

	c.peersMu.Lock()
	peers := make([]*session.Peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.peersMu.Unlock()
	for _, p := range peers {
		p.ForceICERestart()
	}

	recovered := pool == nil || pool.ConnectedCount() > 0
	if recovered {
		c.mu.Lock()
		c.wasInRoom = false
		c.mu.Unlock()
		return
	}
	if attempt < c.cfg.NetworkReconnectMaxAttempts {
		c.scheduleNetworkReconnect(sessionID, attempt+1)
		return
	}
	c.mu.Lock()
	c.wasInRoom = false
	c.mu.Unlock()
	c.notifyError(fmt.Errorf("room: %w", wire.ErrNetworkReconnectExhausted))
}

func (c *Controller) onBrokerReconnected(sessionID int64) {
	if !c.identity.SessionValid(sessionID) {
		return
	}
	c.sendAnnounce("")
}

// --- inbound message ingestion (session-guarded, spec.md §4.6) ---

func (c *Controller) ingestBroker(sessionID int64, _ string, payload []byte) {
	if !c.identity.SessionValid(sessionID) {
		return
	}
	c.routePayload(payload)
}

func (c *Controller) ingestBroadcast(sessionID int64, payload []byte) {
	if !c.identity.SessionValid(sessionID) {
		return
	}
	c.routePayload(payload)
}

func (c *Controller) routePayload(payload []byte) {
	if !gjson.ValidBytes(payload) {
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: %v", wire.ErrTransportMalformed)
		}
		return
	}
	var msg wire.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: %v: %v", wire.ErrTransportMalformed, err)
		}
		return
	}
	c.router.Route(msg)
}

// --- per-type signal handlers (spec.md §4.4 dispatch targets) ---

func (c *Controller) onAnnounce(msg wire.Message) {
	p := c.getOrCreatePeer(msg.From)
	if p == nil {
		return
	}
	_, shouldReannounce := p.HandleAnnounce(msg.UserName, msg.Platform)
	if shouldReannounce {
		c.sendAnnounce(msg.From)
	}
}

func (c *Controller) onOffer(msg wire.Message) {
	var payload wire.SDPPayload
	if err := wire.DecodePayload(msg.Data, &payload); err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: malformed offer from %s: %v", msg.From, err)
		}
		return
	}
	p := c.getOrCreatePeer(msg.From)
	if p == nil {
		return
	}
	if err := p.HandleOffer(payload.SDP); err != nil {
		c.notifyError(fmt.Errorf("room: handle offer from %s: %w", msg.From, err))
	}
}

func (c *Controller) onAnswer(msg wire.Message) {
	var payload wire.SDPPayload
	if err := wire.DecodePayload(msg.Data, &payload); err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: malformed answer from %s: %v", msg.From, err)
		}
		return
	}
	p := c.existingPeer(msg.From)
	if p == nil {
		return
	}
	if err := p.HandleAnswer(payload.SDP); err != nil {
		c.notifyError(fmt.Errorf("room: handle answer from %s: %w", msg.From, err))
	}
}

func (c *Controller) onICECandidateMsg(msg wire.Message) {
	var payload wire.ICECandidatePayload
	if err := wire.DecodePayload(msg.Data, &payload); err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Warnf("room: malformed ice-candidate from %s: %v", msg.From, err)
		}
		return
	}
	p := c.existingPeer(msg.From)
	if p == nil {
		return
	}
	if err := p.HandleRemoteICECandidate(payload); err != nil {
		c.notifyError(fmt.Errorf("room: handle ice-candidate from %s: %w", msg.From, err))
	}
}

func (c *Controller) onLeaveMsg(msg wire.Message) {
	p := c.existingPeer(msg.From)
	if p != nil {
		p.Cleanup(true)
	}
}

func (c *Controller) onPing(msg wire.Message) {
	c.publishSignal(wire.Message{Type: wire.TypePong, From: c.identity.SelfID(), To: msg.From})
}

func (c *Controller) onMuteStatus(msg wire.Message) {
	var payload wire.MuteStatusPayload
	if err := wire.DecodePayload(msg.Data, &payload); err != nil {
		return
	}
	if p := c.existingPeer(msg.From); p != nil {
		p.HandleRemoteMuteStatus(payload)
	}
}

func (c *Controller) onRoomLock(msg wire.Message) {
	var payload wire.RoomLockPayload
	if err := wire.DecodePayload(msg.Data, &payload); err != nil {
		return
	}
	if c.params.Moderation != nil {
		c.params.Moderation.HandleRoomLockSignal(payload.Locked)
	}
}

func (c *Controller) onRoomLocked(msg wire.Message) {
	var payload wire.RoomLockedPayload
	if err := wire.DecodePayload(msg.Data, &payload); err != nil {
		return
	}
	if c.params.Moderation != nil {
		c.params.Moderation.HandleRoomLockedSignal(payload.LockedBy)
	}
}

func (c *Controller) existingPeer(remoteID string) *session.Peer {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	return c.peers[remoteID]
}

// --- outbound ---

func (c *Controller) publishSignal(msg wire.Message) {
	msg.V = wire.ProtocolVersion
	if msg.MsgID == "" {
		msg.MsgID = uuid.NewString()
	}
	if msg.Ts == 0 {
		msg.Ts = time.Now().UnixMilli()
	}

	c.mu.Lock()
	if msg.SessionID == 0 {
		msg.SessionID = c.sessionID
	}
	pool := c.pool
	bc := c.broadcast
	c.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		if c.params.Logger != nil {
			c.params.Logger.Errorf("room: marshal signal message: %v", err)
		}
		return
	}

	if pool != nil {
		pool.Publish(c.topic(), payload)
	}
	if bc != nil {
		if err := bc.send(payload); err != nil && c.params.Logger != nil {
			c.params.Logger.Debugf("room: broadcast fallback send failed: %v", err)
		}
	}
}

func (c *Controller) setSignalingState(s wire.SignalingState) {
	c.mu.Lock()
	changed := c.signalingState != s
	c.signalingState = s
	c.mu.Unlock()
	if changed && c.params.UX != nil {
		c.params.UX.SignalingStateChanged(s)
	}
}

func (c *Controller) notifyError(err error) {
	if c.params.Logger != nil {
		c.params.Logger.Errorf("%v", err)
	}
	if c.params.UX != nil {
		c.params.UX.Errorf(err)
	}
}
