package session

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"meshsig/internal/wire"
)

func newTestPeer(t *testing.T, selfID, remoteID string) (*Peer, *[]wire.Message) {
	t.Helper()
	var mu sync.Mutex
	sent := []wire.Message{}

	p, err := New(Params{
		SelfID:   selfID,
		RemoteID: remoteID,
		Send: func(m wire.Message) {
			mu.Lock()
			sent = append(sent, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Cleanup(false) })
	return p, &sent
}

func TestIsInitiatorLexicographicTieBreak(t *testing.T) {
	p, _ := newTestPeer(t, "zzzz", "aaaa")
	if !p.IsInitiator() {
		t.Fatalf("expected zzzz > aaaa to be initiator")
	}

	p2, _ := newTestPeer(t, "aaaa", "zzzz")
	if p2.IsInitiator() {
		t.Fatalf("expected aaaa < zzzz to not be initiator")
	}
}

func TestHandleAnnounceInitiatorEmitsOffer(t *testing.T) {
	p, sent := newTestPeer(t, "zzzz", "aaaa")

	offered, reannounce := p.HandleAnnounce("Alice", wire.PlatformWin)
	if !offered || reannounce {
		t.Fatalf("expected initiator to offer, got offered=%v reannounce=%v", offered, reannounce)
	}
	if p.State() != StateOffering {
		t.Fatalf("expected state offering, got %s", p.State())
	}

	time.Sleep(50 * time.Millisecond) // offer creation touches pion internals briefly
	if len(*sent) != 1 || (*sent)[0].Type != wire.TypeOffer {
		t.Fatalf("expected exactly one offer message sent, got %+v", *sent)
	}
}

func TestHandleAnnounceResponderRequestsReannounce(t *testing.T) {
	p, sent := newTestPeer(t, "aaaa", "zzzz")

	offered, reannounce := p.HandleAnnounce("Bob", wire.PlatformMac)
	if offered || !reannounce {
		t.Fatalf("expected responder to request reannounce, got offered=%v reannounce=%v", offered, reannounce)
	}
	if p.State() != StateNew {
		t.Fatalf("expected state to remain new, got %s", p.State())
	}
	if len(*sent) != 0 {
		t.Fatalf("expected no message sent by the non-initiator, got %+v", *sent)
	}
}

func TestHandleOfferTransitionsToConnecting(t *testing.T) {
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote pc: %v", err)
	}
	defer remote.Close()
	if _, err := remote.CreateDataChannel("chat", nil); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}

	p, sent := newTestPeer(t, "aaaa", "zzzz")
	if err := p.HandleOffer(offer.SDP); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	if p.State() != StateConnecting {
		t.Fatalf("expected state connecting, got %s", p.State())
	}
	if len(*sent) != 1 || (*sent)[0].Type != wire.TypeAnswer {
		t.Fatalf("expected exactly one answer message sent, got %+v", *sent)
	}
}

func TestPendingICECandidatesDrainAfterRemoteDescription(t *testing.T) {
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("remote pc: %v", err)
	}
	defer remote.Close()
	if _, err := remote.CreateDataChannel("chat", nil); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local description: %v", err)
	}

	p, _ := newTestPeer(t, "aaaa", "zzzz")

	// Candidate arrives before the remote description; must be queued,
	// not applied.
	err = p.HandleRemoteICECandidate(wire.ICECandidatePayload{Candidate: "candidate:1 1 UDP 1 127.0.0.1 9 typ host"})
	if err != nil {
		t.Fatalf("unexpected error queuing candidate: %v", err)
	}
	p.mu.Lock()
	queued := len(p.pendingCandidates)
	p.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected 1 queued candidate, got %d", queued)
	}

	if err := p.HandleOffer(offer.SDP); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}

	p.mu.Lock()
	remaining := len(p.pendingCandidates)
	p.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected pending candidates drained after remote description set, got %d remaining", remaining)
	}
}

func TestICERestartGuardAllowsOnlyOneInFlight(t *testing.T) {
	p, _ := newTestPeer(t, "zzzz", "aaaa")
	p.setState(StateConnected)

	p.TriggerICERestart()
	p.mu.Lock()
	firstAttempts := p.iceRestartAttempts
	inProgress := p.restartInProgress
	p.mu.Unlock()
	if firstAttempts != 1 || !inProgress {
		t.Fatalf("expected first restart to set attempts=1 in-progress=true, got attempts=%d inProgress=%v", firstAttempts, inProgress)
	}

	p.TriggerICERestart() // guarded: must not increment again
	p.mu.Lock()
	secondAttempts := p.iceRestartAttempts
	p.mu.Unlock()
	if secondAttempts != 1 {
		t.Fatalf("expected guard to prevent a second concurrent restart, attempts=%d", secondAttempts)
	}
}

func TestICERestartExhaustionCleansUp(t *testing.T) {
	p, _ := newTestPeer(t, "zzzz", "aaaa")
	p.setState(StateConnected)

	p.mu.Lock()
	p.iceRestartAttempts = MaxICERestartAttempts
	p.mu.Unlock()

	p.TriggerICERestart()

	if p.State() != StateClosed {
		t.Fatalf("expected peer to clean up once restart attempts are exhausted, got state %s", p.State())
	}
}

func TestGraceTimerTriggersRestartWhenStillDisconnected(t *testing.T) {
	p, _ := newTestPeer(t, "zzzz", "aaaa")
	p.setState(StateConnected)
	p.mu.Lock()
	p.lastICEState = webrtc.ICEConnectionStateDisconnected
	p.mu.Unlock()

	p.HandleGraceTimerExpired()

	p.mu.Lock()
	inProgress := p.restartInProgress
	p.mu.Unlock()
	if !inProgress {
		t.Fatalf("expected grace-timer expiry while still disconnected to trigger a restart")
	}
}

func TestGraceTimerNoopIfReconnected(t *testing.T) {
	p, _ := newTestPeer(t, "zzzz", "aaaa")
	p.setState(StateConnected)
	p.mu.Lock()
	p.lastICEState = webrtc.ICEConnectionStateConnected
	p.mu.Unlock()

	p.HandleGraceTimerExpired()

	p.mu.Lock()
	inProgress := p.restartInProgress
	p.mu.Unlock()
	if inProgress {
		t.Fatalf("expected grace-timer expiry to be a no-op once reconnected")
	}
}

func TestCleanupIsIdempotentAndFiresLeaveOnce(t *testing.T) {
	leaveCount := 0
	closedCount := 0
	p, err := New(Params{
		SelfID:   "aaaa",
		RemoteID: "zzzz",
		OnLeave:  func(string) { leaveCount++ },
		OnClosed: func(string) { closedCount++ },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Cleanup(true)
	p.Cleanup(true)
	p.Cleanup(true)

	if leaveCount != 1 {
		t.Fatalf("expected leave callback exactly once, got %d", leaveCount)
	}
	if closedCount != 1 {
		t.Fatalf("expected eviction callback exactly once, got %d", closedCount)
	}
	if p.State() != StateClosed {
		t.Fatalf("expected state closed after cleanup")
	}
}

func TestCleanupWithoutFireLeaveSuppressesCallbackButStillEvicts(t *testing.T) {
	leaveCount := 0
	closedCount := 0
	p, err := New(Params{
		SelfID:   "aaaa",
		RemoteID: "zzzz",
		OnLeave:  func(string) { leaveCount++ },
		OnClosed: func(string) { closedCount++ },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Cleanup(false)

	if leaveCount != 0 {
		t.Fatalf("expected leave callback suppressed when dropping a never-connected peer")
	}
	if closedCount != 1 {
		t.Fatalf("expected the owner's eviction callback to still run exactly once, got %d", closedCount)
	}
}

func TestChatPayloadClampedToMaxLength(t *testing.T) {
	var received wire.ChatMessage
	got := false
	p, err := New(Params{
		SelfID:   "aaaa",
		RemoteID: "zzzz",
		OnChatMessage: func(_ string, msg wire.ChatMessage) {
			received = msg
			got = true
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Cleanup(false) })

	overlong := make([]byte, wire.MaxChatLength+500)
	for i := range overlong {
		overlong[i] = 'x'
	}
	raw := []byte(`{"type":"chat","id":"m1","senderId":"zzzz","senderName":"Bob","content":"` + string(overlong) + `","timestamp":1}`)
	p.handleChatPayload(raw)

	if !got {
		t.Fatalf("expected chat message to be delivered")
	}
	if len(received.Content) != wire.MaxChatLength {
		t.Fatalf("expected content clamped to %d, got %d", wire.MaxChatLength, len(received.Content))
	}
}

func TestMalformedChatPayloadDropped(t *testing.T) {
	got := false
	p, err := New(Params{
		SelfID:        "aaaa",
		RemoteID:      "zzzz",
		OnChatMessage: func(string, wire.ChatMessage) { got = true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Cleanup(false) })

	p.handleChatPayload([]byte(`not json`))
	if got {
		t.Fatalf("expected malformed chat payload to be dropped")
	}
}

func TestControlPayloadMissingTypeDropped(t *testing.T) {
	got := false
	p, err := New(Params{
		SelfID:           "aaaa",
		RemoteID:         "zzzz",
		OnControlMessage: func(string, wire.ControlType, []byte) { got = true },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Cleanup(false) })

	p.handleControlPayload([]byte(`{"requestId":"r1"}`))
	if got {
		t.Fatalf("expected control payload without a type field to be dropped")
	}
}

func TestControlPayloadDispatchesType(t *testing.T) {
	var gotType wire.ControlType
	p, err := New(Params{
		SelfID:           "aaaa",
		RemoteID:         "zzzz",
		OnControlMessage: func(_ string, t wire.ControlType, _ []byte) { gotType = t },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Cleanup(false) })

	p.handleControlPayload([]byte(`{"type":"rm_request","requestId":"r1","ts":1}`))
	if gotType != wire.ControlRMRequest {
		t.Fatalf("expected rm_request dispatched, got %q", gotType)
	}
}

func TestSetLocalTrackAddsThenReplaces(t *testing.T) {
	p, _ := newTestPeer(t, "aaaa", "zzzz")

	track1, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream1")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if err := p.SetLocalTrack(track1); err != nil {
		t.Fatalf("SetLocalTrack (add): %v", err)
	}
	if len(p.pc.GetSenders()) != 1 {
		t.Fatalf("expected exactly one sender after first add, got %d", len(p.pc.GetSenders()))
	}

	track2, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream2")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if err := p.SetLocalTrack(track2); err != nil {
		t.Fatalf("SetLocalTrack (replace): %v", err)
	}
	if len(p.pc.GetSenders()) != 1 {
		t.Fatalf("expected replace to reuse the existing sender, got %d senders", len(p.pc.GetSenders()))
	}
}

func TestSetAudioRoutingReplacesWithNullTrackWhenExcluded(t *testing.T) {
	p, _ := newTestPeer(t, "aaaa", "zzzz")

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream1")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if err := p.SetAudioRouting(true, track); err != nil {
		t.Fatalf("SetAudioRouting(true): %v", err)
	}
	if err := p.SetAudioRouting(false, track); err != nil {
		t.Fatalf("SetAudioRouting(false): %v", err)
	}
}
