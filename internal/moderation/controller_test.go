package moderation

import (
	"encoding/json"
	"testing"

	"meshsig/internal/adapters"
	"meshsig/internal/wire"
)

type sentControl struct {
	peerID string
	value  any
}

type fakeSender struct {
	control   []sentControl
	broadcast []wire.Message
}

func (f *fakeSender) SendControl(remoteID string, v any) error {
	f.control = append(f.control, sentControl{peerID: remoteID, value: v})
	return nil
}

func (f *fakeSender) BroadcastSignal(msg wire.Message) {
	f.broadcast = append(f.broadcast, msg)
}

// roundTrip re-encodes v through JSON the way it would travel over a real
// control data channel, so handlers exercise the same decode path
// HandleControlMessage uses for inbound records.
func roundTrip(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestSetLockedBroadcastsAndCallsBack(t *testing.T) {
	sender := &fakeSender{}
	var gotLocked []bool
	c := New("self", sender, nil, Callbacks{
		OnRoomLockChanged: func(locked bool) { gotLocked = append(gotLocked, locked) },
	}, nil)

	c.SetLocked(true)

	if !c.Locked() {
		t.Error("expected Locked() to report true after SetLocked(true)")
	}
	if len(sender.broadcast) != 1 || sender.broadcast[0].Type != wire.TypeRoomLock {
		t.Fatalf("expected one room-lock broadcast, got %+v", sender.broadcast)
	}
	if len(gotLocked) != 1 || !gotLocked[0] {
		t.Errorf("expected OnRoomLockChanged(true), got %v", gotLocked)
	}
}

func TestHandleRoomLockSignalAppliesWithoutBroadcasting(t *testing.T) {
	sender := &fakeSender{}
	c := New("self", sender, nil, Callbacks{}, nil)

	c.HandleRoomLockSignal(true)

	if !c.Locked() {
		t.Error("expected Locked() to report true")
	}
	if len(sender.broadcast) != 0 {
		t.Errorf("expected no broadcast from an inbound signal, got %+v", sender.broadcast)
	}
}

func TestSetRaisedSendsControlToEveryTargetPeer(t *testing.T) {
	sender := &fakeSender{}
	c := New("self", sender, nil, Callbacks{}, nil)

	c.SetRaised([]string{"peer-a", "peer-b"}, true)

	if len(sender.control) != 2 {
		t.Fatalf("expected 2 control sends, got %d", len(sender.control))
	}
	for _, sent := range sender.control {
		msg, ok := sent.value.(wire.RaiseHand)
		if !ok || !msg.Raised || msg.PeerID != "self" {
			t.Errorf("unexpected raise-hand payload: %+v", sent.value)
		}
	}
	hands := c.RaisedHands()
	if len(hands) != 1 || hands[0] != "self" {
		t.Errorf("expected self in RaisedHands, got %v", hands)
	}
}

func TestHandleControlMessageRaiseHandFromPeer(t *testing.T) {
	sender := &fakeSender{}
	var changed []string
	c := New("self", sender, nil, Callbacks{
		OnRaiseHandChanged: func(peerID string, raised bool) {
			if raised {
				changed = append(changed, peerID)
			}
		},
	}, nil)

	raw := roundTrip(t, wire.RaiseHand{Type: wire.ControlRaiseHand, Raised: true, PeerID: "peer-a"})
	c.HandleControlMessage("peer-a", wire.ControlRaiseHand, raw)

	if len(changed) != 1 || changed[0] != "peer-a" {
		t.Errorf("expected peer-a raised, got %v", changed)
	}
}

func TestMuteAllRequestAggregatesResponses(t *testing.T) {
	sender := &fakeSender{}
	var responses []string
	c := New("self", sender, nil, Callbacks{
		OnMuteAllResponse: func(requestID, peerID string, accepted bool) {
			if accepted {
				responses = append(responses, peerID)
			}
		},
	}, nil)

	id := c.RequestMuteAll([]string{"peer-a", "peer-b"}, "presenter requested silence")
	if len(sender.control) != 2 {
		t.Fatalf("expected 2 mute-request sends, got %d", len(sender.control))
	}

	raw := roundTrip(t, wire.MuteResponse{Type: wire.ControlMuteResp, ID: id, Accepted: true})
	c.HandleControlMessage("peer-a", wire.ControlMuteResp, raw)

	if len(responses) != 1 || responses[0] != "peer-a" {
		t.Errorf("expected peer-a accepted, got %v", responses)
	}
	if !c.muteAll.responses["peer-a"] {
		t.Error("expected the internal response table to record peer-a's acceptance")
	}
}

func TestRemoteMicLeaseFullLifecycle(t *testing.T) {
	sourceSender := &fakeSender{}
	var sourceStates []LeaseState
	source := New("source", sourceSender, nil, Callbacks{
		OnLeaseStateChanged: func(peerID string, state LeaseState, reason wire.RemoteMicReason) {
			sourceStates = append(sourceStates, state)
		},
	}, nil)

	targetSender := &fakeSender{}
	audio := &fakeAudioSink{}
	var targetStates []LeaseState
	target := New("target", targetSender, audio, Callbacks{
		OnLeaseStateChanged: func(peerID string, state LeaseState, reason wire.RemoteMicReason) {
			targetStates = append(targetStates, state)
		},
	}, nil)

	// source -> target: rm_request
	requestID := source.SendRequest("target")
	if len(sourceSender.control) != 1 {
		t.Fatalf("expected one rm_request send, got %d", len(sourceSender.control))
	}
	target.HandleControlMessage("source", wire.ControlRMRequest, roundTrip(t, sourceSender.control[0].value))

	// target accepts: rm_response{accepted:true}
	target.RespondRequest("source", true, "")
	if len(targetSender.control) != 1 {
		t.Fatalf("expected one rm_response send, got %d", len(targetSender.control))
	}
	source.HandleControlMessage("target", wire.ControlRMResponse, roundTrip(t, targetSender.control[0].value))

	// source activates and sends rm_start
	if len(sourceSender.control) != 2 {
		t.Fatalf("expected source to have sent rm_request+rm_start, got %d", len(sourceSender.control))
	}
	target.HandleControlMessage("source", wire.ControlRMStart, roundTrip(t, sourceSender.control[1].value))

	sourceLease := source.leases["target"]
	if sourceLease == nil || sourceLease.state != LeaseActive || sourceLease.requestID != requestID {
		t.Fatalf("expected an active source lease, got %+v", sourceLease)
	}
	targetLease := target.leases["source"]
	if targetLease == nil || targetLease.state != LeaseActive {
		t.Fatalf("expected an active target lease, got %+v", targetLease)
	}
	if audio.mode != "" {
		t.Errorf("expected target's audio routing to be untouched (it is not the lease source), got %v", audio.mode)
	}

	// stop from the source side
	source.StopLease("target", wire.ReasonUserCancelled)
	if _, ok := source.leases["target"]; ok {
		t.Error("expected the source lease to be removed after StopLease")
	}
	if len(sourceStates) == 0 || sourceStates[len(sourceStates)-1] != LeaseStopped {
		t.Errorf("expected the final source lease state to be stopped, got %v", sourceStates)
	}
	if len(sourceSender.control) != 3 {
		t.Fatalf("expected StopLease to send an rm_stop, got %d sends", len(sourceSender.control))
	}
	target.HandleControlMessage("source", wire.ControlRMStop, roundTrip(t, sourceSender.control[2].value))
	if _, ok := target.leases["source"]; ok {
		t.Error("expected the target lease to be removed after receiving rm_stop")
	}
	if len(targetStates) == 0 || targetStates[len(targetStates)-1] != LeaseStopped {
		t.Errorf("expected the final target lease state to be stopped, got %v", targetStates)
	}
}

func TestHandlePeerLeftStopsActiveLease(t *testing.T) {
	sender := &fakeSender{}
	var states []LeaseState
	c := New("self", sender, nil, Callbacks{
		OnLeaseStateChanged: func(peerID string, state LeaseState, reason wire.RemoteMicReason) {
			states = append(states, state)
		},
	}, nil)

	c.leases["peer-a"] = &lease{peerID: "peer-a", requestID: "req-1", state: LeaseActive, asSource: true}
	c.raised["peer-a"] = true

	c.HandlePeerLeft("peer-a")

	if _, ok := c.leases["peer-a"]; ok {
		t.Error("expected the lease with the departed peer to be removed")
	}
	if _, ok := c.raised["peer-a"]; ok {
		t.Error("expected raised-hand state for the departed peer to be forgotten")
	}
	// a disconnect-caused stop must not try to notify the departed peer
	if len(sender.control) != 0 {
		t.Errorf("expected no rm_stop sent to a disconnected peer, got %+v", sender.control)
	}
	if len(states) == 0 || states[len(states)-1] != LeaseStopped {
		t.Errorf("expected the final lease state to be stopped, got %v", states)
	}
}

func TestResetClearsEveryTable(t *testing.T) {
	sender := &fakeSender{}
	c := New("self", sender, nil, Callbacks{}, nil)

	c.locked = true
	c.raised["peer-a"] = true
	c.muteAll = &muteAllRequest{id: "x"}
	c.leases["peer-a"] = &lease{peerID: "peer-a", state: LeaseActive}

	c.Reset()

	if c.Locked() {
		t.Error("expected Reset to clear the lock state")
	}
	if len(c.raised) != 0 {
		t.Error("expected Reset to clear raised-hand state")
	}
	if c.muteAll != nil {
		t.Error("expected Reset to clear the in-flight mute-all request")
	}
	if len(c.leases) != 0 {
		t.Error("expected Reset to clear every lease")
	}
}

type fakeAudioSink struct {
	mode   adapters.RoutingMode
	target string
}

func (f *fakeAudioSink) SetMode(mode adapters.RoutingMode, target string) {
	f.mode = mode
	f.target = target
}
