// Package adapters declares the narrow boundary interfaces between the
// signaling/session core and the platform-specific collaborators that
// spec.md §1 places out of scope: the media pipeline, the audio routing
// sink, and user-facing notifications (spec.md's C10, SPEC_FULL.md
// §4.17). Only the seams and a no-op/logging default implementation
// live here — no echo cancellation, no device enumeration, no toast
// rendering.
package adapters

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"meshsig/internal/wire"
)

// RoutingMode is the audio routing policy (spec.md §4.5 "Audio
// routing").
type RoutingMode string

const (
	RoutingBroadcast RoutingMode = "broadcast"
	RoutingExclusive RoutingMode = "exclusive"
)

// MediaPipeline receives remote media tracks as they arrive. The real
// implementation (echo cancellation, noise suppression, level metering)
// is out of scope; this is the seam the core hands tracks through.
type MediaPipeline interface {
	OnRemoteTrack(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
}

// AudioRoutingSink applies the current routing mode to the local audio
// senders (spec.md §4.5 "Audio routing": broadcast vs. exclusive-target).
type AudioRoutingSink interface {
	SetMode(mode RoutingMode, exclusiveTargetPeerID string)
}

// UXNotifier surfaces user-visible lifecycle events. The real
// implementation (toasts, sound effects, i18n) is out of scope.
type UXNotifier interface {
	PeerJoined(peerID, displayName string, platform wire.Platform)
	PeerLeft(peerID string)
	SignalingStateChanged(state wire.SignalingState)
	Errorf(err error)
}

// NoopMediaPipeline discards every remote track. Used by tests and the
// demo CLI, which have no real media engine to hand tracks to.
type NoopMediaPipeline struct{}

func (NoopMediaPipeline) OnRemoteTrack(string, *webrtc.TrackRemote, *webrtc.RTPReceiver) {}

// NoopAudioRoutingSink discards routing-mode changes.
type NoopAudioRoutingSink struct{}

func (NoopAudioRoutingSink) SetMode(RoutingMode, string) {}

// LoggingUXNotifier logs lifecycle events instead of rendering UI,
// mirroring the teacher's Logger-everywhere convention
// (aq-server/internal/handlers uses handlerCtx.Logger for every
// lifecycle transition).
type LoggingUXNotifier struct {
	Logger logging.LeveledLogger
}

func (n LoggingUXNotifier) PeerJoined(peerID, displayName string, platform wire.Platform) {
	if n.Logger != nil {
		n.Logger.Infof("peer joined: %s (%q, %s)", peerID, displayName, platform)
	}
}

func (n LoggingUXNotifier) PeerLeft(peerID string) {
	if n.Logger != nil {
		n.Logger.Infof("peer left: %s", peerID)
	}
}

func (n LoggingUXNotifier) SignalingStateChanged(state wire.SignalingState) {
	if n.Logger != nil {
		n.Logger.Infof("signaling state changed: %s", state)
	}
}

func (n LoggingUXNotifier) Errorf(err error) {
	if n.Logger != nil {
		n.Logger.Errorf("signaling error: %v", err)
	}
}

// NetworkWatcher subscribes to OS-level online/offline transitions
// (spec.md §4.6 "Network monitor"). Subscribe returns an unsubscribe
// func; onOffline/onOnline must return quickly (they run on the
// watcher's own goroutine).
type NetworkWatcher interface {
	Subscribe(onOffline, onOnline func()) (unsubscribe func())
}

// PollingNetworkWatcher is the default NetworkWatcher: no OS has a
// single portable online/offline notification API reachable from
// `net`/`syscall` alone, so this probes reachability of a fixed address
// on an interval and reports edge transitions. Real desktop/mobile
// builds would replace this with a platform-specific watcher (Network
// Reachability, NetworkManager D-Bus, RTNETLINK); this is the seam.
type PollingNetworkWatcher struct {
	ProbeAddr string // host:port, default below if empty
	Interval  time.Duration
	Logger    logging.LeveledLogger
}

const (
	defaultProbeAddr = "1.1.1.1:53"
	defaultPollEvery = 5 * time.Second
)

func (w PollingNetworkWatcher) Subscribe(onOffline, onOnline func()) func() {
	addr := w.ProbeAddr
	if addr == "" {
		addr = defaultProbeAddr
	}
	interval := w.Interval
	if interval <= 0 {
		interval = defaultPollEvery
	}

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		online := true // optimistic initial state
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				reachable := probe(addr)
				if reachable && !online {
					online = true
					if onOnline != nil {
						onOnline()
					}
				} else if !reachable && online {
					online = false
					if onOffline != nil {
						onOffline()
					}
				}
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

func probe(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
