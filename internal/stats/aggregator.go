// Package stats computes per-peer connection quality on demand (spec.md
// §4.8): RTT, jitter, instantaneous packet-loss rate, and bytes sent/
// received, bucketed into a coarse quality rating.
//
// Grounded on the teacher's internal/metrics package: a snapshot-on-demand
// struct with a package-level Get(), generalized from global connection
// counters into a per-peer delta-from-previous-snapshot computation over
// pion/webrtc's real RTCStats report instead of hand-counted totals.
package stats

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Quality is the coarse bucket UX surfaces derived from RTT and loss
// thresholds (spec.md §4.8).
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

// Thresholds for the quality bucket (spec.md §4.8: "fixed thresholds on
// RTT and loss"). RTT is in milliseconds, loss is a fraction [0,1].
const (
	excellentRTTMs = 80.0
	goodRTTMs      = 180.0
	fairRTTMs      = 350.0

	excellentLoss = 0.01
	goodLoss      = 0.03
	fairLoss      = 0.08
)

// Snapshot is one peer's computed statistics at a point in time.
type Snapshot struct {
	PeerID         string
	RTT            time.Duration
	JitterSeconds  float64
	PacketLossRate float64 // instantaneous, since the previous snapshot
	BytesSent      uint64
	BytesReceived  uint64
	Quality        Quality
	At             time.Time
}

type previous struct {
	packetsLost     int64
	packetsReceived int64
	at              time.Time
}

// PeerStatsSource is the narrow seam stats needs from a live peer: its ID
// and its underlying transport. session.Peer satisfies this.
type PeerStatsSource interface {
	RemoteID() string
	PeerConnection() *webrtc.PeerConnection
}

// Aggregator computes per-peer Snapshots, carrying forward the previous
// report for each peer to compute instantaneous deltas (spec.md §4.8:
// "carry forward the previous snapshot for delta computation").
type Aggregator struct {
	prev map[string]previous
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{prev: make(map[string]previous)}
}

// Snapshot computes one Snapshot per live peer. Peers with no usable
// stats report are skipped rather than reported with zeroed fields.
func (a *Aggregator) Snapshot(peers []PeerStatsSource) []Snapshot {
	out := make([]Snapshot, 0, len(peers))
	now := time.Now()
	for _, p := range peers {
		pc := p.PeerConnection()
		if pc == nil {
			continue
		}
		snap, ok := a.snapshotOne(p.RemoteID(), pc.GetStats(), now)
		if ok {
			out = append(out, snap)
		}
	}
	return out
}

// Forget drops a peer's carried-forward state (called on peer cleanup so
// a rejoin doesn't compute a loss-rate delta across two different
// connections).
func (a *Aggregator) Forget(peerID string) { delete(a.prev, peerID) }

func (a *Aggregator) snapshotOne(peerID string, report webrtc.StatsReport, now time.Time) (Snapshot, bool) {
	var (
		rtt             time.Duration
		haveRTT         bool
		jitter          float64
		packetsLost     int64
		packetsReceived int64
		bytesSent       uint64
		bytesReceived   uint64
		haveAny         bool
	)

	for _, raw := range report {
		switch s := raw.(type) {
		case webrtc.ICECandidatePairStats:
			if s.Nominated && s.State == webrtc.StatsICECandidatePairStateSucceeded {
				rtt = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
				haveRTT = true
			}
		case webrtc.InboundRTPStreamStats:
			jitter = s.Jitter
			packetsLost += int64(s.PacketsLost)
			packetsReceived += int64(s.PacketsReceived)
			bytesReceived += s.BytesReceived
			haveAny = true
		case webrtc.OutboundRTPStreamStats:
			bytesSent += s.BytesSent
			haveAny = true
		}
	}

	if !haveAny && !haveRTT {
		return Snapshot{}, false
	}

	lossRate := 0.0
	if prev, ok := a.prev[peerID]; ok {
		deltaLost := packetsLost - prev.packetsLost
		deltaReceived := packetsReceived - prev.packetsReceived
		total := deltaLost + deltaReceived
		if total > 0 && deltaLost > 0 {
			lossRate = float64(deltaLost) / float64(total)
		}
	}
	a.prev[peerID] = previous{packetsLost: packetsLost, packetsReceived: packetsReceived, at: now}

	snap := Snapshot{
		PeerID:         peerID,
		RTT:            rtt,
		JitterSeconds:  jitter,
		PacketLossRate: lossRate,
		BytesSent:      bytesSent,
		BytesReceived:  bytesReceived,
		At:             now,
	}
	snap.Quality = bucket(rtt, lossRate)
	return snap, true
}

func bucket(rtt time.Duration, loss float64) Quality {
	rttMs := float64(rtt) / float64(time.Millisecond)
	switch {
	case rttMs <= excellentRTTMs && loss <= excellentLoss:
		return QualityExcellent
	case rttMs <= goodRTTMs && loss <= goodLoss:
		return QualityGood
	case rttMs <= fairRTTMs && loss <= fairLoss:
		return QualityFair
	default:
		return QualityPoor
	}
}
