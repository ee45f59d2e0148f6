package stats

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestBucket(t *testing.T) {
	tests := []struct {
		name string
		rtt  time.Duration
		loss float64
		want Quality
	}{
		{name: "excellent", rtt: 40 * time.Millisecond, loss: 0, want: QualityExcellent},
		{name: "good rtt, zero loss", rtt: 150 * time.Millisecond, loss: 0, want: QualityGood},
		{name: "good loss, low rtt", rtt: 10 * time.Millisecond, loss: 0.02, want: QualityGood},
		{name: "fair rtt", rtt: 300 * time.Millisecond, loss: 0, want: QualityFair},
		{name: "fair loss", rtt: 10 * time.Millisecond, loss: 0.07, want: QualityFair},
		{name: "poor rtt", rtt: 500 * time.Millisecond, loss: 0, want: QualityPoor},
		{name: "poor loss", rtt: 10 * time.Millisecond, loss: 0.2, want: QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bucket(tt.rtt, tt.loss); got != tt.want {
				t.Errorf("bucket(%v, %v) = %v, want %v", tt.rtt, tt.loss, got, tt.want)
			}
		})
	}
}

func TestSnapshotOneNoUsableStats(t *testing.T) {
	a := New()
	_, ok := a.snapshotOne("peer-1", webrtc.StatsReport{}, time.Now())
	if ok {
		t.Error("expected an empty report to yield no snapshot")
	}
}

func TestSnapshotOneComputesRTTAndQuality(t *testing.T) {
	a := New()
	report := webrtc.StatsReport{
		"pair-1": webrtc.ICECandidatePairStats{
			Nominated:            true,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: 0.05, // 50ms
		},
	}
	snap, ok := a.snapshotOne("peer-1", report, time.Now())
	if !ok {
		t.Fatal("expected a snapshot from a nominated, succeeded candidate pair")
	}
	if snap.RTT != 50*time.Millisecond {
		t.Errorf("expected RTT 50ms, got %v", snap.RTT)
	}
	if snap.Quality != QualityExcellent {
		t.Errorf("expected excellent quality at 50ms/0 loss, got %v", snap.Quality)
	}
}

func TestSnapshotOneCarriesForwardLossDelta(t *testing.T) {
	a := New()
	now := time.Now()

	first := webrtc.StatsReport{
		"in-1": webrtc.InboundRTPStreamStats{PacketsLost: 0, PacketsReceived: 100},
	}
	if _, ok := a.snapshotOne("peer-1", first, now); !ok {
		t.Fatal("expected a snapshot from the first inbound report")
	}

	second := webrtc.StatsReport{
		"in-1": webrtc.InboundRTPStreamStats{PacketsLost: 10, PacketsReceived: 190},
	}
	snap, ok := a.snapshotOne("peer-1", second, now.Add(time.Second))
	if !ok {
		t.Fatal("expected a snapshot from the second inbound report")
	}

	// delta: 10 lost, 90 newly received since the first snapshot -> 10/100
	want := 0.1
	if diff := snap.PacketLossRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected loss rate %v, got %v", want, snap.PacketLossRate)
	}
}

func TestForgetDropsCarriedState(t *testing.T) {
	a := New()
	report := webrtc.StatsReport{
		"in-1": webrtc.InboundRTPStreamStats{PacketsLost: 5, PacketsReceived: 95},
	}
	a.snapshotOne("peer-1", report, time.Now())
	if _, ok := a.prev["peer-1"]; !ok {
		t.Fatal("expected carried-forward state after a snapshot")
	}

	a.Forget("peer-1")
	if _, ok := a.prev["peer-1"]; ok {
		t.Error("expected Forget to drop the carried-forward state")
	}
}

type fakePeerStatsSource struct {
	remoteID string
	pc       *webrtc.PeerConnection
}

func (f fakePeerStatsSource) RemoteID() string                      { return f.remoteID }
func (f fakePeerStatsSource) PeerConnection() *webrtc.PeerConnection { return f.pc }

func TestSnapshotSkipsPeersWithNilConnection(t *testing.T) {
	a := New()
	out := a.Snapshot([]PeerStatsSource{fakePeerStatsSource{remoteID: "peer-1", pc: nil}})
	if len(out) != 0 {
		t.Errorf("expected no snapshots for a peer with a nil connection, got %d", len(out))
	}
}
