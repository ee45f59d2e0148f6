package adapters

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pion/logging"
	"github.com/urfave/negroni/v3"

	"meshsig/internal/wire"
)

// DiagnosticsSource is the read-only view the local diagnostics surface
// queries on every request (SPEC_FULL.md §4.16). room.Controller
// satisfies it on its own.
type DiagnosticsSource interface {
	SignalingStateValue() wire.SignalingState
	PeerSummaries() []PeerSummary
}

// PeerSummary is the JSON shape returned by /peers.
type PeerSummary struct {
	RemoteID    string  `json:"remoteId"`
	DisplayName string  `json:"displayName"`
	Platform    string  `json:"platform"`
	State       string  `json:"state"`
	ConnectedAt string  `json:"connectedAt,omitempty"`
	RTTMillis   float64 `json:"rttMillis,omitempty"`
	Quality     string  `json:"quality,omitempty"`
}

type healthResponse struct {
	Status    string `json:"status"`
	State     string `json:"signalingState"`
	Timestamp string `json:"timestamp"`
	Peers     int    `json:"peers"`
}

// ServeDiagnostics builds the loopback-only /health, /metrics, /peers
// HTTP surface (SPEC_FULL.md §4.16), grounded on
// aq-server/internal/routes.Setup's plain ServeMux handlers and
// aq-server/internal/recovery.RecoveryMiddleware's panic boundary, here
// applied via the teacher's declared (but in aq-server unused)
// urfave/negroni/v3 middleware chain instead of a hand-rolled wrapper.
func ServeDiagnostics(addr string, source DiagnosticsSource, logger logging.LeveledLogger) (*http.Server, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := healthResponse{
			Status:    "ok",
			State:     string(source.SignalingStateValue()),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Peers:     len(source.PeerSummaries()),
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil && logger != nil {
			logger.Errorf("diagnostics: encode /health: %v", err)
		}
	})

	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(source.PeerSummaries()); err != nil && logger != nil {
			logger.Errorf("diagnostics: encode /peers: %v", err)
		}
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		peers := source.PeerSummaries()
		counts := map[string]int{}
		for _, p := range peers {
			counts[p.State]++
		}
		resp := map[string]any{
			"signalingState": string(source.SignalingStateValue()),
			"peerCount":      len(peers),
			"peersByState":   counts,
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil && logger != nil {
			logger.Errorf("diagnostics: encode /metrics: %v", err)
		}
	})

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(loopbackOnly(mux))

	srv := &http.Server{
		Addr:              addr,
		Handler:           n,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed && logger != nil {
			logger.Errorf("diagnostics: serve: %v", err)
		}
	}()
	return srv, nil
}

// loopbackOnly rejects any request whose remote address isn't loopback —
// the diagnostics surface exposes room membership and is never meant to
// be reachable off-host (SPEC_FULL.md §4.16).
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
