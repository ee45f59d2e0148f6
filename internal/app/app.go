// Package app is the composition root: it loads configuration, builds
// every collaborator, and owns the process lifecycle (connect, run until
// a shutdown signal, tear down). Grounded on aq-server/internal/app.New/
// Run's thin-composition-root shape, generalized from HTTP-server-plus-
// SFU-state into room-controller-plus-moderation-plus-stats for a
// serverless P2P client.
package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"meshsig/internal/adapters"
	"meshsig/internal/broker"
	"meshsig/internal/config"
	"meshsig/internal/creds"
	"meshsig/internal/identity"
	"meshsig/internal/moderation"
	"meshsig/internal/room"
	"meshsig/internal/stats"
	"meshsig/internal/wire"
)

// App holds the fully-wired process state.
type App struct {
	cfg  *config.Config
	log  logging.LeveledLogger
	room *room.Controller
	diag *http.Server
}

// New loads configuration and wires every collaborator. It does not join
// a room or start any network I/O; call Run for that.
func New() (*App, error) {
	cfg := config.Load()
	log := createLogger(cfg)

	id := identity.New()
	credLoader := creds.NewLoader(cfg.CredentialsProviderURL, cfg.CredentialsSigningKey, log)
	statsAgg := stats.New()

	roomCfg := room.Config{
		RoomID:      cfg.RoomID,
		DisplayName: cfg.DisplayName,
		Platform:    wire.Platform(cfg.Platform),

		Brokers: brokerConfigs(cfg),
		ICE:     iceConfig(cfg),

		DedupWindow: cfg.DedupWindow,
		DedupTTL:    cfg.DedupTTL,

		AnnounceDebounce:    cfg.AnnounceDebounce,
		AnnounceInterval:    cfg.AnnounceInterval,
		AnnounceMinDuration: cfg.AnnounceMinDuration,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		PingStaleAfter:      cfg.PingStaleAfter,

		NetworkReconnectBase:        cfg.NetworkReconnectBase,
		NetworkReconnectMaxAttempts: cfg.NetworkReconnectMaxAttempts,
	}

	roomCtrl := room.New(room.Params{
		Identity:       id,
		Config:         roomCfg,
		CredLoader:     credLoader,
		Media:          adapters.NoopMediaPipeline{},
		UX:             adapters.LoggingUXNotifier{Logger: log},
		NetworkWatcher: adapters.PollingNetworkWatcher{Logger: log},
		Stats:          statsAgg,
		Logger:         log,
		LocalMuteStatus: func() wire.MuteStatusPayload {
			return wire.MuteStatusPayload{}
		},
	})

	modCtrl := moderation.New(id.SelfID(), roomCtrl, adapters.NoopAudioRoutingSink{}, moderation.Callbacks{
		OnRoomLockChanged: func(locked bool) { log.Infof("room lock: %v", locked) },
		OnLeaseStateChanged: func(peerID string, state moderation.LeaseState, reason wire.RemoteMicReason) {
			log.Infof("remote-mic lease with %s: %s (%s)", peerID, state, reason)
		},
	}, log)
	roomCtrl.SetModeration(modCtrl)

	return &App{cfg: cfg, log: log, room: roomCtrl}, nil
}

// Run joins the configured room, starts the diagnostics surface (if
// enabled), and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	if a.cfg.DiagnosticsAddr != "" {
		srv, err := adapters.ServeDiagnostics(a.cfg.DiagnosticsAddr, a.room, a.log)
		if err != nil {
			a.log.Warnf("diagnostics surface unavailable: %v", err)
		} else {
			a.diag = srv
			a.log.Infof("diagnostics surface listening on %s", a.cfg.DiagnosticsAddr)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.room.Join(ctx); err != nil {
		a.log.Errorf("join failed: %v", err)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	a.log.Infof("received signal: %v, leaving room", sig)

	a.room.Leave()

	if a.diag != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := a.diag.Shutdown(shutdownCtx); err != nil {
			a.log.Warnf("diagnostics shutdown: %v", err)
		}
	}

	a.log.Infof("shutdown complete")
	return nil
}

func createLogger(cfg *config.Config) logging.LeveledLogger {
	factory := logging.NewDefaultLoggerFactory()
	switch cfg.LogLevel {
	case "debug":
		factory.DefaultLogLevel = logging.LogLevelDebug
	case "warn":
		factory.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		factory.DefaultLogLevel = logging.LogLevelError
	default:
		factory.DefaultLogLevel = logging.LogLevelInfo
	}
	return factory.NewLogger("meshclient")
}

func brokerConfigs(cfg *config.Config) []broker.Config {
	if len(cfg.BrokerURLs) == 0 {
		return nil
	}
	out := make([]broker.Config, 0, len(cfg.BrokerURLs))
	for _, url := range cfg.BrokerURLs {
		out = append(out, broker.Config{URL: url, Username: cfg.BrokerUsername, Password: cfg.BrokerPassword})
	}
	return out
}

func iceConfig(cfg *config.Config) webrtc.Configuration {
	if len(cfg.ICEServerURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{
			URLs:       cfg.ICEServerURLs,
			Username:   cfg.ICEUsername,
			Credential: cfg.ICECredential,
		}},
	}
}
