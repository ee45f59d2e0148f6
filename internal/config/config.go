// Package config loads process configuration with the teacher's
// precedence order: command-line flags > environment variables > .env
// file > defaults (aq-server/internal/config.Load). The hand-rolled .env
// line scanner is replaced with a real joho/godotenv.Load call — the
// teacher declared that dependency but never invoked it.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable for one meshclient process (SPEC_FULL.md
// §4.12).
type Config struct {
	RoomID      string
	DisplayName string
	Platform    string // "", "win", "mac", "linux" — empty triggers the OS heuristic

	BrokerURLs     []string // comma-separated MQTT broker URLs
	BrokerUsername string
	BrokerPassword string

	ICEServerURLs []string // comma-separated STUN/TURN URLs; Join replaces them with the credentials loader's ICE servers, which are never empty
	ICEUsername   string
	ICECredential string

	CredentialsProviderURL string
	CredentialsSigningKey  string

	DedupWindow int
	DedupTTL    time.Duration

	AnnounceDebounce    time.Duration
	AnnounceInterval    time.Duration
	AnnounceMinDuration time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	PingStaleAfter      time.Duration

	NetworkReconnectBase        time.Duration
	NetworkReconnectMaxAttempts int

	LogLevel        string
	DiagnosticsAddr string // empty disables the local diagnostics HTTP surface
}

// Load parses flags/env/.env into a Config (SPEC_FULL.md §4.12).
func Load() *Config {
	_ = godotenv.Load()

	roomID := flag.String("room", getEnv("ROOM_ID", ""), "room id to join")
	displayName := flag.String("name", getEnv("DISPLAY_NAME", "anonymous"), "display name announced to peers")
	platform := flag.String("platform", getEnv("PLATFORM", ""), "platform tag override (win, mac, linux)")

	brokers := flag.String("brokers", getEnv("BROKER_URLS", ""), "comma-separated broker URLs")
	brokerUser := flag.String("broker-username", getEnv("BROKER_USERNAME", ""), "broker username")
	brokerPass := flag.String("broker-password", getEnv("BROKER_PASSWORD", ""), "broker password")

	iceServers := flag.String("ice-servers", getEnv("ICE_SERVER_URLS", ""), "comma-separated STUN/TURN URLs (replaced at join by the credentials loader's ICE servers, which are never empty)")
	iceUser := flag.String("ice-username", getEnv("ICE_USERNAME", ""), "ICE server username")
	iceCred := flag.String("ice-credential", getEnv("ICE_CREDENTIAL", ""), "ICE server credential")

	credsURL := flag.String("creds-url", getEnv("CREDENTIALS_PROVIDER_URL", ""), "credentials provider URL")
	credsKey := flag.String("creds-signing-key", getEnv("CREDENTIALS_SIGNING_KEY", ""), "optional HMAC key for self-identifying bearer tokens")

	dedupWindow := flag.Int("dedup-window", getEnvInt("DEDUP_WINDOW", 500), "dedup cache max tracked entries")
	dedupTTL := flag.Duration("dedup-ttl", getEnvDuration("DEDUP_TTL", 30*time.Second), "dedup cache entry lifetime")

	announceDebounce := flag.Duration("announce-debounce", getEnvDuration("ANNOUNCE_DEBOUNCE", 100*time.Millisecond), "minimum gap between announce sends")
	announceInterval := flag.Duration("announce-interval", getEnvDuration("ANNOUNCE_INTERVAL", 3*time.Second), "announce loop tick interval")
	announceMinDuration := flag.Duration("announce-min-duration", getEnvDuration("ANNOUNCE_MIN_DURATION", 60*time.Second), "minimum announce loop lifetime once a healthy peer exists")
	heartbeatInterval := flag.Duration("heartbeat-interval", getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second), "heartbeat loop tick interval")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", getEnvDuration("HEARTBEAT_TIMEOUT", 15*time.Second), "last-seen staleness before forcing peer cleanup")
	pingStaleAfter := flag.Duration("ping-stale-after", getEnvDuration("PING_STALE_AFTER", 5*time.Second), "last-ping staleness before emitting a ping")

	reconnectBase := flag.Duration("network-reconnect-base", getEnvDuration("NETWORK_RECONNECT_BASE", 1*time.Second), "base delay for the network-reconnect backoff")
	reconnectMax := flag.Int("network-reconnect-max-attempts", getEnvInt("NETWORK_RECONNECT_MAX_ATTEMPTS", 5), "max network-reconnect attempts")

	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	diagAddr := flag.String("diagnostics-addr", getEnv("DIAGNOSTICS_ADDR", "127.0.0.1:8090"), "local diagnostics HTTP listen address, empty disables it")

	flag.Parse()

	return &Config{
		RoomID:      *roomID,
		DisplayName: *displayName,
		Platform:    strings.ToLower(*platform),

		BrokerURLs:     splitCSV(*brokers),
		BrokerUsername: *brokerUser,
		BrokerPassword: *brokerPass,

		ICEServerURLs: splitCSV(*iceServers),
		ICEUsername:   *iceUser,
		ICECredential: *iceCred,

		CredentialsProviderURL: *credsURL,
		CredentialsSigningKey:  *credsKey,

		DedupWindow: *dedupWindow,
		DedupTTL:    *dedupTTL,

		AnnounceDebounce:    *announceDebounce,
		AnnounceInterval:    *announceInterval,
		AnnounceMinDuration: *announceMinDuration,
		HeartbeatInterval:   *heartbeatInterval,
		HeartbeatTimeout:    *heartbeatTimeout,
		PingStaleAfter:      *pingStaleAfter,

		NetworkReconnectBase:        *reconnectBase,
		NetworkReconnectMaxAttempts: *reconnectMax,

		LogLevel:        strings.ToLower(*logLevel),
		DiagnosticsAddr: *diagAddr,
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv gets an environment variable with a default fallback (spec.md
// ambient convention, grounded on aq-server/internal/config.getEnv).
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
