package wire

import "errors"

// Sentinel errors surfaced by the coordinator (spec.md §7). They are
// wrapped with context via fmt.Errorf("...: %w", ...) at the call site,
// never returned bare, so callers can errors.Is against them.
var (
	ErrCredentialUnavailable     = errors.New("credential-unavailable")
	ErrMQTTConnection            = errors.New("mqtt-connection")
	ErrMQTTSubscribeFailed       = errors.New("mqtt-subscribe-failed")
	ErrTransportMalformed        = errors.New("transport-malformed")
	ErrICERestartExhausted       = errors.New("ice-restart-exhausted")
	ErrNetworkReconnectExhausted = errors.New("network-reconnect-exhausted")
)

// SignalingState mirrors the user-visible state machine spec.md §7 names.
type SignalingState string

const (
	SignalingIdle       SignalingState = "idle"
	SignalingConnecting SignalingState = "connecting"
	SignalingConnected  SignalingState = "connected"
	SignalingFailed     SignalingState = "failed"
)
