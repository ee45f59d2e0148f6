package wire

// ControlType enumerates the message types carried on a peer's control
// data channel (moderation, remote-mic lease) and chat data channel.
type ControlType string

const (
	ControlChat        ControlType = "chat"
	ControlRMRequest   ControlType = "rm_request"
	ControlRMResponse  ControlType = "rm_response"
	ControlRMStart     ControlType = "rm_start"
	ControlRMStop      ControlType = "rm_stop"
	ControlRMHeartbeat ControlType = "rm_heartbeat"
	ControlMuteRequest ControlType = "mute_request"
	ControlMuteResp    ControlType = "mute_response"
	ControlRaiseHand   ControlType = "raise_hand"
)

// MaxChatLength is the hard clamp on chat content length (spec.md §4.5).
const MaxChatLength = 5000

// ChatMessage is the shape ferried on the "chat" data channel.
type ChatMessage struct {
	Type       ControlType `json:"type"`
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Content    string      `json:"content"`
	Timestamp  int64       `json:"timestamp"`
}

// RemoteMicReason enumerates rm_response/rm_stop reasons (spec.md §4.7).
type RemoteMicReason string

const (
	ReasonAccepted                   RemoteMicReason = "accepted"
	ReasonRejected                   RemoteMicReason = "rejected"
	ReasonBusy                       RemoteMicReason = "busy"
	ReasonVirtualDeviceMissing       RemoteMicReason = "virtual-device-missing"
	ReasonVirtualDeviceInstallFailed RemoteMicReason = "virtual-device-install-failed"
	ReasonVirtualDeviceRestart       RemoteMicReason = "virtual-device-restart-required"
	ReasonUserCancelled              RemoteMicReason = "user-cancelled"
	ReasonUnknown                    RemoteMicReason = "unknown"
	ReasonHeartbeatTimeout           RemoteMicReason = "heartbeat-timeout"
	ReasonPeerDisconnected           RemoteMicReason = "peer-disconnected"
)

// RMRequest is the "rm_request" control-channel record.
type RMRequest struct {
	Type      ControlType `json:"type"`
	RequestID string      `json:"requestId"`
	Ts        int64       `json:"ts"`
}

// RMResponse is the "rm_response" control-channel record.
type RMResponse struct {
	Type      ControlType     `json:"type"`
	RequestID string          `json:"requestId"`
	Ts        int64           `json:"ts"`
	Accepted  bool            `json:"accepted"`
	Reason    RemoteMicReason `json:"reason,omitempty"`
}

// RMStart is the "rm_start" control-channel record.
type RMStart struct {
	Type      ControlType `json:"type"`
	RequestID string      `json:"requestId"`
	Ts        int64       `json:"ts"`
}

// RMStop is the "rm_stop" control-channel record.
type RMStop struct {
	Type      ControlType     `json:"type"`
	RequestID string          `json:"requestId"`
	Ts        int64           `json:"ts"`
	Reason    RemoteMicReason `json:"reason,omitempty"`
}

// RMHeartbeat is the "rm_heartbeat" control-channel record.
type RMHeartbeat struct {
	Type      ControlType `json:"type"`
	RequestID string      `json:"requestId"`
	Ts        int64       `json:"ts"`
}

// MuteRequest is the "mute_request" control-channel record (mute-all).
type MuteRequest struct {
	Type   ControlType `json:"type"`
	ID     string      `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

// MuteResponse is the "mute_response" control-channel record.
type MuteResponse struct {
	Type     ControlType `json:"type"`
	ID       string      `json:"id"`
	Accepted bool        `json:"accepted"`
}

// RaiseHand is the "raise_hand" control-channel record.
type RaiseHand struct {
	Type    ControlType `json:"type"`
	Raised  bool        `json:"raised"`
	PeerID  string      `json:"peerId,omitempty"`
}
