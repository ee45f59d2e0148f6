// Package wire defines the JSON wire formats exchanged over the broker
// topic and over per-peer data channels, plus the sentinel errors the
// coordinator surfaces to callers.
package wire

import "encoding/json"

// DecodePayload re-marshals a loosely-typed Message.Data (decoded
// generically by encoding/json into a map[string]any) into a concrete
// payload struct. Signal messages carry a polymorphic "data" field
// (spec.md §6), so every per-type handler needs this round-trip once it
// knows which concrete shape to expect.
func DecodePayload(data any, out any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// MessageType enumerates the signaling message types carried on the
// room's broker topic.
type MessageType string

const (
	TypeAnnounce     MessageType = "announce"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeLeave        MessageType = "leave"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeMuteStatus   MessageType = "mute-status"
	TypeRoomLock     MessageType = "room-lock"
	TypeRoomLocked   MessageType = "room-locked"
)

// Platform is a coarse OS tag carried for diagnostics/UX, never parsed.
type Platform string

const (
	PlatformWin   Platform = "win"
	PlatformMac   Platform = "mac"
	PlatformLinux Platform = "linux"
)

// ProtocolVersion is the current signaling wire version.
const ProtocolVersion = 1

// Message is the single top-level JSON record carried on the room topic.
// Field names match spec.md §6 exactly (short JSON keys for payload size).
type Message struct {
	V         int             `json:"v"`
	Type      MessageType     `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Data      any             `json:"data,omitempty"`
	UserName  string          `json:"userName,omitempty"`
	Platform  Platform        `json:"platform,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
	SessionID int64           `json:"sessionId,omitempty"`
	MsgID     string          `json:"msgId,omitempty"`
}

// SDPPayload carries an offer/answer body.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload carries a trickled ICE candidate.
type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

// MuteStatusPayload carries a peer's local mute/video state.
type MuteStatusPayload struct {
	MicMuted        bool `json:"micMuted"`
	SpeakerMuted    bool `json:"speakerMuted"`
	VideoMuted      bool `json:"videoMuted"`
	VideoEnabled    bool `json:"videoEnabled"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

// RoomLockPayload carries a room-lock broadcast.
type RoomLockPayload struct {
	Locked bool `json:"locked"`
}

// RoomLockedPayload carries the room-locked echo sent to late joiners.
type RoomLockedPayload struct {
	LockedBy string `json:"lockedBy"`
}

// AnnouncePayload carries presence-beacon metadata; UserName/Platform/Ts
// live on the envelope itself (spec.md §6), this type exists only for
// documentation/testing convenience when building an announce Message.
type AnnouncePayload struct {
	UserName string   `json:"userName,omitempty"`
	Platform Platform `json:"platform,omitempty"`
	Ts       int64    `json:"ts,omitempty"`
}
