package broker

import (
	"encoding/binary"
	"fmt"
)

// Minimal MQTT 3.1.1 QoS-0 framing (spec.md §4.2, §6). Grounded on the
// byte-level fixed-header/remaining-length handling in
// other_examples/7f0c5421_JKI757-CatLocator__go-mqtt-server-internal-mqttbroker-broker.go.go,
// adapted from a TCP-listening broker's decode path into a client that
// both encodes (CONNECT/SUBSCRIBE/PUBLISH/PINGREQ/DISCONNECT) and
// decodes (CONNACK/SUBACK/PUBLISH/PINGRESP) over a websocket transport
// whose reads may deliver partial frames at any byte boundary.

const (
	packetTypeConnect    = 1
	packetTypeConnAck    = 2
	packetTypePublish    = 3
	packetTypeSubscribe  = 8
	packetTypeSubAck     = 9
	packetTypePingReq    = 12
	packetTypePingResp   = 13
	packetTypeDisconnect = 14
)

const maxRemainingLengthBytes = 4

// encodeRemainingLength implements the MQTT variable-length integer.
func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}
	var out []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if length == 0 {
			break
		}
	}
	return out
}

// decodeRemainingLength decodes a variable-length integer from the front
// of buf. ok is false if buf does not yet contain a complete encoding
// (caller should wait for more bytes). err is non-nil if 4 bytes were
// consumed without a terminating byte (malformed; spec.md §4.2 "discard
// the reassembly buffer").
func decodeRemainingLength(buf []byte) (value, consumed int, ok bool, err error) {
	multiplier := 1
	for i := 0; i < len(buf) && i < maxRemainingLengthBytes; i++ {
		b := buf[i]
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, i + 1, true, nil
		}
		multiplier *= 128
	}
	if len(buf) >= maxRemainingLengthBytes {
		return 0, 0, false, fmt.Errorf("mqtt: remaining length exceeds %d bytes", maxRemainingLengthBytes)
	}
	return 0, 0, false, nil
}

func encodeUTF8String(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func decodeUTF8String(buf []byte) (string, int, error) {
	if len(buf) < 2 {
		return "", 0, fmt.Errorf("mqtt: truncated string length")
	}
	l := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+l {
		return "", 0, fmt.Errorf("mqtt: truncated string body")
	}
	return string(buf[2 : 2+l]), 2 + l, nil
}

func buildPacket(packetType byte, flags byte, variableAndPayload []byte) []byte {
	header := []byte{(packetType << 4) | flags}
	remaining := encodeRemainingLength(len(variableAndPayload))
	out := make([]byte, 0, len(header)+len(remaining)+len(variableAndPayload))
	out = append(out, header...)
	out = append(out, remaining...)
	out = append(out, variableAndPayload...)
	return out
}

// encodeConnect builds a CONNECT packet with clean-session set and an
// optional username/password (spec.md §4.2 "Connect").
func encodeConnect(clientID string, username, password string, keepAliveSec uint16) []byte {
	var flags byte = 0x02 // clean session
	if username != "" {
		flags |= 0x80
	}
	if password != "" {
		flags |= 0x40
	}

	body := make([]byte, 0, 64)
	body = append(body, encodeUTF8String("MQTT")...)
	body = append(body, 4) // protocol level 3.1.1
	body = append(body, flags)
	keepAlive := make([]byte, 2)
	binary.BigEndian.PutUint16(keepAlive, keepAliveSec)
	body = append(body, keepAlive...)
	body = append(body, encodeUTF8String(clientID)...)
	if username != "" {
		body = append(body, encodeUTF8String(username)...)
	}
	if password != "" {
		body = append(body, encodeUTF8String(password)...)
	}

	return buildPacket(packetTypeConnect, 0, body)
}

// encodeSubscribe builds a SUBSCRIBE packet for a single QoS-0 topic
// filter (spec.md §4.2 "Subscribe").
func encodeSubscribe(packetID uint16, topic string) []byte {
	body := make([]byte, 0, 6+len(topic))
	pid := make([]byte, 2)
	binary.BigEndian.PutUint16(pid, packetID)
	body = append(body, pid...)
	body = append(body, encodeUTF8String(topic)...)
	body = append(body, 0) // QoS 0

	return buildPacket(packetTypeSubscribe, 0x02, body)
}

// encodePublish builds a QoS-0 PUBLISH packet (spec.md §4.2 "Publish").
func encodePublish(topic string, payload []byte) []byte {
	body := make([]byte, 0, 2+len(topic)+len(payload))
	body = append(body, encodeUTF8String(topic)...)
	body = append(body, payload...)

	return buildPacket(packetTypePublish, 0, body)
}

func encodePingReq() []byte {
	return buildPacket(packetTypePingReq, 0, nil)
}

func encodeDisconnect() []byte {
	return buildPacket(packetTypeDisconnect, 0, nil)
}

// decodedPacket is one fully-reassembled MQTT control packet.
type decodedPacket struct {
	packetType byte
	flags      byte
	payload    []byte
}

// reassembler accumulates bytes delivered in arbitrary chunks (spec.md §8
// "including split writes at any byte boundary") and yields complete
// packets as they become available.
type reassembler struct {
	buf []byte
}

func (r *reassembler) feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// next extracts the next complete packet, if any. ok is false if more
// bytes are needed. On a malformed remaining-length encoding the entire
// reassembly buffer is discarded per spec.md §4.2, and err is non-nil.
func (r *reassembler) next() (pkt decodedPacket, ok bool, err error) {
	if len(r.buf) < 2 {
		return decodedPacket{}, false, nil
	}

	header := r.buf[0]
	length, consumed, lenOK, lenErr := decodeRemainingLength(r.buf[1:])
	if lenErr != nil {
		r.buf = nil
		return decodedPacket{}, false, lenErr
	}
	if !lenOK {
		return decodedPacket{}, false, nil
	}

	headerLen := 1 + consumed
	total := headerLen + length
	if len(r.buf) < total {
		return decodedPacket{}, false, nil
	}

	payload := make([]byte, length)
	copy(payload, r.buf[headerLen:total])
	r.buf = r.buf[total:]

	return decodedPacket{
		packetType: header >> 4,
		flags:      header & 0x0F,
		payload:    payload,
	}, true, nil
}

// parsedPublish is a decoded PUBLISH variable header + application
// payload.
type parsedPublish struct {
	topic   string
	payload []byte
}

func parsePublish(pkt decodedPacket) (parsedPublish, error) {
	qos := (pkt.flags >> 1) & 0x03

	topic, n, err := decodeUTF8String(pkt.payload)
	if err != nil {
		return parsedPublish{}, fmt.Errorf("mqtt: publish topic: %w", err)
	}
	rest := pkt.payload[n:]

	if qos > 0 {
		if len(rest) < 2 {
			return parsedPublish{}, fmt.Errorf("mqtt: publish missing packet id for qos %d", qos)
		}
		rest = rest[2:]
	}

	return parsedPublish{topic: topic, payload: rest}, nil
}
