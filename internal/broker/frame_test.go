package broker

import (
	"bytes"
	"strings"
	"testing"
)

func TestPublishRoundTrip(t *testing.T) {
	cases := []struct {
		topic   string
		payload []byte
	}{
		{"room/abc/signal", nil},
		{"room/abc/signal", []byte("x")},
		{"room/abc/signal", bytes.Repeat([]byte("a"), 100_000)},
		{strings.Repeat("t", 200), []byte(`{"v":1}`)},
	}

	for _, tc := range cases {
		raw := encodePublish(tc.topic, tc.payload)

		var r reassembler
		r.feed(raw)
		pkt, ok, err := r.next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("expected a complete packet")
		}
		if pkt.packetType != packetTypePublish {
			t.Fatalf("expected publish packet type, got %d", pkt.packetType)
		}

		parsed, err := parsePublish(pkt)
		if err != nil {
			t.Fatalf("parsePublish: %v", err)
		}
		if parsed.topic != tc.topic {
			t.Fatalf("topic mismatch: got %q want %q", parsed.topic, tc.topic)
		}
		if !bytes.Equal(parsed.payload, tc.payload) {
			t.Fatalf("payload mismatch: got %d bytes want %d bytes", len(parsed.payload), len(tc.payload))
		}
	}
}

// TestPublishRoundTripSplitWrites feeds the same encoded packet in chunks
// of 1, 38, 75, ... bytes (every 37th size up to the whole packet) to
// simulate a websocket read delivering partial frames
// (spec.md §8: "including split writes at any byte boundary").
func TestPublishRoundTripSplitWrites(t *testing.T) {
	topic := "room/xyz/signal"
	payload := bytes.Repeat([]byte("payload-chunk-"), 5000)
	raw := encodePublish(topic, payload)

	for split := 1; split <= len(raw); split += 37 {
		var r reassembler
		for i := 0; i < len(raw); i += split {
			end := i + split
			if end > len(raw) {
				end = len(raw)
			}
			r.feed(raw[i:end])
		}

		pkt, ok, err := r.next()
		if err != nil {
			t.Fatalf("split=%d: unexpected error: %v", split, err)
		}
		if !ok {
			t.Fatalf("split=%d: expected a complete packet after feeding all bytes", split)
		}

		parsed, err := parsePublish(pkt)
		if err != nil {
			t.Fatalf("split=%d: parsePublish: %v", split, err)
		}
		if parsed.topic != topic || !bytes.Equal(parsed.payload, payload) {
			t.Fatalf("split=%d: round trip mismatch", split)
		}
	}
}

func TestReassemblerIncompletePacket(t *testing.T) {
	raw := encodePublish("t", []byte("hello"))

	var r reassembler
	r.feed(raw[:len(raw)-1])
	_, ok, err := r.next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected incomplete packet to not parse yet")
	}

	r.feed(raw[len(raw)-1:])
	_, ok, err = r.next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected packet to complete once the final byte arrives")
	}
}

func TestReassemblerMultiplePackets(t *testing.T) {
	p1 := encodePublish("a", []byte("1"))
	p2 := encodePublish("bb", []byte("22"))

	var r reassembler
	r.feed(append(append([]byte{}, p1...), p2...))

	first, ok, err := r.next()
	if err != nil || !ok {
		t.Fatalf("expected first packet, ok=%v err=%v", ok, err)
	}
	parsed1, _ := parsePublish(first)
	if parsed1.topic != "a" {
		t.Fatalf("expected first packet topic 'a', got %q", parsed1.topic)
	}

	second, ok, err := r.next()
	if err != nil || !ok {
		t.Fatalf("expected second packet, ok=%v err=%v", ok, err)
	}
	parsed2, _ := parsePublish(second)
	if parsed2.topic != "bb" {
		t.Fatalf("expected second packet topic 'bb', got %q", parsed2.topic)
	}
}

func TestDecodeRemainingLengthMalformed(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80}
	_, _, ok, err := decodeRemainingLength(buf)
	if ok {
		t.Fatalf("expected malformed 4-byte continuation to fail")
	}
	if err == nil {
		t.Fatalf("expected an error for a too-long remaining length encoding")
	}
}

func TestConnectSubscribeEncodeDecodeShape(t *testing.T) {
	raw := encodeConnect("client-1", "user", "pass", 30)
	var r reassembler
	r.feed(raw)
	pkt, ok, err := r.next()
	if err != nil || !ok {
		t.Fatalf("expected complete CONNECT packet, ok=%v err=%v", ok, err)
	}
	if pkt.packetType != packetTypeConnect {
		t.Fatalf("expected connect packet type, got %d", pkt.packetType)
	}

	sub := encodeSubscribe(7, "room/abc/signal")
	r.feed(sub)
	pkt, ok, err = r.next()
	if err != nil || !ok {
		t.Fatalf("expected complete SUBSCRIBE packet, ok=%v err=%v", ok, err)
	}
	if pkt.packetType != packetTypeSubscribe || pkt.flags != 0x02 {
		t.Fatalf("unexpected subscribe header: type=%d flags=%d", pkt.packetType, pkt.flags)
	}
}
