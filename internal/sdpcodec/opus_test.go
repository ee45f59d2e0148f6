package sdpcodec

import (
	"strings"
	"testing"
)

const sampleSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 0.0.0.0\r\n" +
	"s=-\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=fmtp:111 minptime=10;useinbandfec=1\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=fmtp:0 someparam=1\r\n"

func TestApplyOpusHintRewritesOnlyOpusPayload(t *testing.T) {
	out := ApplyOpusHint(sampleSDP)

	if !strings.Contains(out, "a=fmtp:111 minptime=10;useinbandfec=1;maxaveragebitrate=60000;stereo=0;useinbandfec=1") {
		t.Fatalf("expected opus fmtp line to carry the hint, got:\n%s", out)
	}
	if !strings.Contains(out, "a=fmtp:0 someparam=1\r\n") {
		t.Fatalf("expected non-opus fmtp line to be untouched, got:\n%s", out)
	}
}

func TestApplyOpusHintIsIdempotent(t *testing.T) {
	once := ApplyOpusHint(sampleSDP)
	twice := ApplyOpusHint(once)
	if once != twice {
		t.Fatalf("expected idempotent transform, got:\nonce:\n%s\ntwice:\n%s", once, twice)
	}
}

func TestApplyOpusHintNoOpusPayload(t *testing.T) {
	noOpus := "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 0\r\na=rtpmap:0 PCMU/8000\r\na=fmtp:0 x=1\r\n"
	out := ApplyOpusHint(noOpus)
	if out != noOpus {
		t.Fatalf("expected sdp without opus to be unchanged")
	}
}
