// Package sdpcodec rewrites SDP to bias the Opus encoder before every
// offer and ICE-restart offer is emitted (spec.md §4.9).
package sdpcodec

import (
	"regexp"
	"strings"
)

var (
	rtpmapOpusLine = regexp.MustCompile(`(?m)^a=rtpmap:(\d+) opus/`)
	fmtpLine       = regexp.MustCompile(`(?m)^a=fmtp:(\d+) [^\r\n]*`)
)

const opusHint = ";maxaveragebitrate=60000;stereo=0;useinbandfec=1"

// ApplyOpusHint appends the bitrate/stereo/FEC hint to the fmtp line of
// every Opus payload type in sdp. The transform is idempotent: a second
// call on already-rewritten SDP is a no-op (spec.md §4.9).
func ApplyOpusHint(sdp string) string {
	opusPayloadTypes := opusPayloadTypes(sdp)
	if len(opusPayloadTypes) == 0 {
		return sdp
	}

	return fmtpLine.ReplaceAllStringFunc(sdp, func(line string) string {
		m := fmtpLine.FindStringSubmatch(line)
		if m == nil || !opusPayloadTypes[m[1]] {
			return line
		}
		if strings.Contains(line, "maxaveragebitrate=60000") {
			return line
		}
		return line + opusHint
	})
}

func opusPayloadTypes(sdp string) map[string]bool {
	matches := rtpmapOpusLine.FindAllStringSubmatch(sdp, -1)
	if len(matches) == 0 {
		return nil
	}
	pts := make(map[string]bool, len(matches))
	for _, m := range matches {
		pts[m[1]] = true
	}
	return pts
}
