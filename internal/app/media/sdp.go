package media

import (
	"net/netip"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// unroutable reports whether a self-reported address is meaningless to a
// client on the internet.
func unroutable(raw string) bool {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

// IsRelay reports whether raw ("candidate:..." or the bare attribute value)
// is a well formed relay candidate.
func IsRelay(raw string) bool {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(strings.TrimSpace(raw), "candidate:"))
	if err != nil {
		return false
	}
	return c.Type() == ice.CandidateTypeRelay
}

// RewriteCandidate replaces unroutable connection and related addresses of a
// candidate attribute value with publicIP. Other fields are kept verbatim.
func RewriteCandidate(raw, publicIP string) string {
	fields := strings.Fields(raw)
	// foundation component transport priority address port "typ" type ...
	if len(fields) < 8 {
		return raw
	}
	changed := false
	if unroutable(fields[4]) {
		fields[4] = publicIP
		changed = true
	}
	for i := 8; i+1 < len(fields); i++ {
		if fields[i] == "raddr" && unroutable(fields[i+1]) {
			fields[i+1] = publicIP
			changed = true
		}
	}
	if !changed {
		return raw
	}
	return strings.Join(fields, " ")
}

// RewriteAnswer rewrites the addresses a local answer reports about itself
// and removes every non-relay candidate. Codec and format lines pass through
// untouched. Applying it twice gives the same result as applying it once.
func RewriteAnswer(answer, publicIP string) (out string, dropped int) {
	var b strings.Builder
	b.Grow(len(answer))

	for _, line := range strings.SplitAfter(answer, "\n") {
		if line == "" {
			continue
		}
		body := strings.TrimRight(line, "\r\n")
		eol := line[len(body):]

		switch {
		case strings.HasPrefix(body, "c="):
			body = rewriteConnection(body, publicIP)
		case strings.HasPrefix(body, "a=rtcp:"):
			body = rewriteRTCP(body, publicIP)
		case strings.HasPrefix(body, "a=candidate:"):
			value := strings.TrimPrefix(body, "a=")
			if !IsRelay(value) {
				dropped++
				continue
			}
			body = "a=" + RewriteCandidate(value, publicIP)
		}
		b.WriteString(body)
		b.WriteString(eol)
	}
	return b.String(), dropped
}

// c=IN IP4 10.0.0.5
func rewriteConnection(line, publicIP string) string {
	fields := strings.Fields(strings.TrimPrefix(line, "c="))
	if len(fields) != 3 || fields[0] != "IN" {
		return line
	}
	addr, _, _ := strings.Cut(fields[2], "/")
	if !unroutable(addr) {
		return line
	}
	return "c=IN IP4 " + publicIP
}

// a=rtcp:9 IN IP4 0.0.0.0
func rewriteRTCP(line, publicIP string) string {
	fields := strings.Fields(strings.TrimPrefix(line, "a=rtcp:"))
	if len(fields) != 4 || fields[1] != "IN" || !unroutable(fields[3]) {
		return line
	}
	return "a=rtcp:" + fields[0] + " IN IP4 " + publicIP
}

// ExtractCandidates lists the candidates embedded in an SDP so they can also
// be sent as trickle messages. sdpMid comes from the a=mid attribute and
// sdpMLineIndex counts m= sections.
func ExtractCandidates(raw string) []webrtc.ICECandidateInit {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		log.Warn().Err(err).Str("module", "media").Msg("parse answer for candidates")
		return nil
	}

	var out []webrtc.ICECandidateInit
	for i, md := range desc.MediaDescriptions {
		mid, _ := md.Attribute("mid")
		for _, a := range md.Attributes {
			if a.Key != "candidate" {
				continue
			}
			sdpMid := mid
			idx := uint16(i)
			out = append(out, webrtc.ICECandidateInit{
				Candidate:     "candidate:" + a.Value,
				SDPMid:        &sdpMid,
				SDPMLineIndex: &idx,
			})
		}
	}
	return out
}
