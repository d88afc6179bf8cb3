package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	oggHeaderLen      = 27
	oggContinued      = 0x01
	defaultPacketTime = 20 * time.Millisecond
)

var (
	oggMagic = []byte("OggS")
	opusTags = []byte("OpusTags")

	errOggTruncated = errors.New("ogg: truncated page")
)

// oggSamples splits an Ogg/Opus file into one sample per Opus packet. Pages
// usually carry several packets and a packet may span pages, so packets are
// rebuilt from the lacing values. oggreader checks the Opus ID header;
// it does not expose the lacing table.
func oggSamples(data []byte) ([]pmedia.Sample, error) {
	if _, _, err := oggreader.NewWith(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("ogg: %w", err)
	}
	packets, err := oggPackets(data)
	if err != nil {
		return nil, err
	}

	out := make([]pmedia.Sample, 0, len(packets))
	for i, p := range packets {
		// the ID header and the comment header come first
		if i == 0 || bytes.HasPrefix(p, opusTags) || len(p) == 0 {
			continue
		}
		out = append(out, pmedia.Sample{Data: p, Duration: opusPacketDuration(p)})
	}
	return out, nil
}

// oggPackets returns the packets of a single logical stream in order.
func oggPackets(data []byte) ([][]byte, error) {
	var (
		packets [][]byte
		partial []byte
	)
	for page := 0; len(data) > 0; page++ {
		if len(data) < oggHeaderLen || !bytes.Equal(data[:4], oggMagic) {
			return nil, fmt.Errorf("ogg page %d: %w", page, errOggTruncated)
		}
		headerType := data[5]
		nsegs := int(data[26])
		if len(data) < oggHeaderLen+nsegs {
			return nil, fmt.Errorf("ogg page %d: %w", page, errOggTruncated)
		}
		lacing := data[oggHeaderLen : oggHeaderLen+nsegs]
		body := data[oggHeaderLen+nsegs:]

		size := 0
		for _, l := range lacing {
			size += int(l)
		}
		if len(body) < size {
			return nil, fmt.Errorf("ogg page %d: %w", page, errOggTruncated)
		}
		if headerType&oggContinued == 0 {
			partial = nil
		}

		off := 0
		for _, l := range lacing {
			partial = append(partial, body[off:off+int(l)]...)
			off += int(l)
			if l < 255 {
				packets = append(packets, partial)
				partial = nil
			}
		}
		data = body[size:]
	}
	return packets, nil
}

// opusPacketDuration reads the frame size and count from the TOC byte.
func opusPacketDuration(p []byte) time.Duration {
	toc := p[0]
	config := toc >> 3

	var frame time.Duration
	switch {
	case config < 12: // SILK
		frame = [...]time.Duration{10, 20, 40, 60}[config%4] * time.Millisecond
	case config < 16: // hybrid
		frame = [...]time.Duration{10, 20}[config%2] * time.Millisecond
	default: // CELT
		frame = [...]time.Duration{2500, 5000, 10000, 20000}[config%4] * time.Microsecond
	}

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(p) < 2 {
			return defaultPacketTime
		}
		frames = int(p[1] & 0x3f)
	}
	if frames == 0 {
		return defaultPacketTime
	}
	return time.Duration(frames) * frame
}
