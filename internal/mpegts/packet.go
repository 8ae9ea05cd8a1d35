package mpegts

import (
	"bytes"
	"fmt"
)

const (
	packetSize = 188
	syncByte   = 0x47

	// maxSizeDrift is how far a packet start may move from the expected
	// position before the walker falls back to scanning for a sync byte.
	maxSizeDrift = 2
)

// parsePacket parses the 188-byte transport packet at the start of buf.
// Bytes beyond 188 (timecode or parity suffixes) are ignored.
func parsePacket(buf []byte) (*Packet, error) {
	if len(buf) < packetSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), packetSize)
	}
	buf = buf[:packetSize]
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	p := &Packet{}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	offset := 4

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = make([]byte, packetSize-offset)
		copy(p.Payload, buf[offset:])
	}

	return p, nil
}

// packetWalker cuts a segment into packets spaced size bytes apart. A
// packet start that moved by up to maxSizeDrift bytes is followed; beyond
// that the walker scans for the next sync byte. Runs shorter than a full
// packet are reported as short.
type packetWalker struct {
	data    []byte
	size    int
	pos     int
	skipped int
	short   int
}

func newPacketWalker(data []byte, size int) *packetWalker {
	if size < packetSize {
		size = packetSize
	}
	return &packetWalker{data: data, size: size}
}

// next returns the next complete packet, or nil at the end of data.
func (w *packetWalker) next() []byte {
	for w.pos < len(w.data) {
		if w.data[w.pos] != syncByte {
			idx := bytes.IndexByte(w.data[w.pos+1:], syncByte)
			if idx < 0 {
				w.skipped += len(w.data) - w.pos
				w.pos = len(w.data)
				return nil
			}
			w.skipped += idx + 1
			w.pos += idx + 1
			continue
		}

		start := w.pos
		w.pos = w.nextStart(start)
		if w.pos-start >= packetSize {
			return w.data[start : start+packetSize]
		}
		w.short++
	}
	return nil
}

func (w *packetWalker) nextStart(start int) int {
	expected := start + w.size
	if expected >= len(w.data) || w.data[expected] == syncByte {
		return min(expected, len(w.data))
	}
	for d := 1; d <= maxSizeDrift; d++ {
		if i := expected - d; i > start && w.data[i] == syncByte {
			return i
		}
		if i := expected + d; i < len(w.data) && w.data[i] == syncByte {
			return i
		}
	}
	return expected
}
