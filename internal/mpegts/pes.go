package mpegts

import (
	"bytes"
	"fmt"
	"io"
)

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// ParsePES parses one PES packet at the start of payload. A zero
// PES_packet_length means the packet runs to the end of payload.
func ParsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])

	pes := &PESData{
		Header: &PESHeader{
			StreamID:     streamID,
			PacketLength: packetLength,
		},
	}

	// padding, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E and the
	// program stream directory carry no optional header.
	hasOptionalHeader := streamID != 0xBE && streamID != 0xBF &&
		streamID != 0xF0 && streamID != 0xF1 &&
		streamID != 0xF2 && streamID != 0xF8 && streamID != 0xFF

	end := len(payload)
	if packetLength > 0 && 6+packetLength <= len(payload) {
		end = 6 + packetLength
	}

	if !hasOptionalHeader {
		pes.Data = payload[6:end]
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7]: PTS_DTS_flags(2) ESCR(1) ES_rate(1) DSM_trick(1)
	// additional_copy(1) CRC(1) extension(1); payload[8]: header_data_length.
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	headerDataLength := int(payload[8])

	dataStart := min(9+headerDataLength, end)

	pes.Header.OptionalHeader = &PESOptionalHeader{}

	switch ptsDTSIndicator {
	case 2:
		if len(payload) < 14 {
			return nil, fmt.Errorf("mpegts: PES truncated before PTS")
		}
		pes.Header.OptionalHeader.PTS = parsePTSOrDTS(payload[9:14])
	case 3:
		if len(payload) < 19 {
			return nil, fmt.Errorf("mpegts: PES truncated before DTS")
		}
		pes.Header.OptionalHeader.PTS = parsePTSOrDTS(payload[9:14])
		pes.Header.OptionalHeader.DTS = parsePTSOrDTS(payload[14:19])
	}

	pes.Data = payload[dataStart:end]
	return pes, nil
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// PESReader reads PES packets one after another from an elementary stream
// buffer.
type PESReader struct {
	es  *ElementaryStream
	idx int
	pos int
}

// NewPESReader returns a reader over es. When es carries no start offsets
// the reader locates packets by scanning for PES start codes.
func NewPESReader(es *ElementaryStream) *PESReader {
	return &PESReader{es: es}
}

// Next returns the next PES packet, or io.EOF when the buffer is exhausted.
func (r *PESReader) Next() (*PESData, error) {
	start, end, ok := r.bounds()
	if !ok {
		return nil, io.EOF
	}
	pes, err := ParsePES(r.es.Data[start:end])
	if err != nil {
		return nil, fmt.Errorf("mpegts: PES at offset %d: %w", start, err)
	}
	return pes, nil
}

func (r *PESReader) bounds() (start, end int, ok bool) {
	data := r.es.Data
	if len(r.es.Starts) > 0 {
		if r.idx >= len(r.es.Starts) {
			return 0, 0, false
		}
		start = r.es.Starts[r.idx]
		end = len(data)
		if r.idx+1 < len(r.es.Starts) {
			end = r.es.Starts[r.idx+1]
		}
		r.idx++
		return start, end, true
	}

	if r.pos >= len(data) {
		return 0, 0, false
	}
	start = r.pos
	end = nextPESStart(data, start+3)
	if start+6 <= len(data) {
		if n := int(data[start+4])<<8 | int(data[start+5]); n > 0 && start+6+n <= len(data) {
			end = start + 6 + n
		}
	}
	r.pos = end
	return start, end, true
}

// nextPESStart finds the next 00 00 01 followed by an audio or video stream
// id at or after from. Inside H.264 data a start code is always followed by
// a NAL header below 0x80, so the id check cannot match there.
func nextPESStart(data []byte, from int) int {
	for from < len(data) {
		i := bytes.Index(data[from:], []byte{0x00, 0x00, 0x01})
		if i < 0 {
			return len(data)
		}
		at := from + i
		if at+3 < len(data) && data[at+3] >= streamIDAudioFirst && data[at+3] <= streamIDVideoLast {
			return at
		}
		from = at + 1
	}
	return len(data)
}
