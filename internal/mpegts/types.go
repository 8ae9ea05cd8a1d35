// Package mpegts demultiplexes MPEG-TS segments into elementary-stream
// buffers. It tracks PAT/PMT across calls, selects one H.264 video and one
// AAC audio PID, reassembles PES packets per PID and carries incomplete ones
// over to the next segment.
package mpegts

// Stream types selected from the PMT.
const (
	StreamTypeH264 = 0x1B
	StreamTypeAAC  = 0x0F
)

// PES stream id ranges.
const (
	streamIDAudioFirst = 0xC0
	streamIDAudioLast  = 0xDF
	streamIDVideoFirst = 0xE0
	streamIDVideoLast  = 0xEF
)

// Packet is a parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData is one parsed Packetized Elementary Stream packet.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
	PacketLength   int
}

// PESOptionalHeader carries optional PES fields including timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit MPEG-TS timestamp base value (90 kHz clock).
type ClockReference struct {
	Base int64
}

// IsVideo reports whether the stream id is in the video range.
func (h *PESHeader) IsVideo() bool {
	return h.StreamID >= streamIDVideoFirst && h.StreamID <= streamIDVideoLast
}

// IsAudio reports whether the stream id is in the audio range.
func (h *PESHeader) IsAudio() bool {
	return h.StreamID >= streamIDAudioFirst && h.StreamID <= streamIDAudioLast
}

// PresentationTime returns the PTS and whether one was present.
func (p *PESData) PresentationTime() (int64, bool) {
	if p.Header == nil || p.Header.OptionalHeader == nil || p.Header.OptionalHeader.PTS == nil {
		return 0, false
	}
	return p.Header.OptionalHeader.PTS.Base, true
}

// DecodeTime returns the DTS, falling back to the PTS when the packet
// carries no DTS.
func (p *PESData) DecodeTime() (int64, bool) {
	if p.Header != nil && p.Header.OptionalHeader != nil && p.Header.OptionalHeader.DTS != nil {
		return p.Header.OptionalHeader.DTS.Base, true
	}
	return p.PresentationTime()
}

// ElementaryStream is the linear payload of one selected PID for one
// demux call: complete PES packets laid end to end.
type ElementaryStream struct {
	PID        uint16
	StreamType uint8
	Data       []byte
	// Starts holds the offset of each PES packet within Data.
	Starts []int
}

// Len returns the number of PES packets in the buffer.
func (es *ElementaryStream) Len() int { return len(es.Starts) }

// append adds one PES packet. A positive limit is the declared PES size;
// bytes past it are stuffing and are left out.
func (es *ElementaryStream) append(packets []*Packet, limit int) {
	start := len(es.Data)
	es.Starts = append(es.Starts, start)
	for _, p := range packets {
		es.Data = append(es.Data, p.Payload...)
	}
	if limit > 0 && len(es.Data)-start > limit {
		es.Data = es.Data[:start+limit]
	}
}

// Payloads is the output of one demux call.
type Payloads struct {
	Video ElementaryStream
	Audio ElementaryStream
}

// Stats counts packet-level events across the life of a Demuxer.
type Stats struct {
	Packets        int64
	CorruptPackets int64
	SkippedBytes   int64
	DroppedUnits   int64
}
