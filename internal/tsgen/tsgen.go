// Package tsgen generates small synthetic MPEG-TS streams: a PAT and PMT
// announcing one H.264 and one AAC elementary stream, followed by pictures
// at a fixed frame rate with one ADTS frame each. The pictures are not
// decodable; only the syntax the converter reads is real.
package tsgen

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"

	"github.com/zsiec/fragmenter/internal/mpegts"
)

// Parameter sets of a 256x192 Main profile stream.
var (
	SPS = []byte{
		0x67, 0x4d, 0x40, 0x1f, 0xb9, 0x08, 0x08, 0x0c,
		0xd8, 0x0b, 0x50, 0x10, 0x10, 0x14, 0x00, 0x00,
		0x0f, 0xa4, 0x00, 0x02, 0xee, 0x03, 0x81, 0x80,
		0x04, 0x93, 0xc0, 0x02, 0x49, 0xe8, 0xa0, 0xc0,
		0x3a, 0x8e, 0x18, 0xc9,
	}
	PPS = []byte{0x68, 0xee, 0x3c, 0x80}

	// BaselineSPS describes a 320x240 Constrained Baseline stream.
	BaselineSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xda, 0x05, 0x07, 0xe4}
)

// Stream layout.
const (
	PMTPID   = 0x1000
	VideoPID = 0x100
	AudioPID = 0x101

	PacketSize = 188
	// FrameTicks is the picture duration in 90 kHz ticks (30 fps).
	FrameTicks = 3000
	// FirstDTS is the decode time of picture 0.
	FirstDTS   = 900000
	DefaultGOP = 10
)

const (
	syncByte    = 0x47
	payloadSize = PacketSize - 4
)

// Options shape the generated pictures.
type Options struct {
	// NoParameterSets omits SPS and PPS in front of IDR pictures.
	NoParameterSets bool
	NoAudio         bool
	// GOP is the IDR interval in pictures. Zero selects DefaultGOP.
	GOP int
	// Slices is the number of slices per picture, each carried in its own
	// PES packet with the picture's timestamps. Zero means one.
	Slices int
}

// Writer packetizes PES packets with per-PID continuity counters.
type Writer struct {
	opts     Options
	sps, pps []byte
	cc       map[uint16]uint8
	buf      bytes.Buffer
}

// NewWriter returns a Writer with the program tables already written.
func NewWriter(opts Options) *Writer {
	if opts.GOP <= 0 {
		opts.GOP = DefaultGOP
	}
	if opts.Slices <= 0 {
		opts.Slices = 1
	}
	w := &Writer{opts: opts, sps: SPS, pps: PPS, cc: make(map[uint16]uint8)}
	w.buf.Write(ProgramTables())
	return w
}

// SetParameterSets replaces the SPS and PPS written in front of later IDR
// pictures.
func (w *Writer) SetParameterSets(sps, pps []byte) {
	w.sps, w.pps = sps, pps
}

// Frame writes picture i: an IDR every GOP pictures and a non-IDR picture
// otherwise, with PTS one frame after DTS, followed by one ADTS frame.
func (w *Writer) Frame(i int) error {
	idr := i%w.opts.GOP == 0
	dts := int64(FirstDTS + i*FrameTicks)
	for slice := range w.opts.Slices {
		var nalus [][]byte
		if idr && slice == 0 && !w.opts.NoParameterSets {
			nalus = append(nalus, w.sps, w.pps)
		}
		if idr {
			nalus = append(nalus, []byte{0x65, 0x88, 0x84, byte(i), byte(slice), 0x33, 0xff})
		} else {
			nalus = append(nalus, []byte{0x41, 0x9a, 0x02, byte(i), byte(slice), 0x44})
		}
		annexB, err := h264.AnnexBMarshal(nalus)
		if err != nil {
			return fmt.Errorf("tsgen: picture %d: %w", i, err)
		}
		w.write(VideoPID, PES(0xE0, dts+FrameTicks, dts, annexB))
	}

	if w.opts.NoAudio {
		return nil
	}
	adts, err := mpeg4audio.ADTSPackets{{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   48000,
		ChannelCount: 2,
		AU:           []byte{0x21, 0x10, 0x04, byte(i)},
	}}.Marshal()
	if err != nil {
		return fmt.Errorf("tsgen: audio %d: %w", i, err)
	}
	w.write(AudioPID, PES(0xC0, dts, dts, adts))
	return nil
}

// WritePES packetizes an arbitrary PES packet on pid.
func (w *Writer) WritePES(pid uint16, pes []byte) {
	w.write(pid, pes)
}

// Take returns and clears the bytes written so far.
func (w *Writer) Take() []byte {
	out := bytes.Clone(w.buf.Bytes())
	w.buf.Reset()
	return out
}

func (w *Writer) write(pid uint16, data []byte) {
	for first := true; len(data) > 0; first = false {
		n := min(len(data), payloadSize)
		w.buf.Write(Packet(pid, w.cc[pid], first, data[:n]))
		w.cc[pid]++
		data = data[n:]
	}
}

// Stream returns the program tables followed by n pictures.
func Stream(n int, opts Options) ([]byte, error) {
	w := NewWriter(opts)
	for i := range n {
		if err := w.Frame(i); err != nil {
			return nil, err
		}
	}
	return w.Take(), nil
}

// Packet builds one 188-byte packet. Payloads shorter than 184 bytes are
// padded with adaptation field stuffing.
func Packet(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	pkt := make([]byte, 0, PacketSize)
	b1 := byte(pid>>8) & 0x1F
	if pusi {
		b1 |= 0x40
	}
	if len(payload) >= payloadSize {
		pkt = append(pkt, syncByte, b1, byte(pid), 0x10|cc&0x0F)
		return append(pkt, payload[:payloadSize]...)
	}
	pkt = append(pkt, syncByte, b1, byte(pid), 0x30|cc&0x0F)
	afLen := payloadSize - 1 - len(payload)
	pkt = append(pkt, byte(afLen))
	if afLen > 0 {
		pkt = append(pkt, 0x00)
		pkt = append(pkt, bytes.Repeat([]byte{0xFF}, afLen-1)...)
	}
	return append(pkt, payload...)
}

func section(tableID byte, ext uint16, body []byte) []byte {
	n := 5 + len(body) + 4
	s := []byte{tableID, 0xB0 | byte(n>>8), byte(n), byte(ext >> 8), byte(ext), 0xC1, 0x00, 0x00}
	s = append(s, body...)
	crc := mpegts.CRC32(s)
	return append(s, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
}

// ProgramTables returns PAT and PMT packets announcing H.264 on VideoPID
// and AAC on AudioPID.
func ProgramTables() []byte {
	pat := section(0x00, 1, []byte{0x00, 0x01, 0xE0 | PMTPID>>8, PMTPID & 0xFF})
	pmt := section(0x02, 1, []byte{
		0xE0 | VideoPID>>8, VideoPID & 0xFF, 0xF0, 0x00,
		0x1B, 0xE0 | VideoPID>>8, VideoPID & 0xFF, 0xF0, 0x00,
		0x0F, 0xE0 | AudioPID>>8, AudioPID & 0xFF, 0xF0, 0x00,
	})
	out := Packet(0, 0, true, append([]byte{0}, pat...))
	return append(out, Packet(PMTPID, 0, true, append([]byte{0}, pmt...))...)
}

func timestamp(prefix byte, ts int64) []byte {
	return []byte{
		prefix<<4 | byte(ts>>29)&0x0E | 1,
		byte(ts >> 22),
		byte(ts>>14)&0xFE | 1,
		byte(ts >> 7),
		byte(ts<<1) | 1,
	}
}

// PES builds a PES packet. Video packets (stream id 0xE0) are unbounded.
func PES(streamID byte, pts, dts int64, data []byte) []byte {
	var opt []byte
	if dts != pts {
		opt = append(timestamp(0x3, pts), timestamp(0x1, dts)...)
		opt = append([]byte{0x80, 0xC0, 10}, opt...)
	} else {
		opt = append([]byte{0x80, 0x80, 5}, timestamp(0x2, pts)...)
	}
	length := 0
	if streamID != 0xE0 {
		length = len(opt) + len(data)
	}
	out := []byte{0x00, 0x00, 0x01, streamID, byte(length >> 8), byte(length)}
	out = append(out, opt...)
	return append(out, data...)
}
