package demux

import (
	"errors"
	"fmt"
)

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// ADTSHeader is the fixed and variable header of one ADTS frame.
type ADTSHeader struct {
	// ObjectType is the MPEG-4 audio object type (profile + 1), 2 for AAC-LC.
	ObjectType       int
	SampleRateIndex  int
	SampleRate       int
	ChannelConfig    int
	ProtectionAbsent bool
	// FrameLength includes the header.
	FrameLength  int
	HeaderLength int
}

// AudioSpecificConfig returns the 2-byte decoder configuration for esds.
func (h ADTSHeader) AudioSpecificConfig() []byte {
	return []byte{
		byte(h.ObjectType<<3) | byte(h.SampleRateIndex>>1),
		byte(h.SampleRateIndex<<7) | byte(h.ChannelConfig<<3),
	}
}

// AACFrame is one raw AAC access unit with the header it was carried in.
type AACFrame struct {
	Header  ADTSHeader
	Payload []byte
}

// ParseADTSHeader parses the ADTS header at the start of b.
func ParseADTSHeader(b []byte) (ADTSHeader, error) {
	if len(b) < 7 {
		return ADTSHeader{}, fmt.Errorf("%w: %d bytes", ErrInvalidADTS, len(b))
	}
	if b[0] != 0xFF || b[1]&0xF0 != 0xF0 {
		return ADTSHeader{}, fmt.Errorf("%w: no sync word", ErrInvalidADTS)
	}

	h := ADTSHeader{
		ProtectionAbsent: b[1]&0x01 == 1,
		ObjectType:       int(b[2]>>6) + 1,
		SampleRateIndex:  int(b[2]>>2) & 0x0F,
		ChannelConfig:    int(b[2]&0x01)<<2 | int(b[3]>>6),
		FrameLength:      int(b[3]&0x03)<<11 | int(b[4])<<3 | int(b[5]>>5),
		HeaderLength:     7,
	}
	if !h.ProtectionAbsent {
		h.HeaderLength = 9
	}
	if h.SampleRateIndex >= len(aacSampleRates) {
		return ADTSHeader{}, fmt.Errorf("%w: sample rate index %d", ErrInvalidADTS, h.SampleRateIndex)
	}
	h.SampleRate = aacSampleRates[h.SampleRateIndex]
	if h.FrameLength < h.HeaderLength {
		return ADTSHeader{}, fmt.Errorf("%w: frame length %d", ErrInvalidADTS, h.FrameLength)
	}
	return h, nil
}

// ParseADTS splits an ADTS byte stream into AAC frames with headers
// stripped. Bytes that do not start a frame are skipped up to the next sync
// word; a truncated trailing frame is left unparsed.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	offset := 0

	for len(data)-offset >= 7 {
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			continue
		}

		h, err := ParseADTSHeader(data[offset:])
		if err != nil {
			return frames, err
		}
		if offset+h.FrameLength > len(data) {
			break
		}

		frames = append(frames, AACFrame{
			Header:  h,
			Payload: data[offset+h.HeaderLength : offset+h.FrameLength],
		})
		offset += h.FrameLength
	}

	return frames, nil
}
