package demux

import (
	"errors"
	"fmt"
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice = 1
	NALTypeIDR   = 5
	NALTypeSEI   = 6
	NALTypeSPS   = 7
	NALTypePPS   = 8
	NALTypeAUD   = 9
)

var errSPSTooShort = errors.New("demux: SPS data too short")

// SPSInfo holds the Sequence Parameter Set fields needed to describe a
// track: display size, profile/level for the codec string and avcC, and the
// VUI frame timing when present.
type SPSInfo struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
	ChromaFormatIDC int
	BitDepthLuma    int
	BitDepthChroma  int
	FrameMbsOnly    bool
	NumUnitsInTick  uint32
	TimeScale       uint32
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001F".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// HasChromaExtensions reports whether the profile carries chroma format
// and bit depth in its SPS (and therefore in the avcC record).
func (s SPSInfo) HasChromaExtensions() bool {
	switch s.ProfileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an SPS NAL unit, header byte included, start code
// excluded.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}

	r := newBitReader(removeEmulationPrevention(nalu[1:]))
	info := SPSInfo{
		ProfileIDC:      byte(r.bits(8)),
		ConstraintFlags: byte(r.bits(8)),
		LevelIDC:        byte(r.bits(8)),
		ChromaFormatIDC: 1,
		BitDepthLuma:    8,
		BitDepthChroma:  8,
	}
	r.ue() // seq_parameter_set_id

	separateColourPlane := false
	if info.HasChromaExtensions() {
		info.ChromaFormatIDC = int(r.ue())
		if info.ChromaFormatIDC == 3 {
			separateColourPlane = r.flag()
		}
		info.BitDepthLuma = int(r.ue()) + 8
		info.BitDepthChroma = int(r.ue()) + 8
		r.skip(1) // qpprime_y_zero_transform_bypass_flag
		if r.flag() {
			lists := 8
			if info.ChromaFormatIDC == 3 {
				lists = 12
			}
			for i := range lists {
				if !r.flag() {
					continue
				}
				if i < 6 {
					r.skipScalingList(16)
				} else {
					r.skipScalingList(64)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() {
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.skip(1)
		r.se()
		r.se()
		for n := r.ue(); n > 0 && !r.overflow; n-- {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.skip(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := r.ue() + 1
	heightMapUnits := r.ue() + 1
	info.FrameMbsOnly = r.flag()
	if !info.FrameMbsOnly {
		r.skip(1) // mb_adaptive_frame_field_flag
	}
	r.skip(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if r.flag() {
		cropLeft, cropRight, cropTop, cropBottom = r.ue(), r.ue(), r.ue(), r.ue()
	}
	if err := r.err(); err != nil {
		return SPSInfo{}, err
	}

	frameHeightMul := uint(2)
	if info.FrameMbsOnly {
		frameHeightMul = 1
	}

	// Crop units per Table 6-1: 4:2:0 crops in pairs of luma samples.
	subWidthC, subHeightC := uint(2), uint(2)
	switch {
	case separateColourPlane || info.ChromaFormatIDC == 0 || info.ChromaFormatIDC == 3:
		subWidthC, subHeightC = 1, 1
	case info.ChromaFormatIDC == 2:
		subHeightC = 1
	}

	info.Width = int(widthMbs*16 - subWidthC*(cropLeft+cropRight))
	info.Height = int(heightMapUnits*16*frameHeightMul - subHeightC*frameHeightMul*(cropTop+cropBottom))

	if r.flag() {
		parseVUITiming(r, &info)
	}
	return info, nil
}

// parseVUITiming reads the VUI up to timing_info. A truncated VUI leaves
// the timing fields zero.
func parseVUITiming(r *bitReader, info *SPSInfo) {
	if r.flag() { // aspect_ratio_info_present_flag
		if r.bits(8) == 255 {
			r.skip(32) // sar_width + sar_height
		}
	}
	if r.flag() { // overscan_info_present_flag
		r.skip(1)
	}
	if r.flag() { // video_signal_type_present_flag
		r.skip(4)
		if r.flag() {
			r.skip(24) // colour description
		}
	}
	if r.flag() { // chroma_loc_info_present_flag
		r.ue()
		r.ue()
	}
	if r.flag() { // timing_info_present_flag
		units := uint32(r.bits(32))
		scale := uint32(r.bits(32))
		if r.err() == nil {
			info.NumUnitsInTick, info.TimeScale = units, scale
		}
	}
}

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte   // nal_unit_type
	Data []byte // NAL header and payload, without start code
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte
// and 4-byte start codes are recognized; zero bytes before a start code
// belong to the start code, not to the preceding NAL unit.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	var units []NALUnit
	nalStart := -1
	emit := func(end int) {
		if nalStart < 0 {
			return
		}
		for end > nalStart && data[end-1] == 0 {
			end--
		}
		if end > nalStart {
			units = append(units, NALUnit{Type: data[nalStart] & 0x1F, Data: data[nalStart:end]})
		}
	}

	for i := 0; i+2 < n; {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			emit(i)
			nalStart = i + 3
			i += 3
			continue
		}
		i++
	}
	if nalStart >= 0 && nalStart < n {
		emit(n)
	}
	return units
}
