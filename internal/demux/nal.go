package demux

import (
	"bytes"
	"encoding/binary"
)

// AccessUnit describes the NAL units of one video PES payload after they
// have been rewritten in length-prefixed form.
type AccessUnit struct {
	// SPS and PPS are the first parameter sets seen, without start code.
	SPS []byte
	PPS []byte
	// SPSInfo is the parsed SPS when SPS is set.
	SPSInfo *SPSInfo
	// SPSErr is the parse error of an SPS that could not be read. Such an
	// SPS is written to dst but not reported in SPS.
	SPSErr error
	IsIDR   bool
	NALs    int
	// Size is the number of bytes written to the destination.
	Size int
}

// ExtractAccessUnit writes every NAL unit of the Annex B payload to dst as
// a 4-byte big-endian length followed by the unit. Parameter sets are
// written too and reported in the result.
func ExtractAccessUnit(annexB []byte, dst *bytes.Buffer) AccessUnit {
	var au AccessUnit
	var prefix [4]byte
	for _, nal := range ParseAnnexB(annexB) {
		switch nal.Type {
		case NALTypeSPS:
			if au.SPS == nil {
				info, err := ParseSPS(nal.Data)
				if err != nil {
					au.SPSErr = err
					break
				}
				au.SPS = nal.Data
				au.SPSInfo = &info
			}
		case NALTypePPS:
			if au.PPS == nil {
				au.PPS = nal.Data
			}
		case NALTypeIDR:
			au.IsIDR = true
		}

		binary.BigEndian.PutUint32(prefix[:], uint32(len(nal.Data)))
		dst.Write(prefix[:])
		dst.Write(nal.Data)
		au.NALs++
		au.Size += 4 + len(nal.Data)
	}
	return au
}
