// Package fragment turns demultiplexed H.264/AAC into ISO-BMFF: a single
// standalone MP4 file, or for live streams an initialization segment
// followed by sidx+moof+mdat media segments.
package fragment

import (
	"github.com/zsiec/fragmenter/internal/demux"
	"github.com/zsiec/fragmenter/internal/mpegts"
)

// Sample is one video access unit: the bytes from Offset up to the next
// sample's Offset in the AVCC buffer.
type Sample struct {
	Offset int
	PTS    int64
	DTS    int64
	IsIDR  bool
}

// audioUnit is one audio PES payload and its presentation time.
type audioUnit struct {
	pts  int64
	data []byte
}

type parameterSet struct {
	nal  []byte
	info demux.SPSInfo
}

// StreamState is the live context of one stream. It carries PSI and
// partial PES packets, parameter sets, and the samples that did not make
// it into the previous fragment. A StreamState belongs to one session and
// is not safe for concurrent use.
type StreamState struct {
	program *mpegts.ProgramState
	demuxer *mpegts.Demuxer

	sps, pps               *parameterSet
	pendingSPS, pendingPPS *parameterSet

	// Carried over from previous passes; offsets are relative to video.
	samples []Sample
	video   []byte
	audio   []audioUnit

	dtsChanges int
	lastChange int // index in samples of the first sample of the current DTS

	lastIDR    int64
	hasLastIDR bool

	sequence    uint32
	baselineDTS int64
	baselineSet bool

	defaultSampleDuration uint32
	codec                 string
	initSent              bool
}

// NewStreamState returns the state for a new live session.
func NewStreamState() *StreamState {
	return &StreamState{program: mpegts.NewProgramState()}
}

// Sequence returns the sequence number of the last media segment, 0 before
// the first one.
func (s *StreamState) Sequence() uint32 { return s.sequence }

// Codec returns the RFC 6381 codec string once an SPS has been seen.
func (s *StreamState) Codec() string { return s.codec }

// LastIDR returns the presentation time of the most recent IDR picture.
func (s *StreamState) LastIDR() (int64, bool) { return s.lastIDR, s.hasLastIDR }

// Pending returns the number of samples held for the next fragment.
func (s *StreamState) Pending() int { return len(s.samples) }

// DemuxStats returns the packet counters of the session's demuxer.
func (s *StreamState) DemuxStats() mpegts.Stats {
	if s.demuxer == nil {
		return mpegts.Stats{}
	}
	return s.demuxer.Stats()
}
