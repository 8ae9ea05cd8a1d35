package fragment

import (
	"math"

	"github.com/zsiec/fragmenter/internal/mp4"
)

// mpegTimestampMask wraps 33-bit PTS/DTS differences.
const mpegTimestampMask = 1<<33 - 1

// sampleTables are the per-sample values of one fragment.
type sampleTables struct {
	sizes     []uint32
	durations []uint32
	offsets   []int32 // pts - dts
	sync      []uint32
	stts      []mp4.SttsEntry
	duration  uint64
}

// computeTables derives sizes, durations, composition offsets and sync
// samples. end is the buffer offset where the last sample stops. nextDTS is
// the DTS following the last sample, when known.
//
// Missing durations (equal or non-increasing DTS, or the last sample with
// no successor) are filled with the rounded mean of the known ones, then
// with defaultDuration, then 1. The first known duration seeds
// *defaultDuration when it is still zero.
func computeTables(samples []Sample, end int, nextDTS int64, hasNext bool, defaultDuration *uint32) sampleTables {
	n := len(samples)
	t := sampleTables{
		sizes:     make([]uint32, n),
		durations: make([]uint32, n),
		offsets:   make([]int32, n),
	}

	var sum uint64
	var known int
	missing := make([]bool, n)
	for i, s := range samples {
		nextOffset := end
		if i+1 < n {
			nextOffset = samples[i+1].Offset
		}
		t.sizes[i] = uint32(nextOffset - s.Offset)

		var d uint64
		switch {
		case i+1 < n:
			d = uint64(samples[i+1].DTS-s.DTS) & mpegTimestampMask
		case hasNext:
			d = uint64(nextDTS-s.DTS) & mpegTimestampMask
		}
		if d == 0 || d > math.MaxUint32 {
			missing[i] = true
		} else {
			t.durations[i] = uint32(d)
			sum += d
			known++
			if *defaultDuration == 0 {
				*defaultDuration = uint32(d)
			}
		}

		t.offsets[i] = int32(s.PTS - s.DTS)
		if s.IsIDR {
			t.sync = append(t.sync, uint32(i+1))
		}
	}

	// Approximate: assumes a constant frame rate across the gaps.
	fill := uint32(1)
	switch {
	case known > 0:
		fill = uint32(math.Round(float64(sum) / float64(known)))
	case *defaultDuration > 0:
		fill = *defaultDuration
	}
	for i := range t.durations {
		if missing[i] {
			t.durations[i] = fill
		}
		t.duration += uint64(t.durations[i])
	}

	t.stts = runLength(t.durations)
	return t
}

func runLength(durations []uint32) []mp4.SttsEntry {
	var entries []mp4.SttsEntry
	for _, d := range durations {
		if last := len(entries) - 1; last >= 0 && entries[last].Delta == d {
			entries[last].Count++
			continue
		}
		entries = append(entries, mp4.SttsEntry{Count: 1, Delta: d})
	}
	return entries
}

// trunSamples converts the tables into track run entries.
func (t sampleTables) trunSamples() []mp4.TrunSample {
	out := make([]mp4.TrunSample, len(t.sizes))
	isSync := make(map[uint32]bool, len(t.sync))
	for _, s := range t.sync {
		isSync[s] = true
	}
	for i := range out {
		flags := uint32(mp4.SampleFlagsDependent)
		if isSync[uint32(i+1)] {
			flags = mp4.SampleFlagsSync
		}
		out[i] = mp4.TrunSample{
			Duration:              t.durations[i],
			Size:                  t.sizes[i],
			Flags:                 flags,
			CompositionTimeOffset: t.offsets[i],
		}
	}
	return out
}
