package fragment

import (
	"encoding/binary"
	"math"

	"github.com/zsiec/fragmenter/internal/demux"
	"github.com/zsiec/fragmenter/internal/mp4"
)

const (
	videoTrackID = 1
	audioTrackID = 2
)

var compatibleBrands = []string{"isom", "iso2", "avc1", "mp41"}

// Nominal mp4a sample entry values; decoders read the real ones from esds.
const (
	mp4aChannels   = 2
	mp4aSampleSize = 16
	mp4aSampleRate = 22050
)

// mp4Epoch converts Unix seconds to seconds since 1904-01-01 UTC.
const mp4Epoch = 2082844800

func (b *Builder) created() uint32 {
	return uint32(b.now().Unix() + mp4Epoch)
}

func avcConfig(sps, pps *parameterSet) mp4.AVCConfig {
	return mp4.AVCConfig{
		SPS:            sps.nal,
		PPS:            pps.nal,
		Chroma:         sps.info.HasChromaExtensions(),
		ChromaFormat:   sps.info.ChromaFormatIDC,
		BitDepthLuma:   sps.info.BitDepthLuma,
		BitDepthChroma: sps.info.BitDepthChroma,
	}
}

// videoTrak builds the H.264 track. stbl holds the sample tables after stsd.
func (b *Builder) videoTrak(sps, pps *parameterSet, duration uint32, created uint32, stbl ...*mp4.Box) *mp4.Box {
	w, h := sps.info.Width, sps.info.Height
	stsd := mp4.Stsd(mp4.Avc1(w, h, mp4.AvcC(avcConfig(sps, pps))))
	return mp4.Container("trak",
		mp4.Tkhd(mp4.TrackHeader{TrackID: videoTrackID, Created: created, Duration: duration, Width: w, Height: h}),
		mp4.Container("mdia",
			mp4.Mdhd(created, duration, "und"),
			mp4.Hdlr("vide", "VideoHandler"),
			mp4.Container("minf",
				mp4.Vmhd(),
				mp4.Dinf(),
				mp4.Container("stbl", stsd).Add(stbl...),
			),
		),
	)
}

// audioTrak builds the AAC track with one chunk at offset.
func (b *Builder) audioTrak(frames []demux.AACFrame, duration uint32, created uint32, offset uint32) *mp4.Box {
	sizes := make([]uint32, len(frames))
	var total, largest uint64
	for i, f := range frames {
		sizes[i] = uint32(len(f.Payload))
		total += uint64(len(f.Payload))
		largest = max(largest, uint64(len(f.Payload)))
	}

	n := float64(len(frames))
	seconds := float64(duration) / mp4.Timescale
	var maxBitrate, avgBitrate uint32
	if seconds > 0 {
		maxBitrate = uint32(math.Round(float64(largest) / (seconds / n)))
		avgBitrate = uint32(math.Round(float64(total) / seconds))
	}

	esds := mp4.Esds(mp4.ESConfig{
		ESID:          audioTrackID,
		MaxBitrate:    maxBitrate,
		AvgBitrate:    avgBitrate,
		DecoderConfig: frames[len(frames)-1].Header.AudioSpecificConfig(),
	})
	delta := uint32(math.Round(float64(duration) / n))

	return mp4.Container("trak",
		mp4.Tkhd(mp4.TrackHeader{TrackID: audioTrackID, Created: created, Duration: duration, AlternateGroup: 1, Volume: 1}),
		mp4.Container("mdia",
			mp4.Mdhd(created, duration, "eng"),
			mp4.Hdlr("soun", "SoundHandler"),
			mp4.Container("minf",
				mp4.Smhd(),
				mp4.Dinf(),
				mp4.Container("stbl",
					mp4.Stsd(mp4.Mp4a(mp4aChannels, mp4aSampleSize, mp4aSampleRate, esds)),
					mp4.Stts([]mp4.SttsEntry{{Count: uint32(len(frames)), Delta: delta}}),
					mp4.Stsc([]mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: uint32(len(frames)), DescriptionIndex: 1}}),
					mp4.Stsz(sizes),
					mp4.Stco([]uint32{offset}),
				),
			),
		),
	)
}

// file lays out ftyp + moov + mdat. Chunk offsets point into the mdat,
// which holds the video samples followed by the audio frames.
func (b *Builder) file(sps, pps *parameterSet, samples []Sample, video []byte, frames []demux.AACFrame) []byte {
	var defaultDuration uint32
	t := computeTables(samples, len(video), 0, false, &defaultDuration)
	duration := uint32(t.duration)
	created := b.created()

	mdat := make([]byte, 0, len(video))
	mdat = append(mdat, video...)
	for _, f := range frames {
		mdat = append(mdat, f.Payload...)
	}

	ftyp := mp4.Ftyp("isom", 512, compatibleBrands...)
	moov := func(videoOffset uint32) *mp4.Box {
		traks := []*mp4.Box{
			b.videoTrak(sps, pps, duration, created,
				mp4.Stts(t.stts),
				mp4.Stss(t.sync),
				mp4.Ctts(t.offsets),
				mp4.Stsc([]mp4.StscEntry{{FirstChunk: 1, SamplesPerChunk: uint32(len(samples)), DescriptionIndex: 1}}),
				mp4.Stsz(t.sizes),
				mp4.Stco([]uint32{videoOffset}),
			),
		}
		if len(frames) > 0 {
			traks = append(traks, b.audioTrak(frames, duration, created, videoOffset+uint32(len(video))))
		}
		return mp4.Container("moov", mp4.Mvhd(created, duration, uint32(len(traks)+1))).Add(traks...)
	}

	// Sizes do not depend on offset values, so measure first, then lay out.
	offset := uint32(ftyp.Size() + moov(0).Size() + 8)
	return mp4.Marshal(ftyp, moov(offset), mp4.Mdat(mdat))
}

// initSegment is ftyp + moov with empty sample tables and track defaults.
func (b *Builder) initSegment(st *StreamState, firstSize uint32) []byte {
	created := b.created()
	brands := append(append([]string(nil), compatibleBrands...), "dash")
	moov := mp4.Container("moov",
		mp4.Mvhd(created, 0, videoTrackID+1),
		b.videoTrak(st.sps, st.pps, 0, created,
			mp4.Stts(nil),
			mp4.Stsc(nil),
			mp4.Stsz(nil),
			mp4.Stco(nil),
		),
		mp4.Mvex(mp4.Trex(videoTrackID, st.defaultSampleDuration, firstSize, 0)),
	)
	return mp4.Marshal(mp4.Ftyp("isom", 512, brands...), moov)
}

// fragment builds sidx + moof + mdat for samples, whose bytes are video.
func (b *Builder) fragment(st *StreamState, samples []Sample, video []byte, nextDTS int64) *Output {
	t := computeTables(samples, len(video), nextDTS, true, &st.defaultSampleDuration)

	if !st.baselineSet {
		st.baselineDTS, st.baselineSet = samples[0].DTS, true
	}
	base := uint64(samples[0].DTS-st.baselineDTS) & mpegTimestampMask
	earliest := samples[0].PTS
	for _, s := range samples[1:] {
		earliest = min(earliest, s.PTS)
	}
	earliestPTS := uint64(max(earliest-st.baselineDTS, 0))

	st.sequence++
	st.codec = st.sps.info.CodecString()

	trun := mp4.Trun(0, t.trunSamples())
	moof := mp4.Container("moof",
		mp4.Mfhd(st.sequence),
		mp4.Container("traf", mp4.Tfhd(videoTrackID), mp4.Tfdt(base), trun),
	)
	mdat := mp4.Mdat(video)

	sap := samples[0].IsIDR
	var sapType uint8
	if sap {
		sapType = 1
	}
	sidx := mp4.Sidx(videoTrackID, earliestPTS, []mp4.SidxReference{{
		Size:          uint32(moof.Size() + mdat.Size()),
		Duration:      uint32(t.duration),
		StartsWithSAP: sap,
		SAPType:       sapType,
	}})

	moofBytes := moof.Marshal()
	trunOffset, _ := moof.Offset(trun)
	binary.BigEndian.PutUint32(moofBytes[trunOffset+trun.FieldOffset(mp4.TrunDataOffsetField):], uint32(len(moofBytes)+8))

	media := make([]byte, 0, sidx.Size()+len(moofBytes)+mdat.Size())
	media = append(media, sidx.Marshal()...)
	media = append(media, moofBytes...)
	media = append(media, mdat.Marshal()...)

	out := &Output{
		Media:          media,
		Sequence:       st.sequence,
		Codec:          st.codec,
		Width:          st.sps.info.Width,
		Height:         st.sps.info.Height,
		Samples:        len(samples),
		BaseDecodeTime: base,
		Duration:       t.duration,
	}
	if !st.initSent {
		out.Init = b.initSegment(st, t.sizes[0])
		st.initSent = true
	}

	b.log.Debug("fragment",
		"sequence", out.Sequence,
		"samples", out.Samples,
		"base_decode_time", out.BaseDecodeTime,
		"duration", out.Duration,
		"bytes", len(media))
	return out
}
