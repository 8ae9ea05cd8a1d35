package mp4

// Timescale is the media and movie timescale used for every track: the
// 90 kHz MPEG system clock.
const Timescale = 90000

// Sample flags used in trun.
const (
	SampleFlagsSync      = 0x02000000 // sample_depends_on = 2 (I-frame)
	SampleFlagsDependent = 0x01010000 // depends on others, non-sync
)

// Track header flags: enabled, in movie, in preview, size is aspect ratio.
const tkhdFlags = 0x0F

// Ftyp returns the file type box.
func Ftyp(major string, minor uint32, compatible ...string) *Box {
	fields := []Field{FourCC(major), U32(minor)}
	for _, c := range compatible {
		fields = append(fields, FourCC(c))
	}
	return New("ftyp", fields...)
}

// Mvhd returns a version 0 movie header. created is seconds since
// 1904-01-01 UTC.
func Mvhd(created uint32, duration uint32, nextTrackID uint32) *Box {
	return Full("mvhd", 0, 0,
		U32(created),
		U32(created),
		U32(Timescale),
		U32(duration),
		Fixed32(1), // rate
		Fixed16(1), // volume
		Zeros(10),
		Matrix(),
		Zeros(24),
		U32(nextTrackID),
	)
}

// TrackHeader describes one tkhd.
type TrackHeader struct {
	TrackID        uint32
	Created        uint32
	Duration       uint32
	AlternateGroup int16
	Volume         float64
	Width, Height  int
}

// Tkhd returns a version 0 track header.
func Tkhd(h TrackHeader) *Box {
	return Full("tkhd", 0, tkhdFlags,
		U32(h.Created),
		U32(h.Created),
		U32(h.TrackID),
		Zeros(4),
		U32(h.Duration),
		Zeros(8),
		I16(0), // layer
		I16(h.AlternateGroup),
		Fixed16(h.Volume),
		Zeros(2),
		Matrix(),
		Fixed32(float64(h.Width)),
		Fixed32(float64(h.Height)),
	)
}

// Mdhd returns a version 0 media header at the 90 kHz timescale.
func Mdhd(created uint32, duration uint32, lang string) *Box {
	return Full("mdhd", 0, 0,
		U32(created),
		U32(created),
		U32(Timescale),
		U32(duration),
		Lang(lang),
		U16(0),
	)
}

// Hdlr returns a handler reference box.
func Hdlr(handlerType, name string) *Box {
	return Full("hdlr", 0, 0,
		U32(0),
		FourCC(handlerType),
		Zeros(12),
		String(name),
	)
}

// Vmhd returns the video media header.
func Vmhd() *Box {
	return Full("vmhd", 0, 1, U16(0), Zeros(6))
}

// Smhd returns the sound media header.
func Smhd() *Box {
	return Full("smhd", 0, 0, I16(0), U16(0))
}

// Dinf returns a data information box with one self-contained url entry.
func Dinf() *Box {
	dref := Full("dref", 0, 0, U32(1)).Add(Full("url ", 0, 1))
	return Container("dinf", dref)
}

// Stsd returns a sample description box holding entries.
func Stsd(entries ...*Box) *Box {
	return Full("stsd", 0, 0, U32(uint32(len(entries)))).Add(entries...)
}

// Avc1 returns an H.264 visual sample entry.
func Avc1(width, height int, avcC *Box) *Box {
	return New("avc1",
		Zeros(6),
		U16(1), // data_reference_index
		Zeros(16),
		U16(uint16(width)),
		U16(uint16(height)),
		Fixed32(72),
		Fixed32(72),
		U32(0),
		U16(1), // frame_count
		Zeros(32),
		U16(0x0018),
		I16(-1),
	).Add(avcC)
}

// AVCConfig is the content of an avcC box.
type AVCConfig struct {
	SPS, PPS []byte
	// Chroma is set for High profiles, which append chroma_format and bit
	// depths to the record.
	Chroma         bool
	ChromaFormat   int
	BitDepthLuma   int
	BitDepthChroma int
}

// AvcC returns an AVC decoder configuration record with one SPS and one
// PPS and 4-byte NAL lengths. Profile, compatibility and level are copied
// from the SPS.
func AvcC(cfg AVCConfig) *Box {
	var profile, compat, level byte
	if len(cfg.SPS) >= 4 {
		profile, compat, level = cfg.SPS[1], cfg.SPS[2], cfg.SPS[3]
	}
	b := New("avcC",
		U8(1),
		U8(profile),
		U8(compat),
		U8(level),
		U8(0xFF), // lengthSizeMinusOne = 3
		U8(0xE1), // one SPS
		U16(uint16(len(cfg.SPS))),
		Bytes(cfg.SPS),
		U8(1),
		U16(uint16(len(cfg.PPS))),
		Bytes(cfg.PPS),
	)
	if cfg.Chroma {
		b.Fields = append(b.Fields,
			U8(0xFC|byte(cfg.ChromaFormat&0x03)),
			U8(0xF8|byte((cfg.BitDepthLuma-8)&0x07)),
			U8(0xF8|byte((cfg.BitDepthChroma-8)&0x07)),
			U8(0),
		)
	}
	return b
}

// Mp4a returns an AAC audio sample entry.
func Mp4a(channels, sampleSize, sampleRate int, esds *Box) *Box {
	return New("mp4a",
		Zeros(6),
		U16(1),
		Zeros(8),
		U16(uint16(channels)),
		U16(uint16(sampleSize)),
		U16(0),
		U16(0),
		U32(uint32(sampleRate)<<16),
	).Add(esds)
}

// ESConfig is the content of an esds box.
type ESConfig struct {
	ESID          uint16
	MaxBitrate    uint32
	AvgBitrate    uint32
	DecoderConfig []byte // AudioSpecificConfig
}

// MPEG-4 descriptor tags.
const (
	tagES            = 0x03
	tagDecoderConfig = 0x04
	tagDecSpecific   = 0x05
	tagSLConfig      = 0x06
)

const objectTypeMPEG4Audio = 0x40

// descriptor wraps a payload in a tag and a 4-byte extended length.
func descriptor(tag byte, payload ...Field) []Field {
	n := 0
	for _, f := range payload {
		n += f.Size()
	}
	return append([]Field{
		U8(tag),
		U8(0x80), U8(0x80), U8(0x80), U8(byte(n)),
	}, payload...)
}

// Esds returns an elementary stream descriptor box for MPEG-4 audio.
func Esds(cfg ESConfig) *Box {
	decSpecific := descriptor(tagDecSpecific, Bytes(cfg.DecoderConfig))
	decConfig := descriptor(tagDecoderConfig, append([]Field{
		U8(objectTypeMPEG4Audio),
		U8(0x05<<2 | 1), // audio stream, reserved bit
		U24(0),          // bufferSizeDB
		U32(cfg.MaxBitrate),
		U32(cfg.AvgBitrate),
	}, decSpecific...)...)
	sl := descriptor(tagSLConfig, U8(2))

	es := []Field{U16(cfg.ESID), U8(0)}
	es = append(es, decConfig...)
	es = append(es, sl...)
	return Full("esds", 0, 0, descriptor(tagES, es...)...)
}

// SttsEntry is one run of equal sample durations.
type SttsEntry struct {
	Count, Delta uint32
}

// Stts returns a decoding time-to-sample box.
func Stts(entries []SttsEntry) *Box {
	fields := []Field{U32(uint32(len(entries)))}
	for _, e := range entries {
		fields = append(fields, U32(e.Count), U32(e.Delta))
	}
	return Full("stts", 0, 0, fields...)
}

// Stss returns a sync sample box. Sample numbers are 1-based.
func Stss(samples []uint32) *Box {
	fields := []Field{U32(uint32(len(samples)))}
	for _, s := range samples {
		fields = append(fields, U32(s))
	}
	return Full("stss", 0, 0, fields...)
}

// Ctts returns a composition offset box with one entry per sample. Version
// 1 is used when any offset is negative.
func Ctts(offsets []int32) *Box {
	var version uint8
	for _, o := range offsets {
		if o < 0 {
			version = 1
			break
		}
	}
	fields := []Field{U32(uint32(len(offsets)))}
	for _, o := range offsets {
		fields = append(fields, U32(1), I32(o))
	}
	return Full("ctts", version, 0, fields...)
}

// StscEntry is one sample-to-chunk run.
type StscEntry struct {
	FirstChunk, SamplesPerChunk, DescriptionIndex uint32
}

// Stsc returns a sample-to-chunk box.
func Stsc(entries []StscEntry) *Box {
	fields := []Field{U32(uint32(len(entries)))}
	for _, e := range entries {
		fields = append(fields, U32(e.FirstChunk), U32(e.SamplesPerChunk), U32(e.DescriptionIndex))
	}
	return Full("stsc", 0, 0, fields...)
}

// Stsz returns a sample size box with per-sample sizes.
func Stsz(sizes []uint32) *Box {
	fields := []Field{U32(0), U32(uint32(len(sizes)))}
	for _, s := range sizes {
		fields = append(fields, U32(s))
	}
	return Full("stsz", 0, 0, fields...)
}

// Stco returns a 32-bit chunk offset box.
func Stco(offsets []uint32) *Box {
	fields := []Field{U32(uint32(len(offsets)))}
	for _, o := range offsets {
		fields = append(fields, U32(o))
	}
	return Full("stco", 0, 0, fields...)
}

// Mvex returns a movie extends box.
func Mvex(trex ...*Box) *Box {
	return Container("mvex", trex...)
}

// Trex returns track extends defaults.
func Trex(trackID, duration, size, flags uint32) *Box {
	return Full("trex", 0, 0,
		U32(trackID),
		U32(1), // default_sample_description_index
		U32(duration),
		U32(size),
		U32(flags),
	)
}

// Mfhd returns a movie fragment header.
func Mfhd(sequence uint32) *Box {
	return Full("mfhd", 0, 0, U32(sequence))
}

// tfhd default-base-is-moof.
const tfhdDefaultBaseIsMoof = 0x020000

// Tfhd returns a track fragment header whose data offsets are relative to
// the enclosing moof.
func Tfhd(trackID uint32) *Box {
	return Full("tfhd", 0, tfhdDefaultBaseIsMoof, U32(trackID))
}

// Tfdt returns a version 1 track fragment decode time.
func Tfdt(baseMediaDecodeTime uint64) *Box {
	return Full("tfdt", 1, 0, U64(baseMediaDecodeTime))
}

// TrunSample is one sample of a track run.
type TrunSample struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

// trun flags: data-offset, duration, size, flags and composition offset
// present.
const trunFlags = 0x000001 | 0x000100 | 0x000200 | 0x000400 | 0x000800

// TrunDataOffsetField is the index of the data_offset field in a Trun box.
const TrunDataOffsetField = 3

// Trun returns a track run. data_offset is written as dataOffset and can be
// patched later at FieldOffset(TrunDataOffsetField).
func Trun(dataOffset int32, samples []TrunSample) *Box {
	var version uint8
	for _, s := range samples {
		if s.CompositionTimeOffset < 0 {
			version = 1
			break
		}
	}
	fields := []Field{U32(uint32(len(samples))), I32(dataOffset)}
	for _, s := range samples {
		fields = append(fields, U32(s.Duration), U32(s.Size), U32(s.Flags), I32(s.CompositionTimeOffset))
	}
	return Full("trun", version, trunFlags, fields...)
}

// SidxReference is one entry of a segment index.
type SidxReference struct {
	Size          uint32
	Duration      uint32
	StartsWithSAP bool
	SAPType       uint8
}

// Sidx returns a version 1 segment index whose references follow the box
// directly (first_offset 0).
func Sidx(referenceID uint32, earliestPTS uint64, refs []SidxReference) *Box {
	fields := []Field{
		U32(referenceID),
		U32(Timescale),
		U64(earliestPTS),
		U64(0),
		U16(0),
		U16(uint16(len(refs))),
	}
	for _, r := range refs {
		sap := uint32(r.SAPType&0x07) << 28
		if r.StartsWithSAP {
			sap |= 1 << 31
		}
		fields = append(fields, U32(r.Size&0x7FFFFFFF), U32(r.Duration), U32(sap))
	}
	return Full("sidx", 1, 0, fields...)
}

// Mdat returns a media data box over data. The slice is not copied.
func Mdat(data []byte) *Box {
	return New("mdat", Bytes(data))
}
