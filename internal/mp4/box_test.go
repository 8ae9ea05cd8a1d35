package mp4

import (
	"bytes"
	"encoding/binary"
	"testing"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldSizes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		field Field
		want  int
	}{
		{"u8", U8(1), 1},
		{"u16", U16(1), 2},
		{"u24", U24(1), 3},
		{"u32", U32(1), 4},
		{"u64", U64(1), 8},
		{"i16", I16(-1), 2},
		{"i32", I32(-1), 4},
		{"fixed16", Fixed16(1), 2},
		{"fixed32", Fixed32(1), 4},
		{"bytes", Bytes([]byte{1, 2, 3}), 3},
		{"string", String("abc"), 4},
		{"fourcc", FourCC("avc1"), 4},
		{"lang", Lang("und"), 2},
		{"matrix", Matrix(), 36},
		{"zeros", Zeros(7), 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.field.Size())
			buf := make([]byte, tt.want)
			assert.Equal(t, tt.want, tt.field.encode(buf))
		})
	}
}

func TestFieldEncoding(t *testing.T) {
	t.Parallel()
	enc := func(f Field) []byte {
		b := make([]byte, f.Size())
		f.encode(b)
		return b
	}
	assert.Equal(t, []byte{0x01, 0x00}, enc(Fixed16(1)))
	assert.Equal(t, []byte{0x00, 0x48, 0x00, 0x00}, enc(Fixed32(72)))
	assert.Equal(t, []byte{0xFF, 0xFF}, enc(I16(-1)))
	assert.Equal(t, []byte{0x12, 0x34, 0x56}, enc(U24(0xFF123456)))
	assert.Equal(t, []byte("url "), enc(FourCC("url")))
	assert.Equal(t, []byte{'a', 'b', 0}, enc(String("ab")))
	// 'u'=21 'n'=14 'd'=4
	assert.Equal(t, []byte{0x55, 0xC4}, enc(Lang("und")))

	m := enc(Matrix())
	assert.Equal(t, uint32(0x00010000), binary.BigEndian.Uint32(m[0:]))
	assert.Equal(t, uint32(0x00010000), binary.BigEndian.Uint32(m[16:]))
	assert.Equal(t, uint32(0x40000000), binary.BigEndian.Uint32(m[32:]))
}

func TestBoxEncode(t *testing.T) {
	t.Parallel()
	b := Container("moov", Full("mfhd", 0, 0, U32(7)))
	require.Equal(t, 24, b.Size())

	got := b.Marshal()
	want := []byte{
		0, 0, 0, 24, 'm', 'o', 'o', 'v',
		0, 0, 0, 16, 'm', 'f', 'h', 'd',
		0, 0, 0, 0,
		0, 0, 0, 7,
	}
	assert.Equal(t, want, got)
}

func TestBoxOffset(t *testing.T) {
	t.Parallel()
	trun := Trun(0, []TrunSample{{Duration: 3000, Size: 10}})
	traf := Container("traf", Tfhd(1), Tfdt(0), trun)
	moof := Container("moof", Mfhd(1), traf)

	off, ok := moof.Offset(trun)
	require.True(t, ok)
	// moof header + mfhd + traf header + tfhd + tfdt
	assert.Equal(t, 8+16+8+16+20, off)

	_, ok = moof.Offset(Mfhd(2))
	assert.False(t, ok)

	// data_offset follows version/flags and sample_count.
	assert.Equal(t, 16, trun.FieldOffset(TrunDataOffsetField))
}

func TestTrunDataOffsetPatch(t *testing.T) {
	t.Parallel()
	trun := Trun(0, []TrunSample{{Duration: 3000, Size: 10, Flags: SampleFlagsSync}})
	moof := Container("moof", Mfhd(1), Container("traf", Tfhd(1), Tfdt(0), trun))
	data := moof.Marshal()

	off, ok := moof.Offset(trun)
	require.True(t, ok)
	pos := off + trun.FieldOffset(TrunDataOffsetField)
	binary.BigEndian.PutUint32(data[pos:], uint32(len(data)+8))

	box, err := mp4ff.DecodeBox(0, bytes.NewReader(data))
	require.NoError(t, err)
	decoded, ok := box.(*mp4ff.MoofBox)
	require.True(t, ok)
	assert.Equal(t, uint32(1), decoded.Mfhd.SequenceNumber)
	assert.Equal(t, int32(len(data)+8), decoded.Traf.Trun.DataOffset)
	require.Len(t, decoded.Traf.Trun.Samples, 1)
	assert.Equal(t, uint32(3000), decoded.Traf.Trun.Samples[0].Dur)
	assert.Equal(t, uint32(10), decoded.Traf.Trun.Samples[0].Size)
	assert.Equal(t, uint32(SampleFlagsSync), decoded.Traf.Trun.Samples[0].Flags)
}

func TestEsdsLayout(t *testing.T) {
	t.Parallel()
	b := Esds(ESConfig{ESID: 2, MaxBitrate: 1000, AvgBitrate: 500, DecoderConfig: []byte{0x12, 0x10}})
	data := b.Marshal()

	// header(8) + version/flags(4) + ES descriptor (5 + 34)
	require.Len(t, data, 8+4+5+34)
	p := data[12:]
	assert.Equal(t, []byte{0x03, 0x80, 0x80, 0x80, 34, 0x00, 0x02, 0x00}, p[:8])
	assert.Equal(t, []byte{0x04, 0x80, 0x80, 0x80, 20, 0x40, 0x15}, p[8:15])
	assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(p[18:]))
	assert.Equal(t, uint32(500), binary.BigEndian.Uint32(p[22:]))
	assert.Equal(t, []byte{0x05, 0x80, 0x80, 0x80, 2, 0x12, 0x10}, p[26:33])
	assert.Equal(t, []byte{0x06, 0x80, 0x80, 0x80, 1, 0x02}, p[33:39])
}

func TestAvcCLayout(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x64, 0x00, 0x1F, 0xAC}
	pps := []byte{0x68, 0xEE}

	main := AvcC(AVCConfig{SPS: sps, PPS: pps}).Marshal()
	want := []byte{1, 0x64, 0x00, 0x1F, 0xFF, 0xE1, 0, 5}
	assert.Equal(t, want, main[8:16])
	assert.Equal(t, sps, main[16:21])
	assert.Equal(t, []byte{1, 0, 2, 0x68, 0xEE}, main[21:])

	high := AvcC(AVCConfig{SPS: sps, PPS: pps, Chroma: true, ChromaFormat: 1, BitDepthLuma: 8, BitDepthChroma: 8}).Marshal()
	assert.Equal(t, []byte{0xFD, 0xF8, 0xF8, 0x00}, high[len(high)-4:])
}

func TestSidxLayout(t *testing.T) {
	t.Parallel()
	b := Sidx(1, 9000, []SidxReference{{Size: 1234, Duration: 3000, StartsWithSAP: true, SAPType: 1}})
	box, err := mp4ff.DecodeBox(0, bytes.NewReader(b.Marshal()))
	require.NoError(t, err)
	sidx, ok := box.(*mp4ff.SidxBox)
	require.True(t, ok)
	assert.Equal(t, uint32(1), sidx.ReferenceID)
	assert.Equal(t, uint32(Timescale), sidx.Timescale)
	assert.Equal(t, uint64(9000), sidx.EarliestPresentationTime)
	require.Len(t, sidx.SidxRefs, 1)
	assert.Equal(t, uint32(1234), sidx.SidxRefs[0].ReferencedSize)
	assert.Equal(t, uint32(3000), sidx.SidxRefs[0].SubSegmentDuration)
	assert.Equal(t, uint8(1), sidx.SidxRefs[0].StartsWithSAP)
	assert.Equal(t, uint8(1), sidx.SidxRefs[0].SAPType)
}

func TestSampleTablesDecode(t *testing.T) {
	t.Parallel()
	stbl := Container("stbl",
		Stsd(Avc1(640, 360, AvcC(AVCConfig{SPS: []byte{0x67, 0x4D, 0x40, 0x1E}, PPS: []byte{0x68, 0xEE, 0x3C, 0x80}}))),
		Stts([]SttsEntry{{Count: 3, Delta: 3000}}),
		Stss([]uint32{1}),
		Ctts([]int32{0, 3000, 0}),
		Stsc([]StscEntry{{FirstChunk: 1, SamplesPerChunk: 3, DescriptionIndex: 1}}),
		Stsz([]uint32{100, 20, 30}),
		Stco([]uint32{48}),
	)
	box, err := mp4ff.DecodeBox(0, bytes.NewReader(stbl.Marshal()))
	require.NoError(t, err)
	decoded, ok := box.(*mp4ff.StblBox)
	require.True(t, ok)

	require.NotNil(t, decoded.Stsd.AvcX)
	assert.Equal(t, uint16(640), decoded.Stsd.AvcX.Width)
	assert.Equal(t, uint16(360), decoded.Stsd.AvcX.Height)
	assert.Equal(t, []uint32{3}, decoded.Stts.SampleCount)
	assert.Equal(t, []uint32{3000}, decoded.Stts.SampleTimeDelta)
	assert.Equal(t, []uint32{1}, decoded.Stss.SampleNumber)
	assert.Equal(t, []uint32{100, 20, 30}, decoded.Stsz.SampleSize)
	assert.Equal(t, []uint32{48}, decoded.Stco.ChunkOffset)
}

func TestMarshalConcatenates(t *testing.T) {
	t.Parallel()
	ftyp := Ftyp("isom", 512, "isom", "iso2", "avc1", "mp41")
	mdat := Mdat([]byte{1, 2, 3})
	data := Marshal(ftyp, mdat)
	require.Len(t, data, ftyp.Size()+mdat.Size())
	assert.Equal(t, 32, ftyp.Size())
	assert.Equal(t, []byte("ftypisom"), data[4:12])
	assert.Equal(t, []byte{0, 0, 0, 11, 'm', 'd', 'a', 't', 1, 2, 3}, data[32:])
}
