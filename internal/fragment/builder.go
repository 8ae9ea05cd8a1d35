package fragment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/fragmenter/internal/demux"
	"github.com/zsiec/fragmenter/internal/mpegts"
)

// DefaultMinFragmentSamples is the number of DTS changes a live pass must
// accumulate before a fragment is cut.
const DefaultMinFragmentSamples = 20

var (
	// ErrNoVideo is returned when a standalone conversion finds no H.264
	// samples.
	ErrNoVideo = errors.New("fragment: no video samples")
	// ErrNoParameterSets is returned when a standalone conversion finds no
	// SPS or no PPS.
	ErrNoParameterSets = errors.New("fragment: missing SPS or PPS")
)

// Output is the result of a live pass that produced a fragment.
type Output struct {
	// Init is the initialization segment. It is set on the first fragment
	// of a session only.
	Init []byte
	// Media is sidx + moof + mdat.
	Media []byte

	Sequence       uint32
	Codec          string
	Width, Height  int
	Samples        int
	BaseDecodeTime uint64
	Duration       uint64
	// AudioFramesSkipped counts ADTS frames parsed but not emitted; live
	// segments carry video only.
	AudioFramesSkipped int
}

// Builder builds MP4 files and fragments. A Builder holds no stream state
// and may be shared; the StreamState passed to Live may not.
type Builder struct {
	log        *slog.Logger
	minSamples int
	now        func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Builder) { b.log = log }
}

// WithMinFragmentSamples sets the DTS change threshold for live fragments.
func WithMinFragmentSamples(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.minSamples = n
		}
	}
}

// WithClock sets the clock used for movie creation times.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder returns a Builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		minSamples: DefaultMinFragmentSamples,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("component", "fragment")
	return b
}

// pass accumulates one demux pass on top of carried-over state.
type pass struct {
	st      *StreamState
	log     *slog.Logger
	samples []Sample
	video   bytes.Buffer
	audio   []audioUnit
}

func newPass(st *StreamState, log *slog.Logger) *pass {
	p := &pass{st: st, log: log, samples: st.samples, audio: st.audio}
	p.video.Write(st.video)
	st.samples, st.video, st.audio = nil, nil, nil
	return p
}

// addVideo consumes the PES packets of a video buffer.
func (p *pass) addVideo(es *mpegts.ElementaryStream) error {
	st := p.st
	r := mpegts.NewPESReader(es)
	for {
		pes, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fragment: %w", err)
		}

		s := Sample{Offset: p.video.Len()}
		if pts, ok := pes.PresentationTime(); ok {
			s.PTS = pts
			s.DTS, _ = pes.DecodeTime()
		} else if n := len(p.samples); n > 0 {
			// No timestamps: part of the previous picture.
			s.PTS, s.DTS = p.samples[n-1].PTS, p.samples[n-1].DTS
		}

		p.samples = append(p.samples, s)
		idx := len(p.samples) - 1
		if s.DTS != p.samples[st.lastChange].DTS {
			st.dtsChanges++
			st.lastChange = idx
			p.promote()
		}

		au := demux.ExtractAccessUnit(pes.Data, &p.video)
		if au.SPSErr != nil {
			p.log.Debug("ignoring unreadable SPS", "dts", s.DTS, "error", au.SPSErr)
		}
		if au.SPS != nil && st.pendingSPS == nil {
			st.pendingSPS = &parameterSet{nal: bytes.Clone(au.SPS), info: *au.SPSInfo}
		}
		if au.PPS != nil && st.pendingPPS == nil {
			st.pendingPPS = &parameterSet{nal: bytes.Clone(au.PPS)}
		}
		if au.IsIDR {
			p.samples[idx].IsIDR = true
			st.lastIDR, st.hasLastIDR = s.PTS, true
		}
	}
}

// promote moves pending parameter sets into empty active slots. Parameter
// sets therefore apply from the next DTS onward. A pending set that finds
// its slot taken stays pending for the next pass.
func (p *pass) promote() {
	st := p.st
	if st.sps == nil {
		st.sps, st.pendingSPS = st.pendingSPS, nil
	}
	if st.pps == nil {
		st.pps, st.pendingPPS = st.pendingPPS, nil
	}
}

func (p *pass) addAudio(es *mpegts.ElementaryStream) error {
	r := mpegts.NewPESReader(es)
	for {
		pes, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fragment: %w", err)
		}
		u := audioUnit{data: bytes.Clone(pes.Data)}
		if pts, ok := pes.PresentationTime(); ok {
			u.pts = pts
		} else if n := len(p.audio); n > 0 {
			u.pts = p.audio[n-1].pts
		}
		p.audio = append(p.audio, u)
	}
}

func audioBytes(units []audioUnit) []byte {
	var data []byte
	for _, u := range units {
		data = append(data, u.data...)
	}
	return data
}

func (p *pass) add(out *mpegts.Payloads) error {
	if err := p.addVideo(&out.Video); err != nil {
		return err
	}
	return p.addAudio(&out.Audio)
}

func firstSet(sets ...*parameterSet) *parameterSet {
	for _, s := range sets {
		if s != nil {
			return s
		}
	}
	return nil
}

// Live runs one demux pass of segment over the session state. It returns
// nil, nil while too few DTS changes have accumulated or no SPS/PPS is
// known; the data is kept for the next call.
func (b *Builder) Live(st *StreamState, segment []byte, packetSize int) (*Output, error) {
	if st.demuxer == nil {
		st.demuxer = mpegts.NewDemuxer(
			mpegts.DemuxerOptLogger(b.log),
			mpegts.DemuxerOptState(st.program),
		)
	}
	payloads, err := st.demuxer.Demux(segment, packetSize)
	if err != nil {
		return nil, fmt.Errorf("fragment: %w", err)
	}

	// A failed pass drops its payloads and leaves the fragment state as it
	// was before the call.
	saved := *st
	prevSPS, prevPPS := st.sps, st.pps
	st.sps, st.pps = nil, nil

	p := newPass(st, b.log)
	if err := p.add(payloads); err != nil {
		*st = saved
		return nil, err
	}

	st.sps = firstSet(st.sps, prevSPS, st.pendingSPS)
	st.pps = firstSet(st.pps, prevPPS, st.pendingPPS)

	if st.dtsChanges < b.minSamples || st.sps == nil || st.pps == nil {
		st.samples = p.samples
		st.video = p.video.Bytes()
		st.audio = p.audio
		st.pendingSPS = firstSet(st.pendingSPS, st.sps)
		st.pendingPPS = firstSet(st.pendingPPS, st.pps)
		b.log.Debug("accumulating",
			"samples", len(st.samples),
			"dts_changes", st.dtsChanges,
			"has_sps", st.sps != nil,
			"has_pps", st.pps != nil)
		return nil, nil
	}

	split := st.lastChange
	videoSplit := p.samples[split].Offset
	video := p.video.Bytes()

	frag := p.samples[:split]
	next := p.samples[split]

	// Carry the tail over, rebased to offset 0.
	st.samples = make([]Sample, 0, len(p.samples)-split)
	for _, s := range p.samples[split:] {
		s.Offset -= videoSplit
		st.samples = append(st.samples, s)
	}
	st.video = bytes.Clone(video[videoSplit:])
	st.dtsChanges, st.lastChange = 0, 0

	// Audio presented before the first carried picture decodes belongs to
	// this fragment.
	var done []audioUnit
	st.audio = nil
	for _, u := range p.audio {
		if u.pts < next.DTS {
			done = append(done, u)
		} else {
			st.audio = append(st.audio, u)
		}
	}

	skipped := b.countAudio(audioBytes(done))
	out := b.fragment(st, frag, video[:videoSplit], next.DTS)
	out.AudioFramesSkipped = skipped
	return out, nil
}

func (b *Builder) countAudio(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	frames, err := demux.ParseADTS(data)
	if err != nil {
		b.log.Warn("discarding audio", "bytes", len(data), "error", err)
		return len(frames)
	}
	b.log.Debug("audio not fragmented", "frames", len(frames), "bytes", len(data))
	return len(frames)
}

// Standalone converts a complete transport stream into one MP4 file.
func (b *Builder) Standalone(ts []byte, packetSize int) ([]byte, error) {
	st := NewStreamState()
	dmx := mpegts.NewDemuxer(mpegts.DemuxerOptLogger(b.log), mpegts.DemuxerOptState(st.program))
	payloads, err := dmx.Demux(ts, packetSize)
	if err != nil {
		return nil, fmt.Errorf("fragment: %w", err)
	}

	p := newPass(st, b.log)
	if err := p.add(payloads); err != nil {
		return nil, err
	}
	if err := p.add(dmx.Flush()); err != nil {
		return nil, err
	}

	if len(p.samples) == 0 {
		return nil, ErrNoVideo
	}
	sps := firstSet(st.sps, st.pendingSPS)
	pps := firstSet(st.pps, st.pendingPPS)
	if sps == nil || pps == nil {
		return nil, ErrNoParameterSets
	}

	var frames []demux.AACFrame
	if audio := audioBytes(p.audio); len(audio) > 0 {
		frames, err = demux.ParseADTS(audio)
		if err != nil {
			return nil, fmt.Errorf("fragment: %w", err)
		}
	}

	stats := dmx.Stats()
	b.log.Debug("standalone conversion",
		"samples", len(p.samples),
		"audio_frames", len(frames),
		"packets", stats.Packets,
		"corrupt_packets", stats.CorruptPackets)

	return b.file(sps, pps, p.samples, p.video.Bytes(), frames), nil
}
