package mpegts

import (
	"fmt"
	"log/slog"
)

// Packet size limits accepted by Demux.
const (
	MinPacketSize = 186
	MaxPacketSize = 220
)

// Demuxer extracts the selected video and audio PES packets from TS
// segments. It is not safe for concurrent use.
type Demuxer struct {
	log   *slog.Logger
	state *ProgramState
	stats Stats
}

// NewDemuxer creates a demuxer with a fresh ProgramState unless one is
// supplied with DemuxerOptState.
func NewDemuxer(opts ...func(*Demuxer)) *Demuxer {
	d := &Demuxer{}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "mpegts")
	if d.state == nil {
		d.state = NewProgramState()
	}
	return d
}

// DemuxerOptLogger sets the logger.
func DemuxerOptLogger(log *slog.Logger) func(*Demuxer) {
	return func(d *Demuxer) {
		d.log = log
	}
}

// DemuxerOptState makes the demuxer continue from an existing program state.
func DemuxerOptState(s *ProgramState) func(*Demuxer) {
	return func(d *Demuxer) {
		d.state = s
	}
}

// State returns the program state the demuxer updates.
func (d *Demuxer) State() *ProgramState { return d.state }

// Stats returns the counters accumulated so far.
func (d *Demuxer) Stats() Stats { return d.stats }

// Demux walks segment as packets of packetSize bytes and returns the
// complete PES packets of the selected PIDs. Units still open at the end of
// the segment stay in the program state for the next call.
func (d *Demuxer) Demux(segment []byte, packetSize int) (*Payloads, error) {
	if packetSize < MinPacketSize || packetSize > MaxPacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d outside [%d, %d]", packetSize, MinPacketSize, MaxPacketSize)
	}

	out := d.newPayloads()
	w := newPacketWalker(segment, packetSize)
	for raw := w.next(); raw != nil; raw = w.next() {
		d.stats.Packets++
		pkt, err := parsePacket(raw)
		if err != nil {
			d.stats.CorruptPackets++
			continue
		}
		if pkt.Header.TransportErrorIndicator {
			d.stats.CorruptPackets++
		}
		pid := pkt.Header.PID
		if !d.state.isPSI(pid) && !d.state.isSelected(pid) {
			continue
		}
		if unit := d.state.pool.add(pkt); unit != nil {
			d.route(unit, out)
		}
	}

	d.stats.SkippedBytes += int64(w.skipped)
	d.stats.CorruptPackets += int64(w.short)
	d.stats.DroppedUnits += int64(d.state.pool.takeDropped())
	if w.skipped > 0 {
		d.log.Debug("skipped bytes while searching for sync", "bytes", w.skipped)
	}
	return out, nil
}

// Flush releases every held unit. It is used at the end of a one-shot
// conversion where no further segment will complete them.
func (d *Demuxer) Flush() *Payloads {
	out := d.newPayloads()
	for _, unit := range d.state.pool.dump() {
		d.route(unit, out)
	}
	return out
}

func (d *Demuxer) newPayloads() *Payloads {
	out := &Payloads{}
	out.Video.PID, out.Video.StreamType = d.state.video.pid, d.state.video.streamType
	out.Audio.PID, out.Audio.StreamType = d.state.audio.pid, d.state.audio.streamType
	return out
}

func (d *Demuxer) route(unit []*Packet, out *Payloads) {
	pid := unit[0].Header.PID
	if d.state.isPSI(pid) {
		d.handlePSI(unit, out)
		return
	}
	if len(unit[0].Payload) < 3 || !isPESPayload(unit[0].Payload) {
		d.stats.DroppedUnits++
		return
	}
	limit := declaredPESSize(unit[0].Payload)
	switch {
	case d.state.video.ok && pid == d.state.video.pid:
		out.Video.append(unit, limit)
	case d.state.audio.ok && pid == d.state.audio.pid:
		out.Audio.append(unit, limit)
	}
}

func (d *Demuxer) handlePSI(unit []*Packet, out *Payloads) {
	var payload []byte
	for _, p := range unit {
		payload = append(payload, p.Payload...)
	}
	tables, err := parsePSI(payload)
	if err != nil {
		d.log.Warn("discarding PSI section", "pid", unit[0].Header.PID, "error", err)
	}
	for _, pat := range tables.pats {
		d.state.applyPAT(pat)
	}
	for _, pmt := range tables.pmts {
		if !d.state.applyPMT(pmt) {
			continue
		}
		v, a := d.state.video, d.state.audio
		d.log.Info("program streams selected",
			"video_pid", v.pid, "has_video", v.ok,
			"audio_pid", a.pid, "has_audio", a.ok)
		if out.Video.Len() == 0 {
			out.Video.PID, out.Video.StreamType = v.pid, v.streamType
		}
		if out.Audio.Len() == 0 {
			out.Audio.PID, out.Audio.StreamType = a.pid, a.streamType
		}
	}
}
