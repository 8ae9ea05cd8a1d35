package mpegts

import "sort"

// ProgramState is the PAT/PMT knowledge and the partially received units
// of one stream. A live session keeps one ProgramState across Demux calls
// so PID selection and PES packets split over segment boundaries survive.
type ProgramState struct {
	pmtPIDs map[uint16]bool

	video selection
	audio selection

	pool *packetPool
}

type selection struct {
	pid        uint16
	streamType uint8
	ok         bool
}

// NewProgramState returns an empty state with no PIDs selected.
func NewProgramState() *ProgramState {
	s := &ProgramState{pmtPIDs: make(map[uint16]bool)}
	s.pool = newPacketPool(s)
	return s
}

// VideoPID returns the selected H.264 PID.
func (s *ProgramState) VideoPID() (uint16, bool) { return s.video.pid, s.video.ok }

// AudioPID returns the selected AAC PID.
func (s *ProgramState) AudioPID() (uint16, bool) { return s.audio.pid, s.audio.ok }

func (s *ProgramState) isPSI(pid uint16) bool {
	return pid == pidPAT || s.pmtPIDs[pid]
}

func (s *ProgramState) isSelected(pid uint16) bool {
	return (s.video.ok && s.video.pid == pid) || (s.audio.ok && s.audio.pid == pid)
}

func (s *ProgramState) applyPAT(pat *PATData) {
	for _, p := range pat.Programs {
		s.pmtPIDs[p.ProgramMapID] = true
	}
}

// applyPMT selects the first H.264 and the first AAC stream of the PMT.
// It reports whether the selection changed.
func (s *ProgramState) applyPMT(pmt *PMTData) bool {
	var video, audio selection
	for _, es := range pmt.ElementaryStreams {
		switch {
		case es.StreamType == StreamTypeH264 && !video.ok:
			video = selection{pid: es.ElementaryPID, streamType: es.StreamType, ok: true}
		case es.StreamType == StreamTypeAAC && !audio.ok:
			audio = selection{pid: es.ElementaryPID, streamType: es.StreamType, ok: true}
		}
	}
	changed := video != s.video || audio != s.audio
	if changed {
		// Units buffered for a PID that is no longer selected are useless.
		for pid := range s.pool.accs {
			if !s.isPSI(pid) && pid != video.pid && pid != audio.pid {
				delete(s.pool.accs, pid)
			}
		}
	}
	s.video, s.audio = video, audio
	return changed
}

// packetAccumulator buffers the packets of one unit for a single PID.
type packetAccumulator struct {
	pid     uint16
	packets []*Packet
	size    int
	// want is the total PES size declared by the unit's first packet, or 0
	// when the length is unbounded or not yet known.
	want    int
	state   *ProgramState
	dropped int
}

func newPacketAccumulator(pid uint16, s *ProgramState) *packetAccumulator {
	return &packetAccumulator{
		pid:   pid,
		state: s,
	}
}

func (pa *packetAccumulator) reset() {
	if len(pa.packets) > 0 {
		pa.dropped++
	}
	pa.packets = nil
	pa.size = 0
	pa.want = 0
}

func (pa *packetAccumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		pa.reset()
		return nil
	}

	if !p.Header.HasPayload {
		return nil
	}

	// A signaled discontinuity indicator means the CC jump is expected.
	if len(pa.packets) > 0 && !p.Header.DiscontinuityIndicator {
		prev := pa.packets[len(pa.packets)-1].Header.ContinuityCounter
		expected := (prev + 1) & 0x0F
		if p.Header.ContinuityCounter != expected {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate
			}
			pa.reset()
		}
	}

	// Continuation packets without a unit start carry nothing usable.
	if len(pa.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(pa.packets) > 0 {
		flushed = pa.flush()
	}

	pa.packets = append(pa.packets, p)
	pa.size += len(p.Payload)
	if len(pa.packets) == 1 && !pa.state.isPSI(pa.pid) {
		pa.want = declaredPESSize(p.Payload)
	}

	if flushed != nil {
		return flushed
	}
	if pa.state.isPSI(pa.pid) {
		if isPSIComplete(pa.packets) {
			return pa.flush()
		}
		return nil
	}
	if pa.want > 0 && pa.size >= pa.want {
		return pa.flush()
	}
	return nil
}

func (pa *packetAccumulator) flush() []*Packet {
	if len(pa.packets) == 0 {
		return nil
	}
	flushed := pa.packets
	pa.packets = nil
	pa.size = 0
	pa.want = 0
	return flushed
}

// declaredPESSize returns 6 + PES_packet_length, or 0 for unbounded packets.
func declaredPESSize(payload []byte) int {
	if len(payload) < 6 || !isPESPayload(payload) {
		return 0
	}
	n := int(payload[4])<<8 | int(payload[5])
	if n == 0 {
		return 0
	}
	return 6 + n
}

// isPSIComplete checks whether the accumulated payloads contain a complete PSI section.
func isPSIComplete(packets []*Packet) bool {
	var payload []byte
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	if len(payload) < 1 {
		return false
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return false
	}

	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		// Zero padding has section_syntax_indicator clear.
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		needed := 3 + sectionLength
		if offset+needed > len(payload) {
			return false
		}
		offset += needed
	}
	return true
}

// packetPool manages per-PID accumulators.
type packetPool struct {
	accs  map[uint16]*packetAccumulator
	state *ProgramState
}

func newPacketPool(s *ProgramState) *packetPool {
	return &packetPool{
		accs:  make(map[uint16]*packetAccumulator),
		state: s,
	}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	pid := p.Header.PID
	acc, ok := pp.accs[pid]
	if !ok {
		acc = newPacketAccumulator(pid, pp.state)
		pp.accs[pid] = acc
	}
	return acc.add(p)
}

// takeDropped returns and clears the number of units discarded on
// continuity or transport errors.
func (pp *packetPool) takeDropped() int {
	n := 0
	for _, acc := range pp.accs {
		n += acc.dropped
		acc.dropped = 0
	}
	return n
}

// dump flushes every accumulator, PAT first, then PMTs, then by PID.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]int, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[uint16(pid)].flush(); packets != nil {
			all = append(all, packets)
		}
	}
	return all
}
