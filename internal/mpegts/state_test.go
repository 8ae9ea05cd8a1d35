package mpegts

import "testing"

func TestAccumulatorPUSIFlush(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	p1 := &Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x01}}
	flushed := acc.add(p1)
	if flushed != nil {
		t.Error("first packet should not flush")
	}

	p2 := &Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 1}, Payload: []byte{0x02}}
	flushed = acc.add(p2)
	if flushed != nil {
		t.Error("continuation should not flush")
	}

	p3 := &Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 2}, Payload: []byte{0x03}}
	flushed = acc.add(p3)
	if len(flushed) != 2 {
		t.Errorf("PUSI should flush 2 packets, got %d", len(flushed))
	}
}

func TestAccumulatorCCDiscontinuity(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x01}})
	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 1}, Payload: []byte{0x02}})

	// CC jump from 1 to 5 (skip 2,3,4)
	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 5}, Payload: []byte{0x03}})

	// The partial unit and the orphaned continuation are both gone.
	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 6}, Payload: []byte{0x04}})
	if flushed != nil {
		t.Errorf("after discontinuity, should flush nothing, got %d packets", len(flushed))
	}
	if acc.dropped != 1 {
		t.Errorf("dropped = %d, want 1", acc.dropped)
	}
}

func TestAccumulatorDuplicateFilter(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 3}, Payload: []byte{0x01}})
	// Duplicate with same CC
	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 3}, Payload: []byte{0x01}})
	if flushed != nil {
		t.Error("duplicate should be filtered")
	}

	// Next PUSI should only flush 1 packet (the original, not the dupe)
	flushed = acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 4}, Payload: []byte{0x02}})
	if len(flushed) != 1 {
		t.Errorf("should flush 1 packet, got %d", len(flushed))
	}
}

func TestAccumulatorTEIDiscard(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x01}})
	// TEI packet
	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, TransportErrorIndicator: true, ContinuityCounter: 1}, Payload: []byte{0x02}})

	// After TEI, buffer should be cleared
	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 2}, Payload: []byte{0x03}})
	if flushed != nil {
		t.Error("after TEI, there should be no buffered packets to flush")
	}
	if acc.dropped != 1 {
		t.Errorf("dropped = %d, want 1", acc.dropped)
	}
}

func TestAccumulatorAdaptationOnlySkipped(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x01}})
	// Adaptation-only packet (no payload)
	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: false, HasAdaptationField: true, ContinuityCounter: 0}})
	if flushed != nil {
		t.Error("adaptation-only should not trigger flush")
	}
}

func TestAccumulatorCCWraparound(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 15}, Payload: []byte{0x01}})
	// CC wraps from 15 to 0
	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 0}, Payload: []byte{0x02}})

	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 1}, Payload: []byte{0x03}})
	if len(flushed) != 2 {
		t.Errorf("CC wraparound should preserve buffer, got %d packets", len(flushed))
	}
}

func TestAccumulatorDiscontinuityIndicator(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())

	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x01}})
	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 1}, Payload: []byte{0x02}})

	// CC jump from 1 to 9, but discontinuity indicator is set - buffer should be preserved.
	acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, HasAdaptationField: true, DiscontinuityIndicator: true, ContinuityCounter: 9}, Payload: []byte{0x03}})

	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 10}, Payload: []byte{0x04}})
	if len(flushed) != 3 {
		t.Errorf("discontinuity indicator should preserve buffer, got %d packets", len(flushed))
	}
}

func TestPacketPoolDump(t *testing.T) {
	pp := newPacketPool(NewProgramState())

	pp.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x01}})
	pp.add(&Packet{Header: PacketHeader{PID: 0x200, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: []byte{0x02}})

	all := pp.dump()
	if len(all) != 2 {
		t.Errorf("dump should return 2 groups, got %d", len(all))
	}
}

func TestIsPSICompleteSingleSection(t *testing.T) {
	// Build a minimal PAT-like section:
	// pointer_field=0, table_id=0x00, section_syntax_indicator=1, section_length=5
	payload := []byte{
		0x00,       // pointer field
		0x00,       // table_id (PAT)
		0x80, 0x05, // section_syntax_indicator=1, section_length=5
		0x01, 0x02, 0x03, 0x04, 0x05, // section data (5 bytes)
	}
	packets := []*Packet{{Payload: payload}}
	if !isPSIComplete(packets) {
		t.Error("expected PSI complete")
	}
}

func TestIsPSICompleteIncomplete(t *testing.T) {
	payload := []byte{
		0x00,       // pointer field
		0x00,       // table_id (PAT)
		0x80, 0x0A, // section_syntax_indicator=1, section_length=10
		0x01, 0x02, 0x03, // only 3 of 10 bytes
	}
	packets := []*Packet{{Payload: payload}}
	if isPSIComplete(packets) {
		t.Error("expected PSI incomplete")
	}
}

func TestIsPSICompleteWithPadding(t *testing.T) {
	payload := []byte{
		0x00,       // pointer field
		0x00,       // table_id
		0x00, 0x02, // section_length = 2
		0x01, 0x02, // section data
		0xFF, 0xFF, // padding
	}
	packets := []*Packet{{Payload: payload}}
	if !isPSIComplete(packets) {
		t.Error("expected PSI complete with padding")
	}
}

func TestAccumulatorOrphanContinuationIgnored(t *testing.T) {
	acc := newPacketAccumulator(0x100, NewProgramState())
	flushed := acc.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, ContinuityCounter: 4}, Payload: []byte{0x01}})
	if flushed != nil || len(acc.packets) != 0 {
		t.Error("continuation without a unit start should not be buffered")
	}
}

func TestAccumulatorBoundedPESFlushesWhenComplete(t *testing.T) {
	acc := newPacketAccumulator(0x101, NewProgramState())
	pes := buildPESPacket(0xC0, 90000, 0, true, false, make([]byte, 300))

	first := &Packet{Header: PacketHeader{PID: 0x101, HasPayload: true, PayloadUnitStartIndicator: true, ContinuityCounter: 0}, Payload: pes[:184]}
	if flushed := acc.add(first); flushed != nil {
		t.Fatal("first half should not flush")
	}
	second := &Packet{Header: PacketHeader{PID: 0x101, HasPayload: true, ContinuityCounter: 1}, Payload: pes[184:]}
	flushed := acc.add(second)
	if len(flushed) != 2 {
		t.Fatalf("complete PES should flush 2 packets, got %d", len(flushed))
	}
	if len(acc.packets) != 0 {
		t.Error("accumulator should be empty after flush")
	}
}

func TestProgramStateSelectsFirstOfEachType(t *testing.T) {
	s := NewProgramState()
	s.applyPAT(&PATData{Programs: []*PATProgram{{ProgramNumber: 1, ProgramMapID: 0x1000}}})
	if !s.isPSI(0x1000) || !s.isPSI(pidPAT) {
		t.Fatal("PAT and PMT PIDs should be PSI")
	}

	changed := s.applyPMT(&PMTData{ElementaryStreams: []*PMTElementaryStream{
		{ElementaryPID: 0x102, StreamType: 0x06},
		{ElementaryPID: 0x100, StreamType: StreamTypeH264},
		{ElementaryPID: 0x101, StreamType: StreamTypeAAC},
		{ElementaryPID: 0x103, StreamType: StreamTypeH264},
	}})
	if !changed {
		t.Error("first PMT should change the selection")
	}
	if pid, ok := s.VideoPID(); !ok || pid != 0x100 {
		t.Errorf("video PID = 0x%X, %v; want 0x100, true", pid, ok)
	}
	if pid, ok := s.AudioPID(); !ok || pid != 0x101 {
		t.Errorf("audio PID = 0x%X, %v; want 0x101, true", pid, ok)
	}
	if s.isSelected(0x103) {
		t.Error("second H.264 stream should not be selected")
	}
}

func TestProgramStateReselectDropsStaleUnits(t *testing.T) {
	s := NewProgramState()
	s.applyPMT(&PMTData{ElementaryStreams: []*PMTElementaryStream{{ElementaryPID: 0x100, StreamType: StreamTypeH264}}})
	s.pool.add(&Packet{Header: PacketHeader{PID: 0x100, HasPayload: true, PayloadUnitStartIndicator: true}, Payload: []byte{0x00, 0x00, 0x01, 0xE0}})

	if s.applyPMT(&PMTData{ElementaryStreams: []*PMTElementaryStream{{ElementaryPID: 0x100, StreamType: StreamTypeH264}}}) {
		t.Error("identical PMT should not change the selection")
	}
	if _, ok := s.pool.accs[0x100]; !ok {
		t.Fatal("unit of the kept PID should survive")
	}

	s.applyPMT(&PMTData{ElementaryStreams: []*PMTElementaryStream{{ElementaryPID: 0x200, StreamType: StreamTypeH264}}})
	if _, ok := s.pool.accs[0x100]; ok {
		t.Error("unit of the deselected PID should be dropped")
	}
}
