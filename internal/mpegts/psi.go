package mpegts

import "fmt"

const (
	pidPAT = 0x0000

	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// psiTables holds the tables found in one reassembled PSI payload.
type psiTables struct {
	pats []*PATData
	pmts []*PMTData
}

// parsePSI walks every section in a PSI payload, honoring the pointer field.
// Sections that fail to parse end the walk; tables parsed before them are
// still returned.
func parsePSI(payload []byte) (psiTables, error) {
	var tables psiTables
	if len(payload) < 1 {
		return tables, fmt.Errorf("mpegts: PSI payload too short")
	}

	pointerField := int(payload[0])
	offset := 1 + pointerField
	if offset >= len(payload) {
		return tables, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	for offset < len(payload) {
		tableID := payload[offset]
		if tableID == 0xFF {
			break // stuffing
		}
		if offset+3 > len(payload) {
			break
		}
		// Zero padding has section_syntax_indicator clear.
		if payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return tables, err
			}
			tables.pats = append(tables.pats, pat)
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return tables, err
			}
			tables.pmts = append(tables.pmts, pmt)
		}

		offset = sectionEnd
	}

	return tables, nil
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT: %w", err)
	}

	// [0] table_id, [1-2] flags + section_length, [3-4] transport_stream_id,
	// [5] version, [6-7] section numbers, then 4-byte program entries, CRC32.
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	entryEnd := min(3+sectionLength-4, len(data)-4)

	pat := &PATData{}
	for i := 8; i+4 <= entryEnd; i += 4 {
		programNumber := uint16(data[i])<<8 | uint16(data[i+1])
		pmtPID := uint16(data[i+2]&0x1F)<<8 | uint16(data[i+3])
		if programNumber == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{
			ProgramNumber: programNumber,
			ProgramMapID:  pmtPID,
		})
	}
	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT: %w", err)
	}

	// [0] table_id, [1-2] flags + section_length, [3-4] program_number,
	// [5] version, [6-7] section numbers, [8-9] PCR_PID,
	// [10-11] program_info_length, descriptors, ES entries, CRC32.
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	sectionLength := int(data[1]&0x0F)<<8 | int(data[2])
	sectionEnd := min(3+sectionLength, len(data))

	programInfoLength := int(data[10]&0x0F)<<8 | int(data[11])
	offset := 12 + programInfoLength

	pmt := &PMTData{
		PCRPID: uint16(data[8]&0x1F)<<8 | uint16(data[9]),
	}
	for offset+5 <= sectionEnd-4 {
		streamType := data[offset]
		elementaryPID := uint16(data[offset+1]&0x1F)<<8 | uint16(data[offset+2])
		esInfoLength := int(data[offset+3]&0x0F)<<8 | int(data[offset+4])

		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			ElementaryPID: elementaryPID,
			StreamType:    streamType,
		})
		offset += 5 + esInfoLength
	}
	return pmt, nil
}
