// Package demux parses the elementary streams carried in MPEG-TS: H.264
// Annex B video and ADTS-framed AAC audio.
//
// [ParseAnnexB] and [ParseSPS] read the video bitstream, and
// [ExtractAccessUnit] rewrites one PES payload into the 4-byte
// length-prefixed form stored in MP4 samples. [ParseADTS] splits audio into
// raw AAC frames and reports the header needed for the decoder
// configuration.
package demux
