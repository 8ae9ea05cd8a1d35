package fragment

import (
	"bytes"
	"testing"

	mp4ff "github.com/Eyevinn/mp4ff/mp4"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/fragmenter/internal/tsgen"
)

var (
	testSPS = tsgen.SPS
	testPPS = tsgen.PPS
)

const (
	frameTicks = tsgen.FrameTicks
	firstDTS   = tsgen.FirstDTS
)

// buildStream returns the tables followed by n frames.
func buildStream(t *testing.T, n int, o tsgen.Options) []byte {
	t.Helper()
	data, err := tsgen.Stream(n, o)
	require.NoError(t, err)
	return data
}

// decodeBoxes decodes consecutive top-level boxes.
func decodeBoxes(t *testing.T, data []byte) []mp4ff.Box {
	t.Helper()
	var boxes []mp4ff.Box
	r := bytes.NewReader(data)
	var pos uint64
	for pos < uint64(len(data)) {
		box, err := mp4ff.DecodeBox(pos, r)
		require.NoError(t, err)
		boxes = append(boxes, box)
		pos += box.Size()
	}
	return boxes
}

func boxTypes(boxes []mp4ff.Box) []string {
	types := make([]string, len(boxes))
	for i, b := range boxes {
		types[i] = b.Type()
	}
	return types
}
