package metrics

import "github.com/prometheus/client_golang/prometheus"

const demuxSubsystem = "demux"

var (
	demuxPacketsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, demuxSubsystem, "packets_total"),
		"Transport stream packets walked",
		[]string{"stream"}, nil,
	)
	demuxCorruptDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, demuxSubsystem, "corrupt_packets_total"),
		"Packets with a transport error or a malformed header",
		[]string{"stream"}, nil,
	)
	demuxSkippedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, demuxSubsystem, "skipped_bytes_total"),
		"Bytes skipped while searching for a sync byte",
		[]string{"stream"}, nil,
	)
	demuxDroppedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, demuxSubsystem, "dropped_units_total"),
		"PES packets discarded on continuity errors",
		[]string{"stream"}, nil,
	)
	sequenceDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "stream_sequence"),
		"Sequence number of the last media segment",
		[]string{"stream"}, nil,
	)
)

// StreamStats is a per-stream snapshot exported at scrape time.
type StreamStats struct {
	Key            string
	Packets        int64
	CorruptPackets int64
	SkippedBytes   int64
	DroppedUnits   int64
	Sequence       uint32
}

// streamCollector reads per-stream counters on every scrape. It implements
// prometheus.Collector.
type streamCollector struct {
	source func() []StreamStats
}

// Describe implements prometheus.Collector.
func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- demuxPacketsDesc
	ch <- demuxCorruptDesc
	ch <- demuxSkippedDesc
	ch <- demuxDroppedDesc
	ch <- sequenceDesc
}

// Collect implements prometheus.Collector.
func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source() {
		ch <- prometheus.MustNewConstMetric(demuxPacketsDesc, prometheus.CounterValue, float64(s.Packets), s.Key)
		ch <- prometheus.MustNewConstMetric(demuxCorruptDesc, prometheus.CounterValue, float64(s.CorruptPackets), s.Key)
		ch <- prometheus.MustNewConstMetric(demuxSkippedDesc, prometheus.CounterValue, float64(s.SkippedBytes), s.Key)
		ch <- prometheus.MustNewConstMetric(demuxDroppedDesc, prometheus.CounterValue, float64(s.DroppedUnits), s.Key)
		ch <- prometheus.MustNewConstMetric(sequenceDesc, prometheus.GaugeValue, float64(s.Sequence), s.Key)
	}
}

// RegisterStreams exports the snapshots returned by source on each scrape.
func (m *Metrics) RegisterStreams(source func() []StreamStats) error {
	if m == nil {
		return nil
	}
	return m.Registry.Register(&streamCollector{source: source})
}
