package hwenc

import "github.com/prometheus/client_golang/prometheus"

type statDesc struct {
	desc  *prometheus.Desc
	value func(ComponentStats) uint64
}

// StatsCollector exports component statistics as Prometheus counters.
type StatsCollector struct {
	components []*Component
	stats      []statDesc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector creates a collector for the given components.
func NewStatsCollector(components ...*Component) *StatsCollector {
	labels := []string{"component", "id"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("hwenc_"+name, help, labels, nil)
	}
	return &StatsCollector{
		components: components,
		stats: []statDesc{
			{desc("works_queued_total", "Works accepted by Queue."), func(s ComponentStats) uint64 { return s.WorksQueued }},
			{desc("works_completed_total", "Works returned with status ok."), func(s ComponentStats) uint64 { return s.WorksCompleted }},
			{desc("works_failed_total", "Works returned with a failure status."), func(s ComponentStats) uint64 { return s.WorksFailed }},
			{desc("works_canceled_total", "Works canceled by stop, flush or a halt."), func(s ComponentStats) uint64 { return s.WorksCanceled }},
			{desc("empty_works_total", "Works queued without an input frame."), func(s ComponentStats) uint64 { return s.EmptyWorks }},
			{desc("frames_encoded_total", "Access units produced."), func(s ComponentStats) uint64 { return s.FramesEncoded }},
			{desc("keyframes_encoded_total", "Sync frames produced."), func(s ComponentStats) uint64 { return s.KeyframesEncoded }},
			{desc("encoded_bytes_total", "Bytes of coded output."), func(s ComponentStats) uint64 { return s.BytesEncoded }},
			{desc("tripped_total", "Tripped events raised."), func(s ComponentStats) uint64 { return s.Tripped }},
			{desc("errors_total", "Error events raised."), func(s ComponentStats) uint64 { return s.Errors }},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, s := range c.stats {
		ch <- s.desc
	}
}

// Collect implements prometheus.Collector.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, comp := range c.components {
		stats := comp.Stats()
		for _, s := range c.stats {
			ch <- prometheus.MustNewConstMetric(s.desc, prometheus.CounterValue,
				float64(s.value(stats)), comp.Name(), comp.ID().String())
		}
	}
}
