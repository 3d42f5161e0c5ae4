package sim

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes simulator state as prometheus metrics. It reads heap
// and collector statistics at scrape time; nothing is recorded on the
// allocation path.
type Collector struct {
	sim *Simulator

	bytesLive     *prometheus.Desc
	bytesFree     *prometheus.Desc
	fragmentation *prometheus.Desc
	allocsTotal   *prometheus.Desc
	freesTotal    *prometheus.Desc
	failedAllocs  *prometheus.Desc
	freeBlocks    *prometheus.Desc
	stackMark     *prometheus.Desc
	gcCycles      *prometheus.Desc
	gcObjects     *prometheus.Desc
	gcBytes       *prometheus.Desc
}

// NewCollector creates a prometheus collector over the simulator.
func NewCollector(s *Simulator) *Collector {
	return &Collector{
		sim: s,
		bytesLive: prometheus.NewDesc(
			"memsim_heap_live_bytes",
			"Bytes currently held by live heap allocations.",
			nil, nil,
		),
		bytesFree: prometheus.NewDesc(
			"memsim_heap_free_bytes",
			"Bytes currently on the heap free list.",
			nil, nil,
		),
		fragmentation: prometheus.NewDesc(
			"memsim_heap_fragmentation_ratio",
			"1 - largest_free_block / total_free bytes.",
			nil, nil,
		),
		allocsTotal: prometheus.NewDesc(
			"memsim_heap_allocations_total",
			"Total heap allocations performed.",
			nil, nil,
		),
		freesTotal: prometheus.NewDesc(
			"memsim_heap_frees_total",
			"Total heap frees performed.",
			nil, nil,
		),
		failedAllocs: prometheus.NewDesc(
			"memsim_heap_failed_allocations_total",
			"Heap allocations rejected with OutOfMemory.",
			nil, nil,
		),
		freeBlocks: prometheus.NewDesc(
			"memsim_heap_free_blocks",
			"Number of blocks on the heap free list.",
			nil, nil,
		),
		stackMark: prometheus.NewDesc(
			"memsim_stack_mark_bytes",
			"Current stack high-water mark.",
			nil, nil,
		),
		gcCycles: prometheus.NewDesc(
			"memsim_gc_cycles_total",
			"Completed collection cycles.",
			nil, nil,
		),
		gcObjects: prometheus.NewDesc(
			"memsim_gc_freed_objects_total",
			"Objects reclaimed by the collector.",
			nil, nil,
		),
		gcBytes: prometheus.NewDesc(
			"memsim_gc_freed_bytes_total",
			"Bytes reclaimed by the collector.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesLive
	ch <- c.bytesFree
	ch <- c.fragmentation
	ch <- c.allocsTotal
	ch <- c.freesTotal
	ch <- c.failedAllocs
	ch <- c.freeBlocks
	ch <- c.stackMark
	ch <- c.gcCycles
	ch <- c.gcObjects
	ch <- c.gcBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	hs := c.sim.Heap().Stats()
	ss := c.sim.Stack().Stats()
	gs := c.sim.GCStats()

	ch <- prometheus.MustNewConstMetric(c.bytesLive, prometheus.GaugeValue, float64(hs.BytesLive))
	ch <- prometheus.MustNewConstMetric(c.bytesFree, prometheus.GaugeValue, float64(hs.BytesFree))
	ch <- prometheus.MustNewConstMetric(c.fragmentation, prometheus.GaugeValue, c.sim.Heap().FragmentationRatio())
	ch <- prometheus.MustNewConstMetric(c.allocsTotal, prometheus.CounterValue, float64(hs.AllocCount))
	ch <- prometheus.MustNewConstMetric(c.freesTotal, prometheus.CounterValue, float64(hs.FreeCount))
	ch <- prometheus.MustNewConstMetric(c.failedAllocs, prometheus.CounterValue, float64(hs.FailedAllocs))
	ch <- prometheus.MustNewConstMetric(c.freeBlocks, prometheus.GaugeValue, float64(hs.FreeBlockCount))
	ch <- prometheus.MustNewConstMetric(c.stackMark, prometheus.GaugeValue, float64(ss.Mark))
	ch <- prometheus.MustNewConstMetric(c.gcCycles, prometheus.CounterValue, float64(gs.Cycles))
	ch <- prometheus.MustNewConstMetric(c.gcObjects, prometheus.CounterValue, float64(gs.ObjectsFreed))
	ch <- prometheus.MustNewConstMetric(c.gcBytes, prometheus.CounterValue, float64(gs.BytesFreed))
}
