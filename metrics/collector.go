// Package metrics exports the counters of a TCP stack to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/tcpcore/lib"
)

const namespace = "tcpcore"

var (
	listLenDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "list_pcbs"),
		"Number of PCBs in each registry list",
		[]string{"list"}, nil,
	)
	stateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "connections"),
		"Number of connections in each TCP state",
		[]string{"state"}, nil,
	)
	poolDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pool_used"),
		"Entries in use per fixed-size pool",
		[]string{"pool"}, nil,
	)
	poolCapDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pool_capacity"),
		"Capacity of each fixed-size pool",
		[]string{"pool"}, nil,
	)
	removalsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "removals_total"),
		"Connections removed by the stack, by reason",
		[]string{"reason"}, nil,
	)
	evictionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "evictions_total"),
		"Connections evicted to make room for a new one, by victim kind",
		[]string{"kind"}, nil,
	)
	eventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "events_total"),
		"Protocol events",
		[]string{"event"}, nil,
	)
)

// StatsSource is satisfied by *lib.Core.
type StatsSource interface {
	Stats() (lib.Stats, error)
}

// Collector reads a snapshot from its source on every scrape.
type Collector struct {
	src StatsSource
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src StatsSource) *Collector {
	return &Collector{src: src}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		listLenDesc, stateDesc, poolDesc, poolCapDesc, removalsDesc, evictionsDesc, eventsDesc,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st, err := c.src.Stats()
	if err != nil {
		logrus.WithError(err).Warn("cannot read tcp stats")
		return
	}

	gauge := func(d *prometheus.Desc, v int, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), label)
	}
	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}

	gauge(listLenDesc, st.Bound, "bound")
	gauge(listLenDesc, st.Listen, "listen")
	gauge(listLenDesc, st.Active, "active")
	gauge(listLenDesc, st.TimeWait, "time_wait")

	for _, s := range lib.AllStates() {
		gauge(stateDesc, st.States[s], s.String())
	}

	for _, p := range []struct {
		name      string
		used, cap int
	}{
		{"connections", st.Connections, st.ConnCapacity},
		{"listeners", st.Listeners, st.ListenerCapacity},
		{"timeouts", st.TimeoutsPending, st.TimeoutsCapacity},
		{"buffers", st.BuffersInUse, st.BufferCapacity},
	} {
		gauge(poolDesc, p.used, p.name)
		gauge(poolCapDesc, p.cap, p.name)
	}

	for _, r := range lib.AllReasons() {
		counter(removalsDesc, st.Removals[r], r.String())
	}
	for _, k := range lib.AllEvictionKinds() {
		counter(evictionsDesc, st.Evictions[k], k.String())
	}

	for _, e := range []struct {
		name string
		v    uint64
	}{
		{"time_wait_expired", st.TimeWaitExpired},
		{"retransmits", st.Retransmits},
		{"persist_probes", st.PersistProbes},
		{"keepalive_probes", st.KeepaliveProbes},
		{"resets_sent", st.ResetsSent},
		{"delayed_acks", st.DelayedAcks},
		{"refused_redeliveries", st.RefusedRedeliveries},
		{"slow_ticks", st.SlowTicks},
		{"fast_ticks", st.FastTicks},
		{"timer_arm_failures", st.TimerArmFailures},
		{"alloc_failures", st.AllocFailures},
		{"input_drops", st.InputDrops},
	} {
		counter(eventsDesc, e.v, e.name)
	}
}
