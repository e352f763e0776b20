package transmission

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time snapshot of one Manager's send/receive activity
// (spec §4.6's get_stats()/reset_stats()). Every read via GetStats is
// internally consistent: the whole struct is copied under one lock.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsSent     uint64
	PacketsReceived uint64
	Retransmissions uint64
	PacketLoss      uint64

	CurrentRTT time.Duration
	AvgRTT     time.Duration
	MinRTT     time.Duration
	MaxRTT     time.Duration

	CurrentWindowSize int

	EncryptionEstablished bool
	CipherSuite           string
}

// Header and ToSlice satisfy std.Recorder, letting a Manager's Stats be
// logged the same way the teacher's kcp.Snmp counters were (spec §4.6's
// stats surface gains a CSV sink for free via std.PeriodicCSVLog).
func (s Stats) Header() []string {
	return []string{
		"BytesSent", "BytesReceived", "PacketsSent", "PacketsReceived",
		"Retransmissions", "PacketLoss", "CurrentRTT", "AvgRTT",
		"CurrentWindowSize", "EncryptionEstablished", "CipherSuite",
	}
}

func (s Stats) ToSlice() []string {
	return []string{
		fmt.Sprint(s.BytesSent), fmt.Sprint(s.BytesReceived),
		fmt.Sprint(s.PacketsSent), fmt.Sprint(s.PacketsReceived),
		fmt.Sprint(s.Retransmissions), fmt.Sprint(s.PacketLoss),
		fmt.Sprint(s.CurrentRTT), fmt.Sprint(s.AvgRTT),
		fmt.Sprint(s.CurrentWindowSize), fmt.Sprint(s.EncryptionEstablished),
		s.CipherSuite,
	}
}

// statsTracker owns the mutable Stats behind its own mutex, independent of
// Manager's main mutex, mirroring spec §5's "retry stats (retry mutex)"
// separation of concerns.
type statsTracker struct {
	mu    sync.Mutex
	stats Stats

	rttSamples int
}

func (s *statsTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *statsTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{}
	s.rttSamples = 0
}

func (s *statsTracker) recordSend(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesSent += uint64(n)
	s.stats.PacketsSent++
}

func (s *statsTracker) recordReceive(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesReceived += uint64(n)
	s.stats.PacketsReceived++
}

func (s *statsTracker) recordRetransmission() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Retransmissions++
}

func (s *statsTracker) recordLoss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.PacketLoss++
}

func (s *statsTracker) recordRTT(rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.CurrentRTT = rtt
	if s.rttSamples == 0 || rtt < s.stats.MinRTT {
		s.stats.MinRTT = rtt
	}
	if rtt > s.stats.MaxRTT {
		s.stats.MaxRTT = rtt
	}
	s.rttSamples++
	// Running mean, avoiding a stored sample slice (spec only requires the
	// aggregate, unlike flowctl's deque which also needs a windowed min).
	s.stats.AvgRTT += (rtt - s.stats.AvgRTT) / time.Duration(s.rttSamples)
}

func (s *statsTracker) recordWindowSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.CurrentWindowSize = n
}

func (s *statsTracker) recordSecurity(established bool, suite string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.EncryptionEstablished = established
	s.stats.CipherSuite = suite
}

// Collector exports a Manager's Stats as Prometheus gauges, grounded on
// sockstats' exporter.TCPInfoCollector idiom (a Collector wrapping live
// connection state rather than a static registry of pre-set values).
type Collector struct {
	mgr    *Manager
	labels prometheus.Labels

	bytesSent       *prometheus.Desc
	bytesReceived   *prometheus.Desc
	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	retransmissions *prometheus.Desc
	packetLoss      *prometheus.Desc
	currentRTT      *prometheus.Desc
	windowSize      *prometheus.Desc
	encrypted       *prometheus.Desc
}

// NewCollector builds a Collector for mgr. constLabels identifies the
// connection (e.g. peer address) across scrapes.
func NewCollector(mgr *Manager, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("xenocomm_"+name, help, nil, constLabels)
	}
	return &Collector{
		mgr:             mgr,
		labels:          constLabels,
		bytesSent:       desc("bytes_sent_total", "Total bytes sent."),
		bytesReceived:   desc("bytes_received_total", "Total bytes received."),
		packetsSent:     desc("packets_sent_total", "Total fragments sent."),
		packetsReceived: desc("packets_received_total", "Total fragments received."),
		retransmissions: desc("retransmissions_total", "Total fragment retransmissions."),
		packetLoss:      desc("packet_loss_total", "Total failed fragment send attempts plus received fragments that failed verification."),
		currentRTT:      desc("current_rtt_seconds", "Most recently observed round-trip time."),
		windowSize:      desc("current_window_size_bytes", "Current flow-control window size."),
		encrypted:       desc("encryption_established", "1 if a secure channel is currently established."),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSent
	descs <- c.bytesReceived
	descs <- c.packetsSent
	descs <- c.packetsReceived
	descs <- c.retransmissions
	descs <- c.packetLoss
	descs <- c.currentRTT
	descs <- c.windowSize
	descs <- c.encrypted
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	s := c.mgr.GetStats()
	metrics <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(s.BytesSent))
	metrics <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(s.BytesReceived))
	metrics <- prometheus.MustNewConstMetric(c.packetsSent, prometheus.CounterValue, float64(s.PacketsSent))
	metrics <- prometheus.MustNewConstMetric(c.packetsReceived, prometheus.CounterValue, float64(s.PacketsReceived))
	metrics <- prometheus.MustNewConstMetric(c.retransmissions, prometheus.CounterValue, float64(s.Retransmissions))
	metrics <- prometheus.MustNewConstMetric(c.packetLoss, prometheus.CounterValue, float64(s.PacketLoss))
	metrics <- prometheus.MustNewConstMetric(c.currentRTT, prometheus.GaugeValue, s.CurrentRTT.Seconds())
	metrics <- prometheus.MustNewConstMetric(c.windowSize, prometheus.GaugeValue, float64(s.CurrentWindowSize))
	encrypted := 0.0
	if s.EncryptionEstablished {
		encrypted = 1.0
	}
	metrics <- prometheus.MustNewConstMetric(c.encrypted, prometheus.GaugeValue, encrypted)
}
