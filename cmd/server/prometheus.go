package main

import (
	"github.com/miretskiy/tcpsim/simulator"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Prometheus metrics (gauges)
	promMetrics = struct {
		cwnd          prometheus.Gauge
		ssthresh      prometheus.Gauge
		bytesInFlight prometheus.Gauge
		srtt          prometheus.Gauge
		rto           prometheus.Gauge
		goodput       prometheus.Gauge
		utilization   prometheus.Gauge
		bytesReceived prometheus.Gauge
		drops         prometheus.Gauge
		retransmits   prometheus.Gauge
		queuePackets  *prometheus.GaugeVec
	}{
		cwnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_cwnd_bytes",
			Help: "Congestion window",
		}),
		ssthresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_ssthresh_bytes",
			Help: "Slow start threshold",
		}),
		bytesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_bytes_in_flight",
			Help: "Bytes sent but not yet acknowledged",
		}),
		srtt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_srtt_seconds",
			Help: "Smoothed round-trip time",
		}),
		rto: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_rto_seconds",
			Help: "Retransmission timeout",
		}),
		goodput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_goodput_mbps",
			Help: "Smoothed in-order delivery rate at the receiver",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_bottleneck_utilization_ratio",
			Help: "Fraction of time the bottleneck link was transmitting",
		}),
		bytesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_bytes_received",
			Help: "Bytes delivered in order to the receiver in the current run",
		}),
		drops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_drops",
			Help: "Packets dropped by every queue in the current run",
		}),
		retransmits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tcpsim_retransmissions",
			Help: "Segments retransmitted in the current run",
		}),
		queuePackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tcpsim_queue_packets",
			Help: "Packets waiting in each link queue",
		}, []string{"link"}),
	}
)

func initPrometheusMetrics() {
	prometheus.MustRegister(
		promMetrics.cwnd,
		promMetrics.ssthresh,
		promMetrics.bytesInFlight,
		promMetrics.srtt,
		promMetrics.rto,
		promMetrics.goodput,
		promMetrics.utilization,
		promMetrics.bytesReceived,
		promMetrics.drops,
		promMetrics.retransmits,
		promMetrics.queuePackets,
	)
}

func updatePrometheusMetrics(metrics *simulator.Metrics) {
	promMetrics.cwnd.Set(float64(metrics.Cwnd))
	promMetrics.ssthresh.Set(float64(metrics.SsThresh))
	promMetrics.bytesInFlight.Set(float64(metrics.BytesInFlight))
	promMetrics.srtt.Set(metrics.SRTTSec)
	promMetrics.rto.Set(metrics.RTOSec)
	promMetrics.goodput.Set(metrics.GoodputMbps)
	promMetrics.utilization.Set(metrics.BottleneckUtilization)
	promMetrics.bytesReceived.Set(float64(metrics.BytesReceived))
	promMetrics.drops.Set(float64(metrics.Drops))
	promMetrics.retransmits.Set(float64(metrics.Retransmissions))

	for _, link := range metrics.Links {
		promMetrics.queuePackets.WithLabelValues(link.Name).Set(float64(link.QueueLen))
	}
}
