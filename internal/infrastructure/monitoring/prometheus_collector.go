package monitoring

import (
	"time"

	"beamdrop/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records node and broker activity. It satisfies
// ports.MetricsRecorder and signal.Metrics.
type PrometheusCollector struct {
	// Node
	devicesConnected  *prometheus.GaugeVec
	filesEnqueued     *prometheus.CounterVec
	filesReceived     *prometheus.CounterVec
	bytesReceived     prometheus.Counter
	transfersFinished *prometheus.CounterVec
	bytesSent         prometheus.Counter
	analysisDuration  *prometheus.HistogramVec
	protocolErrors    *prometheus.CounterVec

	// Broker
	peersRegistered prometheus.Gauge
	messagesRouted  *prometheus.CounterVec
}

// NewPrometheusCollector registers the collector's metrics with reg. A nil
// reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		devicesConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beamdrop_devices_connected",
			Help: "Number of connected devices by device kind",
		}, []string{"kind"}),

		filesEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamdrop_files_enqueued_total",
			Help: "Total number of local files added to the outbox",
		}, []string{"media_kind"}),

		filesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamdrop_files_received_total",
			Help: "Total number of files received from peers",
		}, []string{"media_kind"}),

		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "beamdrop_received_bytes_total",
			Help: "Total payload bytes received from peers",
		}),

		transfersFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamdrop_transfers_finished_total",
			Help: "Total number of outgoing transfers by final state",
		}, []string{"state"}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "beamdrop_sent_bytes_total",
			Help: "Total payload bytes delivered to peers",
		}),

		analysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beamdrop_analysis_duration_seconds",
			Help:    "Duration of file analyses by outcome",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"state"}),

		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamdrop_protocol_errors_total",
			Help: "Total number of rejected peer messages by reason",
		}, []string{"reason"}),

		peersRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beamdrop_signal_peers_registered",
			Help: "Number of peers registered with this broker instance",
		}),

		messagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beamdrop_signal_messages_total",
			Help: "Total number of signaling messages by type and outcome",
		}, []string{"type", "outcome"}),
	}
}

func (p *PrometheusCollector) DeviceConnected(kind domain.DeviceKind) {
	p.devicesConnected.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) DeviceDisconnected(kind domain.DeviceKind) {
	p.devicesConnected.WithLabelValues(string(kind)).Dec()
}

func (p *PrometheusCollector) FileEnqueued(kind domain.MediaKind) {
	p.filesEnqueued.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) FileReceived(kind domain.MediaKind, bytes int64) {
	p.filesReceived.WithLabelValues(string(kind)).Inc()
	p.bytesReceived.Add(float64(bytes))
}

// TransferFinished counts bytes only for completed transfers.
func (p *PrometheusCollector) TransferFinished(state domain.TransferState, bytes int64) {
	p.transfersFinished.WithLabelValues(string(state)).Inc()
	if state == domain.TransferCompleted {
		p.bytesSent.Add(float64(bytes))
	}
}

func (p *PrometheusCollector) AnalysisFinished(state domain.AnalysisState, duration time.Duration) {
	p.analysisDuration.WithLabelValues(string(state)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ProtocolError(reason string) {
	p.protocolErrors.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) PeerRegistered() {
	p.peersRegistered.Inc()
}

func (p *PrometheusCollector) PeerUnregistered() {
	p.peersRegistered.Dec()
}

func (p *PrometheusCollector) MessageRouted(msgType, outcome string) {
	p.messagesRouted.WithLabelValues(msgType, outcome).Inc()
}
