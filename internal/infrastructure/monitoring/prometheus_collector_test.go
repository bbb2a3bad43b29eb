package monitoring

import (
	"testing"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/internal/core/ports"
	"beamdrop/internal/infrastructure/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ports.MetricsRecorder = (*PrometheusCollector)(nil)
	_ signal.Metrics        = (*PrometheusCollector)(nil)
)

// gathered flattens a registry into name{label values} -> value.
func gathered(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			key := family.GetName()
			for _, label := range m.GetLabel() {
				key += "|" + label.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestPrometheusCollector_NodeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.DeviceConnected(domain.DeviceAndroid)
	c.DeviceConnected(domain.DeviceAndroid)
	c.DeviceDisconnected(domain.DeviceAndroid)
	c.FileEnqueued(domain.MediaImage)
	c.FileReceived(domain.MediaText, 12)
	c.TransferFinished(domain.TransferCompleted, 100)
	c.TransferFinished(domain.TransferFailed, 50)
	c.AnalysisFinished(domain.AnalysisCompleted, 2*time.Second)
	c.ProtocolError("malformed")

	got := gathered(t, reg)
	assert.Equal(t, 1.0, got["beamdrop_devices_connected|Android"])
	assert.Equal(t, 1.0, got["beamdrop_files_enqueued_total|Image"])
	assert.Equal(t, 1.0, got["beamdrop_files_received_total|Text"])
	assert.Equal(t, 12.0, got["beamdrop_received_bytes_total"])
	assert.Equal(t, 1.0, got["beamdrop_transfers_finished_total|completed"])
	assert.Equal(t, 1.0, got["beamdrop_transfers_finished_total|failed"])
	assert.Equal(t, 100.0, got["beamdrop_sent_bytes_total"], "failed transfers do not count bytes")
	assert.Equal(t, 1.0, got["beamdrop_analysis_duration_seconds|completed"])
	assert.Equal(t, 1.0, got["beamdrop_protocol_errors_total|malformed"])
}

func TestPrometheusCollector_BrokerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.PeerRegistered()
	c.PeerRegistered()
	c.PeerUnregistered()
	c.MessageRouted("offer", "delivered")
	c.MessageRouted("offer", "delivered")
	c.MessageRouted("answer", "unavailable")

	got := gathered(t, reg)
	assert.Equal(t, 1.0, got["beamdrop_signal_peers_registered"])
	assert.Equal(t, 2.0, got["beamdrop_signal_messages_total|offer|delivered"])
	assert.Equal(t, 1.0, got["beamdrop_signal_messages_total|answer|unavailable"])
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}
