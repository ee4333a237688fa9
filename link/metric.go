package link

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a device connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type ConnectionMetrics struct {
	// CommandSendCount indicates the number of command frames written, retries excluded.
	CommandSendCount atomic.Uint64
	// CommandAckCount indicates the number of commands acknowledged by the device.
	CommandAckCount atomic.Uint64
	// CommandRejectCount indicates the number of commands answered with an error event.
	CommandRejectCount atomic.Uint64
	// CommandTimeoutCount indicates the number of commands that ran out of ack time.
	CommandTimeoutCount atomic.Uint64
	// CommandRetryCount indicates the number of re-sent command frames.
	CommandRetryCount atomic.Uint64
	// CommandErrCount indicates the number of commands failed by the connection.
	CommandErrCount atomic.Uint64
	// CommandInflightCount indicates the number of commands awaiting acknowledgement.
	CommandInflightCount atomic.Int64

	// EventRecvCount indicates the number of decoded events.
	EventRecvCount atomic.Uint64
	// DecodeErrCount indicates the number of malformed frames dropped.
	DecodeErrCount atomic.Uint64

	// ConnRetryGauge indicates the number of connection retries since the last success.
	ConnRetryGauge atomic.Uint32
}

// MetricsSnapshot is a point-in-time copy of ConnectionMetrics.
type MetricsSnapshot struct {
	CommandSendCount     uint64 `json:"command_send_count"`
	CommandAckCount      uint64 `json:"command_ack_count"`
	CommandRejectCount   uint64 `json:"command_reject_count"`
	CommandTimeoutCount  uint64 `json:"command_timeout_count"`
	CommandRetryCount    uint64 `json:"command_retry_count"`
	CommandErrCount      uint64 `json:"command_err_count"`
	CommandInflightCount int64  `json:"command_inflight_count"`
	EventRecvCount       uint64 `json:"event_recv_count"`
	DecodeErrCount       uint64 `json:"decode_err_count"`
	ConnRetryGauge       uint32 `json:"conn_retry_gauge"`
}

// Snapshot returns the current values.
func (m *ConnectionMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CommandSendCount:     m.CommandSendCount.Load(),
		CommandAckCount:      m.CommandAckCount.Load(),
		CommandRejectCount:   m.CommandRejectCount.Load(),
		CommandTimeoutCount:  m.CommandTimeoutCount.Load(),
		CommandRetryCount:    m.CommandRetryCount.Load(),
		CommandErrCount:      m.CommandErrCount.Load(),
		CommandInflightCount: m.CommandInflightCount.Load(),
		EventRecvCount:       m.EventRecvCount.Load(),
		DecodeErrCount:       m.DecodeErrCount.Load(),
		ConnRetryGauge:       m.ConnRetryGauge.Load(),
	}
}

func (m *ConnectionMetrics) incCommandSendCount() {
	m.CommandSendCount.Add(1)
}

func (m *ConnectionMetrics) incCommandAckCount() {
	m.CommandAckCount.Add(1)
}

func (m *ConnectionMetrics) incCommandRejectCount() {
	m.CommandRejectCount.Add(1)
}

func (m *ConnectionMetrics) incCommandTimeoutCount() {
	m.CommandTimeoutCount.Add(1)
}

func (m *ConnectionMetrics) incCommandRetryCount() {
	m.CommandRetryCount.Add(1)
}

func (m *ConnectionMetrics) addCommandErrCount(n int) {
	m.CommandErrCount.Add(uint64(n)) //nolint:gosec
}

func (m *ConnectionMetrics) incCommandInflightCount() {
	m.CommandInflightCount.Add(1)
}

func (m *ConnectionMetrics) decCommandInflightCount() {
	m.CommandInflightCount.Add(-1)
}

func (m *ConnectionMetrics) resetCommandInflightCount() {
	m.CommandInflightCount.Store(0)
}

func (m *ConnectionMetrics) incEventRecvCount() {
	m.EventRecvCount.Add(1)
}

func (m *ConnectionMetrics) incDecodeErrCount() {
	m.DecodeErrCount.Add(1)
}

func (m *ConnectionMetrics) incConnRetryGauge() {
	m.ConnRetryGauge.Add(1)
}

func (m *ConnectionMetrics) resetConnRetryGauge() {
	m.ConnRetryGauge.Store(0)
}
