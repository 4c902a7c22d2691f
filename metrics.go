package aether

import "sync/atomic"

// Metrics is the counter interface every layer updates and any collector
// reads.
type Metrics interface {
	IncrementWriteTransaction()
	IncrementReadTransaction()
	IncrementDeleteTransaction()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)

	GetWriteTransactionCount() int64
	GetReadTransactionCount() int64
	GetDeleteTransactionCount() int64
	GetBytesSent() int64
	GetBytesReceived() int64
}

// DefaultMetrics implements Metrics with atomic counters.
type DefaultMetrics struct {
	writeTransactions  int64
	readTransactions   int64
	deleteTransactions int64
	bytesSent          int64
	bytesReceived      int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementWriteTransaction()     { atomic.AddInt64(&m.writeTransactions, 1) }
func (m *DefaultMetrics) IncrementReadTransaction()      { atomic.AddInt64(&m.readTransactions, 1) }
func (m *DefaultMetrics) IncrementDeleteTransaction()    { atomic.AddInt64(&m.deleteTransactions, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64)     { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) { atomic.AddInt64(&m.bytesReceived, n) }

func (m *DefaultMetrics) GetWriteTransactionCount() int64 {
	return atomic.LoadInt64(&m.writeTransactions)
}
func (m *DefaultMetrics) GetReadTransactionCount() int64 {
	return atomic.LoadInt64(&m.readTransactions)
}
func (m *DefaultMetrics) GetDeleteTransactionCount() int64 {
	return atomic.LoadInt64(&m.deleteTransactions)
}
func (m *DefaultMetrics) GetBytesSent() int64     { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64 { return atomic.LoadInt64(&m.bytesReceived) }

// MetricsGate wraps a ByteStream with transaction/byte counting, a Gate
// built directly on ByteStream instead of a driver-specific wrapper.
type MetricsGate struct {
	baseStream
	lower ByteStream
	m     Metrics
	sub   *Subscription
}

// NewMetricsGate wraps lower, recording every Write and every inbound unit
// against m.
func NewMetricsGate(lower ByteStream, m Metrics) *MetricsGate {
	g := &MetricsGate{lower: lower, m: m}
	g.info = lower.Info()
	g.sub = lower.OutData().Subscribe(func(b []byte) {
		g.m.IncrementReadTransaction()
		g.m.IncrementBytesReceived(int64(len(b)))
		g.outEv.Emit(b)
	})
	lower.StreamUpdate().Subscribe(func(si StreamInfo) { g.setInfo(si) })
	return g
}

func (g *MetricsGate) Overhead() int { return 0 }

func (g *MetricsGate) Write(data []byte) *WriteAction {
	g.m.IncrementWriteTransaction()
	g.m.IncrementBytesSent(int64(len(data)))
	return g.lower.Write(data)
}

func (g *MetricsGate) Restream() error { return g.lower.Restream() }

func (g *MetricsGate) Close() error {
	g.sub.Unsubscribe()
	return g.lower.Close()
}
