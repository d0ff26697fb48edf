package client

import "sync/atomic"

// Metrics contains atomic counters for a client session.
// They can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// RequestCount is the number of request lines sent.
	RequestCount atomic.Uint64
	// ResponseCount is the number of response lines received.
	ResponseCount atomic.Uint64
	// RefusalCount is the number of 4xx and 5xx responses received.
	RefusalCount atomic.Uint64
	// ProtocolErrCount is the number of malformed or unexpected responses.
	ProtocolErrCount atomic.Uint64
	// PasswordAttemptCount is the number of PASS requests sent.
	PasswordAttemptCount atomic.Uint64
}

func (m *Metrics) incRequestCount() {
	m.RequestCount.Add(1)
}

func (m *Metrics) incResponseCount(code int) {
	m.ResponseCount.Add(1)
	if code >= 400 {
		m.RefusalCount.Add(1)
	}
}

func (m *Metrics) incProtocolErrCount() {
	m.ProtocolErrCount.Add(1)
}

func (m *Metrics) incPasswordAttemptCount() {
	m.PasswordAttemptCount.Add(1)
}
