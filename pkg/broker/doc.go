// Package broker fans server events out to SSE subscribers.
//
// Each subscriber owns a bounded queue; publishes are grouped by
// namespace and never block the publisher for longer than the configured
// timeout. A subscriber that cannot keep up is evicted rather than
// allowed to stall the namespace. Heartbeats travel through the same
// queues as events so per-subscriber ordering is preserved.
package broker
