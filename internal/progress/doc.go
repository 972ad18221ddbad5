// Package progress carries upload and polling milestones from the session to
// pluggable sinks. Emitters never block: events are buffered, batched on a
// background goroutine and fanned out to sinks such as structured logs or
// Prometheus collectors.
package progress
