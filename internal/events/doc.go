// Package events fans fleet lifecycle events (workers connecting and timing
// out, tasks being assigned, completed, or failed) out to pluggable sinks
// without blocking the goroutines that produce them.
package events
