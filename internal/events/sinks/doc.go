// Package sinks provides fleet event sinks backed by logs, Prometheus, and a
// message publisher.
package sinks
