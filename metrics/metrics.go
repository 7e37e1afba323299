// Package metrics contains the Prometheus-based implementations of the
// metrics interfaces of mdns_repeater.
package metrics

// Namespace is the namespace of all mdns_repeater metrics.
const Namespace = "mdns_repeater"
