// Package metrics records saga counters and stage latencies.
package metrics

import "time"

// Label keys understood by recorders.
const (
	LabelKind    = "kind"
	LabelOutcome = "outcome"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
