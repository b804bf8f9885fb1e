package vring

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// queueMetrics counts what one queue worker does. The names are
// vring.<device>.<queue>.<metric>.
type queueMetrics struct {
	popped               metrics.Counter
	pushed               metrics.Counter
	empty                metrics.Counter
	failed               metrics.Counter
	capacityRetries      metrics.Counter
	faults               metrics.Counter
	interrupts           metrics.Counter
	interruptsSuppressed metrics.Counter
	kicks                metrics.Counter
	chainSpans           metrics.Histogram
}

func newQueueMetrics(device string, queue int) *queueMetrics {
	name := func(metric string) string {
		return fmt.Sprintf("vring.%s.%d.%s", device, queue, metric)
	}

	return &queueMetrics{
		popped:               metrics.GetOrRegisterCounter(name("popped"), nil),
		pushed:               metrics.GetOrRegisterCounter(name("pushed"), nil),
		empty:                metrics.GetOrRegisterCounter(name("empty"), nil),
		failed:               metrics.GetOrRegisterCounter(name("failed"), nil),
		capacityRetries:      metrics.GetOrRegisterCounter(name("capacity_retries"), nil),
		faults:               metrics.GetOrRegisterCounter(name("faults"), nil),
		interrupts:           metrics.GetOrRegisterCounter(name("interrupts"), nil),
		interruptsSuppressed: metrics.GetOrRegisterCounter(name("interrupts_suppressed"), nil),
		kicks:                metrics.GetOrRegisterCounter(name("kicks"), nil),
		chainSpans: metrics.GetOrRegisterHistogram(name("chain_spans"), nil,
			metrics.NewExpDecaySample(1028, 0.015)),
	}
}
