package breaker

import "time"

type bucket struct {
	epoch     int64
	successes int
	failures  int
}

// rollingWindow counts outcomes in fixed-width time buckets. Buckets whose
// epoch is outside the window are treated as empty and reused.
type rollingWindow struct {
	width   time.Duration
	buckets []bucket
}

func newRollingWindow(window time.Duration, n int) *rollingWindow {
	if n <= 0 {
		n = 10
	}
	width := window / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
	}
	return &rollingWindow{width: width, buckets: make([]bucket, n)}
}

func (w *rollingWindow) epoch(now time.Time) int64 {
	return now.UnixNano() / int64(w.width)
}

func (w *rollingWindow) record(now time.Time, failed bool) {
	e := w.epoch(now)
	b := &w.buckets[e%int64(len(w.buckets))]
	if b.epoch != e {
		*b = bucket{epoch: e}
	}
	if failed {
		b.failures++
	} else {
		b.successes++
	}
}

// totals returns the request and failure counts inside the window ending at now.
func (w *rollingWindow) totals(now time.Time) (requests, failures int) {
	current := w.epoch(now)
	oldest := current - int64(len(w.buckets)) + 1
	for _, b := range w.buckets {
		if b.epoch < oldest || b.epoch > current {
			continue
		}
		requests += b.successes + b.failures
		failures += b.failures
	}
	return requests, failures
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
