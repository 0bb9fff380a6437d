package usage

import "time"

type sample struct {
	at time.Time
	n  int
}

// window is an append-only, time-ordered list of usage samples.
// Callers hold the owning backend's lock.
type window struct {
	samples []sample
}

func (w *window) add(at time.Time, n int) {
	w.samples = append(w.samples, sample{at: at, n: n})
}

// sumSince returns the total of samples strictly after cutoff
func (w *window) sumSince(cutoff time.Time) int {
	total := 0
	for i := len(w.samples) - 1; i >= 0; i-- {
		if !w.samples[i].at.After(cutoff) {
			break
		}
		total += w.samples[i].n
	}
	return total
}

// purge drops samples at or before cutoff
func (w *window) purge(cutoff time.Time) int {
	expired := 0
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			break
		}
		expired++
	}
	if expired > 0 {
		w.samples = append(w.samples[:0], w.samples[expired:]...)
	}
	return expired
}

func (w *window) len() int { return len(w.samples) }

// latencyRing keeps the last latencySamples latencies for a running mean
type latencyRing struct {
	buf  [latencySamples]time.Duration
	next int
	n    int
	sum  time.Duration
}

func (r *latencyRing) add(d time.Duration) {
	if r.n == latencySamples {
		r.sum -= r.buf[r.next]
	} else {
		r.n++
	}
	r.buf[r.next] = d
	r.sum += d
	r.next = (r.next + 1) % latencySamples
}

func (r *latencyRing) mean() time.Duration {
	if r.n == 0 {
		return 0
	}
	return r.sum / time.Duration(r.n)
}

// seed replaces the ring with one sample, used when restoring persisted state
func (r *latencyRing) seed(d time.Duration) {
	*r = latencyRing{}
	if d > 0 {
		r.add(d)
	}
}
