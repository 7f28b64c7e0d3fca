package resource

import "time"

// windowGrow is called when a full request round is satisfied without a
// retry, per spec.md §4.3 "Window adaptation". The window grows toward
// windowMax, ratcheting windowMin up once the gap to window reaches
// windowFlexibility, and windowMax itself is promoted to the fast tier once
// enough consecutive fast rounds have been observed.
func (r *Resource) windowGrow() {
	if r.window < r.windowMax {
		r.window++
		if (r.window-r.windowMin) > r.windowFlexibility-1 {
			r.windowMin++
		}
	}

	if r.eifr >= rateFast {
		r.fastRateRounds++
		if r.fastRateRounds >= fastRateThreshold && r.windowMax < windowMaxFast {
			r.windowMax = windowMaxFast
			r.windowFlexibility = windowFlexibility
		}
	} else {
		r.fastRateRounds = 0
	}
}

// windowShrink is called on a part timeout/retry. The window contracts
// toward windowMin by one; whenever it does, windowMax (while above
// windowMin) decays by one too, and by a second step if its gap to window
// is still larger than windowFlexibility-1. A single call therefore does
// not bound that gap. windowMax is additionally
// demoted to the very-slow tier if the link has sustained a very slow EIFR
// for several rounds in a row.
func (r *Resource) windowShrink() {
	if r.window > r.windowMin {
		r.window--
		if r.windowMax > r.windowMin {
			r.windowMax--
			if (r.windowMax-r.window) > r.windowFlexibility-1 {
				r.windowMax--
			}
		}
	}

	if r.eifr <= rateVerySlow {
		r.verySlowRateRounds++
		if r.verySlowRateRounds >= verySlowThreshold {
			r.windowMax = windowMaxVerySlow
			if r.window > r.windowMax {
				r.window = r.windowMax
			}
		}
	} else {
		r.verySlowRateRounds = 0
	}
}

// markRequestSent records the moment and receive-byte-count baseline for a
// just-issued request round, so updateEIFR can later measure throughput
// over exactly that round.
func (r *Resource) markRequestSent(bytesRequested int) {
	r.reqSent = time.Now()
	r.reqSentKnown = true
	r.reqSentBytes = bytesRequested
	r.rttRxdBytesAtPartReq = r.rttRxdBytes
}

// updateEIFR recomputes the expected-in-flight rate: bytes received since
// the last request round divided by the elapsed time, per spec.md's EIFR
// definition. It drives both the adaptive part timeout and window
// adaptation above.
func (r *Resource) updateEIFR() {
	if !r.reqSentKnown {
		return
	}
	elapsed := time.Since(r.reqSent).Seconds()
	if elapsed <= 0 {
		return
	}
	receivedSinceReq := r.rttRxdBytes - r.rttRxdBytesAtPartReq
	if receivedSinceReq < 0 {
		receivedSinceReq = 0
	}
	r.previousEIFR = r.eifr
	r.previousEIFRKnown = true
	r.eifr = float64(receivedSinceReq) / elapsed
}

// partTimeout derives the adaptive per-round timeout from the base
// protocol timeout and the current EIFR, per spec.md §4.3 "Watchdog".
func (r *Resource) partTimeout() time.Duration {
	base := r.timeout
	if base <= 0 {
		base = time.Second
	}
	factor := r.partTimeoutFactor
	if factor <= 0 {
		factor = partTimeoutFactor
	}
	if r.eifr > 0 && r.window > 0 {
		bytesInFlight := float64(r.window * r.sdu)
		estimate := time.Duration(bytesInFlight/r.eifr*1000) * time.Millisecond
		if estimate > base {
			base = estimate
		}
	}
	return time.Duration(float64(base) * factor)
}
