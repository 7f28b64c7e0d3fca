package resource

import (
	"time"

	"github.com/rs/zerolog/log"
)

// runWatchdog is the per-resource supervisory loop: it polls status at a
// bounded interval and drives retries, stall detection, and cancellation,
// per spec.md §4.3 "Watchdog/Flow Control". It returns once the resource
// reaches a concluded status.
func (r *Resource) runWatchdog() {
	for {
		r.mu.Lock()
		status := r.status
		r.mu.Unlock()

		if status.concluded() {
			return
		}

		switch status {
		case StatusAdvertised:
			if r.watchAdvertised() {
				return
			}
		case StatusTransferring:
			if r.initiator {
				if r.watchSenderTransferring() {
					return
				}
			} else {
				if r.watchReceiverTransferring() {
					return
				}
			}
		case StatusAwaitingProof:
			if r.watchAwaitingProof() {
				return
			}
		default:
			r.sleepWatchdog()
		}
	}
}

func (r *Resource) sleepWatchdog() {
	time.Sleep(watchdogMaxSleep)
}

// watchAdvertised resends the advertisement if no request has arrived
// within the protocol timeout plus processingGrace, up to maxAdvRetries.
// Returns true once the
// resource has concluded.
func (r *Resource) watchAdvertised() bool {
	r.mu.Lock()
	sentParts := r.sentParts
	advSent := r.advSent
	r.mu.Unlock()

	if sentParts > 0 {
		// A request has already landed; advertised->transferring should
		// have happened concurrently. Nothing to watch here anymore.
		r.sleepWatchdog()
		return false
	}

	elapsed := time.Since(advSent)
	if elapsed < r.timeout+processingGrace {
		r.sleepWatchdog()
		return false
	}

	r.mu.Lock()
	if r.retriesLeft <= 0 || r.maxAdvRetries <= 0 {
		r.mu.Unlock()
		log.Debug().Msg("resource: giving up after exhausting advertisement retries")
		r.Cancel()
		return true
	}
	r.retriesLeft--
	r.maxAdvRetries--
	r.advSent = time.Now()
	adv := newAdvertisement(r, 0)
	r.mu.Unlock()

	packed, err := adv.pack()
	if err == nil {
		_ = r.link.Send(ContextAdvertise, packed)
	}
	return false
}

// watchSenderTransferring detects a receiver that has stopped asking for
// parts altogether (as opposed to the normal in-flight gaps covered by
// HandleRequest) and cancels the resource once senderGraceTime has
// elapsed with no activity.
func (r *Resource) watchSenderTransferring() bool {
	r.mu.Lock()
	last := r.lastPartSent
	r.mu.Unlock()

	if last.IsZero() {
		r.sleepWatchdog()
		return false
	}
	if time.Since(last) > r.senderGraceTime {
		log.Debug().Msg("resource: sender grace time exceeded, cancelling")
		r.Cancel()
		return true
	}
	r.sleepWatchdog()
	return false
}

// watchReceiverTransferring retries a stalled request round and shrinks
// the window on timeout, per spec.md §4.3 "Window adaptation".
func (r *Resource) watchReceiverTransferring() bool {
	r.receiveMu.Lock()
	reqSentKnown := r.reqSentKnown
	outstanding := r.outstandingParts
	r.receiveMu.Unlock()

	if !reqSentKnown || outstanding == 0 {
		r.sleepWatchdog()
		return false
	}

	timeout := r.partTimeout()
	r.mu.Lock()
	reqSent := r.reqSent
	r.mu.Unlock()

	if time.Since(reqSent) < timeout {
		r.sleepWatchdog()
		return false
	}

	r.mu.Lock()
	if r.retriesLeft <= 0 {
		r.mu.Unlock()
		log.Debug().Msg("resource: giving up after exhausting part retries")
		r.Cancel()
		return true
	}
	r.retriesLeft--
	r.mu.Unlock()

	r.windowShrink()
	r.receiveMu.Lock()
	r.outstandingParts = 0
	// Clear the HMU gate before retrying: a request timing out while an
	// exhausted-flag REQ is outstanding must still be able to re-issue one,
	// or requestNext would become a permanent no-op and the watchdog could
	// never retry again.
	r.waitingForHMU = false
	r.receiveMu.Unlock()
	r.requestNext()

	return false
}

// watchAwaitingProof retries the expectation of a RESOURCE_PRF, checking
// the link's late-proof cache before giving up, per spec.md §4.3.
func (r *Resource) watchAwaitingProof() bool {
	r.mu.Lock()
	lastActivity := r.lastActivity
	if lastActivity.IsZero() {
		lastActivity = r.advSent
	}
	r.mu.Unlock()

	if time.Since(lastActivity) < r.timeout*time.Duration(proofTimeoutFactor) {
		r.sleepWatchdog()
		return false
	}

	r.link.CacheRequestProof(r.hash, r.expectedProof)

	r.mu.Lock()
	if r.retriesLeft <= 0 {
		r.mu.Unlock()
		log.Debug().Msg("resource: giving up waiting for proof")
		r.Cancel()
		return true
	}
	r.retriesLeft--
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.sleepWatchdog()
	return false
}
