package resource

import (
	"testing"
	"time"
)

func newTestResourceForWindow() *Resource {
	return &Resource{
		window:            windowInitial,
		windowMin:         windowMin,
		windowMax:         windowMaxSlow,
		windowFlexibility: windowFlexibility,
	}
}

func TestWindowGrowStaysBelowMax(t *testing.T) {
	r := newTestResourceForWindow()
	for i := 0; i < windowMaxSlow+5; i++ {
		r.windowGrow()
	}
	if r.window != r.windowMax {
		t.Fatalf("expected window to saturate at windowMax=%d, got %d", r.windowMax, r.window)
	}
}

func TestWindowGrowPromotesToFastTier(t *testing.T) {
	r := newTestResourceForWindow()
	r.eifr = rateFast + 1

	for i := 0; i < fastRateThreshold; i++ {
		r.windowGrow()
	}

	if r.windowMax != windowMaxFast {
		t.Fatalf("expected windowMax promoted to windowMaxFast=%d after %d fast rounds, got %d", windowMaxFast, fastRateThreshold, r.windowMax)
	}
}

func TestWindowGrowResetsFastRoundsOnSlowdown(t *testing.T) {
	r := newTestResourceForWindow()
	r.eifr = rateFast + 1
	r.windowGrow()
	r.windowGrow()

	r.eifr = 0 // a single slow round should reset the fast-round streak
	r.windowGrow()
	if r.fastRateRounds != 0 {
		t.Fatalf("expected fastRateRounds reset after a non-fast round, got %d", r.fastRateRounds)
	}
}

func TestWindowShrinkStaysAboveMin(t *testing.T) {
	r := newTestResourceForWindow()
	r.window = windowMin + 2
	for i := 0; i < windowMaxSlow; i++ {
		r.windowShrink()
	}
	if r.window != r.windowMin {
		t.Fatalf("expected window to floor at windowMin=%d, got %d", r.windowMin, r.window)
	}
}

func TestWindowShrinkDemotesToVerySlowTier(t *testing.T) {
	r := newTestResourceForWindow()
	r.eifr = rateVerySlow - 1

	for i := 0; i < verySlowThreshold; i++ {
		r.windowShrink()
	}

	if r.windowMax != windowMaxVerySlow {
		t.Fatalf("expected windowMax demoted to windowMaxVerySlow=%d, got %d", windowMaxVerySlow, r.windowMax)
	}
	if r.window > r.windowMax {
		t.Fatalf("window %d exceeds demoted windowMax %d", r.window, r.windowMax)
	}
}

func TestWindowShrinkDecaysWindowMaxUnconditionally(t *testing.T) {
	r := newTestResourceForWindow()
	r.windowMax = windowMaxFast
	r.eifr = rateFast // comfortably above rateVerySlow, so the very-slow tier never fires

	before := r.windowMax
	r.windowShrink()

	if r.windowMax >= before {
		t.Fatalf("expected windowMax to decay below %d on a timeout retry, got %d", before, r.windowMax)
	}
}

func TestWindowGrowRatchetsWindowMinAfterFlexibilityGap(t *testing.T) {
	r := newTestResourceForWindow()
	r.windowMax = windowMaxFast
	startMin := r.windowMin

	for i := 0; i < r.windowFlexibility+2; i++ {
		r.windowGrow()
	}

	if r.windowMin <= startMin {
		t.Fatalf("expected windowMin to ratchet up once window outran it by windowFlexibility, got windowMin=%d (started %d)", r.windowMin, startMin)
	}
	if (r.window - r.windowMin) > r.windowFlexibility-1 {
		t.Fatalf("window-windowMin gap %d exceeds windowFlexibility-1=%d after ratchet", r.window-r.windowMin, r.windowFlexibility-1)
	}
}

func TestUpdateEIFRComputesRate(t *testing.T) {
	r := newTestResourceForWindow()
	r.markRequestSent(1000)
	r.rttRxdBytes = 1000 // simulate the whole round's bytes landing "instantly"
	r.updateEIFR()

	if r.eifr <= 0 {
		t.Fatalf("expected a positive EIFR after receiving bytes, got %f", r.eifr)
	}
	if !r.previousEIFRKnown {
		t.Fatalf("expected previousEIFRKnown to be set after the first updateEIFR call")
	}
}

func TestPartTimeoutHonorsBaseWhenEIFRUnknown(t *testing.T) {
	r := newTestResourceForWindow()
	r.timeout = 0 // forces the 1s fallback inside partTimeout
	r.partTimeoutFactor = 2

	got := r.partTimeout()
	want := 2 * time.Second
	if got != want {
		t.Fatalf("partTimeout = %v, want %v", got, want)
	}
}
