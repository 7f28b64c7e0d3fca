package resource

import "time"

// Window tiers, grounded on RNS/Resource.py's class constants.
const (
	windowInitial      = 4
	windowMin          = 2
	windowMaxSlow      = 10
	windowMaxVerySlow  = 4
	windowMaxFast      = 75
	windowMax          = windowMaxFast // global max, used for guard-band sizing
	windowFlexibility  = 4
	fastRateThreshold  = windowMaxSlow - windowInitial - 2
	verySlowThreshold  = 2
	rateFast           = float64(50*1000) / 8
	rateVerySlow       = float64(2*1000) / 8
)

// Map-hash and salt sizes.
const (
	mapHashLen     = 4
	randomHashSize = 4
)

// Segmentation and metadata limits.
const (
	// MaxEfficientSize is the largest payload transferred as a single
	// segment before the engine splits it into multiple chained segments.
	MaxEfficientSize = 1*1024*1024 - 1
	// MetadataMaxSize is the largest packed metadata blob accepted,
	// constrained by its 3-byte length prefix.
	MetadataMaxSize = 16*1024*1024 - 1
	// AutoCompressMaxSize bounds how large a segment may be and still be
	// considered for automatic compression.
	AutoCompressMaxSize = MaxEfficientSize
)

// Retry, timeout and watchdog tuning, grounded on RNS/Resource.py.
const (
	partTimeoutFactor         = 4
	partTimeoutFactorAfterRTT = 2
	proofTimeoutFactor        = 3
	maxRetries                = 16
	maxAdvRetries             = 4
	senderGraceTime           = 10 * time.Second
	processingGrace           = 1 * time.Second
	retryGraceTime            = 250 * time.Millisecond
	perRetryDelay             = 500 * time.Millisecond
	watchdogMaxSleep          = 1 * time.Second
	readyPollInterval         = 250 * time.Millisecond
	receivingPartBackoff      = 1 * time.Millisecond
)

// advOverhead is the packed-advertisement overhead (everything but the
// hashmap slice) that bounds how many map-hashes fit in one advertisement.
const advOverhead = 134

// hashmapIsExhausted / hashmapIsNotExhausted are the single-byte flag
// values carried at the front of a REQ payload. Per spec.md's open
// questions, this is always read and written as a single byte, never as
// part of a multi-byte integer, to avoid endianness drift.
const (
	hashmapIsNotExhausted byte = 0x00
	hashmapIsExhausted    byte = 0xFF
)
