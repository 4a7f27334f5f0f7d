package scale

import (
	"context"
	"math"
	"time"

	"github.com/kkaryeong/reagent-ology/errors"
	"github.com/kkaryeong/reagent-ology/metric"
)

// Detector implements the stability debounce for one acquisition attempt.
// A value is stable when the device kept reporting within Tolerance of the
// candidate for at least MinStableDuration. The candidate is anchored at
// the first sample of a run and is the value returned on finalization:
// the result is always a value the device actually reported, never an
// average.
//
// Detector is not safe for concurrent use; each acquisition owns one.
type Detector struct {
	zeroThreshold     float64
	tolerance         float64
	minStableDuration time.Duration

	candidate    float64
	hasCandidate bool
	anchorTime   time.Time
}

// NewDetector creates a detector with the given debounce parameters
func NewDetector(zeroThreshold, tolerance float64, minStableDuration time.Duration) *Detector {
	return &Detector{
		zeroThreshold:     zeroThreshold,
		tolerance:         tolerance,
		minStableDuration: minStableDuration,
	}
}

// Reset clears any in-progress stabilization
func (d *Detector) Reset() {
	d.hasCandidate = false
	d.candidate = 0
	d.anchorTime = time.Time{}
}

// Observe feeds one reading into the state machine. It returns the
// finalized stable mass and true once the candidate has held for
// MinStableDuration.
func (d *Detector) Observe(t time.Time, r Reading) (float64, bool) {
	// Chatter lines carry no information; state is untouched
	if !r.OK {
		return 0, false
	}

	// A near-zero reading always invalidates progress: no load is never stable
	if math.Abs(r.Grams) <= d.zeroThreshold {
		d.Reset()
		return 0, false
	}

	// A new or out-of-tolerance value starts a fresh candidate window.
	// The anchor value is fixed at this sample; later in-tolerance samples
	// do not update it.
	if !d.hasCandidate || math.Abs(r.Grams-d.candidate) > d.tolerance {
		d.candidate = r.Grams
		d.hasCandidate = true
		d.anchorTime = t
		return 0, false
	}

	if t.Sub(d.anchorTime) >= d.minStableDuration {
		return d.candidate, true
	}

	return 0, false
}

// Acquirer runs the transport reader → weight parser → stability detector
// pipeline for one acquisition. The same primitive serves both callers:
// the agent loop passes a context without deadline and blocks until a
// stable value appears, bounded callers attach a deadline and get
// ErrNotStable when it expires.
type Acquirer struct {
	Source   Source
	Detector *Detector
	Metrics  *metric.Metrics // optional
}

// Acquire blocks until the detector finalizes a stable gross mass or the
// context ends. Deadline expiry is reported as ErrNotStable; explicit
// cancellation is returned as the context error.
func (a *Acquirer) Acquire(ctx context.Context) (float64, error) {
	a.Detector.Reset()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	samples := make(chan Sample, 16)
	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Source.Run(runCtx, samples)
	}()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return 0, errors.WrapTransient(errors.ErrNotStable,
					"scale", "Acquire", "stabilize before deadline")
			}
			return 0, ctx.Err()

		case err := <-runErr:
			// Sources run until cancelled; an early return is a failure
			if err == nil {
				err = errors.ErrLinkLost
			}
			return 0, errors.WrapTransient(err, "scale", "Acquire", "read samples")

		case s := <-samples:
			r := ParseWeight(s.Text)
			if !r.OK && a.Metrics != nil {
				a.Metrics.LinesUnparsable.Inc()
			}
			if v, ok := a.Detector.Observe(s.At, r); ok {
				if a.Metrics != nil {
					a.Metrics.StableAcquisitions.Inc()
				}
				return v, nil
			}
		}
	}
}
