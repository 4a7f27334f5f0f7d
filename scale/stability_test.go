package scale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkaryeong/reagent-ology/errors"
)

func reading(g float64) Reading { return Reading{Grams: g, OK: true} }

// feed runs a (offset, reading) trace through the detector and returns the
// finalized value, whether it finalized, and the offset at finalization.
func feed(d *Detector, trace []struct {
	at time.Duration
	r  Reading
}) (float64, bool, time.Duration) {
	base := time.Unix(1700000000, 0)
	for _, s := range trace {
		if v, ok := d.Observe(base.Add(s.at), s.r); ok {
			return v, true, s.at
		}
	}
	return 0, false, 0
}

func TestDetectorReturnsAnchorNotLaterValue(t *testing.T) {
	d := NewDetector(0.002, 0.002, 2500*time.Millisecond)

	// 12.005 at t=0 is broken by 12.001 at t=0.2 (diff 0.004 > tolerance),
	// which re-anchors; everything after stays within tolerance of 12.001.
	v, ok, at := feed(d, []struct {
		at time.Duration
		r  Reading
	}{
		{0, reading(12.005)},
		{200 * time.Millisecond, reading(12.001)},
		{400 * time.Millisecond, reading(12.000)},
		{600 * time.Millisecond, reading(12.000)},
		{2700 * time.Millisecond, reading(12.000)},
	})

	require.True(t, ok)
	assert.Equal(t, 12.001, v, "must return the anchor, not a later sample or an average")
	assert.Equal(t, 2700*time.Millisecond, at)
}

func TestDetectorInToleranceRunKeepsFirstAnchor(t *testing.T) {
	d := NewDetector(0.002, 0.002, 2500*time.Millisecond)

	// All samples within tolerance of the very first: the t=0 anchor wins.
	v, ok, at := feed(d, []struct {
		at time.Duration
		r  Reading
	}{
		{0, reading(12.000)},
		{200 * time.Millisecond, reading(12.001)},
		{400 * time.Millisecond, reading(12.000)},
		{600 * time.Millisecond, reading(12.000)},
		{2600 * time.Millisecond, reading(12.000)},
	})

	require.True(t, ok)
	assert.Equal(t, 12.000, v)
	assert.Equal(t, 2600*time.Millisecond, at)
}

func TestDetectorZeroReadingResetsProgress(t *testing.T) {
	d := NewDetector(0.002, 0.002, time.Second)

	v, ok, _ := feed(d, []struct {
		at time.Duration
		r  Reading
	}{
		{0, reading(12.000)},
		{500 * time.Millisecond, reading(12.000)},
		{900 * time.Millisecond, reading(0.001)}, // near zero: reset
		{1100 * time.Millisecond, reading(12.000)},
		{1500 * time.Millisecond, reading(12.000)},
	})

	// Window restarted at t=1.1; holding since then is only 0.4s
	assert.False(t, ok)
	assert.Zero(t, v)

	// Continue holding until the restarted window matures
	base := time.Unix(1700000000, 0)
	got, ok := d.Observe(base.Add(2200*time.Millisecond), reading(12.000))
	require.True(t, ok)
	assert.Equal(t, 12.000, got)
}

func TestDetectorNegativeZeroAlsoResets(t *testing.T) {
	d := NewDetector(0.05, 0.002, time.Second)
	base := time.Unix(1700000000, 0)

	d.Observe(base, reading(10.0))
	d.Observe(base.Add(500*time.Millisecond), reading(-0.04)) // |v| <= Z
	_, ok := d.Observe(base.Add(1500*time.Millisecond), reading(10.0))
	assert.False(t, ok, "anchor must have been reset by the near-zero sample")
}

func TestDetectorUnparsableLeavesStateUntouched(t *testing.T) {
	d := NewDetector(0.002, 0.002, time.Second)
	base := time.Unix(1700000000, 0)

	d.Observe(base, reading(8.000))
	d.Observe(base.Add(300*time.Millisecond), Reading{}) // chatter
	v, ok := d.Observe(base.Add(1100*time.Millisecond), reading(8.001))
	require.True(t, ok)
	assert.Equal(t, 8.000, v)
}

func TestDetectorOutOfToleranceReanchors(t *testing.T) {
	d := NewDetector(0.002, 0.002, time.Second)
	base := time.Unix(1700000000, 0)

	d.Observe(base, reading(5.000))
	d.Observe(base.Add(800*time.Millisecond), reading(7.500)) // re-anchor
	_, ok := d.Observe(base.Add(1100*time.Millisecond), reading(7.500))
	assert.False(t, ok, "window restarted at 0.8s, only 0.3s elapsed")

	v, ok := d.Observe(base.Add(1900*time.Millisecond), reading(7.501))
	require.True(t, ok)
	assert.Equal(t, 7.5, v)
}

func TestAcquireFromSimulatedSource(t *testing.T) {
	acq := &Acquirer{
		Source: &SimulatedSource{
			Lines:    []string{"12.000 g", "12.001 g", "12.000 g"},
			Interval: 5 * time.Millisecond,
		},
		Detector: NewDetector(0.002, 0.002, 50*time.Millisecond),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := acq.Acquire(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 12.000, v, 0.002)
}

func TestAcquireDeadlineMapsToNotStable(t *testing.T) {
	// The device keeps jumping; nothing can stabilize
	acq := &Acquirer{
		Source: &SimulatedSource{
			Lines:    []string{"1.0 g", "5.0 g", "9.0 g"},
			Interval: 2 * time.Millisecond,
		},
		Detector: NewDetector(0.002, 0.002, time.Hour),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := acq.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotStable))
	assert.True(t, errors.IsTransient(err))
}

func TestAcquireCancellationReturnsContextError(t *testing.T) {
	acq := &Acquirer{
		Source:   &SimulatedSource{Lines: []string{"chatter"}, Interval: time.Millisecond},
		Detector: NewDetector(0.002, 0.002, time.Hour),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := acq.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSimulatedSourceCyclesLines(t *testing.T) {
	src := &SimulatedSource{Lines: []string{"a", "b"}, Interval: time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Sample, 8)
	go func() { _ = src.Run(ctx, out) }()

	var got []string
	for len(got) < 5 {
		s := <-out
		got = append(got, s.Text)
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, got)
}
