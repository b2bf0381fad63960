package array

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// reduceSamples
// ---------------------------------------------------------------------------

func repeatPoint(p Point, n int) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func TestReduceSamples_CleanBatch(t *testing.T) {
	tun := DefaultTunables()
	samples := []Point{
		{X: 0.100, Y: 0.200},
		{X: 0.101, Y: 0.199},
		{X: 0.099, Y: 0.201},
		{X: 0.100, Y: 0.200},
		{X: 0.102, Y: 0.198},
	}

	got, err := reduceSamples(samples, tun)
	require.NoError(t, err)
	assert.InDelta(t, 0.100, got.X, 1e-9)
	assert.InDelta(t, 0.200, got.Y, 1e-9)
}

func TestReduceSamples_InsufficientSamples(t *testing.T) {
	tun := DefaultTunables()
	_, err := reduceSamples(repeatPoint(Point{}, tun.MinSamples-1), tun)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientSamples))
}

func TestReduceSamples_TooJittery(t *testing.T) {
	tun := DefaultTunables()
	// Spread well beyond the MAD gate on X.
	samples := []Point{
		{X: -0.20}, {X: -0.10}, {X: 0.00}, {X: 0.10}, {X: 0.20},
		{X: -0.15}, {X: 0.15},
	}
	_, err := reduceSamples(samples, tun)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooJittery))
}

func TestReduceSamples_OutlierDiscardedBeforeMedian(t *testing.T) {
	tun := DefaultTunables()
	// A tight cluster plus one wild observation. The outlier must be
	// discarded; the reduced position reflects only the cluster.
	samples := []Point{
		{X: 0.500, Y: 0.000},
		{X: 0.501, Y: 0.001},
		{X: 0.499, Y: -0.001},
		{X: 0.500, Y: 0.000},
		{X: 0.502, Y: 0.002},
		{X: 0.498, Y: -0.002},
		{X: 0.900, Y: 0.400}, // glare artifact
	}

	got, err := reduceSamples(samples, tun)
	require.NoError(t, err)
	assert.InDelta(t, 0.500, got.X, 0.002)
	assert.InDelta(t, 0.000, got.Y, 0.002)
}

func TestReduceSamples_ZeroSpreadBatch(t *testing.T) {
	tun := DefaultTunables()
	got, err := reduceSamples(repeatPoint(Point{X: 0.3, Y: -0.7}, 6), tun)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 0.3, Y: -0.7}, got)
}

// ---------------------------------------------------------------------------
// Detector over the fake rig
// ---------------------------------------------------------------------------

func TestDetector_SampleHappyPath(t *testing.T) {
	rig := newFakeRig(t)
	rig.base = Point{X: 0.25, Y: -0.5}
	det := rig.detector()

	got, err := det.Sample(context.Background(), 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, got.X, 1e-9)
	assert.InDelta(t, -0.5, got.Y, 1e-9)
}

func TestDetector_RetriesRejectedCaptures(t *testing.T) {
	rig := newFakeRig(t)
	rig.failCaptures = 2 // first two captures come back too-jittery
	det := rig.detector()

	_, err := det.Sample(context.Background(), 0)
	require.NoError(t, err)

	rig.mu.Lock()
	captures := rig.captures
	rig.mu.Unlock()
	assert.Equal(t, 3, captures, "two rejected captures plus the successful retry")
}

func TestDetector_ExhaustsRetries(t *testing.T) {
	rig := newFakeRig(t)
	rig.failCaptures = 99 // every capture rejected
	det := rig.detector()

	_, err := det.Sample(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooJittery))

	rig.mu.Lock()
	captures := rig.captures
	rig.mu.Unlock()
	assert.Equal(t, rig.settings.MaxDetectionRetries+1, captures)
}

func TestDetector_TimesOutWhenSilent(t *testing.T) {
	rig := newFakeRig(t)
	rig.silent = true
	det := rig.detector()

	_, err := det.Sample(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDetectionTimeout))
}
