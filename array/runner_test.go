package array

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// transition: the pure state machine
// ---------------------------------------------------------------------------

func TestTransition_HappyPath(t *testing.T) {
	s := machineState{Phase: PhaseIdle}

	for _, step := range []struct {
		ev   eventKind
		want RunPhase
	}{
		{evStart, PhaseHoming},
		{evHomed, PhaseStaging},
		{evStaged, PhaseMeasuring},
		{evMeasured, PhaseAligning},
		{evAligned, PhaseCompleted},
	} {
		s = transition(s, runEvent{Kind: step.ev})
		if s.Phase != step.want {
			t.Fatalf("after %s: phase = %s, want %s", step.ev, s.Phase, step.want)
		}
	}
	if s.Aborted || s.Err != "" {
		t.Errorf("clean run must not be aborted or errored: %+v", s)
	}
}

func TestTransition_PauseResumeRestoresPhase(t *testing.T) {
	for _, busy := range []RunPhase{PhaseHoming, PhaseStaging, PhaseMeasuring, PhaseAligning} {
		s := machineState{Phase: busy}
		s = transition(s, runEvent{Kind: evPause})
		if s.Phase != PhasePaused {
			t.Errorf("pause from %s: phase = %s, want paused", busy, s.Phase)
		}
		s = transition(s, runEvent{Kind: evResume})
		if s.Phase != busy {
			t.Errorf("resume after pause from %s: phase = %s", busy, s.Phase)
		}
	}
}

func TestTransition_PauseOnlyFromBusy(t *testing.T) {
	for _, phase := range []RunPhase{PhaseIdle, PhaseCompleted, PhaseError} {
		s := transition(machineState{Phase: phase}, runEvent{Kind: evPause})
		if s.Phase != phase {
			t.Errorf("pause from %s moved to %s", phase, s.Phase)
		}
	}
}

func TestTransition_AbortFromAnywhereBusyOrPaused(t *testing.T) {
	for _, phase := range []RunPhase{PhaseHoming, PhaseStaging, PhaseMeasuring, PhaseAligning, PhasePaused} {
		s := transition(machineState{Phase: phase}, runEvent{Kind: evAbort})
		if s.Phase != PhaseCompleted || !s.Aborted {
			t.Errorf("abort from %s: got %+v", phase, s)
		}
	}

	// Abort in a terminal phase is a no-op.
	s := transition(machineState{Phase: PhaseCompleted}, runEvent{Kind: evAbort})
	if s.Aborted {
		t.Error("abort after completion must not mark the run aborted")
	}
}

func TestTransition_FatalEntersErrorPhase(t *testing.T) {
	s := transition(machineState{Phase: PhaseMeasuring}, runEvent{Kind: evFatal, Err: "detector unreachable"})
	if s.Phase != PhaseError {
		t.Fatalf("phase = %s, want error", s.Phase)
	}
	if s.Err != "detector unreachable" {
		t.Errorf("err = %q", s.Err)
	}
}

// ---------------------------------------------------------------------------
// Runner over the fake rig
// ---------------------------------------------------------------------------

func testConfig(rig *fakeRig, grid GridSize, tiles map[string]TileAssignment) *Config {
	return &Config{
		MQTT:         MQTTConfig{Broker: "tcp://test:1883", TopicPrefix: rig.prefix},
		Grid:         grid,
		CameraAspect: 1,
		Tiles:        tiles,
		Runner:       rig.settings,
	}
}

func newTestRunner(t *testing.T, rig *fakeRig, cfg *Config) *Runner {
	t.Helper()
	cmd := rig.commander()
	det := rig.detector()
	blueprint := NewGridBlueprint(cfg.Grid, cfg.Runner.GridGapFraction)
	engine := NewTileEngine(cmd, det, cfg.Runner, rig.tun, blueprint)
	return NewRunner(cfg, engine, cmd)
}

func cameraTileAssignment(rig *fakeRig) TileAssignment {
	return TileAssignment{
		X: &MotorRef{NodeMac: rig.cameraNode, MotorIndex: 0},
		Y: &MotorRef{NodeMac: rig.cameraNode, MotorIndex: 1},
	}
}

func waitDone(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("run did not finish in time")
	}
}

func TestRunner_AutoRunCompletes(t *testing.T) {
	rig := newFakeRig(t)
	rig.base = Point{X: 0.01, Y: -0.02}

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 2}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
		// 0-1 has no motors: skipped, not failed.
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)
	waitDone(t, done, 5*time.Second)

	state := r.Snapshot()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.False(t, state.Aborted)
	assert.Empty(t, state.Error)

	assert.Equal(t, 2, state.Progress.TotalTiles)
	assert.Equal(t, 1, state.Progress.CompletedTiles)
	assert.Equal(t, 0, state.Progress.FailedTiles)
	assert.Equal(t, 1, state.Progress.SkippedTiles)

	assert.Equal(t, TileCompleted, state.Tiles["0-0"].Status)
	assert.Equal(t, TileSkipped, state.Tiles["0-1"].Status)

	require.NotNil(t, state.Summary)
	results := state.Summary.Tiles["0-0"]
	require.NotNil(t, results)
	require.NotNil(t, results.CombinedBounds)
	assert.InDelta(t, 0.001, results.StepToDisplacement.X, 1e-9)
	assert.InDelta(t, 0.001, results.StepToDisplacement.Y, 1e-9)
	require.NotNil(t, results.HomeMeasurement)
	assert.InDelta(t, 0.01, results.HomeMeasurement.X, 1e-9)

	assert.NotEmpty(t, r.CommandLog(), "issued commands are retained for diagnostics")
}

func TestRunner_TileFailureDoesNotHaltRun(t *testing.T) {
	rig := newFakeRig(t)
	rig.failHomeNodes["dd:ee:ff"] = true

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 2}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
		"0-1": {X: &MotorRef{NodeMac: "dd:ee:ff", MotorIndex: 0}},
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)
	waitDone(t, done, 5*time.Second)

	state := r.Snapshot()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 1, state.Progress.CompletedTiles)
	assert.Equal(t, 1, state.Progress.FailedTiles)

	failed := state.Tiles["0-1"]
	assert.Equal(t, TileFailed, failed.Status)
	assert.Contains(t, failed.Error, "E_HOME_STALL")

	// The healthy tile's results made it into the summary regardless.
	assert.NotNil(t, state.Summary.Tiles["0-0"])
	assert.Nil(t, state.Summary.Tiles["0-1"])
}

func TestRunner_ZeroEligibleTilesIsFatal(t *testing.T) {
	rig := newFakeRig(t)
	cfg := testConfig(rig, GridSize{Rows: 2, Cols: 2}, nil)
	r := newTestRunner(t, rig, cfg)

	_, err := r.Start(context.Background(), ModeAuto)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero eligible tiles")
}

func TestRunner_RejectsConcurrentRuns(t *testing.T) {
	rig := newFakeRig(t)
	rig.settings.DwellMs = 50 // keep the first run busy

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 1}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)

	_, err = r.Start(context.Background(), ModeAuto)
	assert.ErrorIs(t, err, ErrRunActive)

	waitDone(t, done, 5*time.Second)
}

func TestRunner_AbortPreservesPartialSummary(t *testing.T) {
	rig := newFakeRig(t)
	rig.settings.DwellMs = 40 // slow the run enough to abort mid-flight

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 2}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
		"0-1": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	r.Abort()
	waitDone(t, done, 5*time.Second)

	state := r.Snapshot()
	assert.True(t, state.Aborted)
	assert.Equal(t, PhaseCompleted, state.Phase)
	require.NotNil(t, state.Summary, "partial summary survives an abort")

	// No further commands after the abort settles.
	n := len(r.CommandLog())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(r.CommandLog()))
}

func TestRunner_AbortIdleIsSafe(t *testing.T) {
	rig := newFakeRig(t)
	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 1}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	r.Abort() // no active run: must not panic or corrupt state
	assert.Equal(t, PhaseIdle, r.Snapshot().Phase)
}

func TestRunner_PauseAndResume(t *testing.T) {
	rig := newFakeRig(t)
	rig.settings.DwellMs = 25

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 3}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
		"0-1": cameraTileAssignment(rig),
		"0-2": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)

	r.Pause()

	// The executor parks at the next checkpoint.
	require.Eventually(t, func() bool {
		return r.Snapshot().Phase == PhasePaused
	}, 2*time.Second, 5*time.Millisecond)

	r.Resume()
	waitDone(t, done, 10*time.Second)

	state := r.Snapshot()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 3, state.Progress.CompletedTiles)
}

func TestRunner_StepModeAwaitsAdvance(t *testing.T) {
	rig := newFakeRig(t)
	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 1}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeStep)
	require.NoError(t, err)

	// The run halts awaiting an advance after the tile is homed.
	require.Eventually(t, func() bool {
		return r.Snapshot().AwaitingAdvance
	}, 2*time.Second, 5*time.Millisecond)

	// Pause/resume are no-ops in step mode.
	r.Pause()
	assert.NotEqual(t, PhasePaused, r.Snapshot().Phase)

	// Without an advance the run stays parked.
	select {
	case <-done:
		t.Fatal("run finished without Advance")
	case <-time.After(100 * time.Millisecond):
	}

	// Pump advances until the run completes.
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				r.Advance()
			}
		}
	}()
	waitDone(t, done, 5*time.Second)

	state := r.Snapshot()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 1, state.Progress.CompletedTiles)
}

func TestRunner_SnapshotIsolatedFromLiveRun(t *testing.T) {
	rig := newFakeRig(t)
	rig.settings.DwellMs = 10 // keep the executor busy while observers poll

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 3}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
		"0-1": cameraTileAssignment(rig),
		"0-2": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)

	// Hammer Snapshot from a second goroutine while the executor grows the
	// summary, reading and mutating the returned copy throughout.
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			snap := r.Snapshot()
			for key, ts := range snap.Tiles {
				_ = key
				_ = ts.Status
			}
			if snap.Summary != nil {
				for _, results := range snap.Summary.Tiles {
					if results != nil {
						_ = results.CombinedBounds
					}
				}
				// Writes land in the observer's copy only.
				snap.Summary.Tiles["9-9"] = nil
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	waitDone(t, done, 10*time.Second)
	<-polled

	state := r.Snapshot()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 3, state.Progress.CompletedTiles)
	require.NotNil(t, state.Summary)
	assert.NotContains(t, state.Summary.Tiles, TileKey("9-9"))
}

func TestRunner_BusLossIsRunFatal(t *testing.T) {
	rig := newFakeRig(t)

	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 2}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
		"0-1": cameraTileAssignment(rig),
	})
	r := newTestRunner(t, rig, cfg)

	// Drop the broker connection before the first command goes out.
	rig.mock.SetConnected(false)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)
	waitDone(t, done, 5*time.Second)

	state := r.Snapshot()
	assert.Equal(t, PhaseError, state.Phase)
	assert.Contains(t, state.Error, "not connected")
	assert.False(t, state.Aborted)

	// Losing the bus halts the run; it does not bleed into per-tile failures.
	assert.Equal(t, 0, state.Progress.FailedTiles)
	assert.Equal(t, 0, state.Progress.CompletedTiles)
}

func TestRunner_BuildProfile(t *testing.T) {
	rig := newFakeRig(t)
	cfg := testConfig(rig, GridSize{Rows: 1, Cols: 1}, map[string]TileAssignment{
		"0-0": cameraTileAssignment(rig),
	})
	cfg.ArrayRotation = 90
	cfg.CameraAspect = 1.25
	r := newTestRunner(t, rig, cfg)

	done, err := r.Start(context.Background(), ModeAuto)
	require.NoError(t, err)
	waitDone(t, done, 5*time.Second)

	profile, err := r.BuildProfile("bench-cal")
	require.NoError(t, err)
	assert.Equal(t, ProfileSchemaVersion, profile.Version)
	assert.Equal(t, "bench-cal", profile.ID)
	assert.Equal(t, 90, profile.ArrayRotation)
	assert.Equal(t, 1.25, profile.CalibrationCameraAspect)
	assert.NotNil(t, profile.Summary.Tiles["0-0"])

	// The completed tile's bounds validate a reachable point.
	result := ValidatePointsInProfile([]PatternPoint{{ID: "home", X: 0, Y: 0}}, profile)
	assert.True(t, result.IsValid)
}
