package array

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// RunPhase is the orchestrator's lifecycle phase.
type RunPhase string

const (
	PhaseIdle      RunPhase = "idle"
	PhaseHoming    RunPhase = "homing"
	PhaseStaging   RunPhase = "staging"
	PhaseMeasuring RunPhase = "measuring"
	PhaseAligning  RunPhase = "aligning"
	PhasePaused    RunPhase = "paused"
	PhaseCompleted RunPhase = "completed"
	PhaseError     RunPhase = "error"
)

func (p RunPhase) busy() bool {
	switch p {
	case PhaseHoming, PhaseStaging, PhaseMeasuring, PhaseAligning:
		return true
	}
	return false
}

// RunMode selects how the orchestrator advances between actions.
type RunMode string

const (
	// ModeAuto iterates all eligible tiles without external confirmation.
	ModeAuto RunMode = "auto"
	// ModeStep halts after each discrete action until Advance is called.
	ModeStep RunMode = "step"
)

// eventKind tags the variants of runEvent.
type eventKind string

const (
	evStart    eventKind = "start"
	evHomed    eventKind = "homed"
	evStaged   eventKind = "staged"
	evMeasured eventKind = "measured"
	evAligned  eventKind = "aligned"
	evPause    eventKind = "pause"
	evResume   eventKind = "resume"
	evAbort    eventKind = "abort"
	evFatal    eventKind = "fatal"
)

// runEvent is a tagged state-machine input.
type runEvent struct {
	Kind eventKind
	Err  string // fatal description, evFatal only
}

// machineState is the pure state-machine core: the phase, the phase to resume
// into after a pause, and the terminal flags.
type machineState struct {
	Phase   RunPhase
	Resume  RunPhase
	Aborted bool
	Err     string
}

// transition is the pure phase-transition function. It has no side effects
// and is exercised directly by tests; the executor applies the returned state
// and performs the matching device work.
func transition(s machineState, ev runEvent) machineState {
	switch ev.Kind {
	case evStart:
		if s.Phase == PhaseIdle {
			s.Phase = PhaseHoming
		}
	case evHomed:
		if s.Phase == PhaseHoming {
			s.Phase = PhaseStaging
		}
	case evStaged:
		if s.Phase == PhaseStaging {
			s.Phase = PhaseMeasuring
		}
	case evMeasured:
		if s.Phase == PhaseMeasuring {
			s.Phase = PhaseAligning
		}
	case evAligned:
		if s.Phase == PhaseAligning {
			s.Phase = PhaseCompleted
		}
	case evPause:
		if s.Phase.busy() {
			s.Resume = s.Phase
			s.Phase = PhasePaused
		}
	case evResume:
		if s.Phase == PhasePaused {
			s.Phase = s.Resume
			s.Resume = ""
		}
	case evAbort:
		if s.Phase.busy() || s.Phase == PhasePaused {
			s.Aborted = true
			s.Phase = PhaseCompleted
		}
	case evFatal:
		if s.Phase.busy() || s.Phase == PhasePaused {
			s.Err = ev.Err
			s.Phase = PhaseError
		}
	}
	return s
}

// RunnerState is the live state of a calibration run. One instance per run,
// owned exclusively by the Runner; observers receive copies.
type RunnerState struct {
	Phase      RunPhase                  `json:"phase"`
	Mode       RunMode                   `json:"mode"`
	ActiveTile TileKey                   `json:"activeTile,omitempty"`
	Progress   RunMetrics                `json:"progress"`
	Tiles      map[TileKey]*TileRunState `json:"tiles"`
	Summary    *CalibrationRunSummary    `json:"summary,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Aborted    bool                      `json:"aborted"`
	// AwaitingAdvance is set in step mode while the run is halted on a
	// discrete action boundary.
	AwaitingAdvance bool `json:"awaitingAdvance"`
}

// Runner is the top-level calibration state machine. It iterates tiles,
// manages pause/resume/abort, aggregates per-tile results into the growing
// summary, and exposes live progress. Only one run may be active at a time.
type Runner struct {
	config *Config
	engine *TileEngine
	cmd    *Commander

	mu      sync.RWMutex
	machine machineState
	state   RunnerState
	running bool
	paused  bool

	cancel    context.CancelFunc
	resumeCh  chan struct{}
	advanceCh chan struct{}
	doneCh    chan struct{}
}

// ErrRunActive is returned by Start when a run is already in progress.
var ErrRunActive = errors.New("a calibration run is already active")

// NewRunner creates a Runner over the given engine and commander.
func NewRunner(config *Config, engine *TileEngine, cmd *Commander) *Runner {
	return &Runner{
		config:  config,
		engine:  engine,
		cmd:     cmd,
		machine: machineState{Phase: PhaseIdle},
		state:   RunnerState{Phase: PhaseIdle, Tiles: make(map[TileKey]*TileRunState)},
	}
}

// Snapshot returns a copy of the live run state for observers.
func (r *Runner) Snapshot() RunnerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := r.state
	snap.Tiles = make(map[TileKey]*TileRunState, len(r.state.Tiles))
	for k, v := range r.state.Tiles {
		copied := *v
		snap.Tiles[k] = &copied
	}
	// The summary's tile map grows while the executor runs; hand observers
	// their own copy. Result records are immutable once stored.
	if r.state.Summary != nil {
		summary := *r.state.Summary
		summary.Tiles = make(map[TileKey]*TileCalibrationResults, len(r.state.Summary.Tiles))
		for k, v := range r.state.Summary.Tiles {
			summary.Tiles[k] = v
		}
		snap.Summary = &summary
	}
	return snap
}

// CommandLog returns the diagnostic log of every issued command.
func (r *Runner) CommandLog() []CommandLogEntry {
	return r.cmd.Log().Entries()
}

// Start begins a calibration run in the given mode and returns immediately.
// The returned channel closes when the run reaches a terminal phase.
func (r *Runner) Start(ctx context.Context, mode RunMode) (<-chan struct{}, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrRunActive
	}

	tiles := make(map[TileKey]*TileRunState)
	eligible := 0
	for row := 0; row < r.config.Grid.Rows; row++ {
		for col := 0; col < r.config.Grid.Cols; col++ {
			tile := NewTile(row, col)
			assignment := r.config.Assignment(tile.Key)
			ts := &TileRunState{Tile: tile, Status: TilePending, Assignment: assignment}
			if !assignment.HasAny() {
				ts.Status = TileSkipped
			} else {
				eligible++
			}
			tiles[tile.Key] = ts
		}
	}

	if eligible == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("grid has zero eligible tiles: no motor assignments configured")
	}

	blueprint := NewGridBlueprint(r.config.Grid, r.config.Runner.GridGapFraction)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.resumeCh = make(chan struct{}, 1)
	r.advanceCh = make(chan struct{}, 1)
	r.doneCh = make(chan struct{})
	r.running = true
	r.paused = false
	r.machine = machineState{Phase: PhaseIdle}
	r.state = RunnerState{
		Phase: PhaseIdle,
		Mode:  mode,
		Tiles: tiles,
		Progress: RunMetrics{
			TotalTiles:   len(tiles),
			SkippedTiles: len(tiles) - eligible,
		},
		Summary: &CalibrationRunSummary{
			GridBlueprint:    blueprint,
			Tiles:            make(map[TileKey]*TileCalibrationResults),
			StepTestSettings: StepTestSettings{DeltaSteps: r.config.Runner.DeltaSteps, DwellMs: r.config.Runner.DwellMs},
			Metrics:          RunMetrics{TotalTiles: len(tiles), SkippedTiles: len(tiles) - eligible},
		},
	}
	r.apply(runEvent{Kind: evStart})
	done := r.doneCh
	r.mu.Unlock()
	log.Printf("[RUNNER] Run started (%s mode)", mode)

	go r.execute(runCtx)
	return done, nil
}

// Pause suspends starting new tile work. In-flight device commands and
// detection samples complete first. A no-op in step mode.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Mode == ModeStep || !r.running {
		return
	}
	r.paused = true
	r.apply(runEvent{Kind: evPause})
}

// Resume continues a paused run. A no-op in step mode.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Mode == ModeStep || !r.running || !r.paused {
		return
	}
	r.paused = false
	r.apply(runEvent{Kind: evResume})
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// Abort stops the run from any state. No further device commands are issued;
// already-completed tile results remain in the summary. Safe to call at any
// time, including when no run is active.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.apply(runEvent{Kind: evAbort})
	r.paused = false
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
	select {
	case r.advanceCh <- struct{}{}:
	default:
	}
}

// Advance releases the run from an awaiting-advance halt in step mode.
func (r *Runner) Advance() {
	r.mu.RLock()
	mode := r.state.Mode
	running := r.running
	r.mu.RUnlock()
	if mode != ModeStep || !running {
		return
	}
	select {
	case r.advanceCh <- struct{}{}:
	default:
	}
}

// apply runs the pure transition function and mirrors the result into the
// observable state. Callers must hold r.mu.
func (r *Runner) apply(ev runEvent) {
	r.machine = transition(r.machine, ev)
	r.state.Phase = r.machine.Phase
	r.state.Aborted = r.machine.Aborted
	if r.machine.Err != "" {
		r.state.Error = r.machine.Err
	}
}

// aborted reports whether the run has been aborted or cancelled.
func (r *Runner) abortedOrDone(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machine.Aborted || !r.machine.Phase.busy() && r.machine.Phase != PhaseIdle && r.machine.Phase != PhasePaused
}

// checkpoint blocks while paused (auto mode) and honors abort. Returns false
// when the run must stop.
func (r *Runner) checkpoint(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		r.mu.RLock()
		phase := r.machine.Phase
		aborted := r.machine.Aborted
		r.mu.RUnlock()

		if aborted || phase == PhaseError {
			return false
		}
		if phase != PhasePaused {
			return true
		}

		select {
		case <-r.resumeCh:
		case <-ctx.Done():
			return false
		}
	}
}

// awaitAdvance halts on a discrete action boundary in step mode.
func (r *Runner) awaitAdvance(ctx context.Context) bool {
	r.mu.RLock()
	mode := r.state.Mode
	r.mu.RUnlock()
	if mode != ModeStep {
		return true
	}

	r.mu.Lock()
	r.state.AwaitingAdvance = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.state.AwaitingAdvance = false
		r.mu.Unlock()
	}()

	select {
	case <-r.advanceCh:
	case <-ctx.Done():
		return false
	}
	return !r.abortedOrDone(ctx)
}

// execute drives the run to a terminal phase. Runs in its own goroutine; all
// device work is sequential within it.
func (r *Runner) execute(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.state.ActiveTile = ""
		if r.cancel != nil {
			r.cancel()
		}
		close(r.doneCh)
		r.mu.Unlock()
	}()

	order := r.tileOrder()

	// Phase: homing. Home every eligible tile's motors. Failures here are
	// tile-scoped and do not stop the run.
	for _, key := range order {
		if !r.checkpoint(ctx) {
			r.finish()
			return
		}
		r.homeOne(ctx, key)
	}
	r.mu.Lock()
	r.apply(runEvent{Kind: evHomed})
	r.mu.Unlock()

	// Phase: staging. Park every surviving tile out of the camera's way.
	for _, key := range order {
		if !r.checkpoint(ctx) {
			r.finish()
			return
		}
		r.stageOne(ctx, key)
	}
	r.mu.Lock()
	r.apply(runEvent{Kind: evStaged})
	r.mu.Unlock()

	// Phase: measuring. Row-major tile iteration; step mode halts after each
	// tile's homing and after each tile's measurement.
	for _, key := range order {
		if !r.checkpoint(ctx) {
			r.finish()
			return
		}
		if !r.measureOne(ctx, key) {
			r.finish()
			return
		}
	}
	r.mu.Lock()
	r.apply(runEvent{Kind: evMeasured})
	r.mu.Unlock()

	// Phase: aligning. Restore completed tiles to home and finalize metrics.
	for _, key := range order {
		if !r.checkpoint(ctx) {
			r.finish()
			return
		}
		r.restoreOne(ctx, key)
	}
	r.mu.Lock()
	r.apply(runEvent{Kind: evAligned})
	r.mu.Unlock()

	r.finish()
}

// tileOrder returns eligible tile keys in row-major order.
func (r *Runner) tileOrder() []TileKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var order []TileKey
	for row := 0; row < r.config.Grid.Rows; row++ {
		for col := 0; col < r.config.Grid.Cols; col++ {
			key := MakeTileKey(row, col)
			if ts, ok := r.state.Tiles[key]; ok && ts.Status != TileSkipped {
				order = append(order, key)
			}
		}
	}
	return order
}

func (r *Runner) tileState(key TileKey) *TileRunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.Tiles[key]
}

// failTile records a tile-scoped failure after classification: a device
// fault affects one tile, but losing the bus affects every remaining command
// and is escalated to a run-scoped fatal instead.
func (r *Runner) failTile(key TileKey, err error) {
	if errors.Is(err, ErrBusNotConnected) {
		r.fatal(fmt.Errorf("tile %s: %w", key, err))
		return
	}
	log.Printf("[RUNNER] Tile %s failed: %v", key, err)
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.state.Tiles[key]
	if ts.Status == TileFailed {
		return
	}
	ts.Status = TileFailed
	ts.Error = err.Error()
	r.state.Progress.FailedTiles++
	r.state.Summary.Metrics.FailedTiles++
}

func (r *Runner) homeOne(ctx context.Context, key TileKey) {
	ts := r.tileState(key)
	if ts.Status != TilePending {
		return
	}
	r.setActive(key)
	if err := r.engine.HomeTile(ctx, key, ts.Assignment); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.failTile(key, fmt.Errorf("homing: %w", err))
	}
}

func (r *Runner) stageOne(ctx context.Context, key TileKey) {
	ts := r.tileState(key)
	if ts.Status != TilePending {
		return
	}
	r.setActive(key)
	if err := r.engine.MoveAside(ctx, key, ts.Assignment); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.failTile(key, fmt.Errorf("staging: %w", err))
		return
	}
	r.mu.Lock()
	ts.Status = TileStaged
	r.mu.Unlock()
}

// measureOne runs the full per-tile sequence. Returns false only when the run
// itself must stop (abort/advance rejection), never for tile-scoped failures.
func (r *Runner) measureOne(ctx context.Context, key TileKey) bool {
	ts := r.tileState(key)
	if ts.Status != TileStaged {
		return true
	}
	r.setActive(key)

	// Bring the tile back under the camera; siblings remain parked aside.
	if err := r.engine.HomeTile(ctx, key, ts.Assignment); err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.failTile(key, fmt.Errorf("re-homing for measurement: %w", err))
		return true
	}
	if !r.awaitAdvance(ctx) {
		return false
	}
	if !r.checkpoint(ctx) {
		return false
	}

	r.mu.Lock()
	ts.Status = TileMeasuring
	r.mu.Unlock()

	results, err := r.engine.MeasureTile(ctx, ts.Tile, ts.Assignment)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		r.failTile(key, err)
	} else {
		r.mu.Lock()
		ts.Status = TileCompleted
		r.state.Progress.CompletedTiles++
		r.state.Summary.Tiles[key] = results
		r.state.Summary.Metrics.CompletedTiles++
		if !results.CoversIdealFootprint {
			ts.Warnings = append(ts.Warnings, "combined bounds do not cover the ideal footprint")
		}
		r.mu.Unlock()
		log.Printf("[RUNNER] Tile %s completed", key)
	}

	// Park the measured tile again so it cannot occlude later tiles.
	if ts.Status == TileCompleted {
		if err := r.engine.MoveAside(ctx, key, ts.Assignment); err != nil && ctx.Err() == nil {
			r.addWarning(key, fmt.Sprintf("post-measure park failed: %v", err))
		}
	}

	return r.awaitAdvance(ctx)
}

func (r *Runner) restoreOne(ctx context.Context, key TileKey) {
	ts := r.tileState(key)
	if ts.Status != TileCompleted {
		return
	}
	r.setActive(key)
	if err := r.engine.HomeTile(ctx, key, ts.Assignment); err != nil && ctx.Err() == nil {
		r.addWarning(key, fmt.Sprintf("final re-home failed: %v", err))
	}
}

func (r *Runner) addWarning(key TileKey, warning string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.state.Tiles[key]
	ts.Warnings = append(ts.Warnings, warning)
}

func (r *Runner) setActive(key TileKey) {
	r.mu.Lock()
	r.state.ActiveTile = key
	r.mu.Unlock()
}

// finish settles the terminal phase for aborted or fallen-through runs.
func (r *Runner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.machine.Phase.busy() || r.machine.Phase == PhasePaused {
		// Cancelled mid-phase without an explicit abort; treat as aborted
		// with partial summary.
		r.apply(runEvent{Kind: evAbort})
	}
	log.Printf("[RUNNER] Run finished: phase=%s completed=%d failed=%d skipped=%d aborted=%v",
		r.state.Phase, r.state.Progress.CompletedTiles, r.state.Progress.FailedTiles,
		r.state.Progress.SkippedTiles, r.state.Aborted)
}

// Fatal records a run-scoped fatal error and halts further tile processing.
func (r *Runner) Fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.fatalLocked(err)
}

// fatal is Fatal for executor-internal callers.
func (r *Runner) fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatalLocked(err)
}

func (r *Runner) fatalLocked(err error) {
	log.Printf("[RUNNER] Fatal: %v", err)
	r.apply(runEvent{Kind: evFatal, Err: err.Error()})
	if r.cancel != nil {
		r.cancel()
	}
}

// BuildProfile wraps the run summary into a persistable profile. Returns an
// error while a run is still busy.
func (r *Runner) BuildProfile(id string) (*CalibrationProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.running {
		return nil, fmt.Errorf("run still active (phase %s)", r.state.Phase)
	}
	if r.state.Summary == nil {
		return nil, fmt.Errorf("no run summary available")
	}
	return NewProfile(id, r.config, *r.state.Summary), nil
}
