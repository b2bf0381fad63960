package array

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"
)

// TileEngine drives the homing/staging/measurement sequence for one tile and
// reduces the raw samples into a TileCalibrationResults record. The engine is
// stateless between tiles; the orchestrator owns sequencing and run state.
type TileEngine struct {
	cmd       *Commander
	det       *Detector
	settings  RunnerSettings
	tun       Tunables
	blueprint GridBlueprint
}

// NewTileEngine creates an engine bound to a run's settings and blueprint.
func NewTileEngine(cmd *Commander, det *Detector, settings RunnerSettings, tun Tunables, blueprint GridBlueprint) *TileEngine {
	return &TileEngine{
		cmd:       cmd,
		det:       det,
		settings:  settings,
		tun:       tun,
		blueprint: blueprint,
	}
}

// MoveAside parks a tile's motors out of the camera's way using the
// configured move-aside fraction of the full step range.
func (e *TileEngine) MoveAside(ctx context.Context, key TileKey, assignment TileAssignment) error {
	target := int(math.Round(e.settings.MoveAsideFraction * float64(e.tun.MaxSteps)))

	for _, axis := range []Axis{AxisX, AxisY} {
		motor := assignment.Motor(axis)
		if motor == nil {
			continue
		}
		if _, err := e.cmd.Move(ctx, *motor, target); err != nil {
			return fmt.Errorf("move-aside %s axis %s: %w", key, axis, err)
		}
	}
	return nil
}

// HomeTile homes both assigned axes. A homing failure is fatal for the tile.
func (e *TileEngine) HomeTile(ctx context.Context, key TileKey, assignment TileAssignment) error {
	for _, axis := range []Axis{AxisX, AxisY} {
		motor := assignment.Motor(axis)
		if motor == nil {
			continue
		}
		if _, err := e.cmd.Home(ctx, *motor); err != nil {
			return fmt.Errorf("homing %s axis %s: %w", key, axis, err)
		}
	}
	return nil
}

// MeasureTile samples the tile's home, probes each assigned axis by the
// configured step delta, and reduces the measurements into calibration
// results. Detection failures and unmovable axes fail the tile, not the run.
func (e *TileEngine) MeasureTile(ctx context.Context, tile Tile, assignment TileAssignment) (*TileCalibrationResults, error) {
	if !assignment.HasAny() {
		return nil, fmt.Errorf("tile %s has no assigned motors", tile.Key)
	}

	dwell := e.settings.Dwell()
	ideal := e.blueprint.IdealTileCenter(tile.Row, tile.Col)

	// Home position sample. After HOME both axes rest at step 0.
	if err := sleepCtx(ctx, dwell); err != nil {
		return nil, err
	}
	home, err := e.det.Sample(ctx, dwell)
	if err != nil {
		return nil, fmt.Errorf("sampling home of %s: %w", tile.Key, err)
	}
	log.Printf("[TILE %s] Home measured at (%.4f, %.4f)", tile.Key, home.X, home.Y)

	results := &TileCalibrationResults{
		AdjustedHome:    HomePosition{Norm: home, Steps: StepPair{}},
		HomeMeasurement: &home,
		HomeOffset:      e.blueprint.HomeOffsetFrom(tile.Row, tile.Col, home),
	}

	var scale, sizeDelta Point
	for _, axis := range []Axis{AxisX, AxisY} {
		motor := assignment.Motor(axis)
		if motor == nil {
			continue
		}

		ratio, disp, err := e.probeAxis(ctx, tile.Key, axis, *motor, home)
		if err != nil {
			return nil, err
		}
		if axis == AxisX {
			scale.X, sizeDelta.X = ratio, disp
		} else {
			scale.Y, sizeDelta.Y = ratio, disp
		}
	}

	results.StepToDisplacement = scale
	results.SizeDeltaAtStepTest = sizeDelta
	results.Axes = AxisPair{
		X: e.axisCalibration(assignment.X, scale.X),
		Y: e.axisCalibration(assignment.Y, scale.Y),
	}
	results.CombinedBounds = e.combinedBounds(assignment, home, scale, ideal)

	rect := e.blueprint.IdealTileRect(tile.Row, tile.Col)
	results.CoversIdealFootprint = results.CombinedBounds.Covers(rect)
	if !results.CoversIdealFootprint {
		log.Printf("[TILE %s] Combined bounds do not cover the tile's ideal footprint", tile.Key)
	}

	return results, nil
}

// probeAxis moves one axis by the probe delta, samples the displaced
// position, restores home, and returns the signed step-to-displacement ratio
// plus the raw displacement magnitude along the probed axis.
func (e *TileEngine) probeAxis(ctx context.Context, key TileKey, axis Axis, motor MotorRef, home Point) (ratio, displacement float64, err error) {
	nudge, err := ComputeNudgeTargets(0, e.settings.DeltaSteps, e.tun.MinSteps, e.tun.MaxSteps)
	if err != nil {
		return 0, 0, fmt.Errorf("probing %s axis %s: %w", key, axis, err)
	}

	if _, err := e.cmd.Move(ctx, motor, nudge.OutboundTarget); err != nil {
		return 0, 0, fmt.Errorf("probe move %s axis %s: %w", key, axis, err)
	}

	dwell := e.settings.Dwell()
	if err := sleepCtx(ctx, dwell); err != nil {
		return 0, 0, err
	}
	displaced, err := e.det.Sample(ctx, dwell)
	if err != nil {
		return 0, 0, fmt.Errorf("sampling probe of %s axis %s: %w", key, axis, err)
	}

	// Restore home before any further measurement regardless of outcome.
	if _, err := e.cmd.Move(ctx, motor, nudge.ReturnTarget); err != nil {
		return 0, 0, fmt.Errorf("probe return %s axis %s: %w", key, axis, err)
	}

	if axis == AxisX {
		displacement = displaced.X - home.X
	} else {
		displacement = displaced.Y - home.Y
	}
	ratio = displacement / float64(nudge.OutboundTarget)

	if ratio == 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0, 0, fmt.Errorf("tile %s axis %s is unmovable: step-to-displacement ratio %g from %d-step probe",
			key, axis, ratio, nudge.OutboundTarget)
	}

	log.Printf("[TILE %s] Axis %s: %.6f units/step over %d steps (direction %+d)",
		key, axis, ratio, nudge.OutboundTarget, nudge.Direction)
	return ratio, displacement, nil
}

func (e *TileEngine) axisCalibration(motor *MotorRef, scale float64) AxisCalibration {
	if motor == nil {
		return AxisCalibration{}
	}
	return AxisCalibration{
		StepRange: StepSpan{Min: e.tun.MinSteps, Max: e.tun.MaxSteps},
		StepScale: scale,
	}
}

// combinedBounds projects each assigned axis's full physical step range
// through the measured ratio about the adjusted home. An axis with no motor
// collapses to a single point at the tile's ideal value; it remains valid for
// point-in-bounds purposes.
func (e *TileEngine) combinedBounds(assignment TileAssignment, home, scale Point, ideal Point) *Bounds {
	span := func(motor *MotorRef, homeVal, ratio, idealVal float64) Span {
		if motor == nil {
			return Span{Min: idealVal, Max: idealVal}
		}
		lo := homeVal + float64(e.tun.MinSteps)*ratio
		hi := homeVal + float64(e.tun.MaxSteps)*ratio
		if lo > hi {
			lo, hi = hi, lo
		}
		return Span{Min: lo, Max: hi}
	}

	return &Bounds{
		X: span(assignment.X, home.X, scale.X, ideal.X),
		Y: span(assignment.Y, home.Y, scale.Y, ideal.Y),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
