package array

import (
	"fmt"
	"math"
)

// SkipReasonMissingMotor marks an axis skipped because no motor is assigned.
// A skipped axis is a recorded outcome, not an error.
const SkipReasonMissingMotor = "missing-motor"

// Per-axis sign convention for the legacy angle path: positive yaw drives the
// X motor negative; pitch is direct.
var axisAngleSign = map[Axis]float64{
	AxisX: -1,
	AxisY: 1,
}

// AxisTarget is one concrete per-axis step command produced by planning.
type AxisTarget struct {
	Axis        Axis     `json:"axis"`
	Motor       MotorRef `json:"motor"`
	TargetSteps int      `json:"targetSteps"`
	// Clamped is true when the physically requested position exceeded the
	// hardware range and was pulled back.
	Clamped bool `json:"clamped"`
}

// SkippedAxis records an axis that produced no command.
type SkippedAxis struct {
	Axis   Axis   `json:"axis"`
	Reason string `json:"reason"`
}

// PlanResult is the outcome of planning one mirror's motion.
type PlanResult struct {
	Targets []AxisTarget  `json:"targets"`
	Skipped []SkippedAxis `json:"skipped"`
}

// Planner converts validated normalized targets, or legacy yaw/pitch angles,
// into per-axis step targets. Stateless; plans are pure functions of their
// inputs.
type Planner struct {
	tun Tunables
}

// NewPlanner creates a Planner for the given hardware profile.
func NewPlanner(tun Tunables) *Planner {
	return &Planner{tun: tun}
}

// PlanFromAngles computes step targets from a legacy yaw/pitch reflection
// solution using the fixed angle-to-step ratio. Angles are in degrees.
func (p *Planner) PlanFromAngles(yawDeg, pitchDeg float64, assignment TileAssignment) PlanResult {
	var result PlanResult

	angles := map[Axis]float64{AxisX: yawDeg, AxisY: pitchDeg}
	for _, axis := range []Axis{AxisX, AxisY} {
		motor := assignment.Motor(axis)
		if motor == nil {
			result.Skipped = append(result.Skipped, SkippedAxis{Axis: axis, Reason: SkipReasonMissingMotor})
			continue
		}

		raw := axisAngleSign[axis] * angles[axis] * p.tun.StepsPerDegree
		steps, clamped := ClampSteps(int(math.Round(raw)), p.tun.MinSteps, p.tun.MaxSteps)
		result.Targets = append(result.Targets, AxisTarget{
			Axis:        axis,
			Motor:       *motor,
			TargetSteps: steps,
			Clamped:     clamped,
		})
	}
	return result
}

// PlanFromCalibration inverts a tile's measured step-to-displacement and
// adjusted home to map a normalized target coordinate to step targets.
// Returns an error when the tile has no usable calibration; missing motors
// are skipped, not errors.
func (p *Planner) PlanFromCalibration(target Point, assignment TileAssignment, cal *TileCalibrationResults) (PlanResult, error) {
	if cal == nil {
		return PlanResult{}, fmt.Errorf("no calibration results for tile")
	}

	var result PlanResult
	for _, axis := range []Axis{AxisX, AxisY} {
		motor := assignment.Motor(axis)
		if motor == nil {
			result.Skipped = append(result.Skipped, SkippedAxis{Axis: axis, Reason: SkipReasonMissingMotor})
			continue
		}

		var (
			want      float64
			homeNorm  float64
			homeSteps int
			ratio     float64
		)
		if axis == AxisX {
			want, homeNorm, homeSteps, ratio = target.X, cal.AdjustedHome.Norm.X, cal.AdjustedHome.Steps.X, cal.StepToDisplacement.X
		} else {
			want, homeNorm, homeSteps, ratio = target.Y, cal.AdjustedHome.Norm.Y, cal.AdjustedHome.Steps.Y, cal.StepToDisplacement.Y
		}

		if ratio == 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
			return PlanResult{}, fmt.Errorf("axis %s has unusable step-to-displacement ratio %g", axis, ratio)
		}

		raw := float64(homeSteps) + (want-homeNorm)/ratio
		steps, clamped := ClampSteps(int(math.Round(raw)), p.tun.MinSteps, p.tun.MaxSteps)
		result.Targets = append(result.Targets, AxisTarget{
			Axis:        axis,
			Motor:       *motor,
			TargetSteps: steps,
			Clamped:     clamped,
		})
	}
	return result, nil
}
