package array

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Axis identifies one of a tile's two actuator axes.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
)

// TileKey is the canonical "row-col" identity of a grid cell.
type TileKey string

// MakeTileKey builds the canonical key for a grid position.
func MakeTileKey(row, col int) TileKey {
	return TileKey(fmt.Sprintf("%d-%d", row, col))
}

// RowCol parses the key back into grid coordinates. Only canonical keys are
// accepted: the parsed coordinates must reproduce the key exactly, so trailing
// junk and non-canonical spellings like "01-2" are rejected.
func (k TileKey) RowCol() (row, col int, err error) {
	if _, err = fmt.Sscanf(string(k), "%d-%d", &row, &col); err != nil {
		return 0, 0, fmt.Errorf("malformed tile key %q: %w", string(k), err)
	}
	if MakeTileKey(row, col) != k {
		return 0, 0, fmt.Errorf("malformed tile key %q", string(k))
	}
	return row, col, nil
}

// Tile is one grid cell steering one mirror.
type Tile struct {
	Row int     `json:"row"`
	Col int     `json:"col"`
	Key TileKey `json:"key"`
}

// NewTile creates a tile with its canonical key.
func NewTile(row, col int) Tile {
	return Tile{Row: row, Col: col, Key: MakeTileKey(row, col)}
}

// MotorRef identifies a physical actuator. Opaque beyond identity.
type MotorRef struct {
	NodeMac    string `json:"nodeMac" yaml:"nodeMac"`
	MotorIndex int    `json:"motorIndex" yaml:"motorIndex"`
}

// TileAssignment maps a tile's axes to physical motors. Either axis may be
// nil (unassigned).
type TileAssignment struct {
	X *MotorRef `json:"x,omitempty" yaml:"x,omitempty"`
	Y *MotorRef `json:"y,omitempty" yaml:"y,omitempty"`
}

// Motor returns the motor assigned to the given axis, or nil.
func (a TileAssignment) Motor(axis Axis) *MotorRef {
	if axis == AxisX {
		return a.X
	}
	return a.Y
}

// HasAny reports whether at least one axis has a motor.
func (a TileAssignment) HasAny() bool {
	return a.X != nil || a.Y != nil
}

// Point is a 2D coordinate in normalized [-1,1] pattern space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Span is a closed numeric interval.
type Span struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Width returns the span extent.
func (s Span) Width() float64 {
	return s.Max - s.Min
}

// Bounds is an axis-aligned rectangle in normalized space. A tile's combined
// bounds describe everywhere its mirror can physically be pointed.
type Bounds struct {
	X Span `json:"x"`
	Y Span `json:"y"`
}

// Contains reports whether p lies inside the rectangle. Boundaries are
// inclusive: boundary-exact points are valid.
func (b Bounds) Contains(p Point) bool {
	return b.orbBound().Contains(orb.Point{p.X, p.Y})
}

// Covers reports whether the rectangle fully contains rect, boundaries
// inclusive.
func (b Bounds) Covers(rect orb.Bound) bool {
	own := b.orbBound()
	return own.Contains(rect.Min) && own.Contains(rect.Max)
}

func (b Bounds) orbBound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.X.Min, b.Y.Min},
		Max: orb.Point{b.X.Max, b.Y.Max},
	}
}

// StepPair carries per-axis step values.
type StepPair struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// HomePosition records a measured home in both coordinate systems.
type HomePosition struct {
	Norm  Point    `json:"norm"`
	Steps StepPair `json:"steps"`
}

// StepSpan is a closed step-count interval.
type StepSpan struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// AxisCalibration holds the per-axis reduction of a probe cycle.
type AxisCalibration struct {
	StepRange StepSpan `json:"stepRange"`
	StepScale float64  `json:"stepScale"` // normalized units per step, signed
}

// AxisPair groups per-axis calibration records.
type AxisPair struct {
	X AxisCalibration `json:"x"`
	Y AxisCalibration `json:"y"`
}

// TileCalibrationResults is the durable per-tile output of a calibration run.
type TileCalibrationResults struct {
	AdjustedHome HomePosition `json:"adjustedHome"`
	// HomeOffset is the delta between the measured home and the tile's ideal
	// grid-blueprint position.
	HomeOffset      Point  `json:"homeOffset"`
	HomeMeasurement *Point `json:"homeMeasurement"` // raw sampled home, nil if never measured
	// StepToDisplacement is normalized units per step, per axis. May be
	// negative, encoding drive direction.
	StepToDisplacement  Point    `json:"stepToDisplacement"`
	SizeDeltaAtStepTest Point    `json:"sizeDeltaAtStepTest"`
	Axes                AxisPair `json:"axes"`
	// CombinedBounds is nil when the tile was skipped, failed, or has no
	// assignment.
	CombinedBounds *Bounds `json:"combinedBounds"`
	// CoversIdealFootprint reports whether the combined bounds contain the
	// tile's entire ideal blueprint rect. False flags a tile that cannot
	// reach parts of its own cell.
	CoversIdealFootprint bool `json:"coversIdealFootprint"`
}

// Footprint is a tile's width/height in normalized units.
type Footprint struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// GridBlueprint is the ideal geometric layout model, derived once per run.
type GridBlueprint struct {
	GridOrigin            Point     `json:"gridOrigin"`
	IdealTileFootprint    Footprint `json:"idealTileFootprint"`
	AdjustedTileFootprint Footprint `json:"adjustedTileFootprint"`
	TileGap               float64   `json:"tileGap"`
}

// StepTestSettings records the probe parameters a summary was measured with.
type StepTestSettings struct {
	DeltaSteps int `json:"deltaSteps"`
	DwellMs    int `json:"dwellMs"`
}

// RunMetrics counts tile outcomes for a run.
type RunMetrics struct {
	TotalTiles     int `json:"totalTiles"`
	CompletedTiles int `json:"completedTiles"`
	FailedTiles    int `json:"failedTiles"`
	SkippedTiles   int `json:"skippedTiles"`
}

// CalibrationRunSummary aggregates per-tile results and the layout model.
type CalibrationRunSummary struct {
	GridBlueprint    GridBlueprint                       `json:"gridBlueprint"`
	Tiles            map[TileKey]*TileCalibrationResults `json:"tiles"`
	StepTestSettings StepTestSettings                    `json:"stepTestSettings"`
	Metrics          RunMetrics                          `json:"metrics"`
}

// GridSize is the fixed rows × cols extent of the array.
type GridSize struct {
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`
}

// TileStatus is the lifecycle state of one tile during a run.
type TileStatus string

const (
	TilePending   TileStatus = "pending"
	TileStaged    TileStatus = "staged"
	TileMeasuring TileStatus = "measuring"
	TileCompleted TileStatus = "completed"
	TileFailed    TileStatus = "failed"
	TileSkipped   TileStatus = "skipped"
)

// TileMetrics carries per-tile timing diagnostics.
type TileMetrics struct {
	HomeDurationMs    int64 `json:"homeDurationMs"`
	MeasureDurationMs int64 `json:"measureDurationMs"`
}

// TileRunState is the live state of one tile. Mutated only by the run
// orchestrator; read-only to observers.
type TileRunState struct {
	Tile       Tile           `json:"tile"`
	Status     TileStatus     `json:"status"`
	Assignment TileAssignment `json:"assignment"`
	Error      string         `json:"error,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
	Metrics    *TileMetrics   `json:"metrics,omitempty"`
}

// PatternPoint is a normalized pattern coordinate owned by external pattern
// data. Waypoints share the shape.
type PatternPoint struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Waypoint is an animation waypoint; identical shape to a pattern point.
type Waypoint = PatternPoint
