package array

import (
	"fmt"
	"sort"
)

// ErrCodeNoValidTile is the per-point error code emitted when no tile's
// achievable bounds contain a point.
const ErrCodeNoValidTile = "no_valid_tile_for_point"

// ValidationError is a structured, non-throwing per-point diagnostic.
type ValidationError struct {
	Code    string `json:"code"`
	PointID string `json:"pointId"`
	Message string `json:"message"`
}

// PointResult records the validation outcome for one point.
type PointResult struct {
	PointID       string    `json:"pointId"`
	Original      Point     `json:"original"`
	Transformed   Point     `json:"transformed"`
	ValidTileKeys []TileKey `json:"validTileKeys"`
	Valid         bool      `json:"valid"`
}

// ValidationResult is the full outcome of validating a point set against a
// calibration profile. Validation never throws; failures are data.
type ValidationResult struct {
	IsValid         bool              `json:"isValid"`
	InvalidPointIDs []string          `json:"invalidPointIds"`
	Errors          []ValidationError `json:"errors"`
	PointResults    []PointResult     `json:"pointResults"`
}

// rotatePoint applies the array's mounting rotation as an exact coordinate
// rotation about the origin. 90 maps (x,y) to (y,-x); 270 is its inverse.
func rotatePoint(p Point, rotation int) Point {
	switch rotation {
	case 90:
		return Point{X: p.Y, Y: -p.X}
	case 180:
		return Point{X: -p.X, Y: -p.Y}
	case 270:
		return Point{X: -p.Y, Y: p.X}
	default:
		return p
	}
}

// applyCameraAspect corrects for the calibration camera's pixel aspect ratio.
// Only Y is scaled; X is untouched.
func applyCameraAspect(p Point, aspect float64) Point {
	if aspect == 0 {
		aspect = 1
	}
	return Point{X: p.X, Y: p.Y * aspect}
}

// ValidatePointsInProfile tests every pattern point against the profile's
// per-tile achievable rectangles, after applying the array rotation and
// camera-aspect correction. A point is valid iff at least one tile with
// non-nil bounds contains it (boundaries inclusive). Pure function; safe for
// concurrent use over immutable profile snapshots.
func ValidatePointsInProfile(points []PatternPoint, profile *CalibrationProfile) ValidationResult {
	result := ValidationResult{
		IsValid:         true,
		InvalidPointIDs: []string{},
		Errors:          []ValidationError{},
		PointResults:    make([]PointResult, 0, len(points)),
	}

	var (
		rotation int
		aspect   = 1.0
		tiles    map[TileKey]*TileCalibrationResults
	)
	if profile != nil {
		rotation = profile.ArrayRotation
		if profile.CalibrationCameraAspect != 0 {
			aspect = profile.CalibrationCameraAspect
		}
		tiles = profile.Summary.Tiles
	}

	for _, pt := range points {
		original := Point{X: pt.X, Y: pt.Y}
		transformed := applyCameraAspect(rotatePoint(original, rotation), aspect)

		pr := PointResult{
			PointID:       pt.ID,
			Original:      original,
			Transformed:   transformed,
			ValidTileKeys: []TileKey{},
		}

		for key, tile := range tiles {
			if tile == nil || tile.CombinedBounds == nil {
				continue
			}
			if tile.CombinedBounds.Contains(transformed) {
				pr.ValidTileKeys = append(pr.ValidTileKeys, key)
			}
		}
		sort.Slice(pr.ValidTileKeys, func(i, j int) bool { return pr.ValidTileKeys[i] < pr.ValidTileKeys[j] })
		pr.Valid = len(pr.ValidTileKeys) > 0

		if !pr.Valid {
			result.IsValid = false
			result.InvalidPointIDs = append(result.InvalidPointIDs, pt.ID)
			result.Errors = append(result.Errors, ValidationError{
				Code:    ErrCodeNoValidTile,
				PointID: pt.ID,
				Message: fmt.Sprintf("no tile can reach point %s at (%.3f, %.3f)", pt.ID, original.X, original.Y),
			})
		}
		result.PointResults = append(result.PointResults, pr)
	}

	return result
}

// ValidateWaypointsInProfile applies the same algorithm to animation
// waypoints. Identical contract, different input type.
func ValidateWaypointsInProfile(waypoints []Waypoint, profile *CalibrationProfile) ValidationResult {
	return ValidatePointsInProfile(waypoints, profile)
}
