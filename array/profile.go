package array

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ProfileSchemaVersion tags the persisted profile format. Payloads carrying
// any other version are rejected rather than partially migrated.
const ProfileSchemaVersion = 3

// DefaultProfilePath is the default location for the persisted profile.
const DefaultProfilePath = ".calibration-profile.json"

// ErrProfileVersion is returned when a stored profile's schema version does
// not match the current one.
var ErrProfileVersion = errors.New("unsupported profile schema version")

// CalibrationProfile is a persisted, versioned snapshot of a calibration run.
// Immutable once loaded; superseded by a new run's summary.
type CalibrationProfile struct {
	Version                 int                   `json:"version"`
	ID                      string                `json:"id"`
	CreatedAt               int64                 `json:"createdAt"`
	GridSize                GridSize              `json:"gridSize"`
	ArrayRotation           int                   `json:"arrayRotation"`
	CalibrationCameraAspect float64               `json:"calibrationCameraAspect"`
	Summary                 CalibrationRunSummary `json:"summary"`
}

// NewProfile wraps a run summary into a profile using the array's configured
// rotation and camera aspect.
func NewProfile(id string, config *Config, summary CalibrationRunSummary) *CalibrationProfile {
	aspect := config.CameraAspect
	if aspect == 0 {
		aspect = 1
	}
	return &CalibrationProfile{
		Version:                 ProfileSchemaVersion,
		ID:                      id,
		CreatedAt:               time.Now().Unix(),
		GridSize:                config.Grid,
		ArrayRotation:           config.ArrayRotation,
		CalibrationCameraAspect: aspect,
		Summary:                 summary,
	}
}

// LoadProfile reads a profile from a JSON file. A missing file is not an
// error: it returns (nil, nil), matching a grid that has never been
// calibrated.
func LoadProfile(path string) (*CalibrationProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading profile file: %w", err)
	}

	var profile CalibrationProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parsing profile file: %w", err)
	}

	if profile.Version != ProfileSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrProfileVersion, profile.Version, ProfileSchemaVersion)
	}
	if err := profile.validateKeys(); err != nil {
		return nil, err
	}

	return &profile, nil
}

// SaveProfile writes a profile to a JSON file, creating directories as
// needed.
func SaveProfile(path string, profile *CalibrationProfile) error {
	if profile.Version == 0 {
		profile.Version = ProfileSchemaVersion
	}
	if profile.CreatedAt == 0 {
		profile.CreatedAt = time.Now().Unix()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing profile file: %w", err)
	}
	return nil
}

// validateKeys enforces that tile keys all name cells of the profile's grid.
// Absent keys are allowed (skipped tiles); out-of-range keys are not.
func (p *CalibrationProfile) validateKeys() error {
	for key := range p.Summary.Tiles {
		row, col, err := key.RowCol()
		if err != nil {
			return err
		}
		if row < 0 || row >= p.GridSize.Rows || col < 0 || col >= p.GridSize.Cols {
			return fmt.Errorf("profile tile key %q is outside the %dx%d grid", key, p.GridSize.Rows, p.GridSize.Cols)
		}
	}
	return nil
}

// TileResults returns the calibration results for a tile key, or nil when
// the tile was skipped or never measured.
func (p *CalibrationProfile) TileResults(key TileKey) *TileCalibrationResults {
	if p == nil || p.Summary.Tiles == nil {
		return nil
	}
	return p.Summary.Tiles[key]
}

// HasReachableTiles reports whether any tile carries non-nil combined bounds.
func (p *CalibrationProfile) HasReachableTiles() bool {
	if p == nil {
		return false
	}
	for _, t := range p.Summary.Tiles {
		if t != nil && t.CombinedBounds != nil {
			return true
		}
	}
	return false
}
