package array

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"clientId" json:"clientId"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string `yaml:"password,omitempty" json:"password,omitempty"`
	TopicPrefix string `yaml:"topicPrefix,omitempty" json:"topicPrefix,omitempty"`
}

// Prefix returns the configured topic prefix, defaulting to "mirrorgrid".
func (m MQTTConfig) Prefix() string {
	if m.TopicPrefix != "" {
		return m.TopicPrefix
	}
	return "mirrorgrid"
}

// Config is the full array configuration file.
type Config struct {
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`
	Grid GridSize   `yaml:"grid" json:"grid"`
	// ArrayRotation is the physical mounting rotation of the array relative
	// to the camera frame. One of 0, 90, 180, 270.
	ArrayRotation int `yaml:"arrayRotation,omitempty" json:"arrayRotation,omitempty"`
	// CameraAspect is the calibration camera's width/height pixel aspect.
	// Defaults to 1.
	CameraAspect float64 `yaml:"cameraAspect,omitempty" json:"cameraAspect,omitempty"`
	// Tiles maps "row-col" keys to motor assignments. Tiles absent from the
	// map have no motors and are skipped during calibration.
	Tiles  map[string]TileAssignment `yaml:"tiles" json:"tiles"`
	Runner RunnerSettings            `yaml:"runner,omitempty" json:"runner,omitempty"`
}

// LoadConfig loads the array configuration from a YAML file and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	config.Runner = config.Runner.Normalize()
	if config.CameraAspect == 0 {
		config.CameraAspect = 1
	}

	return &config, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks required fields and key formats.
func (c *Config) Validate() error {
	if c.Grid.Rows < 1 || c.Grid.Cols < 1 {
		return fmt.Errorf("grid size %dx%d is invalid: rows and cols must be >= 1", c.Grid.Rows, c.Grid.Cols)
	}

	switch c.ArrayRotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("arrayRotation %d is invalid: must be 0, 90, 180 or 270", c.ArrayRotation)
	}

	if c.CameraAspect < 0 {
		return fmt.Errorf("cameraAspect %g is invalid: must be > 0", c.CameraAspect)
	}

	for key, assignment := range c.Tiles {
		row, col, err := TileKey(key).RowCol()
		if err != nil {
			return err
		}
		if row < 0 || row >= c.Grid.Rows || col < 0 || col >= c.Grid.Cols {
			return fmt.Errorf("tile key %q is outside the %dx%d grid", key, c.Grid.Rows, c.Grid.Cols)
		}
		for _, axis := range []Axis{AxisX, AxisY} {
			if m := assignment.Motor(axis); m != nil && m.NodeMac == "" {
				return fmt.Errorf("tile %s axis %s: nodeMac is required", key, axis)
			}
		}
	}

	return nil
}

// Assignment returns the motor assignment for a tile key; the zero assignment
// (no motors) when absent.
func (c *Config) Assignment(key TileKey) TileAssignment {
	if a, ok := c.Tiles[string(key)]; ok {
		return a
	}
	return TileAssignment{}
}
