package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/mirrorgrid/array"
)

// App encapsulates the application state and dependencies
type App struct {
	Config    *array.Config
	Bus       *array.Bus
	Commander *array.Commander
	Detector  *array.Detector
	Runner    *array.Runner
	Tunables  array.Tunables

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	ProfilePath string
	RunID       string
}

// AppOptions carries parsed CLI options into the App
type AppOptions struct {
	ConfigFile  string
	ProfilePath string
	RunID       string
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{Tunables: array.DefaultTunables()}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.ProfilePath = opts.ProfilePath
	a.RunID = opts.RunID
}

// loadConfig loads and validates the array configuration file.
func (a *App) loadConfig() error {
	config, err := array.LoadConfig(a.ConfigFile)
	if err != nil {
		return err
	}
	a.Config = config
	log.Printf("Loaded config from %s (%dx%d grid, %d tile assignments)",
		a.ConfigFile, config.Grid.Rows, config.Grid.Cols, len(config.Tiles))
	return nil
}

// connect brings up the MQTT bus and the command/detection services.
func (a *App) connect() error {
	bus, err := array.NewBus(&a.Config.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	a.Bus = bus

	prefix := a.Config.MQTT.Prefix()
	a.Commander = array.NewCommander(bus, prefix, a.Tunables)
	if err := a.Commander.Start(); err != nil {
		return fmt.Errorf("starting commander: %w", err)
	}
	a.Detector = array.NewDetector(bus, prefix, a.Tunables, a.Config.Runner)
	if err := a.Detector.Start(); err != nil {
		return fmt.Errorf("starting detector: %w", err)
	}
	return nil
}

// RunCalibration executes a full calibration run and persists the resulting
// profile. In step mode each discrete action waits for Enter on stdin.
func (a *App) RunCalibration(mode array.RunMode) {
	if err := a.loadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := a.connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer a.Bus.Disconnect()

	blueprint := array.NewGridBlueprint(a.Config.Grid, a.Config.Runner.GridGapFraction)
	engine := array.NewTileEngine(a.Commander, a.Detector, a.Config.Runner, a.Tunables, blueprint)
	a.Runner = array.NewRunner(a.Config, engine, a.Commander)

	done, err := a.Runner.Start(context.Background(), mode)
	if err != nil {
		log.Fatalf("Failed to start calibration run: %v", err)
	}

	// Ctrl+C aborts the run; completed tile results are kept.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nAborting run...")
		a.Runner.Abort()
	}()

	if mode == array.ModeStep {
		go a.driveStepMode(done)
	} else {
		go a.reportProgress(done)
	}

	<-done

	state := a.Runner.Snapshot()
	fmt.Println("\nRun finished")
	fmt.Printf("  Phase:     %s\n", state.Phase)
	fmt.Printf("  Completed: %d\n", state.Progress.CompletedTiles)
	fmt.Printf("  Failed:    %d\n", state.Progress.FailedTiles)
	fmt.Printf("  Skipped:   %d\n", state.Progress.SkippedTiles)
	if state.Aborted {
		fmt.Println("  Aborted:   yes (partial results kept)")
	}
	for key, ts := range state.Tiles {
		if ts.Status == array.TileFailed {
			fmt.Printf("  Tile %s failed: %s\n", key, ts.Error)
		}
	}

	if state.Phase == array.PhaseError {
		log.Fatalf("Run failed: %s", state.Error)
	}
	if state.Progress.CompletedTiles == 0 {
		fmt.Println("No tiles completed; profile not saved")
		return
	}

	id := a.RunID
	if id == "" {
		id = fmt.Sprintf("run-%d", time.Now().Unix())
	}
	profile, err := a.Runner.BuildProfile(id)
	if err != nil {
		log.Fatalf("Failed to build profile: %v", err)
	}
	if err := array.SaveProfile(a.ProfilePath, profile); err != nil {
		log.Fatalf("Failed to save profile: %v", err)
	}
	fmt.Printf("Calibration profile saved to %s\n", a.ProfilePath)
}

// driveStepMode reads stdin and advances the run one action per Enter.
func (a *App) driveStepMode(done <-chan struct{}) {
	fmt.Println("Step mode: press Enter to advance, Ctrl+C to abort")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-done:
			return
		default:
		}
		if !scanner.Scan() {
			return
		}
		a.Runner.Advance()
	}
}

// reportProgress prints a status line whenever the active tile changes.
func (a *App) reportProgress(done <-chan struct{}) {
	var lastTile array.TileKey
	var lastPhase array.RunPhase
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			state := a.Runner.Snapshot()
			if state.Phase != lastPhase || state.ActiveTile != lastTile {
				lastPhase = state.Phase
				lastTile = state.ActiveTile
				fmt.Printf("[%s] tile %s (%d/%d done)\n",
					state.Phase, state.ActiveTile,
					state.Progress.CompletedTiles, state.Progress.TotalTiles-state.Progress.SkippedTiles)
			}
		}
	}
}

// patternFile is the JSON input for validate mode: a named list of
// normalized-space points.
type patternFile struct {
	Points []array.PatternPoint `json:"points"`
}

// RunValidate checks every point in a pattern file against the saved profile
func (a *App) RunValidate(patternPath string) {
	profile := a.mustLoadProfile()

	data, err := os.ReadFile(patternPath)
	if err != nil {
		log.Fatalf("Failed to read pattern file: %v", err)
	}
	var pattern patternFile
	if err := json.Unmarshal(data, &pattern); err != nil {
		// Also accept a bare JSON array of points.
		if arrErr := json.Unmarshal(data, &pattern.Points); arrErr != nil {
			log.Fatalf("Failed to parse pattern file: %v", err)
		}
	}
	if len(pattern.Points) == 0 {
		log.Fatal("Pattern file contains no points")
	}

	result := array.ValidatePointsInProfile(pattern.Points, profile)
	fmt.Printf("Validated %d point(s) against profile %q\n", len(pattern.Points), profile.ID)
	for _, pr := range result.PointResults {
		if pr.Valid {
			fmt.Printf("  %-12s (%.3f, %.3f)  OK  tiles: %s\n",
				pr.PointID, pr.Original.X, pr.Original.Y, strings.Join(keysToStrings(pr.ValidTileKeys), ", "))
		} else {
			fmt.Printf("  %-12s (%.3f, %.3f)  UNREACHABLE\n", pr.PointID, pr.Original.X, pr.Original.Y)
		}
	}
	if !result.IsValid {
		fmt.Printf("\n%d point(s) cannot be reached:\n", len(result.InvalidPointIDs))
		for _, e := range result.Errors {
			fmt.Printf("  %s: %s\n", e.Code, e.Message)
		}
		os.Exit(1)
	}
	fmt.Println("\nAll points reachable")
}

// RunPlanAngles computes step targets for a tile from yaw/pitch degrees
func (a *App) RunPlanAngles(tileKey string, yaw, pitch float64) {
	if err := a.loadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	key := array.TileKey(tileKey)
	planner := array.NewPlanner(a.Tunables)
	plan := planner.PlanFromAngles(yaw, pitch, a.Config.Assignment(key))
	printPlan(plan)
}

// RunPlanPoint computes step targets for a tile to land on a normalized point,
// using the saved calibration profile
func (a *App) RunPlanPoint(tileKey string, x, y float64) {
	if err := a.loadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	profile := a.mustLoadProfile()

	key := array.TileKey(tileKey)
	results := profile.TileResults(key)
	if results == nil {
		log.Fatalf("Tile %s has no calibration results in profile %q", key, profile.ID)
	}

	planner := array.NewPlanner(a.Tunables)
	plan, err := planner.PlanFromCalibration(array.Point{X: x, Y: y}, a.Config.Assignment(key), results)
	if err != nil {
		log.Fatalf("Planning failed: %v", err)
	}
	printPlan(plan)
}

// RunStatus prints the saved profile's per-tile calibration summary
func (a *App) RunStatus() {
	profile := a.mustLoadProfile()

	created := time.Unix(profile.CreatedAt, 0).Format(time.RFC3339)
	fmt.Printf("Profile %q (schema v%d, created %s)\n", profile.ID, profile.Version, created)
	fmt.Printf("  Grid:     %dx%d\n", profile.GridSize.Rows, profile.GridSize.Cols)
	fmt.Printf("  Rotation: %d°  Camera aspect: %.3f\n", profile.ArrayRotation, profile.CalibrationCameraAspect)
	m := profile.Summary.Metrics
	fmt.Printf("  Tiles:    %d total, %d completed, %d failed, %d skipped\n",
		m.TotalTiles, m.CompletedTiles, m.FailedTiles, m.SkippedTiles)

	for row := 0; row < profile.GridSize.Rows; row++ {
		for col := 0; col < profile.GridSize.Cols; col++ {
			key := array.MakeTileKey(row, col)
			results := profile.TileResults(key)
			if results == nil {
				fmt.Printf("  %s: (no results)\n", key)
				continue
			}
			fmt.Printf("  %s: scale(%.5f, %.5f) offset(%.4f, %.4f)",
				key, results.StepToDisplacement.X, results.StepToDisplacement.Y,
				results.HomeOffset.X, results.HomeOffset.Y)
			if b := results.CombinedBounds; b != nil {
				fmt.Printf(" bounds x[%.3f, %.3f] y[%.3f, %.3f]", b.X.Min, b.X.Max, b.Y.Min, b.Y.Max)
			}
			fmt.Println()
		}
	}

	if !profile.HasReachableTiles() {
		fmt.Println("\nWarning: no tile carries usable bounds; re-run calibration")
	}
}

func (a *App) mustLoadProfile() *array.CalibrationProfile {
	profile, err := array.LoadProfile(a.ProfilePath)
	if err != nil {
		log.Fatalf("Failed to load profile %s: %v", a.ProfilePath, err)
	}
	if profile == nil {
		log.Fatalf("No calibration profile at %s. Run with -run first.", a.ProfilePath)
	}
	return profile
}

func printPlan(plan array.PlanResult) {
	for _, t := range plan.Targets {
		clamped := ""
		if t.Clamped {
			clamped = " (clamped)"
		}
		fmt.Printf("  axis %s: motor %d of %s -> %d steps%s\n",
			t.Axis, t.Motor.MotorIndex, t.Motor.NodeMac, t.TargetSteps, clamped)
	}
	for _, s := range plan.Skipped {
		fmt.Printf("  axis %s: skipped (%s)\n", s.Axis, s.Reason)
	}
	if len(plan.Targets) == 0 {
		fmt.Println("  no movable axes")
	}
}

func keysToStrings(keys []array.TileKey) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

// parsePair parses a "a,b" float pair used by the plan flags.
func parsePair(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected two comma-separated numbers, got %q", s)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}
