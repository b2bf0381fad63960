package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/kwv/mirrorgrid/array"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	configFile  = flag.String("config", "array.yaml", "Path to array configuration file")
	profilePath = flag.String("profile", array.DefaultProfilePath, "Path to calibration profile file")
	runID       = flag.String("run-id", "", "Identifier for the saved profile (default: run-<timestamp>)")
	runMode     = flag.Bool("run", false, "Run a full calibration pass and save the profile")
	stepMode    = flag.Bool("step", false, "Run calibration one action at a time (Enter to advance)")
	validate    = flag.String("validate", "", "Validate a JSON pattern file against the saved profile")
	planAngles  = flag.String("plan-angles", "", "Plan step targets from 'yaw,pitch' degrees (requires -tile)")
	planPoint   = flag.String("plan-point", "", "Plan step targets to a normalized 'x,y' point (requires -tile)")
	planTile    = flag.String("tile", "", "Tile key (row-col) for the plan modes")
	statusMode  = flag.Bool("status", false, "Print the saved profile's calibration summary")
)

func main() {
	flag.Parse()
	fmt.Printf("mirrorgrid version: %s\n", Version)

	app := NewApp()
	app.ApplyOptions(AppOptions{
		ConfigFile:  *configFile,
		ProfilePath: *profilePath,
		RunID:       *runID,
	})

	switch {
	case *runMode && *stepMode:
		log.Fatal("Choose one of -run or -step, not both")

	case *runMode:
		app.RunCalibration(array.ModeAuto)

	case *stepMode:
		app.RunCalibration(array.ModeStep)

	case *validate != "":
		app.RunValidate(*validate)

	case *planAngles != "":
		if *planTile == "" {
			log.Fatal("-plan-angles requires -tile=row-col")
		}
		yaw, pitch, err := parsePair(*planAngles)
		if err != nil {
			log.Fatalf("Invalid -plan-angles value: %v", err)
		}
		app.RunPlanAngles(*planTile, yaw, pitch)

	case *planPoint != "":
		if *planTile == "" {
			log.Fatal("-plan-point requires -tile=row-col")
		}
		x, y, err := parsePair(*planPoint)
		if err != nil {
			log.Fatalf("Invalid -plan-point value: %v", err)
		}
		app.RunPlanPoint(*planTile, x, y)

	case *statusMode:
		app.RunStatus()

	default:
		fmt.Println("mirrorgrid: calibration and motion mapping for mirror tile arrays")
		fmt.Println("Use -run to execute a full calibration run")
		fmt.Println("Use -step to calibrate one action at a time")
		fmt.Println("Use -validate=points.json to check a pattern against the profile")
		fmt.Println("Use -plan-angles=yaw,pitch -tile=row-col to plan from angles")
		fmt.Println("Use -plan-point=x,y -tile=row-col to plan from calibration")
		fmt.Println("Use -status to inspect the saved profile")
		fmt.Println("\nConfiguration:")
		fmt.Println("  array.yaml - broker settings, grid size and motor assignments")
		fmt.Printf("  %s - saved calibration profile\n", array.DefaultProfilePath)
	}
}
