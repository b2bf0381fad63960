package array

import (
	"math"

	"github.com/paulmach/orb"
)

// Grid geometry. The array maps onto normalized [-1,1] pattern space: the
// blueprint fixes where each tile ideally sits so the orchestrator can score
// measured homes against it and the validator can reason about adjacency.

// NewGridBlueprint derives the layout model for a rows × cols grid with the
// given inter-tile gap fraction. The gap is carved out of the ideal footprint
// so adjacent adjusted footprints never touch.
func NewGridBlueprint(size GridSize, gapFraction float64) GridBlueprint {
	cols := size.Cols
	rows := size.Rows
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	ideal := Footprint{W: 2.0 / float64(cols), H: 2.0 / float64(rows)}
	gap := clampFloat(gapFraction, 0, 1) * math.Min(ideal.W, ideal.H)

	return GridBlueprint{
		GridOrigin:            Point{X: -1, Y: -1},
		IdealTileFootprint:    ideal,
		AdjustedTileFootprint: Footprint{W: ideal.W - gap, H: ideal.H - gap},
		TileGap:               gap,
	}
}

// IdealTileCenter returns the blueprint position a tile's mirror should rest
// at when perfectly homed.
func (bp GridBlueprint) IdealTileCenter(row, col int) Point {
	return Point{
		X: bp.GridOrigin.X + (float64(col)+0.5)*bp.IdealTileFootprint.W,
		Y: bp.GridOrigin.Y + (float64(row)+0.5)*bp.IdealTileFootprint.H,
	}
}

// IdealTileRect returns the adjusted footprint rectangle for a tile, centered
// on its ideal position.
func (bp GridBlueprint) IdealTileRect(row, col int) orb.Bound {
	c := bp.IdealTileCenter(row, col)
	halfW := bp.AdjustedTileFootprint.W / 2
	halfH := bp.AdjustedTileFootprint.H / 2
	return orb.Bound{
		Min: orb.Point{c.X - halfW, c.Y - halfH},
		Max: orb.Point{c.X + halfW, c.Y + halfH},
	}
}

// HomeOffsetFrom returns the vector from the tile's ideal center to a
// measured home position.
func (bp GridBlueprint) HomeOffsetFrom(row, col int, measured Point) Point {
	ideal := bp.IdealTileCenter(row, col)
	return Point{X: measured.X - ideal.X, Y: measured.Y - ideal.Y}
}
