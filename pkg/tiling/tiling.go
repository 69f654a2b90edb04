// Package tiling partitions a tissue mask into a coarse grid and selects
// the tiles worth extracting patches from.
package tiling

import (
	"fmt"
	"math"

	"wsi2patches/internal/models"
)

// PatchSideLevel0 returns the patch side length in level-0 pixels. In
// pixel-size mode this is the configured fixed size; in calibration mode
// it is derived from the target physical size and the slide's own
// microns-per-pixel.
func PatchSideLevel0(patchSizePixels int, useMicrons bool, patchSizeMicrons, mppX float64) (float64, error) {
	if !useMicrons {
		return float64(patchSizePixels), nil
	}
	if mppX <= 0 {
		return 0, fmt.Errorf("calibrated patch sizing needs a positive microns-per-pixel, got %g", mppX)
	}
	return patchSizeMicrons / mppX, nil
}

// TileSide derives the grid tile side length in pixels at the processing
// level: patchesPerTile patch sides at level 0, scaled down by the
// level's downsample factor.
func TileSide(patchesPerTile int, patchSideLevel0, downsample float64) (int, error) {
	if patchesPerTile < 1 {
		return 0, fmt.Errorf("patches per tile must be >= 1, got %d", patchesPerTile)
	}
	if downsample <= 0 {
		return 0, fmt.Errorf("downsample factor must be positive, got %g", downsample)
	}
	side := int(math.Round(float64(patchesPerTile) * patchSideLevel0 / downsample))
	if side < 1 {
		side = 1
	}
	return side, nil
}

// Plan covers the tissue mask with a ceil(height/side) x ceil(width/side)
// grid and returns the selected tiles keyed by a dense row-major index.
// The final row and column may be partial; their windows are clamped by
// slicing and their coverage uses the clamped area.
//
// A tile is kept iff its tissue coverage reaches minCoverage or it
// intersects any annotation pixel: annotated tiles always survive the
// coverage filter, so rare annotated tissue is never discarded. annMask
// may be empty when the slide carries no annotations.
func Plan(tissueMask, annMask models.Mask, tileSide int, minCoverage float64, level int) (map[int]models.Tile, error) {
	if tileSide < 1 {
		return nil, fmt.Errorf("tile side must be >= 1, got %d", tileSide)
	}
	if tissueMask.Empty() {
		return nil, fmt.Errorf("tissue mask is empty")
	}
	if !annMask.Empty() && (annMask.Width != tissueMask.Width || annMask.Height != tissueMask.Height) {
		return nil, fmt.Errorf("annotation mask %dx%d does not match tissue mask %dx%d",
			annMask.Width, annMask.Height, tissueMask.Width, tissueMask.Height)
	}

	rows := (tissueMask.Height + tileSide - 1) / tileSide
	cols := (tissueMask.Width + tileSide - 1) / tileSide

	tiles := make(map[int]models.Tile)
	tileNb := 0

	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			x := col * tileSide
			y := row * tileSide

			area := tissueMask.RectArea(x, y, tileSide, tileSide)
			if area == 0 {
				continue
			}
			coverage := float64(tissueMask.RectNonZero(x, y, tileSide, tileSide)) / float64(area)

			annotated := false
			if !annMask.Empty() {
				annotated = annMask.RectNonZero(x, y, tileSide, tileSide) > 0
			}

			if coverage >= minCoverage || annotated {
				tiles[tileNb] = models.Tile{
					Row:       row,
					Col:       col,
					X:         x,
					Y:         y,
					Size:      tileSide,
					Level:     level,
					Annotated: annotated,
				}
				tileNb++
			}
		}
	}

	return tiles, nil
}
