package annotation

import (
	"math"
	"sort"

	"wsi2patches/internal/models"
)

// Rasterize scales every polygon point by scale and fills the polygons
// into a zero-initialized width x height mask with value 1. Overlapping
// polygons simply OR together; the fill value caps at 1.
func Rasterize(set models.AnnotationSet, scale float64, width, height int) models.Mask {
	mask := models.NewMask(width, height)
	for id := 0; id < len(set); id++ {
		poly := set[id]
		scaled := make(models.Polygon, len(poly))
		for i, pt := range poly {
			scaled[i] = models.Point{X: pt.X * scale, Y: pt.Y * scale}
		}
		fillPolygon(&mask, scaled)
	}
	return mask
}

// RasterizeTile fills the polygons into a side x side mask in a tile's
// local coordinate frame: points are translated by the tile's global
// level-0 origin before filling. Polygons outside the tile contribute
// nothing.
func RasterizeTile(set models.AnnotationSet, originX, originY, side int) models.Mask {
	mask := models.NewMask(side, side)
	for id := 0; id < len(set); id++ {
		poly := set[id]
		translated := make(models.Polygon, len(poly))
		for i, pt := range poly {
			translated[i] = models.Point{X: pt.X - float64(originX), Y: pt.Y - float64(originY)}
		}
		fillPolygon(&mask, translated)
	}
	return mask
}

// fillPolygon paints a polygon into the mask with an even-odd scan-line
// fill, sampling at pixel centers. The polygon is closed implicitly.
func fillPolygon(mask *models.Mask, poly models.Polygon) {
	if len(poly) < 3 {
		return
	}

	minY, maxY := poly[0].Y, poly[0].Y
	for _, pt := range poly[1:] {
		minY = math.Min(minY, pt.Y)
		maxY = math.Max(maxY, pt.Y)
	}

	yStart := max(int(math.Floor(minY)), 0)
	yEnd := min(int(math.Ceil(maxY)), mask.Height-1)

	var xs []float64
	for y := yStart; y <= yEnd; y++ {
		yc := float64(y) + 0.5
		xs = xs[:0]

		// Collect edge crossings at this scan line. Half-open edge
		// intervals keep shared vertices from double counting.
		for i := range poly {
			p1 := poly[i]
			p2 := poly[(i+1)%len(poly)]
			if (p1.Y <= yc) == (p2.Y <= yc) {
				continue
			}
			t := (yc - p1.Y) / (p2.Y - p1.Y)
			xs = append(xs, p1.X+t*(p2.X-p1.X))
		}
		sort.Float64s(xs)

		for i := 0; i+1 < len(xs); i += 2 {
			// Fill pixels whose centers lie inside the span.
			x0 := int(math.Ceil(xs[i] - 0.5))
			x1 := int(math.Ceil(xs[i+1]-0.5)) - 1
			if x0 < 0 {
				x0 = 0
			}
			if x1 >= mask.Width {
				x1 = mask.Width - 1
			}
			for x := x0; x <= x1; x++ {
				mask.Set(x, y, 1)
			}
		}
	}
}
