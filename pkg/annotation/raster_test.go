package annotation

import (
	"testing"

	"wsi2patches/internal/models"
)

func rect(x0, y0, x1, y1 float64) models.Polygon {
	return models.Polygon{{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1}}
}

func TestRasterizeRectangleArea(t *testing.T) {
	set := models.AnnotationSet{0: rect(2, 3, 7, 8)}

	mask := Rasterize(set, 1, 10, 10)
	if got := mask.NonZero(); got != 25 {
		t.Errorf("filled %d pixels, want 25 for a 5x5 rectangle", got)
	}
	if mask.At(2, 3) != 1 || mask.At(6, 7) != 1 {
		t.Error("rectangle corners should be filled")
	}
	if mask.At(7, 8) != 0 {
		t.Error("pixel at the exclusive rectangle edge should be empty")
	}
	if mask.At(1, 3) != 0 || mask.At(2, 2) != 0 {
		t.Error("pixels outside the rectangle should be empty")
	}
}

func TestRasterizeScale(t *testing.T) {
	// Level-0 rectangle mapped onto a 4x downsampled level
	set := models.AnnotationSet{0: rect(0, 0, 40, 40)}

	mask := Rasterize(set, 0.25, 20, 20)
	if got := mask.NonZero(); got != 100 {
		t.Errorf("filled %d pixels, want 100 for a 10x10 scaled rectangle", got)
	}
}

func TestRasterizeOverlapsOr(t *testing.T) {
	set := models.AnnotationSet{
		0: rect(0, 0, 6, 6),
		1: rect(4, 4, 10, 10),
	}

	mask := Rasterize(set, 1, 10, 10)
	// 36 + 36 - 4 overlapping pixels
	if got := mask.NonZero(); got != 68 {
		t.Errorf("filled %d pixels, want 68 for two overlapping squares", got)
	}
	if mask.At(5, 5) != 1 {
		t.Error("overlap region should be filled with value 1")
	}
}

func TestRasterizeClipsToMask(t *testing.T) {
	set := models.AnnotationSet{0: rect(-5, -5, 5, 5)}

	mask := Rasterize(set, 1, 10, 10)
	if got := mask.NonZero(); got != 25 {
		t.Errorf("filled %d pixels, want 25 clipped pixels", got)
	}
}

func TestRasterizeTileTranslation(t *testing.T) {
	// Global rectangle at (1000,1000)-(1050,1050); tile origin (960, 960)
	set := models.AnnotationSet{0: rect(1000, 1000, 1050, 1050)}

	mask := RasterizeTile(set, 960, 960, 128)
	if got := mask.NonZero(); got != 2500 {
		t.Errorf("filled %d pixels, want 2500", got)
	}
	if mask.At(40, 40) != 1 {
		t.Error("translated rectangle origin should be filled")
	}
	if mask.At(39, 40) != 0 {
		t.Error("pixel left of the translated rectangle should be empty")
	}

	// A far-away tile sees nothing
	empty := RasterizeTile(set, 0, 0, 128)
	if got := empty.NonZero(); got != 0 {
		t.Errorf("distant tile filled %d pixels, want 0", got)
	}
}

func TestRasterizeTriangle(t *testing.T) {
	set := models.AnnotationSet{0: {{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 0, Y: 10}}}

	mask := Rasterize(set, 1, 12, 12)
	got := mask.NonZero()
	// Half of the enclosing 10x10 square, give or take rasterization
	if got < 40 || got > 60 {
		t.Errorf("filled %d pixels, want roughly 50 for a right triangle", got)
	}
	if mask.At(1, 1) != 1 {
		t.Error("interior pixel near the right angle should be filled")
	}
	if mask.At(9, 9) != 0 {
		t.Error("pixel across the hypotenuse should be empty")
	}
}

func TestRasterizeDegeneratePolygon(t *testing.T) {
	// Fewer than three vertices fills nothing
	set := models.AnnotationSet{0: {{X: 1, Y: 1}, {X: 5, Y: 5}}}
	mask := Rasterize(set, 1, 10, 10)
	if got := mask.NonZero(); got != 0 {
		t.Errorf("filled %d pixels, want 0 for a two-point polygon", got)
	}
}
