// Package models holds the shared data model of the tiling pipeline:
// binary rasters, polygon annotations, grid tiles, extracted patches and
// the per-slide manifest.
package models

// Point is a single polygon vertex in level-0 pixel coordinates.
type Point struct {
	X float64
	Y float64
}

// Polygon is an ordered sequence of vertices, closed implicitly.
type Polygon []Point

// AnnotationSet maps dense polygon ids (insertion order) to polygons.
// An absent annotation file yields an empty set, never nil semantics
// beyond len == 0.
type AnnotationSet map[int]Polygon

// Tile is one cell of the coarse grid laid over the tissue mask. Tiles
// are ephemeral: recomputed per slide, never persisted.
type Tile struct {
	// Row and Col are the grid indices of the tile
	Row int
	Col int

	// X and Y are the pixel origin at the processing level
	X int
	Y int

	// Size is the tile side length in pixels at the processing level
	Size int

	// Level is the pyramid level the grid was planned on
	Level int

	// Annotated is true if any annotation pixel falls inside the tile.
	// This gates the extraction overlap only; per-patch labeling decides
	// annotation membership independently.
	Annotated bool
}

// Patch is the unit of output: a square window inside a tile, expressed
// in level-0 pixel coordinates.
type Patch struct {
	// SlideName identifies the source slide
	SlideName string `json:"slide_name"`

	// Path is the output file path relative to the slide directory
	Path string `json:"patch_path"`

	// Label is the assigned label name
	Label string `json:"label"`

	// Coverage is the annotation-pixel fraction of the winning label's
	// class inside the patch window (0 for unlabeled patches)
	Coverage float64 `json:"coverage"`

	// X and Y are the global patch origin in level-0 pixels
	X int `json:"x_pos"`
	Y int `json:"y_pos"`

	// Width and Height are the extracted patch size in level-0 pixels,
	// before any canonical resize
	Width  int `json:"patch_size_x"`
	Height int `json:"patch_size_y"`

	// Resized is true when the saved pixels were resampled to the
	// canonical patch size (calibration mode only)
	Resized bool `json:"resized"`
}

// SlideManifest collects the emitted patches of one slide together with
// the calibration metadata the run used for it.
type SlideManifest struct {
	// SlideName is the slide base name (also the output directory name)
	SlideName string `json:"slide_name"`

	// SlideFile is the original slide filename including extension
	SlideFile string `json:"slide_filename"`

	// Scanner is the detected scanner vendor
	Scanner string `json:"scanner"`

	// MPPX and MPPY are the slide's microns-per-pixel calibration
	MPPX float64 `json:"mpp_x"`
	MPPY float64 `json:"mpp_y"`

	// Downsample is the integer downsample factor of the processing level
	Downsample int `json:"scaling_factor"`

	// Patches are the emitted patch records in emission order
	Patches []Patch `json:"patches"`
}

// LabelCounts tallies the manifest's patches per label.
func (m *SlideManifest) LabelCounts() map[string]int {
	counts := make(map[string]int)
	for _, p := range m.Patches {
		counts[p.Label]++
	}
	return counts
}
