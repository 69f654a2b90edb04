// Package extract generates labeled fixed-size patches inside the
// selected grid tiles. It supports fixed pixel sizing and physically
// calibrated sizing, overlap-aware stride placement with border clamping,
// and first-match label assignment against an ordered rule table.
package extract

import (
	"fmt"
	"image"
	"path/filepath"
	"sort"

	"gocv.io/x/gocv"

	"wsi2patches/internal/models"
	"wsi2patches/pkg/annotation"
)

// RegionReader is the pixel source for patch extraction: ReadRegion
// follows openslide semantics (level-0 location, level-sized RGBA
// output, zero-filled outside the slide).
type RegionReader interface {
	ReadRegion(x, y, level, width, height int) (gocv.Mat, error)
}

// Options configures an Extractor.
type Options struct {
	// SlideName prefixes patch file names and manifest records
	SlideName string

	// OutputDir is the per-slide output directory; per-label
	// subdirectories must already exist when SavePatches is set
	OutputDir string

	// OutputFormat is the patch image extension (png, jpg, ...)
	OutputFormat string

	// Rules is the ordered label table, first match wins
	Rules []models.LabelRule

	// Overlap is the patch overlap fraction for unannotated tiles
	Overlap float64

	// AnnotationOverlap is the overlap fraction for annotated tiles
	AnnotationOverlap float64

	// SavePatches writes patch pixels to disk; otherwise only manifest
	// records are produced
	SavePatches bool

	// SaveAnnotatedOnly discards patches without an annotation-bearing
	// label, after label evaluation
	SaveAnnotatedOnly bool

	// ZipPatches adjusts recorded patch paths for zip packaging
	ZipPatches bool
}

// Extractor turns planned tiles into labeled patch records and,
// optionally, patch image files.
type Extractor struct {
	reader RegionReader
	opts   Options
}

// New creates an Extractor. reader may be nil when Options.SavePatches
// is false.
func New(reader RegionReader, opts Options) *Extractor {
	return &Extractor{reader: reader, opts: opts}
}

// sizing carries the resolved patch dimensions for one extraction run.
type sizing struct {
	// psX and psY are the patch side lengths in level-0 pixels
	psX, psY int

	// resizeTo resamples saved patches to this canonical side; 0 keeps
	// the extracted size
	resizeTo int
}

// ExtractFixed produces patches with a fixed pixel side length and no
// resampling (pixel-size mode).
func (e *Extractor) ExtractFixed(tiles map[int]models.Tile, downsample int, ann models.AnnotationSet, patchSize int) ([]models.Patch, error) {
	if patchSize < 1 {
		return nil, fmt.Errorf("patch size must be >= 1, got %d", patchSize)
	}
	return e.extract(tiles, downsample, ann, sizing{psX: patchSize, psY: patchSize})
}

// ExtractCalibrated produces patches sized in physical microns via the
// slide's own microns-per-pixel, optionally resized afterward to a
// canonical pixel side. This normalizes patches across slides scanned at
// different physical resolutions.
func (e *Extractor) ExtractCalibrated(tiles map[int]models.Tile, downsample int, ann models.AnnotationSet,
	patchSizeMicrons, mppX, mppY float64, resizeTo int) ([]models.Patch, error) {
	if mppX <= 0 || mppY <= 0 {
		return nil, fmt.Errorf("calibrated extraction needs positive microns-per-pixel, got %g x %g", mppX, mppY)
	}
	sz := sizing{
		psX:      int(roundf(patchSizeMicrons / mppX)),
		psY:      int(roundf(patchSizeMicrons / mppY)),
		resizeTo: resizeTo,
	}
	if sz.psX < 1 || sz.psY < 1 {
		return nil, fmt.Errorf("calibrated patch size %dx%d px is degenerate", sz.psX, sz.psY)
	}
	return e.extract(tiles, downsample, ann, sz)
}

// extract walks the tiles in dense index order so output is
// deterministic for identical inputs.
func (e *Extractor) extract(tiles map[int]models.Tile, downsample int, ann models.AnnotationSet, sz sizing) ([]models.Patch, error) {
	if downsample < 1 {
		return nil, fmt.Errorf("downsample factor must be >= 1, got %d", downsample)
	}

	keys := make([]int, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var patches []models.Patch
	for _, k := range keys {
		tilePatches, err := e.extractTile(tiles[k], downsample, ann, sz)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", k, err)
		}
		patches = append(patches, tilePatches...)
	}
	return patches, nil
}

func (e *Extractor) extractTile(t models.Tile, downsample int, ann models.AnnotationSet, sz sizing) ([]models.Patch, error) {
	tileX := t.X * downsample
	tileY := t.Y * downsample
	tileSize := t.Size * downsample

	// Annotated tiles use the annotation overlap so annotated regions are
	// oversampled more densely than the tissue background.
	frac := e.opts.Overlap
	if t.Annotated {
		frac = e.opts.AnnotationOverlap
	}
	strideX := sz.psX - int(float64(sz.psX)*frac)
	strideY := sz.psY - int(float64(sz.psY)*frac)
	if strideX < 1 || strideY < 1 {
		return nil, fmt.Errorf("overlap %g leaves no stride for %dx%d patches", frac, sz.psX, sz.psY)
	}

	rows := ceilDiv(tileSize, strideY)
	cols := ceilDiv(tileSize, strideX)

	var tileMat gocv.Mat
	havePixels := false
	if e.opts.SavePatches {
		if e.reader == nil {
			return nil, fmt.Errorf("patch saving enabled without a region reader")
		}
		region, err := e.reader.ReadRegion(tileX, tileY, 0, tileSize, tileSize)
		if err != nil {
			return nil, fmt.Errorf("reading tile region at (%d, %d): %w", tileX, tileY, err)
		}
		// Drop alpha; IMWrite and the zero-content check both want BGR.
		if region.Channels() == 4 {
			tileMat = gocv.NewMat()
			gocv.CvtColor(region, &tileMat, gocv.ColorRGBAToBGR)
			region.Close()
		} else {
			tileMat = region
		}
		defer tileMat.Close()
		havePixels = true
	}

	// Rasterize the tile's annotations once, in tile-local coordinates.
	var annMask models.Mask
	if len(ann) > 0 {
		annMask = annotation.RasterizeTile(ann, tileX, tileY, tileSize)
	}

	var out []models.Patch
	stopY := false
	for row := 0; row < rows && !stopY; row++ {
		stopX := false
		for col := 0; col < cols; col++ {
			px := col * strideX
			py := row * strideY

			// Clamp the final patch per axis flush against the tile edge
			// and mark the axis exhausted: full coverage, no patch past
			// the boundary, no extra overlap beyond what clamping needs.
			if py+sz.psY >= tileSize {
				stopY = true
				py = max(tileSize-sz.psY, 0)
			}
			if px+sz.psX >= tileSize {
				stopX = true
				px = max(tileSize-sz.psX, 0)
			}

			globalX := px + tileX
			globalY := py + tileY

			var window gocv.Mat
			if havePixels {
				w := min(sz.psX, tileMat.Cols()-px)
				h := min(sz.psY, tileMat.Rows()-py)
				window = tileMat.Region(image.Rect(px, py, px+w, py+h))
				// An all-zero window means the row ran past readable
				// slide content; stop this row.
				sum := window.Sum()
				if sum.Val1+sum.Val2+sum.Val3+sum.Val4 == 0 {
					window.Close()
					break
				}
			}

			label := models.UnlabeledName
			coverage := 0.0
			annotatedPatch := false
			emit := true
			if len(ann) > 0 {
				coverage = float64(annMask.RectNonZero(px, py, sz.psX, sz.psY)) / float64(sz.psX*sz.psY)
				rule, ok := models.FirstMatch(e.opts.Rules, coverage)
				if ok {
					label = rule.Name
					annotatedPatch = rule.Annotated
				} else {
					// No fallback bucket when annotations exist: drop.
					emit = false
				}
			}
			if emit && e.opts.SaveAnnotatedOnly && !annotatedPatch {
				emit = false
			}

			if emit {
				fileName := fmt.Sprintf("%s_%d_%d.%s", e.opts.SlideName, globalX, globalY, e.opts.OutputFormat)
				if havePixels {
					if err := e.savePatch(window, label, fileName, sz.resizeTo); err != nil {
						window.Close()
						return nil, err
					}
				}
				out = append(out, models.Patch{
					SlideName: e.opts.SlideName,
					Path:      e.patchPath(label, fileName),
					Label:     label,
					Coverage:  coverage,
					X:         globalX,
					Y:         globalY,
					Width:     sz.psX,
					Height:    sz.psY,
					Resized:   sz.resizeTo > 0,
				})
			}
			if havePixels {
				window.Close()
			}

			if stopX {
				break
			}
		}
	}

	return out, nil
}

// savePatch writes one patch window, resampling to the canonical side
// first when requested.
func (e *Extractor) savePatch(window gocv.Mat, label, fileName string, resizeTo int) error {
	path := filepath.Join(e.opts.OutputDir, label, fileName)

	mat := window
	if resizeTo > 0 && (window.Cols() != resizeTo || window.Rows() != resizeTo) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(window, &resized, image.Pt(resizeTo, resizeTo), 0, 0, gocv.InterpolationLinear)
		mat = resized
		if ok := gocv.IMWrite(path, mat); !ok {
			return fmt.Errorf("writing patch %s failed", path)
		}
		return nil
	}

	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("writing patch %s failed", path)
	}
	return nil
}

// patchPath is the manifest-relative output path; zip packaging replaces
// the label directory with the archive name.
func (e *Extractor) patchPath(label, fileName string) string {
	if e.opts.ZipPatches {
		return filepath.Join(label+".zip", fileName)
	}
	return filepath.Join(label, fileName)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func roundf(v float64) float64 {
	if v < 0 {
		return float64(int(v - 0.5))
	}
	return float64(int(v + 0.5))
}
