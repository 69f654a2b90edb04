// Package slide provides read access to whole-slide images. It defines
// the pyramidal reader interface the pipeline consumes, scanner
// calibration, and a flat-image implementation that synthesizes pyramid
// levels from a single-resolution file.
package slide

import (
	"errors"

	"gocv.io/x/gocv"
)

// ErrUnreadableSlide marks a slide file that cannot be opened or decoded.
// The pipeline skips the slide and continues.
var ErrUnreadableSlide = errors.New("unreadable slide")

// ErrUnsupportedScanner marks slide metadata from an unintegrated scanner
// vendor. Fatal for that slide only.
var ErrUnsupportedScanner = errors.New("unsupported scanner type")

// ErrResolutionOutOfRange marks a slide whose microns-per-pixel falls
// outside the configured band.
var ErrResolutionOutOfRange = errors.New("slide resolution out of range")

// Slide is random read access to one pyramidal image. Level 0 is full
// resolution. ReadRegion follows openslide semantics: the location is
// given in level-0 pixel coordinates, the size in level pixels; the
// returned Mat is RGBA with out-of-bounds areas zero-filled. The caller
// owns the Mat and must Close it.
type Slide interface {
	LevelCount() int
	Dimensions(level int) (width, height int, err error)
	Downsample(level int) (float64, error)
	ReadRegion(x, y, level, width, height int) (gocv.Mat, error)
	Properties() map[string]string
	Close() error
}

// Open opens a slide file using the flat-image reader.
func Open(path string) (Slide, error) {
	return OpenFlatImage(path)
}
