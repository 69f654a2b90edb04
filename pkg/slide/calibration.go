package slide

import (
	"fmt"
	"strconv"
)

// Property keys exposed by slide readers, named after the openslide
// convention so annotation and calibration code stays portable across
// reader implementations.
const (
	PropVendor         = "openslide.vendor"
	PropMPPX           = "openslide.mpp-x"
	PropMPPY           = "openslide.mpp-y"
	PropObjectivePower = "openslide.objective-power"
	PropResolutionUnit = "tiff.ResolutionUnit"
	PropXResolution    = "tiff.XResolution"
	PropYResolution    = "tiff.YResolution"
)

// micronsPerUnit converts a TIFF resolution unit to microns.
var micronsPerUnit = map[string]float64{
	"inch":       25400,
	"millimeter": 1000,
	"centimeter": 10000,
	"meter":      1000000,
}

// Calibration is the scanner identity and physical resolution of a slide,
// used for micron-based patch sizing.
type Calibration struct {
	// Scanner is the detected vendor
	Scanner string

	// MPPX and MPPY are microns per pixel at level 0
	MPPX float64
	MPPY float64
}

// MPP returns the mean microns-per-pixel over both axes.
func (c Calibration) MPP() float64 {
	return (c.MPPX + c.MPPY) / 2
}

// Calibrate determines the scanner vendor from slide metadata and derives
// microns-per-pixel. Unknown vendors return ErrUnsupportedScanner.
func Calibrate(s Slide) (Calibration, error) {
	props := s.Properties()

	switch props[PropVendor] {
	case "aperio":
		return calibrateAperio(props)
	case "generic-tiff":
		return calibrateGenericTIFF(props)
	}
	// future vendors go here
	return Calibration{}, fmt.Errorf("%w: vendor %q", ErrUnsupportedScanner, props[PropVendor])
}

func calibrateAperio(props map[string]string) (Calibration, error) {
	resX, err := strconv.ParseFloat(props[PropMPPX], 64)
	if err != nil {
		return Calibration{}, fmt.Errorf("%w: aperio slide missing %s", ErrUnsupportedScanner, PropMPPX)
	}
	resY, err := strconv.ParseFloat(props[PropMPPY], 64)
	if err != nil {
		return Calibration{}, fmt.Errorf("%w: aperio slide missing %s", ErrUnsupportedScanner, PropMPPY)
	}
	return Calibration{Scanner: "aperio", MPPX: resX, MPPY: resY}, nil
}

func calibrateGenericTIFF(props map[string]string) (Calibration, error) {
	factor, ok := micronsPerUnit[props[PropResolutionUnit]]
	if !ok {
		return Calibration{}, fmt.Errorf("%w: unknown resolution unit %q",
			ErrUnsupportedScanner, props[PropResolutionUnit])
	}

	xres, err := strconv.ParseFloat(props[PropXResolution], 64)
	if err != nil || xres <= 0 {
		return Calibration{}, fmt.Errorf("%w: generic-tiff slide missing %s", ErrUnsupportedScanner, PropXResolution)
	}
	yres, err := strconv.ParseFloat(props[PropYResolution], 64)
	if err != nil || yres <= 0 {
		return Calibration{}, fmt.Errorf("%w: generic-tiff slide missing %s", ErrUnsupportedScanner, PropYResolution)
	}

	// pixels-per-unit to microns-per-pixel
	return Calibration{
		Scanner: "generic-tiff",
		MPPX:    factor / xres,
		MPPY:    factor / yres,
	}, nil
}

// CheckResolution verifies the mean microns-per-pixel falls inside
// [minMPP, maxMPP]. Slides outside the band return
// ErrResolutionOutOfRange and are excluded from the run when the
// pre-check is enabled.
func CheckResolution(c Calibration, minMPP, maxMPP float64) error {
	mpp := c.MPP()
	if mpp < minMPP || mpp > maxMPP {
		return fmt.Errorf("%w: %.4f mpp outside [%.4f, %.4f]", ErrResolutionOutOfRange, mpp, minMPP, maxMPP)
	}
	return nil
}
