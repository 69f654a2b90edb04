package slide

import (
	"errors"
	"math"
	"testing"

	"gocv.io/x/gocv"
)

// propsSlide is a metadata-only Slide for calibration tests.
type propsSlide struct {
	props map[string]string
}

func (p *propsSlide) LevelCount() int                  { return 1 }
func (p *propsSlide) Dimensions(int) (int, int, error) { return 0, 0, nil }
func (p *propsSlide) Downsample(int) (float64, error)  { return 1, nil }
func (p *propsSlide) Properties() map[string]string    { return p.props }
func (p *propsSlide) Close() error                     { return nil }

func (p *propsSlide) ReadRegion(x, y, level, w, h int) (gocv.Mat, error) {
	return gocv.Mat{}, errors.New("no pixels")
}

func TestCalibrateAperio(t *testing.T) {
	s := &propsSlide{props: map[string]string{
		PropVendor: "aperio",
		PropMPPX:   "0.2527",
		PropMPPY:   "0.2528",
	}}

	cal, err := Calibrate(s)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if cal.Scanner != "aperio" {
		t.Errorf("Scanner = %q, want aperio", cal.Scanner)
	}
	if cal.MPPX != 0.2527 || cal.MPPY != 0.2528 {
		t.Errorf("mpp = %g x %g, want 0.2527 x 0.2528", cal.MPPX, cal.MPPY)
	}
	if math.Abs(cal.MPP()-0.25275) > 1e-9 {
		t.Errorf("MPP() = %g, want 0.25275", cal.MPP())
	}
}

func TestCalibrateAperioMissingMPP(t *testing.T) {
	s := &propsSlide{props: map[string]string{PropVendor: "aperio"}}
	if _, err := Calibrate(s); !errors.Is(err, ErrUnsupportedScanner) {
		t.Errorf("Calibrate error = %v, want ErrUnsupportedScanner", err)
	}
}

func TestCalibrateGenericTIFF(t *testing.T) {
	// 40000 pixels per centimeter is 0.25 microns per pixel
	s := &propsSlide{props: map[string]string{
		PropVendor:         "generic-tiff",
		PropResolutionUnit: "centimeter",
		PropXResolution:    "40000",
		PropYResolution:    "50000",
	}}

	cal, err := Calibrate(s)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if cal.Scanner != "generic-tiff" {
		t.Errorf("Scanner = %q, want generic-tiff", cal.Scanner)
	}
	if math.Abs(cal.MPPX-0.25) > 1e-9 {
		t.Errorf("MPPX = %g, want 0.25", cal.MPPX)
	}
	if math.Abs(cal.MPPY-0.2) > 1e-9 {
		t.Errorf("MPPY = %g, want 0.2", cal.MPPY)
	}
}

func TestCalibrateUnknownVendor(t *testing.T) {
	tests := []map[string]string{
		{},
		{PropVendor: "hamamatsu"},
		{PropVendor: "generic-tiff", PropResolutionUnit: "furlong"},
	}
	for _, props := range tests {
		if _, err := Calibrate(&propsSlide{props: props}); !errors.Is(err, ErrUnsupportedScanner) {
			t.Errorf("Calibrate(%v) error = %v, want ErrUnsupportedScanner", props, err)
		}
	}
}

func TestCheckResolution(t *testing.T) {
	cal := Calibration{MPPX: 0.25, MPPY: 0.25}

	if err := CheckResolution(cal, 0.22, 0.27); err != nil {
		t.Errorf("CheckResolution failed inside the band: %v", err)
	}
	if err := CheckResolution(cal, 0.1, 0.2); !errors.Is(err, ErrResolutionOutOfRange) {
		t.Errorf("CheckResolution error = %v, want ErrResolutionOutOfRange", err)
	}
	if err := CheckResolution(cal, 0.3, 0.4); !errors.Is(err, ErrResolutionOutOfRange) {
		t.Errorf("CheckResolution error = %v, want ErrResolutionOutOfRange", err)
	}
}
