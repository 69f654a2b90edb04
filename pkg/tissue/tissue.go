// Package tissue segments a low-resolution slide rendering into tissue
// and background. Stained tissue carries materially higher saturation
// than the white scanner background, so the detector thresholds the HSV
// saturation channel with Otsu's method after suppressing scan artifacts.
package tissue

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"

	"wsi2patches/internal/models"
)

// Options configures artifact suppression before segmentation.
type Options struct {
	// RemoveTopFraction blanks this fraction of the top rows before
	// detection. Some scanners leave label artifacts along the top edge.
	RemoveTopFraction float64
}

// Result is the detector output.
type Result struct {
	// Mask is the binary tissue raster (255 = tissue), with the same
	// height/width as the input rendering
	Mask models.Mask

	// Degenerate is set when the saturation channel is near uniform, in
	// which case Otsu's threshold degrades to an arbitrary cut. Reported,
	// not corrected.
	Degenerate bool
}

const (
	// blackCutoff: pixels with all channels at or below this are scanner
	// padding, remapped to white so they do not bias the threshold
	blackCutoff = 5

	// medianKernel suppresses speckle created by transitions into
	// background pixels
	medianKernel = 11

	// dilateKernel closes small holes inside tissue regions
	dilateKernel = 3

	// degenerateVariance: saturation sample variance below this flags a
	// near-uniform input
	degenerateVariance = 1.0
)

// Detect segments an RGB(A) rendering of a slide level into a binary
// tissue mask of identical dimensions. The output is deterministic for
// identical input pixels.
func Detect(img gocv.Mat, opts Options) (Result, error) {
	if img.Empty() {
		return Result{}, fmt.Errorf("tissue detection on empty image")
	}

	// Drop the alpha channel. Saturation is channel-order independent, so
	// BGR is used internally to match gocv's conversion codes.
	bgr := gocv.NewMat()
	defer bgr.Close()
	switch img.Channels() {
	case 4:
		gocv.CvtColor(img, &bgr, gocv.ColorRGBAToBGR)
	case 3:
		gocv.CvtColor(img, &bgr, gocv.ColorBGRToRGB)
	default:
		return Result{}, fmt.Errorf("tissue detection needs 3 or 4 channels, got %d", img.Channels())
	}

	rows, cols := bgr.Rows(), bgr.Cols()

	if opts.RemoveTopFraction > 0 {
		blankTopRows(&bgr, int(float64(rows)*opts.RemoveTopFraction))
	}

	remapBlackToWhite(&bgr)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.MedianBlur(bgr, &blurred, medianKernel)

	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(blurred, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()
	saturation := channels[1]

	degenerate := saturationDegenerate(saturation)

	thresholded := gocv.NewMat()
	defer thresholded.Close()
	gocv.Threshold(saturation, &thresholded, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(dilateKernel, dilateKernel))
	defer kernel.Close()
	dilated := gocv.NewMat()
	defer dilated.Close()
	gocv.Dilate(thresholded, &dilated, kernel)

	mask := models.Mask{
		Width:  cols,
		Height: rows,
		Data:   dilated.ToBytes(),
	}

	return Result{Mask: mask, Degenerate: degenerate}, nil
}

// blankTopRows zeroes the top n rows of a 3-channel Mat. The black fill is
// remapped to white immediately afterwards, so blanked rows never read as
// tissue.
func blankTopRows(m *gocv.Mat, n int) {
	if n > m.Rows() {
		n = m.Rows()
	}
	for y := 0; y < n; y++ {
		for x := 0; x < m.Cols(); x++ {
			m.SetUCharAt(y, x*3+0, 0)
			m.SetUCharAt(y, x*3+1, 0)
			m.SetUCharAt(y, x*3+2, 0)
		}
	}
}

// remapBlackToWhite turns near-black scanner padding into pure white.
func remapBlackToWhite(m *gocv.Mat) {
	for y := 0; y < m.Rows(); y++ {
		for x := 0; x < m.Cols(); x++ {
			c0 := m.GetUCharAt(y, x*3+0)
			c1 := m.GetUCharAt(y, x*3+1)
			c2 := m.GetUCharAt(y, x*3+2)
			if c0 <= blackCutoff && c1 <= blackCutoff && c2 <= blackCutoff {
				m.SetUCharAt(y, x*3+0, 255)
				m.SetUCharAt(y, x*3+1, 255)
				m.SetUCharAt(y, x*3+2, 255)
			}
		}
	}
}

// saturationDegenerate samples the saturation channel and reports whether
// its variance is too low for Otsu's threshold to be meaningful.
func saturationDegenerate(sat gocv.Mat) bool {
	rows, cols := sat.Rows(), sat.Cols()
	if rows == 0 || cols == 0 {
		return true
	}

	// Sample on a coarse grid; the check needs the distribution's shape,
	// not every pixel.
	step := max(1, min(rows, cols)/64)
	var samples []float64
	for y := 0; y < rows; y += step {
		for x := 0; x < cols; x += step {
			samples = append(samples, float64(sat.GetUCharAt(y, x)))
		}
	}
	if len(samples) < 2 {
		return true
	}
	return stat.Variance(samples, nil) < degenerateVariance
}
