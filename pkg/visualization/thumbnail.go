// Package visualization renders per-slide inspection images: a cleaned
// thumbnail of the processed pyramid level and an overlay showing the
// tissue mask boundary on top of it.
package visualization

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"wsi2patches/internal/models"
)

// blackCutoff matches the tissue detector: pixels at or below this in
// every channel are scanner padding and render white in thumbnails.
const blackCutoff = 5

// smoothKernel is the median kernel applied to the thumbnail background.
const smoothKernel = 11

// contourColor draws the mask boundary in the overlay (BGR green).
var contourColor = []float64{0, 255, 0}

// WriteThumbnail saves a cleaned rendering of the slide level: scanner
// padding remapped to white, background speckle median-smoothed, tissue
// pixels kept from the original rendering.
func WriteThumbnail(img gocv.Mat, tissueMask models.Mask, path string) error {
	bgr, err := toBGR(img)
	if err != nil {
		return err
	}
	defer bgr.Close()

	remapBlackToWhite(&bgr)

	smoothed := gocv.NewMat()
	defer smoothed.Close()
	gocv.MedianBlur(bgr, &smoothed, smoothKernel)

	// Keep the sharp original inside tissue, smoothed pixels outside.
	if !tissueMask.Empty() && tissueMask.Width == bgr.Cols() && tissueMask.Height == bgr.Rows() {
		for y := 0; y < bgr.Rows(); y++ {
			for x := 0; x < bgr.Cols(); x++ {
				if tissueMask.At(x, y) != 0 {
					for c := 0; c < 3; c++ {
						smoothed.SetUCharAt(y, x*3+c, bgr.GetUCharAt(y, x*3+c))
					}
				}
			}
		}
	}

	if ok := gocv.IMWrite(path, smoothed); !ok {
		return fmt.Errorf("writing thumbnail %s failed", path)
	}
	return nil
}

// WriteMaskOverlay saves the slide rendering with the tissue mask
// boundary painted on top. The boundary is the morphological gradient of
// the mask, one structuring element wide.
func WriteMaskOverlay(img gocv.Mat, tissueMask models.Mask, path string) error {
	if tissueMask.Empty() {
		return fmt.Errorf("mask overlay needs a non-empty mask")
	}
	bgr, err := toBGR(img)
	if err != nil {
		return err
	}
	defer bgr.Close()
	if tissueMask.Width != bgr.Cols() || tissueMask.Height != bgr.Rows() {
		return fmt.Errorf("mask %dx%d does not match rendering %dx%d",
			tissueMask.Width, tissueMask.Height, bgr.Cols(), bgr.Rows())
	}

	maskMat, err := gocv.NewMatFromBytes(tissueMask.Height, tissueMask.Width, gocv.MatTypeCV8UC1, tissueMask.Data)
	if err != nil {
		return fmt.Errorf("building mask image: %w", err)
	}
	defer maskMat.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.MorphologyEx(maskMat, &edges, gocv.MorphGradient, kernel)

	for y := 0; y < bgr.Rows(); y++ {
		for x := 0; x < bgr.Cols(); x++ {
			if edges.GetUCharAt(y, x) != 0 {
				for c := 0; c < 3; c++ {
					bgr.SetUCharAt(y, x*3+c, uint8(contourColor[c]))
				}
			}
		}
	}

	if ok := gocv.IMWrite(path, bgr); !ok {
		return fmt.Errorf("writing mask overlay %s failed", path)
	}
	return nil
}

// toBGR returns a caller-owned BGR copy of an RGBA or BGR rendering.
func toBGR(img gocv.Mat) (gocv.Mat, error) {
	out := gocv.NewMat()
	switch img.Channels() {
	case 4:
		gocv.CvtColor(img, &out, gocv.ColorRGBAToBGR)
	case 3:
		img.CopyTo(&out)
	default:
		out.Close()
		return gocv.NewMat(), fmt.Errorf("unsupported channel count %d", img.Channels())
	}
	return out, nil
}

// remapBlackToWhite turns scanner padding white in place.
func remapBlackToWhite(m *gocv.Mat) {
	for y := 0; y < m.Rows(); y++ {
		for x := 0; x < m.Cols(); x++ {
			dark := true
			for c := 0; c < 3; c++ {
				if m.GetUCharAt(y, x*3+c) > blackCutoff {
					dark = false
					break
				}
			}
			if dark {
				for c := 0; c < 3; c++ {
					m.SetUCharAt(y, x*3+c, 255)
				}
			}
		}
	}
}
