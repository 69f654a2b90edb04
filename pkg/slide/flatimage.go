package slide

import (
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
	"golang.org/x/image/tiff"
)

// minLevelSide is where pyramid synthesis stops: the coarsest level keeps
// its smaller dimension at or above this.
const minLevelSide = 512

// FlatImage adapts a single-resolution image file to the Slide interface
// by synthesizing pyramid levels through repeated 2x area downsampling.
// It stands in for a true pyramidal reader on plain TIFF/PNG/JPEG inputs.
type FlatImage struct {
	levels      []gocv.Mat // RGBA, levels[0] is full resolution
	downsamples []float64
	props       map[string]string
}

// OpenFlatImage decodes path and builds the level pyramid. Undecodable
// files return ErrUnreadableSlide.
func OpenFlatImage(path string) (*FlatImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableSlide, path, err)
	}
	defer f.Close()

	props := map[string]string{PropVendor: "generic-tiff"}

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff", ".svs":
		if meta, err := readTIFFMeta(f); err == nil {
			props = propertiesFromTIFFMeta(meta)
		}
		if _, err := f.Seek(0, 0); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableSlide, path, err)
		}
		img, err = tiff.Decode(f)
	case ".png":
		img, err = png.Decode(f)
	case ".jpg", ".jpeg":
		img, err = jpeg.Decode(f)
	default:
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableSlide, path, err)
	}

	base, err := imageToRGBAMat(img)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadableSlide, path, err)
	}

	s := &FlatImage{props: props}
	s.levels = append(s.levels, base)
	s.downsamples = append(s.downsamples, 1)

	// Build coarser levels until the smaller side drops under minLevelSide.
	for {
		prev := s.levels[len(s.levels)-1]
		w, h := prev.Cols()/2, prev.Rows()/2
		if w < 1 || h < 1 || min(prev.Cols(), prev.Rows()) < 2*minLevelSide {
			break
		}
		next := gocv.NewMat()
		gocv.Resize(prev, &next, image.Pt(w, h), 0, 0, gocv.InterpolationArea)
		s.levels = append(s.levels, next)
		s.downsamples = append(s.downsamples, float64(base.Cols())/float64(next.Cols()))
	}

	return s, nil
}

// imageToRGBAMat copies an image.Image into a 4-channel RGBA Mat.
func imageToRGBAMat(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || bounds.Min != image.Pt(0, 0) {
		tmp := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(tmp, tmp.Bounds(), img, bounds.Min, draw.Src)
		rgba = tmp
	}

	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	if rgba.Stride == w*4 {
		return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, rgba.Pix)
	}

	// Repack rows when the stride carries padding.
	packed := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		copy(packed[y*w*4:(y+1)*w*4], rgba.Pix[y*rgba.Stride:y*rgba.Stride+w*4])
	}
	return gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC4, packed)
}

// LevelCount returns the number of synthesized pyramid levels.
func (s *FlatImage) LevelCount() int {
	return len(s.levels)
}

// Dimensions returns the pixel width and height of a level.
func (s *FlatImage) Dimensions(level int) (int, int, error) {
	if level < 0 || level >= len(s.levels) {
		return 0, 0, fmt.Errorf("level %d out of range, slide has %d levels", level, len(s.levels))
	}
	return s.levels[level].Cols(), s.levels[level].Rows(), nil
}

// Downsample returns the level's downsample factor relative to level 0.
func (s *FlatImage) Downsample(level int) (float64, error) {
	if level < 0 || level >= len(s.levels) {
		return 0, fmt.Errorf("level %d out of range, slide has %d levels", level, len(s.levels))
	}
	return s.downsamples[level], nil
}

// ReadRegion reads a width x height window of the given level. The (x, y)
// location is in level-0 coordinates. Areas outside the slide come back
// zero-filled, so a fully out-of-bounds read yields an all-zero Mat.
func (s *FlatImage) ReadRegion(x, y, level, width, height int) (gocv.Mat, error) {
	if level < 0 || level >= len(s.levels) {
		return gocv.NewMat(), fmt.Errorf("level %d out of range, slide has %d levels", level, len(s.levels))
	}
	if width < 1 || height < 1 {
		return gocv.NewMat(), fmt.Errorf("invalid region size %dx%d", width, height)
	}

	src := s.levels[level]
	ds := s.downsamples[level]
	lx := int(float64(x) / ds)
	ly := int(float64(y) / ds)

	dst := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC4)

	// Intersect the requested window with the level bounds.
	sx0, sy0 := max(lx, 0), max(ly, 0)
	sx1, sy1 := min(lx+width, src.Cols()), min(ly+height, src.Rows())
	if sx0 >= sx1 || sy0 >= sy1 {
		return dst, nil
	}

	srcRegion := src.Region(image.Rect(sx0, sy0, sx1, sy1))
	defer srcRegion.Close()
	dstRegion := dst.Region(image.Rect(sx0-lx, sy0-ly, sx1-lx, sy1-ly))
	defer dstRegion.Close()
	srcRegion.CopyTo(&dstRegion)

	return dst, nil
}

// Properties returns the scanner metadata derived from the file header.
func (s *FlatImage) Properties() map[string]string {
	return s.props
}

// Close releases the level Mats.
func (s *FlatImage) Close() error {
	for i := range s.levels {
		if err := s.levels[i].Close(); err != nil {
			return err
		}
	}
	s.levels = nil
	return nil
}
