package models

// Mask is a 2-D binary raster stored row-major. Any non-zero value counts
// as set: the tissue detector writes 0/255, the annotation rasterizer
// writes 0/1, and both are read through the same counting helpers.
type Mask struct {
	// Width and Height are the raster dimensions in pixels
	Width  int
	Height int

	// Data holds Width*Height values in row-major order
	Data []uint8
}

// NewMask creates a zero-initialized mask of the given dimensions.
func NewMask(width, height int) Mask {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return Mask{
		Width:  width,
		Height: height,
		Data:   make([]uint8, width*height),
	}
}

// Empty reports whether the mask has no pixels.
func (m Mask) Empty() bool {
	return m.Width == 0 || m.Height == 0
}

// At returns the value at (x, y). Out-of-bounds coordinates read as zero.
func (m Mask) At(x, y int) uint8 {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return 0
	}
	return m.Data[y*m.Width+x]
}

// Set writes v at (x, y). Out-of-bounds coordinates are ignored.
func (m *Mask) Set(x, y int, v uint8) {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return
	}
	m.Data[y*m.Width+x] = v
}

// clampRect intersects the requested window with the mask bounds,
// matching slice-style indexing where out-of-range reads shrink the
// window instead of failing.
func (m Mask) clampRect(x, y, w, h int) (x0, y0, x1, y1 int) {
	x0, y0 = x, y
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	x1 = x + w
	y1 = y + h
	if x1 > m.Width {
		x1 = m.Width
	}
	if y1 > m.Height {
		y1 = m.Height
	}
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return x0, y0, x1, y1
}

// RectArea returns the number of mask pixels actually covered by the
// window, after clamping it to the mask bounds. Border tiles therefore
// get a smaller denominator than interior tiles.
func (m Mask) RectArea(x, y, w, h int) int {
	x0, y0, x1, y1 := m.clampRect(x, y, w, h)
	return (x1 - x0) * (y1 - y0)
}

// RectNonZero counts the set pixels inside the clamped window.
func (m Mask) RectNonZero(x, y, w, h int) int {
	x0, y0, x1, y1 := m.clampRect(x, y, w, h)
	count := 0
	for yy := y0; yy < y1; yy++ {
		row := m.Data[yy*m.Width : yy*m.Width+m.Width]
		for xx := x0; xx < x1; xx++ {
			if row[xx] != 0 {
				count++
			}
		}
	}
	return count
}

// NonZero counts all set pixels in the mask.
func (m Mask) NonZero() int {
	count := 0
	for _, v := range m.Data {
		if v != 0 {
			count++
		}
	}
	return count
}

// Fill sets every pixel to v.
func (m *Mask) Fill(v uint8) {
	for i := range m.Data {
		m.Data[i] = v
	}
}
