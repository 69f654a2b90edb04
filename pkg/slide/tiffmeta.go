package slide

import (
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// tiffMeta is the subset of TIFF header metadata the calibration layer
// needs. golang.org/x/image/tiff decodes pixels but exposes no tag API,
// so the first IFD is walked by hand here.
type tiffMeta struct {
	Description    string
	XResolution    float64
	YResolution    float64
	ResolutionUnit string
}

const (
	tagImageDescription = 270
	tagXResolution      = 282
	tagYResolution      = 283
	tagResolutionUnit   = 296

	typeASCII    = 2
	typeShort    = 3
	typeRational = 5
)

// readTIFFMeta parses the classic TIFF header and first IFD of r.
// BigTIFF (magic 43) is rejected; callers fall back to defaults.
func readTIFFMeta(r io.ReaderAt) (tiffMeta, error) {
	var meta tiffMeta

	header := make([]byte, 8)
	if _, err := r.ReadAt(header, 0); err != nil {
		return meta, fmt.Errorf("reading TIFF header: %w", err)
	}

	var order binary.ByteOrder
	switch string(header[0:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return meta, fmt.Errorf("not a TIFF file")
	}
	if order.Uint16(header[2:4]) != 42 {
		return meta, fmt.Errorf("unsupported TIFF magic %d", order.Uint16(header[2:4]))
	}

	ifdOffset := int64(order.Uint32(header[4:8]))

	countBuf := make([]byte, 2)
	if _, err := r.ReadAt(countBuf, ifdOffset); err != nil {
		return meta, fmt.Errorf("reading IFD entry count: %w", err)
	}
	count := int(order.Uint16(countBuf))

	entry := make([]byte, 12)
	for i := 0; i < count; i++ {
		if _, err := r.ReadAt(entry, ifdOffset+2+int64(i)*12); err != nil {
			return meta, fmt.Errorf("reading IFD entry %d: %w", i, err)
		}
		tag := order.Uint16(entry[0:2])
		typ := order.Uint16(entry[2:4])
		n := order.Uint32(entry[4:8])

		switch {
		case tag == tagImageDescription && typ == typeASCII:
			if n > 1<<20 {
				continue
			}
			// Values of four bytes or fewer are stored inline in the
			// entry's value field, not behind an offset.
			buf := make([]byte, n)
			if n <= 4 {
				copy(buf, entry[8:8+n])
			} else if _, err := r.ReadAt(buf, int64(order.Uint32(entry[8:12]))); err != nil {
				continue
			}
			meta.Description = strings.TrimRight(string(buf), "\x00")
		case tag == tagXResolution && typ == typeRational:
			meta.XResolution = readRational(r, order, entry)
		case tag == tagYResolution && typ == typeRational:
			meta.YResolution = readRational(r, order, entry)
		case tag == tagResolutionUnit && typ == typeShort:
			switch order.Uint16(entry[8:10]) {
			case 2:
				meta.ResolutionUnit = "inch"
			case 3:
				meta.ResolutionUnit = "centimeter"
			}
		}
	}

	return meta, nil
}

// readRational dereferences a RATIONAL value (numerator/denominator pair
// stored at the entry's offset).
func readRational(r io.ReaderAt, order binary.ByteOrder, entry []byte) float64 {
	buf := make([]byte, 8)
	if _, err := r.ReadAt(buf, int64(order.Uint32(entry[8:12]))); err != nil {
		return 0
	}
	num := order.Uint32(buf[0:4])
	den := order.Uint32(buf[4:8])
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// aperioMPPPattern matches the "MPP = 0.2500" field of an Aperio SVS
// image description.
var aperioMPPPattern = regexp.MustCompile(`MPP\s*=\s*([0-9.]+)`)

// propertiesFromTIFFMeta translates parsed TIFF tags into the openslide
// property convention: Aperio descriptions win over generic resolution
// tags, mirroring how OpenSlide detects the vendor.
func propertiesFromTIFFMeta(meta tiffMeta) map[string]string {
	props := make(map[string]string)

	if strings.Contains(meta.Description, "Aperio") {
		props[PropVendor] = "aperio"
		if m := aperioMPPPattern.FindStringSubmatch(meta.Description); m != nil {
			props[PropMPPX] = m[1]
			props[PropMPPY] = m[1]
		}
		return props
	}

	props[PropVendor] = "generic-tiff"
	if meta.ResolutionUnit != "" {
		props[PropResolutionUnit] = meta.ResolutionUnit
	}
	if meta.XResolution > 0 {
		props[PropXResolution] = fmt.Sprintf("%g", meta.XResolution)
	}
	if meta.YResolution > 0 {
		props[PropYResolution] = fmt.Sprintf("%g", meta.YResolution)
	}
	return props
}
