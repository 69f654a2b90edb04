package slide

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

// writeIFDEntry appends one little-endian IFD entry.
func writeIFDEntry(buf *bytes.Buffer, tag, typ uint16, count, value uint32) {
	le := binary.LittleEndian
	binary.Write(buf, le, tag)
	binary.Write(buf, le, typ)
	binary.Write(buf, le, count)
	binary.Write(buf, le, value)
}

// buildAperioTIFF builds a minimal classic TIFF whose first IFD carries
// only an ImageDescription tag.
func buildAperioTIFF(desc string) []byte {
	le := binary.LittleEndian
	buf := new(bytes.Buffer)

	buf.WriteString("II")
	binary.Write(buf, le, uint16(42))
	binary.Write(buf, le, uint32(8)) // first IFD offset

	// IFD: 1 entry, description data right after the next-IFD pointer
	descOffset := uint32(8 + 2 + 12 + 4)
	binary.Write(buf, le, uint16(1))
	writeIFDEntry(buf, tagImageDescription, typeASCII, uint32(len(desc)+1), descOffset)
	binary.Write(buf, le, uint32(0)) // no next IFD

	buf.WriteString(desc)
	buf.WriteByte(0)
	return buf.Bytes()
}

// buildGenericTIFF builds a minimal classic TIFF with resolution tags.
func buildGenericTIFF(xres, yres [2]uint32, unit uint16) []byte {
	le := binary.LittleEndian
	buf := new(bytes.Buffer)

	buf.WriteString("II")
	binary.Write(buf, le, uint16(42))
	binary.Write(buf, le, uint32(8))

	dataStart := uint32(8 + 2 + 3*12 + 4)
	binary.Write(buf, le, uint16(3))
	writeIFDEntry(buf, tagXResolution, typeRational, 1, dataStart)
	writeIFDEntry(buf, tagYResolution, typeRational, 1, dataStart+8)
	// SHORT values live inline in the value field's low bytes
	writeIFDEntry(buf, tagResolutionUnit, typeShort, 1, uint32(unit))
	binary.Write(buf, le, uint32(0))

	binary.Write(buf, le, xres[0])
	binary.Write(buf, le, xres[1])
	binary.Write(buf, le, yres[0])
	binary.Write(buf, le, yres[1])
	return buf.Bytes()
}

func TestReadTIFFMetaAperio(t *testing.T) {
	desc := "Aperio Image Library v12.0.15\r\n40000x30000 [0,0 40000x30000] (256x256) JPEG/RGB Q=30|AppMag = 40|MPP = 0.2527"
	data := buildAperioTIFF(desc)

	meta, err := readTIFFMeta(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("readTIFFMeta failed: %v", err)
	}
	if meta.Description != desc {
		t.Errorf("Description = %q, want the original description", meta.Description)
	}

	props := propertiesFromTIFFMeta(meta)
	if props[PropVendor] != "aperio" {
		t.Errorf("vendor = %q, want aperio", props[PropVendor])
	}
	if props[PropMPPX] != "0.2527" || props[PropMPPY] != "0.2527" {
		t.Errorf("mpp props = %q x %q, want 0.2527", props[PropMPPX], props[PropMPPY])
	}
}

func TestReadTIFFMetaGeneric(t *testing.T) {
	// 40000/1 pixels per centimeter on both axes
	data := buildGenericTIFF([2]uint32{40000, 1}, [2]uint32{80000, 2}, 3)

	meta, err := readTIFFMeta(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("readTIFFMeta failed: %v", err)
	}
	if meta.ResolutionUnit != "centimeter" {
		t.Errorf("ResolutionUnit = %q, want centimeter", meta.ResolutionUnit)
	}
	if meta.XResolution != 40000 {
		t.Errorf("XResolution = %g, want 40000", meta.XResolution)
	}
	// Rational 80000/2 reduces to 40000
	if meta.YResolution != 40000 {
		t.Errorf("YResolution = %g, want 40000", meta.YResolution)
	}

	props := propertiesFromTIFFMeta(meta)
	if props[PropVendor] != "generic-tiff" {
		t.Errorf("vendor = %q, want generic-tiff", props[PropVendor])
	}
	if props[PropResolutionUnit] != "centimeter" {
		t.Errorf("unit prop = %q, want centimeter", props[PropResolutionUnit])
	}

	cal, err := calibrateGenericTIFF(props)
	if err != nil {
		t.Fatalf("calibrateGenericTIFF failed: %v", err)
	}
	if math.Abs(cal.MPPX-0.25) > 1e-9 {
		t.Errorf("MPPX = %g, want 0.25", cal.MPPX)
	}
}

func TestReadTIFFMetaInlineDescription(t *testing.T) {
	// ASCII values of four bytes or fewer live inline in the entry's
	// value field; there is no offset to follow.
	le := binary.LittleEndian
	buf := new(bytes.Buffer)
	buf.WriteString("II")
	binary.Write(buf, le, uint16(42))
	binary.Write(buf, le, uint32(8))

	binary.Write(buf, le, uint16(1))
	inline := le.Uint32([]byte{'t', 'i', 'f', 0})
	writeIFDEntry(buf, tagImageDescription, typeASCII, 4, inline)
	binary.Write(buf, le, uint32(0))

	meta, err := readTIFFMeta(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("readTIFFMeta failed: %v", err)
	}
	if meta.Description != "tif" {
		t.Errorf("Description = %q, want tif", meta.Description)
	}
}

func TestReadTIFFMetaBigEndian(t *testing.T) {
	be := binary.BigEndian
	buf := new(bytes.Buffer)
	buf.WriteString("MM")
	binary.Write(buf, be, uint16(42))
	binary.Write(buf, be, uint32(8))
	binary.Write(buf, be, uint16(0)) // empty IFD
	binary.Write(buf, be, uint32(0))

	if _, err := readTIFFMeta(bytes.NewReader(buf.Bytes())); err != nil {
		t.Errorf("readTIFFMeta failed on a big-endian TIFF: %v", err)
	}
}

func TestReadTIFFMetaRejectsNonTIFF(t *testing.T) {
	if _, err := readTIFFMeta(bytes.NewReader([]byte("\x89PNG\r\n\x1a\n"))); err == nil {
		t.Error("readTIFFMeta should reject non-TIFF data")
	}

	// BigTIFF magic 43 is unsupported
	buf := new(bytes.Buffer)
	buf.WriteString("II")
	binary.Write(buf, binary.LittleEndian, uint16(43))
	binary.Write(buf, binary.LittleEndian, uint32(8))
	if _, err := readTIFFMeta(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("readTIFFMeta should reject BigTIFF")
	}
}

func TestAperioMPPPattern(t *testing.T) {
	tests := []struct {
		desc string
		want string
	}{
		{"Aperio|MPP = 0.5", "0.5"},
		{"Aperio|MPP=0.2527|rest", "0.2527"},
		{"Aperio without resolution", ""},
	}
	for _, tt := range tests {
		m := aperioMPPPattern.FindStringSubmatch(tt.desc)
		got := ""
		if m != nil {
			got = m[1]
		}
		if got != tt.want {
			t.Errorf("MPP match in %q = %q, want %q", tt.desc, got, tt.want)
		}
	}
}
