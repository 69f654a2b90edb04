// Package annotation parses polygon annotation exports and rasterizes
// them into binary masks aligned to a pyramid level or to a single tile's
// local coordinate frame.
package annotation

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"wsi2patches/internal/models"
)

// geojsonExport is the QuPath-style polygon export: a feature collection
// where each feature geometry carries polygon rings. Only the outer ring
// is used.
type geojsonExport struct {
	Features []struct {
		Geometry struct {
			Type        string         `json:"type"`
			Coordinates [][][2]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

// xmlExport is the CAMELYON17-style annotation export. Only elements
// explicitly typed "Polygon" are retained; other geometry types are
// silently skipped.
type xmlExport struct {
	Annotations []struct {
		Type        string `xml:"Type,attr"`
		Coordinates []struct {
			X float64 `xml:"X,attr"`
			Y float64 `xml:"Y,attr"`
		} `xml:"Coordinates>Coordinate"`
	} `xml:"Annotations>Annotation"`
}

// Load parses an annotation file into an AnnotationSet. Supported
// extensions are .geojson and .txt (JSON polygon export) and .xml
// (polygon export). Unsupported extensions yield an empty set and no
// error: an unknown sidecar means "no annotations", not a failure.
func Load(path string) (models.AnnotationSet, error) {
	set := models.AnnotationSet{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading annotation file: %w", err)
		}
		var export geojsonExport
		if err := json.Unmarshal(data, &export); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
		id := 0
		for _, feature := range export.Features {
			if len(feature.Geometry.Coordinates) == 0 {
				continue
			}
			outer := feature.Geometry.Coordinates[0]
			poly := make(models.Polygon, 0, len(outer))
			for _, pt := range outer {
				poly = append(poly, models.Point{X: pt[0], Y: pt[1]})
			}
			set[id] = poly
			id++
		}
	case ".xml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading annotation file: %w", err)
		}
		var export xmlExport
		if err := xml.Unmarshal(data, &export); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
		id := 0
		for _, ann := range export.Annotations {
			if ann.Type != "Polygon" {
				continue
			}
			poly := make(models.Polygon, 0, len(ann.Coordinates))
			for _, coord := range ann.Coordinates {
				poly = append(poly, models.Point{X: coord.X, Y: coord.Y})
			}
			set[id] = poly
			id++
		}
	}

	return set, nil
}

// LoadForSlide resolves {annotationDir}/{slideBaseName}.{ext} and loads
// it. An absent file yields an empty set: the slide is simply
// unannotated.
func LoadForSlide(annotationDir, slideBaseName, ext string) (models.AnnotationSet, error) {
	if annotationDir == "" {
		return models.AnnotationSet{}, nil
	}
	path := filepath.Join(annotationDir, slideBaseName+"."+strings.TrimPrefix(ext, "."))
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return models.AnnotationSet{}, nil
	}
	return Load(path)
}
