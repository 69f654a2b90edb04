package pipeline

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"wsi2patches/internal/models"
	"wsi2patches/pkg/slide"
)

// writeSlideOutputs persists the per-slide metadata: the patch manifest
// in the configured format plus the slide information file.
func (o *Orchestrator) writeSlideOutputs(slideDir string, manifest *models.SlideManifest, props map[string]string) error {
	switch o.cfg.MetadataFormat {
	case "csv":
		if err := writeManifestCSV(filepath.Join(slideDir, "tile_information.csv"), manifest); err != nil {
			return err
		}
	default:
		if err := writeManifestJSON(filepath.Join(slideDir, "tile_information.json"), manifest); err != nil {
			return err
		}
	}
	return writeSlideInfo(filepath.Join(slideDir, "slide_info.json"), manifest, props)
}

func writeManifestJSON(path string, manifest *models.SlideManifest) error {
	data, err := json.MarshalIndent(manifest.Patches, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling patch manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing patch manifest: %w", err)
	}
	return nil
}

func writeManifestCSV(path string, manifest *models.SlideManifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing patch manifest: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"slide_name", "patch_path", "label", "coverage",
		"x_pos", "y_pos", "patch_size_x", "patch_size_y", "resized"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("writing patch manifest: %w", err)
	}
	for _, p := range manifest.Patches {
		row := []string{
			p.SlideName,
			p.Path,
			p.Label,
			strconv.FormatFloat(p.Coverage, 'f', -1, 64),
			strconv.Itoa(p.X),
			strconv.Itoa(p.Y),
			strconv.Itoa(p.Width),
			strconv.Itoa(p.Height),
			strconv.FormatBool(p.Resized),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing patch manifest: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// slideInfo is the per-slide metadata file, recording the calibration
// and scaling the run used for this slide.
type slideInfo struct {
	SlideFilename string  `json:"slide_filename"`
	Scanner       string  `json:"scanner"`
	MPPX          float64 `json:"mpp_x"`
	MPPY          float64 `json:"mpp_y"`
	ScalingFactor int     `json:"scaling_factor"`
	Magnification string  `json:"magnification,omitempty"`
	PatchCount    int     `json:"patch_count"`
}

func writeSlideInfo(path string, manifest *models.SlideManifest, props map[string]string) error {
	info := slideInfo{
		SlideFilename: manifest.SlideFile,
		Scanner:       manifest.Scanner,
		MPPX:          manifest.MPPX,
		MPPY:          manifest.MPPY,
		ScalingFactor: manifest.Downsample,
		Magnification: props[slide.PropObjectivePower],
		PatchCount:    len(manifest.Patches),
	}
	data, err := json.MarshalIndent(info, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling slide info: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing slide info: %w", err)
	}
	return nil
}

// writeSlideInformation aggregates per-slide label tallies across the
// run into slide_information.json and slide_information.csv at the
// output root.
func writeSlideInformation(outputPath string, summary *Summary) error {
	tallies := make(map[string]map[string]int)
	labelSet := make(map[string]bool)
	for _, r := range summary.Results {
		if r.Manifest == nil {
			continue
		}
		counts := r.Manifest.LabelCounts()
		tallies[r.SlideName] = counts
		for label := range counts {
			labelSet[label] = true
		}
	}

	data, err := json.MarshalIndent(tallies, "", "    ")
	if err != nil {
		return fmt.Errorf("marshaling slide information: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputPath, "slide_information.json"), data, 0644); err != nil {
		return fmt.Errorf("writing slide information: %w", err)
	}

	labels := make([]string, 0, len(labelSet))
	for label := range labelSet {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	names := make([]string, 0, len(tallies))
	for name := range tallies {
		names = append(names, name)
	}
	sort.Strings(names)

	f, err := os.Create(filepath.Join(outputPath, "slide_information.csv"))
	if err != nil {
		return fmt.Errorf("writing slide information: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(append([]string{"slide_name"}, labels...)); err != nil {
		return fmt.Errorf("writing slide information: %w", err)
	}
	for _, name := range names {
		row := []string{name}
		for _, label := range labels {
			row = append(row, strconv.Itoa(tallies[name][label]))
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("writing slide information: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

// zipLabelDirs packages every per-label patch directory under slideDir
// into {label}.zip and removes the directory. Manifest paths already
// point inside the archives when zipping is configured.
func zipLabelDirs(slideDir string) error {
	entries, err := os.ReadDir(slideDir)
	if err != nil {
		return fmt.Errorf("listing slide directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(slideDir, e.Name())
		if err := zipDirectory(dir, dir+".zip"); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing zipped directory: %w", err)
		}
	}
	return nil
}

func zipDirectory(dir, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", zipPath, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries, err := os.ReadDir(dir)
	if err != nil {
		zw.Close()
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addToZip(zw, filepath.Join(dir, e.Name()), e.Name()); err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

func addToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	return nil
}
