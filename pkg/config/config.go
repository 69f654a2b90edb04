// Package config provides configuration loading and management for
// wsi2patches. It handles loading configuration from YAML or JSON files,
// provides default values, validates parameter ranges before any slide is
// touched, and snapshots the effective configuration for reproducibility.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"wsi2patches/internal/models"
)

// LabelRule is the configuration form of one label-rule table entry.
// Rules are declared as an ordered list; evaluation is first match wins.
type LabelRule struct {
	// Name is the label assigned when the rule matches
	Name string `yaml:"name" json:"name"`

	// Operator is one of ==, >=, >, <=, <
	Operator string `yaml:"operator" json:"operator"`

	// Threshold is the annotation coverage fraction to compare against
	Threshold float64 `yaml:"threshold" json:"threshold"`

	// Annotated marks labels derived from annotated tissue classes
	Annotated bool `yaml:"annotated" json:"annotated"`
}

// Calibration holds the physical patch-sizing parameters.
type Calibration struct {
	// UseNonPixelLengths switches patch sizing from fixed pixels to
	// physical microns derived from the slide's own resolution
	UseNonPixelLengths bool `yaml:"useNonPixelLengths" json:"use_non_pixel_lengths"`

	// PatchSizeMicrons is the physical patch side length in microns
	PatchSizeMicrons float64 `yaml:"patchSizeMicrons" json:"patch_size_microns"`

	// Resize resamples every saved calibrated patch to PatchSize pixels,
	// normalizing slides scanned at different physical resolutions
	Resize bool `yaml:"resize" json:"resize"`
}

// ResolutionRange is the accepted microns-per-pixel band for the optional
// pre-run resolution check.
type ResolutionRange struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Config represents the full run configuration.
type Config struct {
	// SlidesDir is the directory searched recursively for slide files
	SlidesDir string `yaml:"slidesDir" json:"slides_dir"`

	// AnnotationDir holds per-slide annotation files named
	// {slide_base_name}.{annotationFileFormat}
	AnnotationDir string `yaml:"annotationDir" json:"annotation_dir"`

	// AnnotationFileFormat is the annotation extension: geojson, txt or xml
	AnnotationFileFormat string `yaml:"annotationFileFormat" json:"annotation_file_format"`

	// OutputPath is the root of the output tree
	OutputPath string `yaml:"outputPath" json:"output_path"`

	// SlideExtensions lists the file extensions treated as slides
	SlideExtensions []string `yaml:"slideExtensions" json:"slide_extensions"`

	// ProcessingLevel is the pyramid level used for tissue detection and
	// grid planning; clamped to the highest available level per slide
	ProcessingLevel int `yaml:"processingLevel" json:"processing_level"`

	// PatchSize is the patch side length in pixels (pixel-size mode) and
	// the canonical resize target (calibration mode with resize enabled)
	PatchSize int `yaml:"patchSize" json:"patch_size"`

	// PatchesPerTile controls the coarse tile side:
	// tile = patchesPerTile patch sides at level 0
	PatchesPerTile int `yaml:"patchesPerTile" json:"patches_per_tile"`

	// Overlap is the patch overlap fraction for unannotated tiles
	Overlap float64 `yaml:"overlap" json:"overlap"`

	// AnnotationOverlap is the overlap fraction for annotated tiles,
	// letting annotated regions be oversampled more densely
	AnnotationOverlap float64 `yaml:"annotationOverlap" json:"annotation_overlap"`

	// TissueCoverage is the minimum tissue fraction for a tile to be kept
	TissueCoverage float64 `yaml:"tissueCoverage" json:"tissue_coverage"`

	// BlockedCores is subtracted from the available CPU count when sizing
	// the slide worker pool
	BlockedCores int `yaml:"blockedCores" json:"blocked_threads"`

	// UseTissueDetection enables mask segmentation; when false the whole
	// slide area is treated as tissue
	UseTissueDetection bool `yaml:"useTissueDetection" json:"use_tissue_detection"`

	// RemoveTopBorder blanks the top fifth of the slide rendering before
	// segmentation to suppress scanner border artifacts
	RemoveTopBorder bool `yaml:"removeTopBorder" json:"remove_top_border"`

	// SavePatches writes patch pixel data to disk; when false only the
	// manifests are produced
	SavePatches bool `yaml:"savePatches" json:"save_patches"`

	// SaveAnnotatedOnly retains only patches assigned an annotation-bearing
	// label, discarded after label evaluation
	SaveAnnotatedOnly bool `yaml:"saveAnnotatedOnly" json:"save_annotated_only"`

	// SkipUnlabeledSlides processes only slides with an annotation file
	SkipUnlabeledSlides bool `yaml:"skipUnlabeledSlides" json:"skip_unlabeled_slides"`

	// SaveThumbnails writes a per-slide thumbnail and mask overlay
	SaveThumbnails bool `yaml:"saveThumbnails" json:"save_thumbnails"`

	// ZipPatches packages each per-label patch directory into a zip
	// archive after extraction
	ZipPatches bool `yaml:"zipPatches" json:"zip_patches"`

	// OutputFormat is the patch image encoding (png, jpg, ...)
	OutputFormat string `yaml:"outputFormat" json:"output_format"`

	// MetadataFormat selects the patch manifest encoding: json or csv
	MetadataFormat string `yaml:"metadataFormat" json:"metadata_format"`

	// WriteSlideInfo aggregates per-slide label tallies across the run
	WriteSlideInfo bool `yaml:"writeSlideInfo" json:"write_slideinfo"`

	// CheckResolution pre-checks every slide's microns-per-pixel against
	// ResolutionRange and excludes slides outside the band
	CheckResolution bool `yaml:"checkResolution" json:"check_resolution"`

	// ResolutionRange is the accepted microns-per-pixel band
	ResolutionRange ResolutionRange `yaml:"resolutionRange" json:"resolution_range"`

	// Calibration holds the physical patch-sizing parameters
	Calibration Calibration `yaml:"calibration" json:"calibration"`

	// Labels is the ordered label-rule table, first match wins
	Labels []LabelRule `yaml:"labels" json:"label_dict"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.AnnotationFileFormat = "geojson"
	cfg.SlideExtensions = []string{".tif", ".tiff", ".svs", ".png", ".jpg", ".jpeg"}
	cfg.ProcessingLevel = 3
	cfg.PatchSize = 256
	cfg.PatchesPerTile = 4
	cfg.Overlap = 0
	cfg.AnnotationOverlap = 0.5
	cfg.TissueCoverage = 0.8
	cfg.BlockedCores = 0
	cfg.UseTissueDetection = true
	cfg.SavePatches = true
	cfg.SaveThumbnails = true
	cfg.OutputFormat = "png"
	cfg.MetadataFormat = "json"
	cfg.WriteSlideInfo = true
	cfg.ResolutionRange = ResolutionRange{Min: 0.22, Max: 0.27}
	cfg.Calibration = Calibration{PatchSizeMicrons: 128}

	return cfg
}

// LoadConfig loads configuration from a YAML or JSON file, selected by
// extension, over the defaults. Environment references of the form $VAR
// inside path values are expanded.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q, expected .yaml, .yml or .json", filepath.Ext(configPath))
	}

	cfg.SlidesDir = expandEnv(cfg.SlidesDir)
	cfg.AnnotationDir = expandEnv(cfg.AnnotationDir)
	cfg.OutputPath = expandEnv(cfg.OutputPath)

	return cfg, nil
}

// expandEnv expands $VAR references inside a path value.
func expandEnv(path string) string {
	if !strings.Contains(path, "$") {
		return path
	}
	return os.ExpandEnv(path)
}

// Validate checks parameter ranges. Validation errors are fatal at
// startup, before any slide is touched.
func (c *Config) Validate() error {
	if c.SlidesDir == "" {
		return fmt.Errorf("slidesDir must be set")
	}
	if c.OutputPath == "" {
		return fmt.Errorf("outputPath must be set")
	}
	if c.TissueCoverage < 0 || c.TissueCoverage > 1 {
		return fmt.Errorf("tissueCoverage must be between 0 and 1, got %g", c.TissueCoverage)
	}
	if c.Overlap < 0 || c.Overlap >= 1 {
		return fmt.Errorf("overlap must be in [0, 1), got %g", c.Overlap)
	}
	if c.AnnotationOverlap < 0 || c.AnnotationOverlap >= 1 {
		return fmt.Errorf("annotationOverlap must be in [0, 1), got %g", c.AnnotationOverlap)
	}
	if c.PatchesPerTile < 1 {
		return fmt.Errorf("patchesPerTile must be >= 1, got %d", c.PatchesPerTile)
	}
	if c.PatchSize < 1 {
		return fmt.Errorf("patchSize must be >= 1, got %d", c.PatchSize)
	}
	if c.BlockedCores < 0 {
		return fmt.Errorf("blockedCores must be >= 0, got %d", c.BlockedCores)
	}
	if c.ProcessingLevel < 0 {
		return fmt.Errorf("processingLevel must be >= 0, got %d", c.ProcessingLevel)
	}
	if c.MetadataFormat != "json" && c.MetadataFormat != "csv" {
		return fmt.Errorf("metadataFormat must be json or csv, got %q", c.MetadataFormat)
	}
	if c.Calibration.UseNonPixelLengths && c.Calibration.PatchSizeMicrons <= 0 {
		return fmt.Errorf("calibration.patchSizeMicrons must be > 0, got %g", c.Calibration.PatchSizeMicrons)
	}
	if c.CheckResolution && c.ResolutionRange.Min >= c.ResolutionRange.Max {
		return fmt.Errorf("resolutionRange must satisfy min < max, got [%g, %g]",
			c.ResolutionRange.Min, c.ResolutionRange.Max)
	}
	if _, err := c.Rules(); err != nil {
		return err
	}
	return nil
}

// Rules converts the configured label table into the pipeline's rule
// form, preserving declaration order.
func (c *Config) Rules() ([]models.LabelRule, error) {
	rules := make([]models.LabelRule, 0, len(c.Labels))
	for _, l := range c.Labels {
		op, err := models.ParseOperator(l.Operator)
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", l.Name, err)
		}
		if l.Threshold < 0 || l.Threshold > 1 {
			return nil, fmt.Errorf("label %q: threshold must be in [0, 1], got %g", l.Name, l.Threshold)
		}
		rules = append(rules, models.LabelRule{
			Name:      l.Name,
			Op:        op,
			Threshold: l.Threshold,
			Annotated: l.Annotated,
		})
	}
	return rules, nil
}

// LabelNames lists the configured label names in declaration order.
func (c *Config) LabelNames() []string {
	names := make([]string, 0, len(c.Labels))
	for _, l := range c.Labels {
		names = append(names, l.Name)
	}
	return names
}

// Snapshot writes the effective configuration as JSON, so a finished run
// records exactly the parameters that produced it.
func (c *Config) Snapshot(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating config snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing config snapshot: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}
