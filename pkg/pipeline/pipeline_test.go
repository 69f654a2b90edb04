package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"

	"wsi2patches/internal/models"
	"wsi2patches/pkg/config"
	"wsi2patches/pkg/slide"
)

// fakeSlide is a synthetic pyramid for pipeline tests that never touch
// pixel data.
type fakeSlide struct {
	width  int
	height int
	levels int
	props  map[string]string
}

func (f *fakeSlide) LevelCount() int { return f.levels }

func (f *fakeSlide) Dimensions(level int) (int, int, error) {
	if level < 0 || level >= f.levels {
		return 0, 0, fmt.Errorf("level %d out of range", level)
	}
	ds := 1 << level
	return f.width / ds, f.height / ds, nil
}

func (f *fakeSlide) Downsample(level int) (float64, error) {
	if level < 0 || level >= f.levels {
		return 0, fmt.Errorf("level %d out of range", level)
	}
	return float64(int(1) << level), nil
}

func (f *fakeSlide) ReadRegion(x, y, level, width, height int) (gocv.Mat, error) {
	return gocv.Mat{}, errors.New("fake slide has no pixels")
}

func (f *fakeSlide) Properties() map[string]string { return f.props }

func (f *fakeSlide) Close() error { return nil }

const testAnnotation = `{
    "features": [
        {"geometry": {"type": "Polygon", "coordinates": [[[0, 0], [512, 0], [512, 512], [0, 512]]]}}
    ]
}`

// testConfig builds a geometry-only configuration: no pixel saving, no
// tissue detection, no thumbnails, so fake slides suffice.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	slidesDir := filepath.Join(dir, "slides")
	annDir := filepath.Join(dir, "annotations")
	for _, d := range []string{slidesDir, annDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", d, err)
		}
	}
	for _, name := range []string{"slideA.svs", "slideB.svs"} {
		if err := os.WriteFile(filepath.Join(slidesDir, name), []byte("stub"), 0644); err != nil {
			t.Fatalf("Failed to create slide stub: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(annDir, "slideA.geojson"), []byte(testAnnotation), 0644); err != nil {
		t.Fatalf("Failed to create annotation: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.SlidesDir = slidesDir
	cfg.AnnotationDir = annDir
	cfg.OutputPath = filepath.Join(dir, "output")
	cfg.ProcessingLevel = 1
	cfg.PatchSize = 256
	cfg.PatchesPerTile = 2
	cfg.Overlap = 0
	cfg.AnnotationOverlap = 0
	cfg.UseTissueDetection = false
	cfg.SaveThumbnails = false
	cfg.SavePatches = false
	cfg.Labels = []config.LabelRule{
		{Name: "tumor", Operator: ">=", Threshold: 0.5, Annotated: true},
		{Name: "rest", Operator: "==", Threshold: 0},
	}
	return cfg
}

func fakeOpener(path string) (slide.Slide, error) {
	return &fakeSlide{width: 2048, height: 2048, levels: 3}, nil
}

func TestRunGeometryOnly(t *testing.T) {
	cfg := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orch.SetSlideOpener(fakeOpener)

	summary, err := orch.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.Processed != 2 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Fatalf("processed/failed/skipped = %d/%d/%d, want 2/0/0",
			summary.Processed, summary.Failed, summary.Skipped)
	}

	// 2048px slide, level-1 tiles of 256px hold 4 patches each: 16 tiles
	// of 4 patches per slide. slideA's annotation covers exactly the
	// first tile's 4 patch windows.
	if got := summary.LabelTotals["tumor"]; got != 4 {
		t.Errorf("tumor total = %d, want 4", got)
	}
	if got := summary.LabelTotals["rest"]; got != 60 {
		t.Errorf("rest total = %d, want 60", got)
	}
	if got := summary.LabelTotals[models.UnlabeledName]; got != 64 {
		t.Errorf("unlabeled total = %d, want 64", got)
	}
	if summary.MeanAnnotatedFraction <= 0 {
		t.Errorf("mean annotated fraction = %g, want > 0", summary.MeanAnnotatedFraction)
	}

	// Run-level outputs
	for _, name := range []string{"config.json", "slide_information.json", "slide_information.csv"} {
		if _, err := os.Stat(filepath.Join(cfg.OutputPath, name)); err != nil {
			t.Errorf("missing run output %s: %v", name, err)
		}
	}
	// Per-slide outputs
	for _, slideName := range []string{"slideA", "slideB"} {
		for _, name := range []string{"tile_information.json", "slide_info.json"} {
			if _, err := os.Stat(filepath.Join(cfg.OutputPath, slideName, name)); err != nil {
				t.Errorf("missing %s output %s: %v", slideName, name, err)
			}
		}
	}
}

func TestRunCollectsFailures(t *testing.T) {
	cfg := testConfig(t)
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orch.SetSlideOpener(func(path string) (slide.Slide, error) {
		if filepath.Base(path) == "slideB.svs" {
			return nil, errors.New("corrupt file")
		}
		return fakeOpener(path)
	})

	summary, err := orch.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Processed != 1 || summary.Failed != 1 {
		t.Fatalf("processed/failed = %d/%d, want 1/1", summary.Processed, summary.Failed)
	}
	for _, r := range summary.Results {
		if r.SlideName == "slideB" {
			if r.Err == nil || r.Stage != StageCalibrating {
				t.Errorf("slideB result = %+v, want calibration-stage failure", r)
			}
		}
	}
}

func TestRunSkipUnlabeledSlides(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipUnlabeledSlides = true

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orch.SetSlideOpener(fakeOpener)

	summary, err := orch.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// slideB has no annotation file and is never dispatched
	if summary.Processed != 1 {
		t.Fatalf("processed = %d, want 1", summary.Processed)
	}
	if summary.Results[0].SlideName != "slideA" {
		t.Errorf("processed slide = %q, want slideA", summary.Results[0].SlideName)
	}
}

func TestRunResolutionCheckSkips(t *testing.T) {
	cfg := testConfig(t)
	cfg.CheckResolution = true
	cfg.ResolutionRange = config.ResolutionRange{Min: 0.22, Max: 0.27}

	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	orch.SetSlideOpener(func(path string) (slide.Slide, error) {
		mpp := "0.25"
		if filepath.Base(path) == "slideB.svs" {
			mpp = "0.50"
		}
		return &fakeSlide{width: 2048, height: 2048, levels: 3, props: map[string]string{
			slide.PropVendor: "aperio",
			slide.PropMPPX:   mpp,
			slide.PropMPPY:   mpp,
		}}, nil
	})

	summary, err := orch.Run()
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Processed != 1 || summary.Skipped != 1 {
		t.Fatalf("processed/skipped = %d/%d, want 1/1", summary.Processed, summary.Skipped)
	}
}

func TestSlideBaseName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/data/slides/sample01.svs", "sample01"},
		{"/data/slides/sample.with.dots.tiff", "sample.with.dots"},
		{"/data/TCGA-AB-1234-01Z-00-DX1.abcdef.svs", "TCGA-AB-1234-01Z-00-DX1"},
	}
	for _, tt := range tests {
		if got := slideBaseName(tt.path); got != tt.want {
			t.Errorf("slideBaseName(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestStageString(t *testing.T) {
	stages := map[Stage]string{
		StageIdle:            "idle",
		StageCalibrating:     "calibrating",
		StageMaskBuilding:    "mask building",
		StageGridPlanning:    "grid planning",
		StageExtracting:      "extracting",
		StageManifestWriting: "manifest writing",
		StageDone:            "done",
	}
	for stage, want := range stages {
		if got := stage.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", int(stage), got, want)
		}
	}
}

func TestAnnotatedFraction(t *testing.T) {
	rules := []models.LabelRule{
		{Name: "tumor", Op: models.OpGe, Threshold: 0.5, Annotated: true},
		{Name: "rest", Op: models.OpEq, Threshold: 0},
	}
	manifest := &models.SlideManifest{Patches: []models.Patch{
		{Label: "tumor"},
		{Label: "rest"},
		{Label: "rest"},
		{Label: "rest"},
	}}
	if got := annotatedFraction(manifest, rules); got != 0.25 {
		t.Errorf("annotatedFraction = %g, want 0.25", got)
	}
	if got := annotatedFraction(&models.SlideManifest{}, rules); got != 0 {
		t.Errorf("annotatedFraction of empty manifest = %g, want 0", got)
	}
}
