// Package pipeline orchestrates a whole run: slide discovery, the
// per-slide staged pipeline (calibration, mask building, grid planning,
// patch extraction, manifest writing) and run-level aggregation. Slides
// are processed in parallel on a fixed worker pool; everything within one
// slide runs sequentially.
package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"wsi2patches/internal/models"
	"wsi2patches/pkg/config"
	"wsi2patches/pkg/slide"
)

// ErrEmptyOutput marks a slide that completed with zero patches. It is
// reported as a warning; the slide still counts as processed.
var ErrEmptyOutput = errors.New("no patches emitted")

// Stage identifies how far a slide progressed through the pipeline.
type Stage int

const (
	StageIdle Stage = iota
	StageCalibrating
	StageMaskBuilding
	StageGridPlanning
	StageExtracting
	StageManifestWriting
	StageDone
)

// String returns the stage name used in logs and error reports.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageCalibrating:
		return "calibrating"
	case StageMaskBuilding:
		return "mask building"
	case StageGridPlanning:
		return "grid planning"
	case StageExtracting:
		return "extracting"
	case StageManifestWriting:
		return "manifest writing"
	case StageDone:
		return "done"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// SlideResult is the outcome of one slide. A failed slide records the
// stage it failed in; the run continues with the remaining slides.
type SlideResult struct {
	// SlideName is the slide base name
	SlideName string

	// Stage is StageDone on success, otherwise the stage that failed
	Stage Stage

	// Manifest holds the emitted patches (nil on failure)
	Manifest *models.SlideManifest

	// Skipped marks slides excluded by a pre-check rather than failed
	Skipped bool

	// EmptyOutput marks slides that completed with zero patches
	EmptyOutput bool

	// Err is the failure cause, nil on success
	Err error
}

// Summary aggregates a finished run.
type Summary struct {
	// Processed, Skipped and Failed count slides per outcome
	Processed int
	Skipped   int
	Failed    int

	// LabelTotals tallies emitted patches per label across all slides
	LabelTotals map[string]int

	// MeanAnnotatedFraction and StdAnnotatedFraction describe the
	// distribution of per-slide annotated-patch fractions
	MeanAnnotatedFraction float64
	StdAnnotatedFraction  float64

	// Results holds the per-slide outcomes in slide-name order
	Results []SlideResult
}

// Orchestrator runs the pipeline for every slide under the configured
// slides directory.
type Orchestrator struct {
	cfg   *config.Config
	rules []models.LabelRule

	// opener is swappable so tests can inject synthetic slides
	opener func(path string) (slide.Slide, error)
}

// New builds an Orchestrator from a validated configuration.
func New(cfg *config.Config) (*Orchestrator, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg, rules: rules, opener: slide.Open}, nil
}

// SetSlideOpener replaces the slide reader constructor. Used by tests.
func (o *Orchestrator) SetSlideOpener(open func(path string) (slide.Slide, error)) {
	o.opener = open
}

// Workers returns the slide worker pool size: the available CPUs minus
// the configured blocked cores, at least one.
func (o *Orchestrator) Workers() int {
	n := runtime.NumCPU() - o.cfg.BlockedCores
	if n < 1 {
		n = 1
	}
	return n
}

// Run discovers slides, processes them on the worker pool and writes the
// run-level outputs. Per-slide failures are collected, not fatal; Run
// returns an error only when the run itself cannot proceed.
func (o *Orchestrator) Run() (*Summary, error) {
	slides, err := o.discoverSlides()
	if err != nil {
		return nil, err
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("no slides with extensions %v found under %s",
			o.cfg.SlideExtensions, o.cfg.SlidesDir)
	}

	if o.cfg.SkipUnlabeledSlides {
		slides = o.filterUnlabeled(slides)
		if len(slides) == 0 {
			return nil, fmt.Errorf("all slides skipped: none has an annotation file under %s", o.cfg.AnnotationDir)
		}
	}

	if err := os.MkdirAll(o.cfg.OutputPath, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	if err := o.cfg.Snapshot(filepath.Join(o.cfg.OutputPath, "config.json")); err != nil {
		return nil, err
	}

	workers := o.Workers()
	fmt.Printf("Processing %d slides on %d workers\n", len(slides), workers)

	jobs := make(chan string, len(slides))
	results := make(chan SlideResult, len(slides))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				results <- o.processSlide(path)
			}
		}()
	}

	for _, path := range slides {
		jobs <- path
	}
	close(jobs)
	wg.Wait()
	close(results)

	summary := o.summarize(results)

	if o.cfg.WriteSlideInfo {
		if err := writeSlideInformation(o.cfg.OutputPath, summary); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// discoverSlides walks the slides directory recursively and returns the
// paths matching the configured extensions, sorted for determinism.
func (o *Orchestrator) discoverSlides() ([]string, error) {
	exts := make(map[string]bool, len(o.cfg.SlideExtensions))
	for _, e := range o.cfg.SlideExtensions {
		exts[strings.ToLower(e)] = true
	}

	var slides []string
	err := filepath.WalkDir(o.cfg.SlidesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if exts[strings.ToLower(filepath.Ext(path))] {
			slides = append(slides, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning slides directory: %w", err)
	}
	sort.Strings(slides)
	return slides, nil
}

// filterUnlabeled drops slides without an annotation file.
func (o *Orchestrator) filterUnlabeled(slides []string) []string {
	kept := slides[:0]
	for _, path := range slides {
		name := slideBaseName(path)
		annPath := filepath.Join(o.cfg.AnnotationDir, name+"."+o.cfg.AnnotationFileFormat)
		if _, err := os.Stat(annPath); err != nil {
			fmt.Printf("Skipping %s: no annotation file\n", name)
			continue
		}
		kept = append(kept, path)
	}
	return kept
}

// summarize drains the results channel into a Summary.
func (o *Orchestrator) summarize(results chan SlideResult) *Summary {
	summary := &Summary{LabelTotals: make(map[string]int)}

	var annotatedFractions []float64
	for r := range results {
		summary.Results = append(summary.Results, r)
		switch {
		case r.Skipped:
			summary.Skipped++
		case r.Err != nil:
			summary.Failed++
		default:
			summary.Processed++
			for label, n := range r.Manifest.LabelCounts() {
				summary.LabelTotals[label] += n
			}
			annotatedFractions = append(annotatedFractions, annotatedFraction(r.Manifest, o.rules))
		}
	}
	sort.Slice(summary.Results, func(i, j int) bool {
		return summary.Results[i].SlideName < summary.Results[j].SlideName
	})

	if len(annotatedFractions) > 0 {
		summary.MeanAnnotatedFraction = stat.Mean(annotatedFractions, nil)
		if len(annotatedFractions) > 1 {
			summary.StdAnnotatedFraction = stat.StdDev(annotatedFractions, nil)
		}
	}
	return summary
}

// annotatedFraction is the share of a manifest's patches carrying an
// annotation-bearing label.
func annotatedFraction(m *models.SlideManifest, rules []models.LabelRule) float64 {
	if len(m.Patches) == 0 {
		return 0
	}
	annotated := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Annotated {
			annotated[r.Name] = true
		}
	}
	n := 0
	for _, p := range m.Patches {
		if annotated[p.Label] {
			n++
		}
	}
	return float64(n) / float64(len(m.Patches))
}

// slideBaseName derives the slide name from its path: the extension is
// trimmed, and TCGA archive names are cut at the first dot so the long
// UUID suffix does not end up in directory names.
func slideBaseName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if strings.Contains(name, "TCGA") {
		name = strings.SplitN(name, ".", 2)[0]
	}
	return name
}

// skipped builds a skipped SlideResult for pre-check exclusions.
func skipped(name string, stage Stage, err error) SlideResult {
	return SlideResult{SlideName: name, Stage: stage, Skipped: true, Err: err}
}

// failed builds a failed SlideResult.
func failed(name string, stage Stage, err error) SlideResult {
	return SlideResult{SlideName: name, Stage: stage, Err: err}
}
