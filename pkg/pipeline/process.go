package pipeline

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"

	"wsi2patches/internal/models"
	"wsi2patches/pkg/annotation"
	"wsi2patches/pkg/extract"
	"wsi2patches/pkg/slide"
	"wsi2patches/pkg/tiling"
	"wsi2patches/pkg/tissue"
	"wsi2patches/pkg/visualization"
)

// topBorderFraction is blanked before tissue detection when the top
// border removal is enabled.
const topBorderFraction = 0.2

// slideContext owns everything one slide accumulates while moving
// through the stages. It is created per slide, threaded explicitly
// through the stage methods and released when the worker finishes the
// slide; no state is shared across slides.
type slideContext struct {
	name string
	path string

	reader slide.Slide
	cal    slide.Calibration

	level      int
	downsample float64
	dsInt      int

	width, height int

	ann        models.AnnotationSet
	tissueMask models.Mask
	annMask    models.Mask
	rendering  *gocv.Mat

	tileSide int
	tiles    map[int]models.Tile

	slideDir string
	manifest *models.SlideManifest
}

func (sc *slideContext) close() {
	if sc.rendering != nil {
		sc.rendering.Close()
		sc.rendering = nil
	}
	if sc.reader != nil {
		sc.reader.Close()
		sc.reader = nil
	}
}

// processSlide runs the staged pipeline for one slide. Failures are
// captured in the result with the stage they occurred in; only the
// affected slide is lost.
func (o *Orchestrator) processSlide(path string) SlideResult {
	sc := &slideContext{name: slideBaseName(path), path: path}
	defer sc.close()

	if err := o.calibrate(sc); err != nil {
		if r, ok := err.(skipSlide); ok {
			return skipped(sc.name, StageCalibrating, r.cause)
		}
		return failed(sc.name, StageCalibrating, err)
	}
	if err := o.buildMask(sc); err != nil {
		return failed(sc.name, StageMaskBuilding, err)
	}
	if err := o.planGrid(sc); err != nil {
		return failed(sc.name, StageGridPlanning, err)
	}
	if err := o.extractPatches(sc); err != nil {
		return failed(sc.name, StageExtracting, err)
	}
	if err := o.writeOutputs(sc); err != nil {
		return failed(sc.name, StageManifestWriting, err)
	}

	result := SlideResult{SlideName: sc.name, Stage: StageDone, Manifest: sc.manifest}
	if len(sc.manifest.Patches) == 0 {
		fmt.Printf("[%s] warning: %v\n", sc.name, ErrEmptyOutput)
		result.EmptyOutput = true
	} else {
		fmt.Printf("[%s] emitted %d patches\n", sc.name, len(sc.manifest.Patches))
	}
	return result
}

// skipSlide signals a pre-check exclusion rather than a failure.
type skipSlide struct{ cause error }

func (s skipSlide) Error() string { return s.cause.Error() }

// calibrate opens the slide, resolves its physical calibration and
// settles the processing level.
func (o *Orchestrator) calibrate(sc *slideContext) error {
	cfg := o.cfg

	reader, err := o.opener(sc.path)
	if err != nil {
		return fmt.Errorf("opening slide: %w", err)
	}
	sc.reader = reader

	// A slide that cannot be calibrated is fatal only when a later stage
	// needs the physical resolution; otherwise the slide runs on with
	// empty calibration metadata.
	cal, calErr := slide.Calibrate(reader)
	if calErr != nil && (cfg.CheckResolution || cfg.Calibration.UseNonPixelLengths) {
		return calErr
	}
	if calErr != nil {
		fmt.Printf("[%s] calibration unavailable: %v\n", sc.name, calErr)
	}
	sc.cal = cal

	if cfg.CheckResolution {
		if err := slide.CheckResolution(cal, cfg.ResolutionRange.Min, cfg.ResolutionRange.Max); err != nil {
			fmt.Printf("[%s] excluded: %v\n", sc.name, err)
			return skipSlide{cause: err}
		}
	}

	// The configured processing level is clamped per slide, since flat
	// images may synthesize fewer pyramid levels than a scanner provides.
	sc.level = cfg.ProcessingLevel
	if maxLevel := reader.LevelCount() - 1; sc.level > maxLevel {
		fmt.Printf("[%s] level %d unavailable, using %d\n", sc.name, sc.level, maxLevel)
		sc.level = maxLevel
	}
	sc.downsample, err = reader.Downsample(sc.level)
	if err != nil {
		return err
	}
	sc.dsInt = int(math.Round(sc.downsample))
	return nil
}

// buildMask loads the slide's annotations, renders the processing level
// and segments tissue. When tissue detection is disabled, every pixel
// counts as tissue and the rendering is still produced if thumbnails
// want it.
func (o *Orchestrator) buildMask(sc *slideContext) error {
	cfg := o.cfg

	ann, err := annotation.LoadForSlide(cfg.AnnotationDir, sc.name, cfg.AnnotationFileFormat)
	if err != nil {
		return fmt.Errorf("loading annotations: %w", err)
	}
	sc.ann = ann

	sc.width, sc.height, err = sc.reader.Dimensions(sc.level)
	if err != nil {
		return err
	}

	if !cfg.UseTissueDetection && !cfg.SaveThumbnails {
		sc.tissueMask = models.NewMask(sc.width, sc.height)
		sc.tissueMask.Fill(1)
	} else {
		img, err := sc.reader.ReadRegion(0, 0, sc.level, sc.width, sc.height)
		if err != nil {
			return fmt.Errorf("rendering level %d: %w", sc.level, err)
		}
		sc.rendering = &img

		if cfg.UseTissueDetection {
			opts := tissue.Options{}
			if cfg.RemoveTopBorder {
				opts.RemoveTopFraction = topBorderFraction
			}
			res, err := tissue.Detect(img, opts)
			if err != nil {
				return fmt.Errorf("tissue detection: %w", err)
			}
			if res.Degenerate {
				fmt.Printf("[%s] warning: near-uniform saturation, tissue mask may be unreliable\n", sc.name)
			}
			sc.tissueMask = res.Mask
		} else {
			sc.tissueMask = models.NewMask(sc.width, sc.height)
			sc.tissueMask.Fill(1)
		}
	}

	if len(sc.ann) > 0 {
		sc.annMask = annotation.Rasterize(sc.ann, 1/sc.downsample, sc.width, sc.height)
	}
	return nil
}

// planGrid sizes the coarse tile grid and selects the tiles worth
// extracting from.
func (o *Orchestrator) planGrid(sc *slideContext) error {
	cfg := o.cfg

	patchSide0, err := tiling.PatchSideLevel0(cfg.PatchSize, cfg.Calibration.UseNonPixelLengths,
		cfg.Calibration.PatchSizeMicrons, sc.cal.MPPX)
	if err != nil {
		return err
	}
	sc.tileSide, err = tiling.TileSide(cfg.PatchesPerTile, patchSide0, sc.downsample)
	if err != nil {
		return err
	}
	sc.tiles, err = tiling.Plan(sc.tissueMask, sc.annMask, sc.tileSide, cfg.TissueCoverage, sc.level)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] planned %d tiles of side %d at level %d\n", sc.name, len(sc.tiles), sc.tileSide, sc.level)
	return nil
}

// extractPatches prepares the output tree, writes thumbnails and runs
// the extractor in the configured mode.
func (o *Orchestrator) extractPatches(sc *slideContext) error {
	cfg := o.cfg

	sc.slideDir = filepath.Join(cfg.OutputPath, sc.name)
	if err := o.makeSlideDirs(sc.slideDir, len(sc.ann) > 0); err != nil {
		return err
	}

	if cfg.SaveThumbnails && sc.rendering != nil {
		if err := o.writeThumbnails(sc.slideDir, *sc.rendering, sc.tissueMask); err != nil {
			fmt.Printf("[%s] thumbnails failed: %v\n", sc.name, err)
		}
	}

	ex := extract.New(sc.reader, extract.Options{
		SlideName:         sc.name,
		OutputDir:         sc.slideDir,
		OutputFormat:      cfg.OutputFormat,
		Rules:             o.rules,
		Overlap:           cfg.Overlap,
		AnnotationOverlap: cfg.AnnotationOverlap,
		SavePatches:       cfg.SavePatches,
		SaveAnnotatedOnly: cfg.SaveAnnotatedOnly,
		ZipPatches:        cfg.ZipPatches,
	})

	var patches []models.Patch
	var err error
	if cfg.Calibration.UseNonPixelLengths {
		resizeTo := 0
		if cfg.Calibration.Resize {
			resizeTo = cfg.PatchSize
		}
		patches, err = ex.ExtractCalibrated(sc.tiles, sc.dsInt, sc.ann,
			cfg.Calibration.PatchSizeMicrons, sc.cal.MPPX, sc.cal.MPPY, resizeTo)
	} else {
		patches, err = ex.ExtractFixed(sc.tiles, sc.dsInt, sc.ann, cfg.PatchSize)
	}
	if err != nil {
		return err
	}

	sc.manifest = &models.SlideManifest{
		SlideName:  sc.name,
		SlideFile:  filepath.Base(sc.path),
		Scanner:    sc.cal.Scanner,
		MPPX:       sc.cal.MPPX,
		MPPY:       sc.cal.MPPY,
		Downsample: sc.dsInt,
		Patches:    patches,
	}
	return nil
}

// writeOutputs persists the per-slide manifest files and packages the
// label directories when zipping is on.
func (o *Orchestrator) writeOutputs(sc *slideContext) error {
	if err := o.writeSlideOutputs(sc.slideDir, sc.manifest, sc.reader.Properties()); err != nil {
		return err
	}
	if o.cfg.ZipPatches && o.cfg.SavePatches {
		return zipLabelDirs(sc.slideDir)
	}
	return nil
}

// makeSlideDirs creates the per-slide output tree: one directory per
// configured label when the slide is annotated, the unlabeled bucket
// otherwise. Patch saving needs the directories before extraction.
func (o *Orchestrator) makeSlideDirs(slideDir string, annotated bool) error {
	if err := os.MkdirAll(slideDir, 0755); err != nil {
		return fmt.Errorf("creating slide directory: %w", err)
	}
	if !o.cfg.SavePatches {
		return nil
	}
	labels := []string{models.UnlabeledName}
	if annotated {
		labels = o.cfg.LabelNames()
	}
	for _, label := range labels {
		if err := os.MkdirAll(filepath.Join(slideDir, label), 0755); err != nil {
			return fmt.Errorf("creating label directory %s: %w", label, err)
		}
	}
	return nil
}

func (o *Orchestrator) writeThumbnails(slideDir string, rendering gocv.Mat, mask models.Mask) error {
	thumbPath := filepath.Join(slideDir, "thumbnail."+o.cfg.OutputFormat)
	if err := visualization.WriteThumbnail(rendering, mask, thumbPath); err != nil {
		return err
	}
	overlayPath := filepath.Join(slideDir, "mask_img."+o.cfg.OutputFormat)
	return visualization.WriteMaskOverlay(rendering, mask, overlayPath)
}
