package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"wsi2patches/pkg/config"
	"wsi2patches/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Path to the run configuration (YAML or JSON)")
	slidesDir := flag.String("slides", "", "Override the slides directory from the configuration")
	outputPath := flag.String("output", "", "Override the output directory from the configuration")
	blockedCores := flag.Int("blocked-cores", -1, "Override the number of CPU cores kept free")
	writeDefault := flag.String("write-default-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *writeDefault != "" {
		if err := config.SaveConfig(config.DefaultConfig(), *writeDefault); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *writeDefault)
		return
	}

	if *configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *slidesDir != "" {
		cfg.SlidesDir = *slidesDir
	}
	if *outputPath != "" {
		cfg.OutputPath = *outputPath
	}
	if *blockedCores >= 0 {
		cfg.BlockedCores = *blockedCores
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("WSI2PATCHES - WHOLE-SLIDE IMAGE TILING AND PATCH EXTRACTION")
	fmt.Println("================================")
	fmt.Printf("Slides:      %s\n", cfg.SlidesDir)
	fmt.Printf("Annotations: %s\n", cfg.AnnotationDir)
	fmt.Printf("Output:      %s\n", cfg.OutputPath)

	orch, err := pipeline.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}

	startTime := time.Now()
	summary, err := orch.Run()
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}
	elapsed := time.Since(startTime)

	fmt.Printf("\nRun completed in %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("=======================================\n")
	fmt.Printf("Slides processed: %d\n", summary.Processed)
	fmt.Printf("Slides skipped:   %d\n", summary.Skipped)
	fmt.Printf("Slides failed:    %d\n", summary.Failed)

	if len(summary.LabelTotals) > 0 {
		fmt.Println("\nPatches per label:")
		labels := make([]string, 0, len(summary.LabelTotals))
		for label := range summary.LabelTotals {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Printf("- %s: %d\n", label, summary.LabelTotals[label])
		}
		fmt.Printf("\nAnnotated patch fraction: %.3f mean, %.3f std across slides\n",
			summary.MeanAnnotatedFraction, summary.StdAnnotatedFraction)
	}

	for _, r := range summary.Results {
		if r.Err != nil && !r.Skipped {
			fmt.Printf("FAILED %s during %s: %v\n", r.SlideName, r.Stage, r.Err)
		}
		if r.EmptyOutput {
			fmt.Printf("WARNING %s produced no patches\n", r.SlideName)
		}
	}
}
