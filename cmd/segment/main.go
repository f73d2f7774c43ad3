package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fusionseg/internal/config"
	"fusionseg/internal/ir"
	"fusionseg/internal/scheduler"
	"fusionseg/internal/segcache"
	"fusionseg/internal/segment"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type runResult struct {
	Name     string
	Ops      int
	Segments int
	Edges    int
	Time     time.Duration
}

func main() {
	configPath := flag.String("config", "", "YAML config file")
	output := flag.String("o", "", "output file (single input mode)")
	dir := flag.String("dir", "", "segment every *.json fusion in this directory")
	outDir := flag.String("out-dir", "./segments", "output directory (batch mode)")
	logLevel := flag.String("log-level", "", "overrides LOG_LEVEL")
	noCombine := flag.Bool("no-combine-reductions", false, "disable the reduction pre-pass")
	noHerrmann := flag.Bool("no-herrmann-merge", false, "disable the level-based merge search")
	noFinal := flag.Bool("no-final-merge", false, "disable the final merge")
	metricsFile := flag.String("metrics-file", "", "write metrics in text exposition format to this file on exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("loading config: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		logrus.Fatal(err)
	}
	if *noCombine {
		cfg.Segment.RunCombineReductions = false
	}
	if *noHerrmann {
		cfg.Segment.RunHerrmannMerge = false
	}
	if *noFinal {
		cfg.Segment.RunFinalMerge = false
	}

	registry := scheduler.NewRegistry(cfg.MaxPersistentBytes)
	cache, err := segcache.New(cfg.CacheSize, cfg.Segment, registry)
	if err != nil {
		logrus.Fatal(err)
	}

	if *dir != "" {
		code := runBatch(cache, *dir, *outDir)
		if err := writeMetrics(*metricsFile); err != nil {
			logrus.Error(err)
		}
		os.Exit(code)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags] <fusion.json>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s [flags] -dir <fusions> [-out-dir <segments>]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	res, err := segmentFile(cache, flag.Arg(0), *output)
	if mErr := writeMetrics(*metricsFile); mErr != nil {
		logrus.Error(mErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(res.Segmented)
	if *output != "" {
		fmt.Printf("Segmentation written to %s\n", *output)
	}
}

// writeMetrics dumps the default registry to path, if set.
func writeMetrics(path string) error {
	if path == "" {
		return nil
	}
	return errors.Wrap(prometheus.WriteToTextfile(path, prometheus.DefaultGatherer), "writing metrics")
}

func segmentFile(cache *segcache.Cache, input, output string) (*segcache.Result, error) {
	f, shapes, err := ir.ReadFusion(input)
	if err != nil {
		return nil, err
	}
	res, _, err := cache.Get(f, scheduler.InputMeta(shapes))
	if err != nil {
		return nil, err
	}
	if output != "" {
		if err := segment.WriteResult(output, res.Segmented, res.Heuristics); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func runBatch(cache *segcache.Cache, dir, outDir string) int {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		return 1
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding fusion files: %v\n", err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintf(os.Stderr, "No fusion files found in %s\n", dir)
		return 1
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Found %d fusion files\n\n", len(files))

	results := make([]runResult, 0, len(files))
	for i, input := range files {
		name := strings.TrimSuffix(filepath.Base(input), ".json")
		output := filepath.Join(outDir, name+"-segments.json")
		fmt.Printf("[%d/%d] %s\n", i+1, len(files), filepath.Base(input))

		start := time.Now()
		res, err := segmentFile(cache, input, output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  error: %v\n\n", err)
			continue
		}
		sf := res.Segmented
		results = append(results, runResult{
			Name:     name,
			Ops:      len(sf.CompleteFusion().Ops()),
			Segments: len(sf.Groups()),
			Edges:    len(sf.Edges()),
			Time:     time.Since(start),
		})
		fmt.Printf("  segments=%d edges=%d output=%s\n\n", len(sf.Groups()), len(sf.Edges()), output)
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%-30s %8s %10s %8s %12s\n", "Fusion", "Ops", "Segments", "Edges", "Time")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range results {
		fmt.Printf("%-30s %8d %10d %8d %12v\n", r.Name, r.Ops, r.Segments, r.Edges, r.Time)
	}
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Segmented: %d/%d\n", len(results), len(files))

	if len(results) != len(files) {
		return 1
	}
	return 0
}
