// Command replay analyzes a recorded pose feed offline and prints the
// per-rep verdicts, optionally exporting a report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dj-oyu/formcheck/analysis-server/internal/analysis"
	"github.com/dj-oyu/formcheck/analysis-server/internal/config"
	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/overlay"
	"github.com/dj-oyu/formcheck/analysis-server/internal/posefeed"
	"github.com/dj-oyu/formcheck/analysis-server/internal/report"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

func main() {
	var (
		configPath string
		outDir     string
		format     string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "YAML configuration file (defaults to the pushup schema)")
	flag.StringVar(&outDir, "out", "", "Write a report into this directory")
	flag.StringVar(&format, "format", "", "Report format (parquet, csv); defaults to config")
	flag.StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error, silent)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <poses.jsonl|poses.msgpack>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, false)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	feed, err := posefeed.Open(path)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", path, err)
	}

	sess, err := newSession(cfg, feed)
	if err != nil {
		log.Fatalf("Failed to build session: %v", err)
	}

	err = feed.Play(context.Background(), 0, func(ctx context.Context, frame types.VideoFrame) error {
		_, err := sess.ProcessFrame(ctx, frame)
		return err
	})
	if err != nil {
		log.Fatalf("Replay failed: %v", err)
	}

	st := sess.Snapshot()
	printReps(st)

	if outDir == "" {
		return
	}
	reportFormat := cfg.ReportFormat()
	if format != "" {
		if reportFormat, err = report.ParseFormat(format); err != nil {
			log.Fatalf("Invalid report format: %v", err)
		}
	}
	if len(st.Analysis) == 0 {
		logger.Warn("Replay", "No reps found, skipping report")
		return
	}
	written, err := report.WriteFile(outDir, reportFormat, st.ID, st.Analysis)
	if err != nil {
		log.Fatalf("Failed to write report: %v", err)
	}
	fmt.Printf("report: %s\n", written)
}

func newSession(cfg *config.Config, detector session.Detector) (*session.Session, error) {
	segmenter, err := cfg.Segmenter()
	if err != nil {
		return nil, err
	}
	criteria, err := cfg.AnalysisCriteria()
	if err != nil {
		return nil, err
	}
	overlayCfg, err := cfg.OverlayConfig()
	if err != nil {
		return nil, err
	}
	return session.New(session.Options{
		Detector:  detector,
		Segmenter: segmenter,
		Analyzer:  analysis.NewAnalyzer(criteria),
		Overlay:   overlayCfg,
	}), nil
}

func printReps(st session.State) {
	fmt.Printf("session %s: %d frames, %d reps\n", st.ID, len(st.Track), len(st.Reps))
	for i, m := range st.Analysis {
		rep := st.Reps[i]
		fmt.Printf("\n[frames %d-%d, %.0f ms - %.0f ms]\n", rep.Start, rep.End, m.StartMs, m.EndMs)
		fmt.Println(overlay.PanelText(i, m))
	}
	pass, fail, unknown := st.Verdicts()
	fmt.Printf("\n%s\n", strings.Repeat("-", 24))
	fmt.Printf("pass %d, fail %d, indeterminate %d\n", pass, fail, unknown)
}
