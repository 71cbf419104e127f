// Command ptz-replay runs a recorded JSONL detection log through the
// tracking pipeline against a simulated camera and prints a JSON summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/harbour.watch/internal/calibration"
	"github.com/banshee-data/harbour.watch/internal/config"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/ptz"
	"github.com/banshee-data/harbour.watch/internal/replay"
	"github.com/banshee-data/harbour.watch/internal/version"
)

var (
	input         = flag.String("in", "", "JSONL detection log (required, - for stdin)")
	configPath    = flag.String("config", "", "Tracking config JSON overriding the preset")
	preset        = flag.String("preset", "", "Tracking preset name")
	calPath       = flag.String("calibration", "", "Calibration JSON file")
	tail          = flag.Duration("tail", 5*time.Second, "Keep the control loop running this long after the last frame")
	frameInterval = flag.Duration("frame-interval", replay.DefaultFrameInterval, "Spacing of frames without a timestamp")
	absolute      = flag.Bool("absolute", true, "Simulate a camera with absolute move and position feedback")
	plotPath      = flag.String("plot", "", "Write a PNG pose plot to this path")
	outDir        = flag.String("out-dir", ".", "Directory the plot must be written under")
	samples       = flag.Bool("samples", false, "Include per-cycle samples in the output")
	debug         = flag.Bool("debug", false, "Enable per-cycle debug logging")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("ptz-replay %s (%s)\n", version.Version, version.GitSHA)
		return
	}
	monitoring.SetDebug(*debug)
	if *input == "" {
		log.Fatal("-in is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var cal calibration.Data
	if *calPath != "" {
		data, err := os.ReadFile(*calPath)
		if err != nil {
			log.Fatalf("read calibration: %v", err)
		}
		if err := json.Unmarshal(data, &cal); err != nil {
			log.Fatalf("parse calibration: %v", err)
		}
		if err := cal.Validate(); err != nil {
			log.Fatalf("calibration: %v", err)
		}
	}

	in := os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			log.Fatalf("open detections: %v", err)
		}
		defer f.Close()
		in = f
	}
	frames, err := replay.ReadFrames(in)
	if err != nil {
		log.Fatalf("%s: %v", *input, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var caps ptz.Capabilities
	if *absolute {
		caps = ptz.Capabilities{AbsoluteMove: true, PositionFeed: true}
	}
	start := time.Now()
	res, err := replay.Run(ctx, frames, replay.Options{
		Config:        cfg,
		Calibration:   cal,
		FrameInterval: *frameInterval,
		Tail:          *tail,
		Capabilities:  caps,
	})
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	log.Printf("replayed %d frames in %v", len(frames), time.Since(start))

	if *plotPath != "" {
		if err := replay.WritePlot(res.Samples, *plotPath, *outDir); err != nil {
			log.Fatalf("plot: %v", err)
		}
		log.Printf("wrote %s", *plotPath)
	}

	out := struct {
		Summary replay.Summary  `json:"summary"`
		Samples []replay.Sample `json:"samples,omitempty"`
	}{Summary: res.Summary}
	if *samples {
		out.Samples = res.Samples
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("write summary: %v", err)
	}
}

func loadConfig() (*config.TrackingConfig, error) {
	base := config.DefaultTrackingConfig()
	if *preset != "" {
		p, err := config.Preset(*preset)
		if err != nil {
			return nil, err
		}
		base = p
	}
	if *configPath == "" {
		return base, nil
	}
	override, err := config.LoadTrackingConfig(*configPath)
	if err != nil {
		return nil, err
	}
	return base.Merge(override)
}
