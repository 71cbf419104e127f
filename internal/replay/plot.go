package replay

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/harbour.watch/internal/security"
	"github.com/banshee-data/harbour.watch/internal/targeting"
)

var (
	panColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	tiltColor   = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	zoomColor   = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	switchColor = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WritePlot renders the pose of every sample over time as a PNG at path,
// marking cycles where the followed target changed. path must resolve
// inside safeDir.
func WritePlot(samples []Sample, path, safeDir string) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples to plot")
	}
	if err := security.ValidatePathWithinDirectory(path, safeDir); err != nil {
		return fmt.Errorf("invalid plot path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create plot directory: %w", err)
	}

	p := plot.New()
	p.Title.Text = "PTZ replay: pose and target switches"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Normalized position"

	pan := make(plotter.XYs, len(samples))
	tilt := make(plotter.XYs, len(samples))
	zoom := make(plotter.XYs, len(samples))
	var switches plotter.XYs
	for i, s := range samples {
		x := s.Offset.Seconds()
		pan[i] = plotter.XY{X: x, Y: s.Pose.Pan}
		tilt[i] = plotter.XY{X: x, Y: s.Pose.Tilt}
		zoom[i] = plotter.XY{X: x, Y: s.Pose.Zoom}
		if i > 0 && s.Target != samples[i-1].Target && s.Target != targeting.NoTarget {
			switches = append(switches, plotter.XY{X: x, Y: s.Pose.Pan})
		}
	}

	for _, series := range []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{
		{"pan", pan, panColor},
		{"tilt", tilt, tiltColor},
		{"zoom", zoom, zoomColor},
	} {
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return err
		}
		line.Color = series.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}

	if len(switches) > 0 {
		sc, err := plotter.NewScatter(switches)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Color = switchColor
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("target switch", sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}
