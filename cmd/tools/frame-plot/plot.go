package main

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/xrbridge/internal/xr/recorder"
)

var errNoFrames = errors.New("session has no frames")

var trackColors = map[string]color.RGBA{
	"head":  {R: 31, G: 119, B: 180, A: 255},
	"left":  {R: 214, G: 39, B: 40, A: 255},
	"right": {R: 44, G: 160, B: 44, A: 255},
}

// track is one tracked device in draw order.
type track struct {
	name     string
	position func(rf recorder.RecordedFrame) r3.Vec
}

var tracks = []track{
	{"head", func(rf recorder.RecordedFrame) r3.Vec { return rf.Frame.HeadPosition }},
	{"left", func(rf recorder.RecordedFrame) r3.Vec { return rf.Frame.LeftPosition }},
	{"right", func(rf recorder.RecordedFrame) r3.Vec { return rf.Frame.RightPosition }},
}

// WritePlots renders a session's frames into outputDir and returns the
// files written: a top-down X/Z trajectory, device height over time and
// head yaw over time.
func WritePlots(frames []recorder.RecordedFrame, title, outputDir string) ([]string, error) {
	if len(frames) == 0 {
		return nil, errNoFrames
	}

	builders := []struct {
		file  string
		build func([]recorder.RecordedFrame, string) (*plot.Plot, error)
	}{
		{"trajectory.png", trajectoryPlot},
		{"height.png", heightPlot},
		{"head_yaw.png", headYawPlot},
	}

	var written []string
	for _, b := range builders {
		p, err := b.build(frames, title)
		if err != nil {
			return written, fmt.Errorf("%s: %w", b.file, err)
		}
		path := filepath.Join(outputDir, b.file)
		if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
			return written, fmt.Errorf("failed to save %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func newPlot(title, x, y string) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = x
	p.Y.Label.Text = y
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p
}

// finitePoints drops points plotter cannot draw. NaN and Inf are valid
// frame values but have no position on an axis.
func finitePoints(pts plotter.XYs) plotter.XYs {
	out := pts[:0]
	for _, pt := range pts {
		if isFinite(pt.X) && isFinite(pt.Y) {
			out = append(out, pt)
		}
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func addLine(p *plot.Plot, name string, pts plotter.XYs) error {
	pts = finitePoints(pts)
	if len(pts) == 0 {
		return nil
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = trackColors[name]
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}

// elapsed is seconds since the first frame of the session.
func elapsed(frames []recorder.RecordedFrame, i int) float64 {
	return frames[i].RecordedAt.Sub(frames[0].RecordedAt).Seconds()
}

func trajectoryPlot(frames []recorder.RecordedFrame, title string) (*plot.Plot, error) {
	p := newPlot(title+" - Trajectory (top down)", "X (m)", "Z (m)")
	for _, tr := range tracks {
		pts := make(plotter.XYs, len(frames))
		for i, rf := range frames {
			pos := tr.position(rf)
			pts[i] = plotter.XY{X: pos.X, Y: pos.Z}
		}
		if err := addLine(p, tr.name, pts); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func heightPlot(frames []recorder.RecordedFrame, title string) (*plot.Plot, error) {
	p := newPlot(title+" - Height", "Time (s)", "Y (m)")
	for _, tr := range tracks {
		pts := make(plotter.XYs, len(frames))
		for i, rf := range frames {
			pts[i] = plotter.XY{X: elapsed(frames, i), Y: tr.position(rf).Y}
		}
		if err := addLine(p, tr.name, pts); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// headYaw is the heading of the head's forward axis in the X/Z plane, in
// degrees from +Z.
func headYaw(rf recorder.RecordedFrame) float64 {
	fwd := rf.Frame.HeadForward()
	return math.Atan2(fwd.X, fwd.Z) * 180 / math.Pi
}

func headYawPlot(frames []recorder.RecordedFrame, title string) (*plot.Plot, error) {
	p := newPlot(title+" - Head Yaw", "Time (s)", "Yaw (deg)")
	pts := make(plotter.XYs, 0, len(frames))
	for i, rf := range frames {
		// Unset rotations have no heading.
		if rf.Frame.HeadRotation.Norm() == 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: elapsed(frames, i), Y: headYaw(rf)})
	}
	if err := addLine(p, "head", pts); err != nil {
		return nil, err
	}
	return p, nil
}
