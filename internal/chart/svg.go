// Package chart renders snapshot timelines as standalone SVG documents.
// The output is a line chart of net active items (created minus closed)
// per day, one polyline per repository.
package chart

import (
	"fmt"
	"strings"
	"time"

	"issuescan/internal/models"
)

const (
	DefaultWidth  = 960
	DefaultHeight = 420

	marginLeft   = 64
	marginRight  = 24
	marginTop    = 40
	marginBottom = 48
)

// palette cycles per series, in order.
var palette = []string{
	"#2563eb", "#dc2626", "#16a34a", "#9333ea", "#ea580c", "#0891b2",
}

// Series is one repository's timeline plus its display label.
type Series struct {
	Label     string
	Snapshots []models.CountSnapshot
}

type Options struct {
	Width  int
	Height int
	Title  string
}

// Render produces a complete SVG document. Series with fewer than two points
// are drawn as a single dot; an input with no points at all yields an empty
// chart frame with a notice.
func Render(series []Series, opts Options) string {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}

	minDate, maxDate, maxVal, hasPoints := bounds(series)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n",
		opts.Width, opts.Height, opts.Width, opts.Height)
	b.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>` + "\n")

	if opts.Title != "" {
		fmt.Fprintf(&b, `<text x="%d" y="24" font-family="sans-serif" font-size="16" fill="#111827">%s</text>`+"\n",
			marginLeft, escapeText(opts.Title))
	}

	plotW := opts.Width - marginLeft - marginRight
	plotH := opts.Height - marginTop - marginBottom

	// Frame.
	fmt.Fprintf(&b, `<rect x="%d" y="%d" width="%d" height="%d" fill="none" stroke="#d1d5db"/>`+"\n",
		marginLeft, marginTop, plotW, plotH)

	if !hasPoints {
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="sans-serif" font-size="14" fill="#6b7280">no data</text>`+"\n",
			marginLeft+plotW/2-28, marginTop+plotH/2)
		b.WriteString("</svg>\n")
		return b.String()
	}

	scale := newScale(minDate, maxDate, maxVal, plotW, plotH)
	writeGridlines(&b, scale, maxVal)
	writeDateLabels(&b, scale, minDate, maxDate)

	for i, s := range series {
		color := palette[i%len(palette)]
		writeSeries(&b, s, scale, color)
		// Legend entry.
		lx := marginLeft + i*180
		ly := opts.Height - 16
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="10" height="10" fill="%s"/>`+"\n", lx, ly-9, color)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="sans-serif" font-size="12" fill="#374151">%s</text>`+"\n",
			lx+14, ly, escapeText(s.Label))
	}

	b.WriteString("</svg>\n")
	return b.String()
}

// scale maps (date, value) into plot pixel space. Y grows downward in SVG,
// so value 0 lands on the bottom edge.
type scale struct {
	minMilli, maxMilli int64
	maxVal             int64
	plotW, plotH       int
}

func newScale(minDate, maxDate time.Time, maxVal int64, plotW, plotH int) scale {
	if maxVal < 1 {
		maxVal = 1
	}
	s := scale{
		minMilli: minDate.UnixMilli(),
		maxMilli: maxDate.UnixMilli(),
		maxVal:   maxVal,
		plotW:    plotW,
		plotH:    plotH,
	}
	if s.maxMilli == s.minMilli {
		s.maxMilli = s.minMilli + 1
	}
	return s
}

func (s scale) x(t time.Time) float64 {
	frac := float64(t.UnixMilli()-s.minMilli) / float64(s.maxMilli-s.minMilli)
	return float64(marginLeft) + frac*float64(s.plotW)
}

func (s scale) y(v int64) float64 {
	if v < 0 {
		v = 0
	}
	frac := float64(v) / float64(s.maxVal)
	return float64(marginTop+s.plotH) - frac*float64(s.plotH)
}

func bounds(series []Series) (minDate, maxDate time.Time, maxVal int64, hasPoints bool) {
	for _, s := range series {
		for _, snap := range s.Snapshots {
			if !hasPoints {
				minDate, maxDate = snap.SnapshotDate, snap.SnapshotDate
				hasPoints = true
			}
			if snap.SnapshotDate.Before(minDate) {
				minDate = snap.SnapshotDate
			}
			if snap.SnapshotDate.After(maxDate) {
				maxDate = snap.SnapshotDate
			}
			if v := snap.NetActive(); v > maxVal {
				maxVal = v
			}
		}
	}
	return minDate, maxDate, maxVal, hasPoints
}

func writeGridlines(b *strings.Builder, s scale, maxVal int64) {
	const lines = 4
	for i := 0; i <= lines; i++ {
		val := maxVal * int64(i) / lines
		y := s.y(val)
		fmt.Fprintf(b, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#f3f4f6"/>`+"\n",
			marginLeft, y, marginLeft+s.plotW, y)
		fmt.Fprintf(b, `<text x="%d" y="%.1f" font-family="sans-serif" font-size="11" fill="#6b7280" text-anchor="end">%d</text>`+"\n",
			marginLeft-8, y+4, val)
	}
}

func writeDateLabels(b *strings.Builder, s scale, minDate, maxDate time.Time) {
	y := marginTop + s.plotH + 18
	fmt.Fprintf(b, `<text x="%d" y="%d" font-family="sans-serif" font-size="11" fill="#6b7280">%s</text>`+"\n",
		marginLeft, y, models.ISODate(minDate))
	fmt.Fprintf(b, `<text x="%d" y="%d" font-family="sans-serif" font-size="11" fill="#6b7280" text-anchor="end">%s</text>`+"\n",
		marginLeft+s.plotW, y, models.ISODate(maxDate))
}

func writeSeries(b *strings.Builder, s Series, sc scale, color string) {
	if len(s.Snapshots) == 0 {
		return
	}
	if len(s.Snapshots) == 1 {
		snap := s.Snapshots[0]
		fmt.Fprintf(b, `<circle cx="%.1f" cy="%.1f" r="3" fill="%s"/>`+"\n",
			sc.x(snap.SnapshotDate), sc.y(snap.NetActive()), color)
		return
	}

	var pts strings.Builder
	for i, snap := range s.Snapshots {
		if i > 0 {
			pts.WriteByte(' ')
		}
		fmt.Fprintf(&pts, "%.1f,%.1f", sc.x(snap.SnapshotDate), sc.y(snap.NetActive()))
	}
	fmt.Fprintf(b, `<polyline fill="none" stroke="%s" stroke-width="2" points="%s"/>`+"\n",
		color, pts.String())
}

// escapeText covers the characters meaningful in SVG text content.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
