package chart

import (
	"strings"
	"testing"
	"time"

	"issuescan/internal/models"
)

func snap(iso string, created, closed int64) models.CountSnapshot {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		panic(err)
	}
	return models.CountSnapshot{
		SnapshotDate: t,
		Counts: models.Counts{
			IssuesCreatedBefore: created,
			IssuesClosedBefore:  closed,
		},
	}
}

func TestRenderEmpty(t *testing.T) {
	t.Parallel()

	svg := Render(nil, Options{})
	if !strings.HasPrefix(svg, "<svg ") {
		t.Fatalf("not an SVG document: %.40q", svg)
	}
	if !strings.Contains(svg, "no data") {
		t.Fatal("empty chart missing the no-data notice")
	}
	if strings.Contains(svg, "<polyline") {
		t.Fatal("empty chart should not contain a polyline")
	}
}

func TestRenderSingleSeries(t *testing.T) {
	t.Parallel()

	s := Series{
		Label: "golang/go",
		Snapshots: []models.CountSnapshot{
			snap("2024-01-01", 10, 2),
			snap("2024-02-01", 40, 15),
			snap("2024-03-01", 90, 60),
		},
	}
	svg := Render([]Series{s}, Options{Title: "issue history"})

	if !strings.Contains(svg, "<polyline") {
		t.Fatal("missing polyline")
	}
	if !strings.Contains(svg, "golang/go") {
		t.Fatal("missing legend label")
	}
	if !strings.Contains(svg, "issue history") {
		t.Fatal("missing title")
	}
	if !strings.Contains(svg, "2024-01-01") || !strings.Contains(svg, "2024-03-01") {
		t.Fatal("missing date range labels")
	}
	if !strings.HasSuffix(strings.TrimSpace(svg), "</svg>") {
		t.Fatal("document not closed")
	}
}

func TestRenderMultipleSeriesDistinctColors(t *testing.T) {
	t.Parallel()

	a := Series{Label: "a/a", Snapshots: []models.CountSnapshot{snap("2024-01-01", 5, 0), snap("2024-01-10", 9, 1)}}
	b := Series{Label: "b/b", Snapshots: []models.CountSnapshot{snap("2024-01-01", 3, 0), snap("2024-01-10", 7, 2)}}
	svg := Render([]Series{a, b}, Options{})

	if n := strings.Count(svg, "<polyline"); n != 2 {
		t.Fatalf("got %d polylines, want 2", n)
	}
	if !strings.Contains(svg, palette[0]) || !strings.Contains(svg, palette[1]) {
		t.Fatal("series do not use distinct palette colors")
	}
}

func TestRenderSinglePointFallsBackToDot(t *testing.T) {
	t.Parallel()

	s := Series{Label: "a/a", Snapshots: []models.CountSnapshot{snap("2024-01-01", 5, 1)}}
	svg := Render([]Series{s}, Options{})
	if !strings.Contains(svg, "<circle") {
		t.Fatal("single-point series should render as a dot")
	}
}

func TestRenderEscapesLabels(t *testing.T) {
	t.Parallel()

	s := Series{Label: "a<b>&c", Snapshots: []models.CountSnapshot{snap("2024-01-01", 1, 0)}}
	svg := Render([]Series{s}, Options{Title: "x<y"})
	if strings.Contains(svg, "a<b>") || strings.Contains(svg, "x<y") {
		t.Fatal("markup characters not escaped")
	}
	if !strings.Contains(svg, "a&lt;b&gt;&amp;c") {
		t.Fatal("escaped label missing")
	}
}

func TestScaleMapsValueZeroToBottomEdge(t *testing.T) {
	t.Parallel()

	sc := newScale(time.Unix(0, 0), time.Unix(86400, 0), 100, 800, 300)
	if got := sc.y(0); got != float64(marginTop+300) {
		t.Fatalf("y(0)=%v, want bottom edge %d", got, marginTop+300)
	}
	if got := sc.y(100); got != float64(marginTop) {
		t.Fatalf("y(max)=%v, want top edge %d", got, marginTop)
	}
	if got := sc.y(-5); got != sc.y(0) {
		t.Fatal("negative values must clamp to zero")
	}
}
