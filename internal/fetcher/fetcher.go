// Package fetcher reconstructs a repository's historical count timeline from
// as few upstream probes as possible.
//
// The upstream can only answer "how many items existed before date d", one
// expensive search per (predicate, date). Since every component of C(d) is
// non-decreasing in d, a segment whose endpoint counts are close together
// cannot hide interesting structure: we only subdivide a segment when its
// component delta exceeds a threshold or it spans too many days. Midpoints
// from all splittable segments of one iteration are probed together in
// batches, so convergence costs O(K log R) probes for K resolved buckets over
// a range of R days.
package fetcher

import (
	"context"
	"sort"
	"time"

	"issuescan/internal/models"
)

const (
	DefaultThreshold       = 50
	DefaultMaxIntervalDays = 30
	DefaultMinIntervalDays = 1
)

// CountSource answers batched count probes. *github.Client satisfies this.
type CountSource interface {
	CountsAt(ctx context.Context, owner, name string, dates []time.Time) (map[string]models.Counts, error)
}

type Config struct {
	// Threshold is the max tolerated per-component delta within a segment
	// before it must be subdivided.
	Threshold int
	// MaxIntervalDays splits long segments regardless of delta.
	MaxIntervalDays int
	// MinIntervalDays stops subdivision: segments at or below this length are
	// terminal.
	MinIntervalDays int
	// BatchSize caps probe dates per upstream call. Comes from the client's
	// MaxBatch.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Threshold:       DefaultThreshold,
		MaxIntervalDays: DefaultMaxIntervalDays,
		MinIntervalDays: DefaultMinIntervalDays,
		BatchSize:       12,
	}
}

// Point is one resolved C(d) measurement.
type Point struct {
	Date   time.Time
	Counts models.Counts
}

type Fetcher struct {
	source CountSource
	cfg    Config
}

func New(source CountSource, cfg Config) *Fetcher {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxIntervalDays <= 0 {
		cfg.MaxIntervalDays = DefaultMaxIntervalDays
	}
	if cfg.MinIntervalDays <= 0 {
		cfg.MinIntervalDays = DefaultMinIntervalDays
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 12
	}
	return &Fetcher{source: source, cfg: cfg}
}

// segment is a runtime interval with known endpoint counts.
type segment struct {
	start       time.Time
	startCounts models.Counts
	end         time.Time
	endCounts   models.Counts
}

func (s segment) days() int {
	return int(s.end.Sub(s.start).Hours() / 24)
}

// maxComponentDelta is the max over components of |C(end) - C(start)|.
// A single noisy component forces subdivision of the whole segment.
func (s segment) maxComponentDelta() int64 {
	deltas := []int64{
		s.endCounts.IssuesCreatedBefore - s.startCounts.IssuesCreatedBefore,
		s.endCounts.IssuesClosedBefore - s.startCounts.IssuesClosedBefore,
		s.endCounts.PRsCreatedBefore - s.startCounts.PRsCreatedBefore,
		s.endCounts.PRsClosedBefore - s.startCounts.PRsClosedBefore,
		s.endCounts.PRsMergedBefore - s.startCounts.PRsMergedBefore,
	}
	var max int64
	for _, d := range deltas {
		if d < 0 {
			d = -d
		}
		if d > max {
			max = d
		}
	}
	return max
}

func (f *Fetcher) shouldSubdivide(s segment) bool {
	if s.days() <= f.cfg.MinIntervalDays {
		return false
	}
	return s.maxComponentDelta() > int64(f.cfg.Threshold) || s.days() > f.cfg.MaxIntervalDays
}

// midpoint computes the segment midpoint in UTC milliseconds and floors it to
// the day boundary.
func (s segment) midpoint() time.Time {
	ms := (s.start.UnixMilli() + s.end.UnixMilli()) / 2
	return models.DayUTC(time.UnixMilli(ms))
}

// FetchRange resolves the timeline over [start, end]. Both bounds are floored
// to UTC days. Probe errors (rate limit, transport) bubble unchanged and
// discard partial progress; persistence is the caller's job and happens only
// after a full fetch.
func (f *Fetcher) FetchRange(ctx context.Context, owner, name string, start, end time.Time) ([]Point, error) {
	start = models.DayUTC(start)
	end = models.DayUTC(end)
	if end.Before(start) {
		start, end = end, start
	}

	known := make(map[string]models.Counts)

	if start.Equal(end) {
		if err := f.probe(ctx, owner, name, []time.Time{start}, known); err != nil {
			return nil, err
		}
		return emit(known), nil
	}

	if err := f.probe(ctx, owner, name, []time.Time{start, end}, known); err != nil {
		return nil, err
	}
	startCounts, okStart := known[models.ISODate(start)]
	endCounts, okEnd := known[models.ISODate(end)]
	if !okStart || !okEnd {
		// An endpoint probe came back empty; return what we have.
		return emit(known), nil
	}

	segments := []segment{{start: start, startCounts: startCounts, end: end, endCounts: endCounts}}

	for {
		var toSplit []segment
		var terminal []segment
		for _, s := range segments {
			if f.shouldSubdivide(s) {
				toSplit = append(toSplit, s)
			} else {
				terminal = append(terminal, s)
			}
		}
		if len(toSplit) == 0 {
			break
		}

		// Unique midpoints not yet known, across all splittable segments.
		var mids []time.Time
		seen := make(map[string]bool)
		for _, s := range toSplit {
			mid := s.midpoint()
			if mid.Equal(s.start) {
				continue // adjacent days, handled below
			}
			iso := models.ISODate(mid)
			if seen[iso] {
				continue
			}
			seen[iso] = true
			if _, ok := known[iso]; ok {
				continue
			}
			mids = append(mids, mid)
		}

		for i := 0; i < len(mids); i += f.cfg.BatchSize {
			j := i + f.cfg.BatchSize
			if j > len(mids) {
				j = len(mids)
			}
			if err := f.probe(ctx, owner, name, mids[i:j], known); err != nil {
				return nil, err
			}
		}

		next := terminal
		for _, s := range toSplit {
			mid := s.midpoint()
			if mid.Equal(s.start) {
				// Flooring collapsed the midpoint onto the left edge. The
				// segment cannot shrink further, so it is terminal even with a
				// large delta.
				next = append(next, s)
				continue
			}
			midCounts, ok := known[models.ISODate(mid)]
			if !ok {
				// Upstream skipped this probe; keep the segment terminal
				// rather than looping on it forever.
				next = append(next, s)
				continue
			}
			next = append(next,
				segment{start: s.start, startCounts: s.startCounts, end: mid, endCounts: midCounts},
				segment{start: mid, startCounts: midCounts, end: s.end, endCounts: s.endCounts},
			)
		}
		segments = next
	}

	return emit(known), nil
}

// probe fetches counts for dates and merges only the requested dates into
// known. Dates the upstream invents are dropped.
func (f *Fetcher) probe(ctx context.Context, owner, name string, dates []time.Time, known map[string]models.Counts) error {
	if len(dates) == 0 {
		return nil
	}
	result, err := f.source.CountsAt(ctx, owner, name, dates)
	if err != nil {
		return err
	}
	for _, d := range dates {
		iso := models.ISODate(d)
		if counts, ok := result[iso]; ok {
			known[iso] = counts
		}
	}
	return nil
}

func emit(known map[string]models.Counts) []Point {
	points := make([]Point, 0, len(known))
	for iso, counts := range known {
		d, err := time.Parse("2006-01-02", iso)
		if err != nil {
			continue
		}
		points = append(points, Point{Date: d.UTC(), Counts: counts})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points
}
