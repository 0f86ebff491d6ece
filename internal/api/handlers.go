package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"issuescan/internal/chart"
	"issuescan/internal/github"
	"issuescan/internal/history"
	"issuescan/internal/models"
)

// maxChartRepos bounds one chart request; each repo behind it can be a full
// upstream discovery.
const maxChartRepos = 5

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "commit": BuildCommit})
}

// timelinePoint is the public wire shape of one snapshot.
type timelinePoint struct {
	Date          string `json:"date"`
	IssuesCreated int64  `json:"issues_created"`
	IssuesClosed  int64  `json:"issues_closed"`
	PRsCreated    int64  `json:"prs_created"`
	PRsClosed     int64  `json:"prs_closed"`
	PRsMerged     int64  `json:"prs_merged"`
	NetActive     int64  `json:"net_active"`
}

func toTimelinePoints(snapshots []models.CountSnapshot) []timelinePoint {
	out := make([]timelinePoint, len(snapshots))
	for i, snap := range snapshots {
		out[i] = timelinePoint{
			Date:          models.ISODate(snap.SnapshotDate),
			IssuesCreated: snap.IssuesCreatedBefore,
			IssuesClosed:  snap.IssuesClosedBefore,
			PRsCreated:    snap.PRsCreatedBefore,
			PRsClosed:     snap.PRsClosedBefore,
			PRsMerged:     snap.PRsMergedBefore,
			NetActive:     snap.NetActive(),
		}
	}
	return out
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, name := vars["owner"], vars["name"]

	snapshots, err := s.history.GetTimeline(r.Context(), owner, name)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"repo":     models.RepoKey(owner, name),
		"timeline": toTimelinePoints(snapshots),
	})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	repos, err := parseRepoList(r.URL.Query().Get("repos"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	width, _ := strconv.Atoi(r.URL.Query().Get("width"))
	height, _ := strconv.Atoi(r.URL.Query().Get("height"))

	cacheKey := fmt.Sprintf("%s|%dx%d", strings.Join(repos, ","), width, height)
	now := time.Now()
	s.chartCache.mu.Lock()
	if ent, ok := s.chartCache.entries[cacheKey]; ok && now.Before(ent.expiresAt) {
		payload := append([]byte(nil), ent.payload...)
		s.chartCache.mu.Unlock()
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Write(payload)
		return
	}
	s.chartCache.mu.Unlock()

	series := make([]chart.Series, 0, len(repos))
	for _, key := range repos {
		owner, name, _ := strings.Cut(key, "/")
		snapshots, err := s.history.GetTimeline(r.Context(), owner, name)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		series = append(series, chart.Series{Label: key, Snapshots: snapshots})
	}

	title := "issue and PR history"
	if len(repos) == 1 {
		title = repos[0]
	}
	payload := []byte(chart.Render(series, chart.Options{Width: width, Height: height, Title: title}))

	s.chartCache.mu.Lock()
	s.chartCache.entries[cacheKey] = chartCacheEntry{payload: payload, expiresAt: time.Now().Add(chartCacheTTL)}
	s.chartCache.mu.Unlock()

	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(payload)
}

// parseRepoList validates the repos= query parameter: comma-separated
// owner/name pairs, deduplicated, case-folded.
func parseRepoList(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("repos parameter is required, e.g. repos=golang/go")
	}
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		owner, name, found := strings.Cut(part, "/")
		if !found || owner == "" || name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("invalid repo %q, want owner/name", part)
		}
		key := models.RepoKey(owner, name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("repos parameter is required, e.g. repos=golang/go")
	}
	if len(out) > maxChartRepos {
		return nil, fmt.Errorf("at most %d repos per chart, got %d", maxChartRepos, len(out))
	}
	return out, nil
}

func (s *Server) handleAdminSweepLocks(w http.ResponseWriter, r *http.Request) {
	n, err := s.locks.SweepExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	log.Printf("[api] admin sweep-locks removed %d rows", n)
	json.NewEncoder(w).Encode(map[string]interface{}{"swept": n})
}

func (s *Server) handleAdminRefresh(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	owner, name := vars["owner"], vars["name"]

	snapshots, err := s.history.ForceRefresh(r.Context(), owner, name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"repo":      models.RepoKey(owner, name),
		"snapshots": len(snapshots),
	})
}

// writeServiceError maps the history/github error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, github.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "repository not found upstream")
	case errors.Is(err, github.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "upstream API rate limit exhausted")
	case errors.Is(err, history.ErrBusy):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "busy", "refresh in progress, retry shortly")
	case errors.Is(err, github.ErrTransport), errors.Is(err, github.ErrProtocol), errors.Is(err, github.ErrBatchTooLarge):
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	case errors.Is(err, history.ErrStorage):
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}
