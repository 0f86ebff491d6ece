package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"issuescan/internal/models"
)

const (
	DefaultEndpoint = "https://api.github.com/graphql"
	DefaultMaxBatch = 12
)

// Error taxonomy. Callers classify with errors.Is; the client never retries.
var (
	ErrNotFound      = errors.New("github: repository not found")
	ErrRateLimited   = errors.New("github: rate limited")
	ErrTransport     = errors.New("github: transport error")
	ErrProtocol      = errors.New("github: protocol error")
	ErrBatchTooLarge = errors.New("github: batch too large")
)

// RepoInfo is the answer to a repository existence/metadata probe.
type RepoInfo struct {
	CreatedAt   time.Time
	TotalIssues int64
	TotalPRs    int64
}

// RateLimitInfo is the most recently observed upstream quota state.
type RateLimitInfo struct {
	Remaining int
	ResetAt   time.Time
}

type Config struct {
	Endpoint string // defaults to DefaultEndpoint
	Token    string
	MaxBatch int           // max probe dates per CountsAt call, defaults to DefaultMaxBatch
	Timeout  time.Duration // per-request HTTP timeout, defaults to 30s
	// RequestsPerSecond paces outgoing documents (search is expensive upstream).
	// <= 0 disables pacing.
	RequestsPerSecond float64
}

// Client speaks to the GitHub GraphQL endpoint. One CountsAt call packs up to
// MaxBatch probe dates into a single document using aliased search sub-queries.
type Client struct {
	endpoint   string
	token      string
	maxBatch   int
	httpClient *http.Client
	limiter    *rate.Limiter

	requests atomic.Int64

	mu        sync.Mutex
	rateLimit RateLimitInfo
}

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		token:      cfg.Token,
		maxBatch:   cfg.MaxBatch,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}
}

// MaxBatch is the hard per-call probe ceiling.
func (c *Client) MaxBatch() int { return c.maxBatch }

// Requests returns the process-local count of documents sent.
func (c *Client) Requests() int64 { return c.requests.Load() }

// RateLimit returns the quota state parsed from the latest reply.
func (c *Client) RateLimit() RateLimitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateLimit
}

// RepositoryInfo resolves repo existence, creation date and totals.
func (c *Client) RepositoryInfo(ctx context.Context, owner, name string) (*RepoInfo, error) {
	query := fmt.Sprintf(`query {
  repository(owner: "%s", name: "%s") {
    createdAt
    issues { totalCount }
    pullRequests { totalCount }
  }
  rateLimit { remaining resetAt }
}`, escapeString(owner), escapeString(name))

	data, err := c.execute(ctx, query)
	if err != nil {
		return nil, err
	}

	var repo struct {
		CreatedAt time.Time `json:"createdAt"`
		Issues    struct {
			TotalCount int64 `json:"totalCount"`
		} `json:"issues"`
		PullRequests struct {
			TotalCount int64 `json:"totalCount"`
		} `json:"pullRequests"`
	}
	raw, ok := data["repository"]
	if !ok || string(raw) == "null" {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, owner, name)
	}
	if err := json.Unmarshal(raw, &repo); err != nil {
		return nil, fmt.Errorf("%w: decode repository: %v", ErrProtocol, err)
	}
	return &RepoInfo{
		CreatedAt:   models.DayUTC(repo.CreatedAt),
		TotalIssues: repo.Issues.TotalCount,
		TotalPRs:    repo.PullRequests.TotalCount,
	}, nil
}

// CountsAt probes C(d) for every date in dates with one upstream document.
// The result map is keyed by ISO date and contains entries only for the
// requested dates; aliases the upstream invents are ignored. An empty input
// returns an empty map without touching the network.
func (c *Client) CountsAt(ctx context.Context, owner, name string, dates []time.Time) (map[string]models.Counts, error) {
	if len(dates) == 0 {
		return map[string]models.Counts{}, nil
	}
	if len(dates) > c.maxBatch {
		return nil, fmt.Errorf("%w: %d dates > max %d", ErrBatchTooLarge, len(dates), c.maxBatch)
	}

	data, err := c.execute(ctx, buildCountsQuery(owner, name, dates))
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.Counts, len(dates))
	for _, d := range dates {
		iso := models.ISODate(d)
		counts, ok, err := decodeCountsForDate(data, iso)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Missing alias: upstream omitted this date. Callers treat the
			// absence as "probe failed", not as a zero count.
			continue
		}
		out[iso] = counts
	}
	return out, nil
}

// Predicate alias prefixes. The full alias is <prefix>_<YYYY_MM_DD> which is
// deterministic, unique per (predicate, date), and a legal GraphQL name.
var predicates = []struct {
	prefix string
	filter string // filter tail after "repo:<o>/<n> ", %s is the ISO date
}{
	{"ic", `is:issue created:<%s`},
	{"icl", `is:issue is:closed closed:<%s`},
	{"pc", `is:pr created:<%s`},
	{"pcl", `is:pr is:closed closed:<%s`},
	{"pm", `is:pr is:merged merged:<%s`},
}

func dateAlias(prefix, iso string) string {
	return prefix + "_" + strings.ReplaceAll(iso, "-", "_")
}

func buildCountsQuery(owner, name string, dates []time.Time) string {
	repoRef := escapeString(owner) + "/" + escapeString(name)

	var b strings.Builder
	b.WriteString("query {\n")
	for _, d := range dates {
		iso := models.ISODate(d)
		for _, p := range predicates {
			filter := fmt.Sprintf("repo:%s "+p.filter, repoRef, iso)
			fmt.Fprintf(&b, "  %s: search(query: \"%s\", type: ISSUE, first: 0) { issueCount }\n",
				dateAlias(p.prefix, iso), filter)
		}
	}
	b.WriteString("  rateLimit { remaining resetAt }\n")
	b.WriteString("}")
	return b.String()
}

func decodeCountsForDate(data map[string]json.RawMessage, iso string) (models.Counts, bool, error) {
	var counts models.Counts
	fields := []*int64{
		&counts.IssuesCreatedBefore,
		&counts.IssuesClosedBefore,
		&counts.PRsCreatedBefore,
		&counts.PRsClosedBefore,
		&counts.PRsMergedBefore,
	}
	for i, p := range predicates {
		raw, ok := data[dateAlias(p.prefix, iso)]
		if !ok || string(raw) == "null" {
			return models.Counts{}, false, nil
		}
		var sub struct {
			IssueCount int64 `json:"issueCount"`
		}
		if err := json.Unmarshal(raw, &sub); err != nil {
			return models.Counts{}, false, fmt.Errorf("%w: decode %s: %v", ErrProtocol, dateAlias(p.prefix, iso), err)
		}
		*fields[i] = sub.IssueCount
	}
	return counts, true, nil
}

// escapeString makes s safe for interpolation into a double-quoted GraphQL
// string literal. Backslashes and quotes are escaped; everything else passes
// through untouched.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// execute posts one document and returns the decoded data map. Classification:
// RATE_LIMITED error marker -> ErrRateLimited, NOT_FOUND -> ErrNotFound, any
// other errors array -> ErrProtocol with concatenated messages, network or
// non-2xx -> ErrTransport.
func (c *Client) execute(ctx context.Context, query string) (map[string]json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal query: %v", ErrProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "issuescan/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.requests.Add(1)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %s", ErrTransport, resp.Status)
	}

	var reply struct {
		Data   map[string]json.RawMessage `json:"data"`
		Errors []graphQLError             `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", ErrProtocol, err)
	}

	if len(reply.Errors) > 0 {
		for _, e := range reply.Errors {
			if e.Type == "RATE_LIMITED" {
				c.recordRateLimit(reply.Data)
				return nil, fmt.Errorf("%w: %s", ErrRateLimited, e.Message)
			}
		}
		for _, e := range reply.Errors {
			if e.Type == "NOT_FOUND" {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Message)
			}
		}
		msgs := make([]string, 0, len(reply.Errors))
		for _, e := range reply.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrProtocol, strings.Join(msgs, "; "))
	}
	if reply.Data == nil {
		return nil, fmt.Errorf("%w: reply has no data", ErrProtocol)
	}

	c.recordRateLimit(reply.Data)
	return reply.Data, nil
}

func (c *Client) recordRateLimit(data map[string]json.RawMessage) {
	raw, ok := data["rateLimit"]
	if !ok || string(raw) == "null" {
		return
	}
	var rl struct {
		Remaining int       `json:"remaining"`
		ResetAt   time.Time `json:"resetAt"`
	}
	if err := json.Unmarshal(raw, &rl); err != nil {
		return
	}
	c.mu.Lock()
	c.rateLimit = RateLimitInfo{Remaining: rl.Remaining, ResetAt: rl.ResetAt}
	c.mu.Unlock()
}
