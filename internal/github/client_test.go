package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestEscapeString(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "golang/go", want: "golang/go"},
		{name: "quote", in: `a"b`, want: `a\"b`},
		{name: "backslash", in: `a\b`, want: `a\\b`},
		{name: "backslash then quote", in: `\"`, want: `\\\"`},
		{name: "unicode untouched", in: "héllo", want: "héllo"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := escapeString(tc.in); got != tc.want {
				t.Fatalf("escapeString(%q)=%q want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestBuildCountsQuery(t *testing.T) {
	t.Parallel()

	q := buildCountsQuery("golang", "go", []time.Time{day("2024-01-15")})

	wantFragments := []string{
		`ic_2024_01_15: search(query: "repo:golang/go is:issue created:<2024-01-15", type: ISSUE, first: 0) { issueCount }`,
		`icl_2024_01_15: search(query: "repo:golang/go is:issue is:closed closed:<2024-01-15", type: ISSUE, first: 0) { issueCount }`,
		`pc_2024_01_15: search(query: "repo:golang/go is:pr created:<2024-01-15", type: ISSUE, first: 0) { issueCount }`,
		`pcl_2024_01_15: search(query: "repo:golang/go is:pr is:closed closed:<2024-01-15", type: ISSUE, first: 0) { issueCount }`,
		`pm_2024_01_15: search(query: "repo:golang/go is:pr is:merged merged:<2024-01-15", type: ISSUE, first: 0) { issueCount }`,
		`rateLimit { remaining resetAt }`,
	}
	for _, frag := range wantFragments {
		if !strings.Contains(q, frag) {
			t.Fatalf("query missing %q\nquery:\n%s", frag, q)
		}
	}
}

func TestCountsAtEmptyInput(t *testing.T) {
	t.Parallel()

	// The handler must never run: an empty probe list makes no network call.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected upstream call for empty probe list")
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL})
	got, err := c.CountsAt(context.Background(), "a", "b", nil)
	if err != nil {
		t.Fatalf("CountsAt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty map, got %v", got)
	}
	if n := c.Requests(); n != 0 {
		t.Fatalf("request counter = %d, want 0", n)
	}
}

func TestCountsAtBatchTooLarge(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{Endpoint: "http://unused", MaxBatch: 2})
	dates := []time.Time{day("2024-01-01"), day("2024-01-02"), day("2024-01-03")}
	_, err := c.CountsAt(context.Background(), "a", "b", dates)
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("err=%v, want ErrBatchTooLarge", err)
	}
}

func TestCountsAtDecodesAndIgnoresExtraAliases(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"ic_2024_01_15":  map[string]int{"issueCount": 10},
				"icl_2024_01_15": map[string]int{"issueCount": 4},
				"pc_2024_01_15":  map[string]int{"issueCount": 7},
				"pcl_2024_01_15": map[string]int{"issueCount": 5},
				"pm_2024_01_15":  map[string]int{"issueCount": 3},
				// A date we never asked for must not surface in the result.
				"ic_2099_01_01":  map[string]int{"issueCount": 99},
				"icl_2099_01_01": map[string]int{"issueCount": 99},
				"pc_2099_01_01":  map[string]int{"issueCount": 99},
				"pcl_2099_01_01": map[string]int{"issueCount": 99},
				"pm_2099_01_01":  map[string]int{"issueCount": 99},
				"rateLimit":      map[string]any{"remaining": 4988, "resetAt": "2024-01-15T10:00:00Z"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL})
	got, err := c.CountsAt(context.Background(), "golang", "go", []time.Time{day("2024-01-15")})
	if err != nil {
		t.Fatalf("CountsAt: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1: %v", len(got), got)
	}
	counts := got["2024-01-15"]
	if counts.IssuesCreatedBefore != 10 || counts.IssuesClosedBefore != 4 ||
		counts.PRsCreatedBefore != 7 || counts.PRsClosedBefore != 5 || counts.PRsMergedBefore != 3 {
		t.Fatalf("unexpected counts: %+v", counts)
	}

	rl := c.RateLimit()
	if rl.Remaining != 4988 {
		t.Fatalf("rate limit remaining = %d, want 4988", rl.Remaining)
	}
	if n := c.Requests(); n != 1 {
		t.Fatalf("request counter = %d, want 1", n)
	}
}

func TestCountsAtSkipsMissingDates(t *testing.T) {
	t.Parallel()

	// Only the first date's aliases come back; the second must be absent from
	// the result rather than fabricated as zeros.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"ic_2024_01_01":  map[string]int{"issueCount": 1},
				"icl_2024_01_01": map[string]int{"issueCount": 1},
				"pc_2024_01_01":  map[string]int{"issueCount": 1},
				"pcl_2024_01_01": map[string]int{"issueCount": 1},
				"pm_2024_01_01":  map[string]int{"issueCount": 1},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL})
	got, err := c.CountsAt(context.Background(), "a", "b", []time.Time{day("2024-01-01"), day("2024-01-02")})
	if err != nil {
		t.Fatalf("CountsAt: %v", err)
	}
	if _, ok := got["2024-01-01"]; !ok {
		t.Fatal("missing counts for 2024-01-01")
	}
	if _, ok := got["2024-01-02"]; ok {
		t.Fatal("2024-01-02 should be absent, upstream returned no aliases for it")
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]string{{"type": "RATE_LIMITED", "message": "API rate limit exhausted"}},
				})
			},
			want: ErrRateLimited,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]string{{"type": "NOT_FOUND", "message": "Could not resolve to a Repository"}},
				})
			},
			want: ErrNotFound,
		},
		{
			name: "other upstream errors",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"errors": []map[string]string{
						{"message": "something broke"},
						{"message": "and again"},
					},
				})
			},
			want: ErrProtocol,
		},
		{
			name: "http 502",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad gateway", http.StatusBadGateway)
			},
			want: ErrTransport,
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
			want: ErrProtocol,
		},
		{
			name: "no data",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{}`))
			},
			want: ErrProtocol,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			c := NewClient(Config{Endpoint: srv.URL})
			_, err := c.CountsAt(context.Background(), "a", "b", []time.Time{day("2024-01-01")})
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestRepositoryInfo(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if !strings.Contains(req.Query, `repository(owner: "golang", name: "go")`) {
			t.Errorf("unexpected query: %s", req.Query)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"repository": map[string]any{
					"createdAt":    "2009-10-22T06:00:00Z",
					"issues":       map[string]int{"totalCount": 60000},
					"pullRequests": map[string]int{"totalCount": 4000},
				},
				"rateLimit": map[string]any{"remaining": 5000, "resetAt": "2024-01-15T10:00:00Z"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Token: "tok"})
	info, err := c.RepositoryInfo(context.Background(), "golang", "go")
	if err != nil {
		t.Fatalf("RepositoryInfo: %v", err)
	}
	if got := info.CreatedAt.Format("2006-01-02"); got != "2009-10-22" {
		t.Fatalf("CreatedAt=%s want 2009-10-22", got)
	}
	if info.TotalIssues != 60000 || info.TotalPRs != 4000 {
		t.Fatalf("totals=%d/%d", info.TotalIssues, info.TotalPRs)
	}
}

func TestRepositoryInfoNullRepository(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"repository":null}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL})
	_, err := c.RepositoryInfo(context.Background(), "no", "such")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}
