// Package api is the HTTP surface: timeline JSON, SVG charts, health, and a
// JWT-guarded admin corner. Routing uses gorilla/mux with shared middleware
// for CORS, rate limiting, and content type.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"issuescan/internal/models"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// TimelineProvider is the history service surface the handlers call.
type TimelineProvider interface {
	GetTimeline(ctx context.Context, owner, name string) ([]models.CountSnapshot, error)
	ForceRefresh(ctx context.Context, owner, name string) ([]models.CountSnapshot, error)
}

// LockAdmin exposes lock garbage collection to the admin surface.
type LockAdmin interface {
	SweepExpired(ctx context.Context) (int64, error)
}

type Server struct {
	history    TimelineProvider
	locks      LockAdmin
	httpServer *http.Server
	adminAuth  *adminAuth

	chartCache struct {
		mu      sync.Mutex
		entries map[string]chartCacheEntry
	}
}

type chartCacheEntry struct {
	payload   []byte
	expiresAt time.Time
}

// chartCacheTTL bounds how stale a served chart can be. Timelines only move
// once a day, so a short TTL exists mainly to absorb request bursts.
const chartCacheTTL = 60 * time.Second

func NewServer(history TimelineProvider, locks LockAdmin, port, jwtSecret string) *Server {
	r := mux.NewRouter()

	s := &Server{
		history:   history,
		locks:     locks,
		adminAuth: newAdminAuth(jwtSecret),
	}
	s.chartCache.entries = make(map[string]chartCacheEntry)

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerAdminRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}

	return s
}

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/v1/repo/{owner}/{name}/timeline", s.handleTimeline).Methods("GET", "OPTIONS")
	r.HandleFunc("/chart.svg", s.handleChart).Methods("GET", "OPTIONS")
}

func registerAdminRoutes(r *mux.Router, s *Server) {
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth.middleware)
	admin.HandleFunc("/sweep-locks", s.handleAdminSweepLocks).Methods("POST", "OPTIONS")
	admin.HandleFunc("/refresh/{owner}/{name}", s.handleAdminRefresh).Methods("POST", "OPTIONS")
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the assembled router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
