// Package api serves the read-only query surface over stored presence data
// and a websocket feed of live pipeline events.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stellarlinkco/presencewatch/internal/bus"
	"github.com/stellarlinkco/presencewatch/internal/cron"
	"github.com/stellarlinkco/presencewatch/internal/store"
)

const (
	wsBufSize      = 64
	wsWriteTimeout = 5 * time.Second
)

// Queries is the read side of the session store.
type Queries interface {
	Names(ctx context.Context, id string) ([]store.EntityName, error)
	Users(ctx context.Context, id string) ([]store.EntitySummary, error)
	Days(ctx context.Context, id string) ([]store.EntityDays, error)
	Sessions(ctx context.Context, id string, offset, count int) ([]store.EntitySessions, error)
	HourMap(ctx context.Context, id string, fromHour int64) ([]store.EntityHourMap, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// JobLister reports scheduler state for /api/status.
type JobLister interface {
	ListJobs() []cron.Job
}

// Subscriber hands out live event feeds.
type Subscriber interface {
	Subscribe(bufSize int) (<-chan bus.Event, func())
}

type Options struct {
	Host string
	Port int
	// StaticDir, when set, is served at / for the dashboard frontend.
	StaticDir string
	// HTTPS is served on TLSPort in addition to plain HTTP when both
	// CertFile and KeyFile exist.
	TLSPort  int
	CertFile string
	KeyFile  string

	Queries Queries
	Jobs    JobLister
	Events  Subscriber
}

type wsClient struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

type Server struct {
	addr      string
	tlsAddr   string
	certFile  string
	keyFile   string
	staticDir string
	queries   Queries
	jobs      JobLister
	events    Subscriber

	mu          sync.Mutex
	servers     []*http.Server
	listener    net.Listener
	tlsListener net.Listener
	clients     sync.Map
	nextID      atomic.Int64
}

func NewServer(opts Options) *Server {
	return &Server{
		addr:      net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		tlsAddr:   net.JoinHostPort(opts.Host, strconv.Itoa(opts.TLSPort)),
		certFile:  opts.CertFile,
		keyFile:   opts.KeyFile,
		staticDir: opts.StaticDir,
		queries:   opts.Queries,
		jobs:      opts.Jobs,
		events:    opts.Events,
	}
}

// Handler builds the router. It is exposed for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Route("/api", func(api chi.Router) {
		api.Use(middleware.Compress(5))
		api.Get("/users/get/{id}", s.handleUsers)
		api.Get("/users/name/{id}", s.handleNames)
		api.Get("/users/days/{id}", s.handleDays)
		api.Get("/sessions/get/{userId}", s.handleSessions)
		api.Get("/sessions/get/{userId}/{offset}", s.handleSessions)
		api.Get("/sessions/get/{userId}/{offset}/{count}", s.handleSessions)
		api.Get("/sessions/map/{userId}", s.handleMap)
		api.Get("/sessions/map/{userId}/{from}", s.handleMap)
		api.Get("/status", s.handleStatus)
	})
	r.Get("/ws", s.handleWS)

	if s.staticDir != "" {
		r.With(middleware.Compress(5)).Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

// Start binds the listeners and serves in the background. HTTPS is skipped
// with a warning when the certificate files are configured but missing.
func (s *Server) Start(ctx context.Context) error {
	tlsCfg, err := s.loadTLS()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	var tlsLn net.Listener
	if tlsCfg != nil {
		raw, err := net.Listen("tcp", s.tlsAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen %s: %w", s.tlsAddr, err)
		}
		tlsLn = tls.NewListener(raw, tlsCfg)
	}

	handler := s.Handler()
	newServer := func() *http.Server {
		return &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
	}

	s.mu.Lock()
	s.listener = ln
	s.tlsListener = tlsLn
	s.servers = nil
	s.mu.Unlock()

	s.serve(newServer(), ln)
	if tlsLn != nil {
		s.serve(newServer(), tlsLn)
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener) {
	s.mu.Lock()
	s.servers = append(s.servers, srv)
	s.mu.Unlock()

	go func() {
		log.Printf("[api] listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

func (s *Server) loadTLS() (*tls.Config, error) {
	if s.certFile == "" || s.keyFile == "" {
		return nil, nil
	}
	for _, f := range []string{s.certFile, s.keyFile} {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			log.Printf("[api] %s not found, https disabled", f)
			return nil, nil
		}
	}
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Addr is the bound plain HTTP address, valid after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// TLSAddr is the bound HTTPS address, or "" when HTTPS is not served.
func (s *Server) TLSAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tlsListener == nil {
		return ""
	}
	return s.tlsListener.Addr().String()
}

func (s *Server) Stop() error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	s.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		c.cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[api] shutdown error: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}
	log.Printf("[api] stopped")
	return nil
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.queries.Users(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondResult(w, users)
}

func (s *Server) handleNames(w http.ResponseWriter, r *http.Request) {
	names, err := s.queries.Names(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondResult(w, names)
}

func (s *Server) handleDays(w http.ResponseWriter, r *http.Request) {
	days, err := s.queries.Days(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondResult(w, days)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	count, err := intParam(r, "count", store.DefaultSessionDays)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	sessions, err := s.queries.Sessions(r.Context(), chi.URLParam(r, "userId"), int(offset), int(count))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondResult(w, sessions)
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	from, err := intParam(r, "from", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	maps, err := s.queries.HourMap(r.Context(), chi.URLParam(r, "userId"), from)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondResult(w, maps)
}

type statusResponse struct {
	Users    int        `json:"users"`
	Sessions int        `json:"sessions"`
	Buckets  int        `json:"buckets"`
	Jobs     []cron.Job `json:"jobs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queries.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	resp := statusResponse{
		Users:    stats.Users,
		Sessions: stats.Sessions,
		Buckets:  stats.Buckets,
		Jobs:     []cron.Job{},
	}
	if s.jobs != nil {
		resp.Jobs = s.jobs.ListJobs()
	}
	respondJSON(w, http.StatusOK, resp)
}

func intParam(r *http.Request, name string, def int64) (int64, error) {
	raw := chi.URLParam(r, name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

// respondResult writes a single-element result as a bare object and any
// other result as an array.
func respondResult[T any](w http.ResponseWriter, items []T) {
	if len(items) == 1 {
		respondJSON(w, http.StatusOK, items[0])
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[api] failed to encode response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Printf("[api] request failed: %v", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
