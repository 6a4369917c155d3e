// Package server exposes the reader and the ERP lookups over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/erp"
	"github.com/snowflk/erpmirror/internal/reader"
	"github.com/snowflk/erpmirror/internal/replication/state"
	"github.com/snowflk/erpmirror/internal/scheduler"
)

const DefaultQueryTimeout = 15 * time.Second

// History is the cycle history shown by /status.
type History interface {
	Recent(n int) ([]state.CycleRecord, error)
	LastSuccess() (state.CycleRecord, error)
}

// StatsSource reports the scheduler counters shown by /status.
type StatsSource interface {
	Stats() scheduler.Stats
}

type Options struct {
	Addr           string
	AllowedOrigins []string
	QueryTimeout   time.Duration
	// History and Stats are optional.
	History History
	Stats   StatsSource
	Logger  log.FieldLogger
	Now     func() time.Time
}

type Server struct {
	reader *reader.Reader
	lookup *erp.Lookup
	opts   Options
	log    log.FieldLogger
	router *mux.Router
}

func New(r *reader.Reader, opts Options) *Server {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		reader: r,
		lookup: erp.New(r),
		opts:   opts,
		log:    opts.Logger.WithField("component", "http"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

// Handler is the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	})
	return c.Handler(s.router)
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()
	s.log.WithField("addr", s.opts.Addr).Info("reader API listening")
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
