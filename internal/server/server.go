package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/StefanGrimminck/Haze/internal/admission"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// Server runs the public API (queries, admin, ingest) and an optional management listener.
type Server struct {
	// API serves /api and /limited.
	API http.Handler
	// Ingest serves POST /api/v1/ingest. Nil disables the sink.
	Ingest http.Handler

	CatalogReady    func() bool
	CatalogLoadedAt func() time.Time
	EnricherReady   func() bool
	RefreshCatalog  func(ctx context.Context) error
	MetricsHandler  http.Handler

	Logger          zerolog.Logger
	TLSConfig       *tls.Config
	CertFile        string
	KeyFile         string
	ListenAddr      string
	ManagementAddr  string
	ShutdownTimeout time.Duration
}

// Router builds the public router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(admission.CapturePeer, middleware.RealIP, requestID, middleware.Recoverer, requestLogger(s.Logger))
	if s.Ingest != nil {
		r.Post("/api/v1/ingest", s.Ingest.ServeHTTP)
	}
	if s.API != nil {
		r.Mount("/", s.API)
	}
	return r
}

// ManagementRouter builds the health, metrics and catalog refresh router.
func (s *Server) ManagementRouter() http.Handler {
	mgmt := chi.NewRouter()
	mgmt.Use(middleware.Recoverer)
	mgmt.Get("/health", s.serveLiveness)
	mgmt.Get("/live", s.serveLiveness)
	mgmt.Get("/ready", s.serveReadiness)
	if s.MetricsHandler != nil {
		mgmt.Handle("/metrics", s.MetricsHandler)
	}
	mgmt.Get("/catalog", s.serveCatalogStatus)
	if s.RefreshCatalog != nil {
		mgmt.Post("/catalog/refresh", s.serveRefresh)
	}
	return mgmt
}

// Run serves until ctx is cancelled, then shuts both listeners down.
func (s *Server) Run(ctx context.Context) error {
	apiSrv := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Router(),
		TLSConfig:         s.tlsConfig(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if s.ManagementAddr != "" {
		mgmtSrv := &http.Server{
			Addr:              s.ManagementAddr,
			Handler:           s.ManagementRouter(),
			ReadTimeout:       5 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       30 * time.Second,
		}
		go func() {
			s.Logger.Info().Str("addr", s.ManagementAddr).Msg("management server listening")
			if err := mgmtSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error().Err(err).Msg("management server")
			}
		}()
		defer func() {
			mgmtCtx, mgmtCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer mgmtCancel()
			_ = mgmtSrv.Shutdown(mgmtCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if s.CertFile != "" && s.KeyFile != "" {
			s.Logger.Info().Str("addr", s.ListenAddr).Msg("api server (HTTPS) listening")
			errCh <- apiSrv.ListenAndServeTLS(s.CertFile, s.KeyFile)
		} else {
			s.Logger.Info().Str("addr", s.ListenAddr).Msg("api server listening (no TLS)")
			errCh <- apiSrv.ListenAndServe()
		}
	}()
	select {
	case <-ctx.Done():
		timeout := s.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			s.Logger.Warn().Err(err).Msg("api server shutdown")
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) serveLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveReadiness(w http.ResponseWriter, r *http.Request) {
	if s.CatalogReady != nil && !s.CatalogReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("region catalog not loaded"))
		return
	}
	if s.EnricherReady != nil && !s.EnricherReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("enricher not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type catalogStatus struct {
	Ready    bool       `json:"ready"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
}

func (s *Server) serveCatalogStatus(w http.ResponseWriter, r *http.Request) {
	var st catalogStatus
	if s.CatalogReady != nil {
		st.Ready = s.CatalogReady()
	}
	if s.CatalogLoadedAt != nil {
		if t := s.CatalogLoadedAt(); !t.IsZero() {
			t = t.UTC()
			st.LoadedAt = &t
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) serveRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.RefreshCatalog(r.Context()); err != nil {
		s.Logger.Warn().Err(err).Msg("manual catalog refresh failed")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("refresh failed"))
		return
	}
	s.Logger.Info().Msg("catalog refreshed on request")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requestID keeps a caller supplied X-Request-ID or assigns a UUID, and exposes
// it through chi's middleware.GetReqID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(log zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func (s *Server) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	if s.CertFile != "" && s.KeyFile != "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return nil
}
