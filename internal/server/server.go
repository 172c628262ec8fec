package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"iocingest/internal/catalog"
	"iocingest/internal/ioc"
	"iocingest/internal/normalize"
	"iocingest/internal/scheduler"
)

// HealthService is the name reported by the gRPC health service.
const HealthService = "iocingest.Ingest"

const shutdownTimeout = 10 * time.Second

// Controller is the operator-facing surface of the ingestion service.
type Controller interface {
	TriggerIngestion(ctx context.Context) ([]scheduler.CycleSummary, error)
	ForceFetch(ctx context.Context, key string) (scheduler.ForceResult, error)
	FetchStatus() ([]scheduler.SourceStatus, error)
	Stats(ctx context.Context) (ioc.Stats, error)
	Normalize(ctx context.Context, task normalize.Task) (normalize.Report, error)
	NormalizeStats() (normalize.Stats, error)
	ResetNormalizeTracking() error
}

// Server wraps the operator HTTP API, the metrics listener and gRPC health.
type Server struct {
	ctl       Controller
	cfg       Config
	router    *mux.Router
	health    *health.Server
	grpcSrv   *grpc.Server
	ingesting atomic.Bool
	bg        sync.WaitGroup
}

func New(ctl Controller, cfg Config) *Server {
	s := &Server{
		ctl:    ctl,
		cfg:    cfg.withDefaults(),
		router: mux.NewRouter(),
		health: health.NewServer(),
	}
	s.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/sources/status", s.handleFetchStatus).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{key}/fetch", s.handleForceFetch).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/normalize/stats", s.handleNormalizeStats).Methods(http.MethodGet)
	v1.HandleFunc("/normalize/tracking", s.handleResetTracking).Methods(http.MethodDelete)
	v1.HandleFunc("/normalize/{task}", s.handleNormalize).Methods(http.MethodPost)
}

func (s *Server) Router() http.Handler { return s.router }

// Wait blocks until background ingestions started over HTTP have finished.
func (s *Server) Wait() { s.bg.Wait() }

// Health exposes the gRPC health service so owners can flip its status.
func (s *Server) Health() *health.Server { return s.health }

// StartHTTP serves the operator API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	return serve(ctx, &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}, "http")
}

// StartMetrics serves /metrics until ctx is cancelled.
func (s *Server) StartMetrics(ctx context.Context) error {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	return serve(ctx, &http.Server{Addr: s.cfg.MetricsAddr, Handler: m, ReadHeaderTimeout: 10 * time.Second}, "metrics")
}

// StartGRPC serves the standard health service until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	s.grpcSrv = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.health)
	ln, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.GRPCAddr, err)
	}
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcSrv.GracefulStop()
	}()
	slog.Info("grpc health listening", "addr", s.cfg.GRPCAddr)
	if err := s.grpcSrv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

func serve(ctx context.Context, srv *http.Server, name string) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIngest starts a full ingestion in the background and answers 202.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if !s.ingesting.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("ingestion already running"))
		return
	}
	ctx := context.WithoutCancel(r.Context())
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		defer s.ingesting.Store(false)
		if _, err := s.ctl.TriggerIngestion(ctx); err != nil {
			slog.Error("manual ingestion failed", "err", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleForceFetch(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	res, err := s.ctl.ForceFetch(r.Context(), key)
	switch {
	case errors.Is(err, catalog.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, catalog.ErrSourceDisabled):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleFetchStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := s.ctl.FetchStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	task := normalize.Task(mux.Vars(r)["task"])
	rep, err := s.ctl.Normalize(r.Context(), task)
	if errors.Is(err, normalize.ErrUnknownTask) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleNormalizeStats(w http.ResponseWriter, _ *http.Request) {
	st, err := s.ctl.NormalizeStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleResetTracking(w http.ResponseWriter, _ *http.Request) {
	if err := s.ctl.ResetNormalizeTracking(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
