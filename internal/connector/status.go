package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// partitionSupervisor is the part of pipeline.Supervisor the status server reads
type partitionSupervisor interface {
	Statuses() []pipeline.PartitionStatus
	Healthy() bool
	Restart(p domain.PartitionID) error
	RestartFailed() ([]domain.PartitionID, error)
}

// HealthReport is the body of /healthz
type HealthReport struct {
	Healthy    bool                       `json:"healthy"`
	Partitions []pipeline.PartitionStatus `json:"partitions"`
}

// StatusServer exposes partition health, restarts and Prometheus metrics
// over HTTP
type StatusServer struct {
	address string
	router  *mux.Router
	logger  *zap.Logger

	mu         sync.RWMutex
	supervisor partitionSupervisor
}

// NewStatusServer creates the server. metrics may be nil when Prometheus
// export is disabled.
func NewStatusServer(address string, metrics http.Handler, logger *zap.Logger) (*StatusServer, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if address == "" {
		return nil, fmt.Errorf("address is required")
	}

	s := &StatusServer{
		address: address,
		router:  mux.NewRouter(),
		logger:  logger,
	}
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/partitions", s.handleStatuses).Methods(http.MethodGet)
	s.router.HandleFunc("/partitions/restart", s.handleRestartFailed).Methods(http.MethodPost)
	s.router.HandleFunc("/partitions/{partition:.+}/restart", s.handleRestart).Methods(http.MethodPost)
	s.router.HandleFunc("/partitions/{partition:.+}", s.handleStatus).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	return s, nil
}

// SetSupervisor attaches the supervisor whose partitions are reported
func (s *StatusServer) SetSupervisor(supervisor partitionSupervisor) {
	s.mu.Lock()
	s.supervisor = supervisor
	s.mu.Unlock()
}

// Handler returns the router, for tests and embedding
func (s *StatusServer) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *StatusServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	server := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("Status server listening", zap.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down status server: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}

func (s *StatusServer) current() partitionSupervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supervisor
}

func (s *StatusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	supervisor := s.current()
	if supervisor == nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthReport{Partitions: []pipeline.PartitionStatus{}})
		return
	}

	report := HealthReport{
		Healthy:    supervisor.Healthy(),
		Partitions: supervisor.Statuses(),
	}
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *StatusServer) handleStatuses(w http.ResponseWriter, r *http.Request) {
	supervisor := s.current()
	if supervisor == nil {
		writeJSON(w, http.StatusOK, []pipeline.PartitionStatus{})
		return
	}
	writeJSON(w, http.StatusOK, supervisor.Statuses())
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	partition := domain.PartitionID(mux.Vars(r)["partition"])
	if supervisor := s.current(); supervisor != nil {
		for _, status := range supervisor.Statuses() {
			if status.Partition == partition {
				writeJSON(w, http.StatusOK, status)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("unknown partition %s", partition))
}

func (s *StatusServer) handleRestart(w http.ResponseWriter, r *http.Request) {
	supervisor := s.current()
	if supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.ErrSupervisorStopped)
		return
	}

	partition := domain.PartitionID(mux.Vars(r)["partition"])
	if err := supervisor.Restart(partition); err != nil {
		code := http.StatusConflict
		if errors.Is(err, pipeline.ErrSupervisorStopped) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return
	}

	s.logger.Info("Partition restart requested", zap.String("partition", string(partition)))
	writeJSON(w, http.StatusAccepted, map[string][]domain.PartitionID{"restarted": {partition}})
}

func (s *StatusServer) handleRestartFailed(w http.ResponseWriter, r *http.Request) {
	supervisor := s.current()
	if supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, pipeline.ErrSupervisorStopped)
		return
	}

	restarted, err := supervisor.RestartFailed()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if restarted == nil {
		restarted = []domain.PartitionID{}
	}
	writeJSON(w, http.StatusAccepted, map[string][]domain.PartitionID{"restarted": restarted})
}

func (s *StatusServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Status request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
