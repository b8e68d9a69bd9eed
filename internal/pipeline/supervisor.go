package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SupervisorConfig configures partition discovery and the workers it starts
type SupervisorConfig struct {
	Executor          ExecutorConfig `json:"executor"`
	DiscoveryInterval time.Duration  `json:"discovery_interval"`
}

// Supervisor runs one Executor per partition. Workers share nothing mutable,
// so a failed partition never stops the others.
type Supervisor struct {
	config     SupervisorConfig
	components Components
	logger     *zap.Logger
	metrics    *instruments

	group errgroup.Group

	mu      sync.Mutex
	ctx     context.Context
	workers map[domain.PartitionID]*Executor
	running bool
	stopped bool
}

// NewSupervisor creates a supervisor over the given components
func NewSupervisor(config SupervisorConfig, components Components, logger *zap.Logger) (*Supervisor, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := components.Validate(); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	return &Supervisor{
		config:     config,
		components: components,
		logger:     logger,
		metrics:    newInstruments(logger),
		workers:    make(map[domain.PartitionID]*Executor),
	}, nil
}

// Run lists partitions, starts a worker for each and keeps discovering new
// partitions until ctx is cancelled. It returns once every worker has drained.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	err := s.discover(ctx)
	if err != nil {
		s.logger.Error("Initial partition discovery failed", zap.Error(err))
	} else {
		s.watch(ctx)
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	waitErr := s.group.Wait()
	s.logger.Info("All partition workers stopped", zap.Int("partitions", len(s.Statuses())))

	if err != nil {
		return err
	}
	return waitErr
}

func (s *Supervisor) watch(ctx context.Context) {
	if s.config.DiscoveryInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.discover(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Partition discovery failed", zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) discover(ctx context.Context) error {
	var partitions []domain.PartitionID
	policy := s.config.Executor.Retry
	err := retry(ctx, policy, policy.MaxFetchAttempts, func(ctx context.Context, _ int) error {
		var err error
		partitions, err = s.components.Source.ListPartitions(ctx)
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("Listing partitions failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	for _, p := range partitions {
		if _, ok := s.workers[p]; ok {
			continue
		}
		if err := s.startLocked(p); err != nil {
			s.logger.Error("Failed to start partition worker",
				zap.String("partition", string(p)),
				zap.Error(err))
		}
	}
	return nil
}

// startLocked must be called with s.mu held
func (s *Supervisor) startLocked(p domain.PartitionID) error {
	executor, err := newExecutor(p, s.components, s.config.Executor, s.logger, s.metrics)
	if err != nil {
		return err
	}
	s.workers[p] = executor

	ctx := s.ctx
	s.group.Go(func() error {
		// A failure is logged by the executor and must not cancel siblings.
		_ = executor.Run(ctx)
		return nil
	})

	s.logger.Info("Partition worker started", zap.String("partition", string(p)))
	return nil
}

// Restart starts a fresh worker for a partition whose worker has stopped or
// failed. The new worker resumes from the durable checkpoint.
func (s *Supervisor) Restart(p domain.PartitionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.running {
		return ErrSupervisorStopped
	}
	if s.ctx.Err() != nil {
		return ErrSupervisorStopped
	}

	current, ok := s.workers[p]
	if !ok {
		return fmt.Errorf("unknown partition %s", p)
	}
	if !current.State().Terminal() {
		return fmt.Errorf("partition %s is still %s", p, current.State())
	}
	return s.startLocked(p)
}

// RestartFailed restarts every failed partition and returns the ones restarted
func (s *Supervisor) RestartFailed() ([]domain.PartitionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || !s.running || s.ctx.Err() != nil {
		return nil, ErrSupervisorStopped
	}

	var restarted []domain.PartitionID
	for p, executor := range s.workers {
		if executor.State() != StateFailed {
			continue
		}
		if err := s.startLocked(p); err != nil {
			return restarted, fmt.Errorf("restart %s: %w", p, err)
		}
		restarted = append(restarted, p)
	}
	sort.Slice(restarted, func(i, j int) bool { return restarted[i] < restarted[j] })
	return restarted, nil
}

// Statuses returns the status of every known partition, sorted by partition
func (s *Supervisor) Statuses() []PartitionStatus {
	s.mu.Lock()
	executors := make([]*Executor, 0, len(s.workers))
	for _, executor := range s.workers {
		executors = append(executors, executor)
	}
	s.mu.Unlock()

	statuses := make([]PartitionStatus, 0, len(executors))
	for _, executor := range executors {
		statuses = append(statuses, executor.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Partition < statuses[j].Partition })
	return statuses
}

// Healthy is false when any partition worker has failed
func (s *Supervisor) Healthy() bool {
	for _, status := range s.Statuses() {
		if status.State == StateFailed {
			return false
		}
	}
	return true
}
