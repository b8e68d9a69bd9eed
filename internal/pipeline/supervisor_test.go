package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap/zaptest"
)

func statusOf(s *Supervisor, p domain.PartitionID) (PartitionStatus, bool) {
	for _, status := range s.Statuses() {
		if status.Partition == p {
			return status, true
		}
	}
	return PartitionStatus{}, false
}

func startSupervisor(t *testing.T, s *Supervisor) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
			return nil
		}
	}
}

func TestSupervisor_IsolatesFailedPartition(t *testing.T) {
	source := newFakeSource()
	source.add("a", 1, 3)
	source.add("b", 1, 3)
	emitter := newFakeEmitter()
	emitter.failFor["b"] = NewPermanentEmitError("fake", errors.New("rejected"))
	store := newFakeStore()

	supervisor, err := NewSupervisor(SupervisorConfig{Executor: testExecutorConfig()},
		testComponents(source, emitter, store, BufferConfig{MaxRecords: 3}), zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := startSupervisor(t, supervisor)

	require.Eventually(t, func() bool {
		status, ok := statusOf(supervisor, "b")
		return ok && status.State == StateFailed
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		pos, ok := store.position("a")
		return ok && pos == 3
	}, waitFor, tick)

	assert.False(t, supervisor.Healthy())
	_, saved := store.position("b")
	assert.False(t, saved)

	statusA, _ := statusOf(supervisor, "a")
	assert.NotEqual(t, StateFailed, statusA.State)
	assert.Error(t, supervisor.Restart("a"), "running partitions cannot be restarted")

	emitter.heal("b")
	restarted, err := supervisor.RestartFailed()
	require.NoError(t, err)
	assert.Equal(t, []domain.PartitionID{"b"}, restarted)

	require.Eventually(t, func() bool {
		pos, ok := store.position("b")
		return ok && pos == 3
	}, waitFor, tick)
	assert.True(t, supervisor.Healthy())

	require.NoError(t, stop())

	assert.ErrorIs(t, supervisor.Restart("b"), ErrSupervisorStopped)
	_, err = supervisor.RestartFailed()
	assert.ErrorIs(t, err, ErrSupervisorStopped)

	for _, status := range supervisor.Statuses() {
		assert.Equal(t, StateStopped, status.State, "partition %s", status.Partition)
	}
}

func TestSupervisor_DiscoversNewPartitions(t *testing.T) {
	source := newFakeSource()
	source.add("a", 1, 2)
	emitter := newFakeEmitter()
	store := newFakeStore()

	config := SupervisorConfig{
		Executor:          testExecutorConfig(),
		DiscoveryInterval: 5 * time.Millisecond,
	}
	supervisor, err := NewSupervisor(config, testComponents(source, emitter, store, BufferConfig{MaxRecords: 2}), zaptest.NewLogger(t))
	require.NoError(t, err)

	stop := startSupervisor(t, supervisor)

	require.Eventually(t, func() bool {
		pos, ok := store.position("a")
		return ok && pos == 2
	}, waitFor, tick)

	source.add("c", 1, 2)

	require.Eventually(t, func() bool {
		pos, ok := store.position("c")
		return ok && pos == 2
	}, waitFor, tick)
	require.NoError(t, stop())

	assert.Len(t, supervisor.Statuses(), 2)
}

func TestSupervisor_RestartBeforeRun(t *testing.T) {
	supervisor, err := NewSupervisor(SupervisorConfig{Executor: testExecutorConfig()},
		testComponents(newFakeSource(), newFakeEmitter(), newFakeStore(), DefaultBufferConfig()), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.ErrorIs(t, supervisor.Restart("a"), ErrSupervisorStopped)
	assert.True(t, supervisor.Healthy())
	assert.Empty(t, supervisor.Statuses())
}
