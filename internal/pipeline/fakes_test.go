package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap/zaptest"
)

// fakeSource serves records from memory. With replay set it ignores the cursor
// and returns every record again, like a source redelivering after a rebalance.
type fakeSource struct {
	mu         sync.Mutex
	partitions []domain.PartitionID
	records    map[domain.PartitionID][]domain.RawRecord
	fetchErrs  []error
	replay     bool
	fetches    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: make(map[domain.PartitionID][]domain.RawRecord)}
}

func (s *fakeSource) add(p domain.PartitionID, from, to domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[p]; !ok {
		s.partitions = append(s.partitions, p)
	}
	for pos := from; pos <= to; pos++ {
		s.records[p] = append(s.records[p], domain.RawRecord{
			Partition: p,
			Position:  pos,
			Key:       fmt.Sprintf("key-%d", pos),
			Payload:   []byte(fmt.Sprintf("record-%d", pos)),
			ArrivedAt: time.Now(),
		})
	}
}

func (s *fakeSource) addPayload(p domain.PartitionID, pos domain.Position, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[p]; !ok {
		s.partitions = append(s.partitions, p)
	}
	s.records[p] = append(s.records[p], domain.RawRecord{
		Partition: p,
		Position:  pos,
		Payload:   []byte(payload),
		ArrivedAt: time.Now(),
	})
}

func (s *fakeSource) ListPartitions(context.Context) ([]domain.PartitionID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PartitionID(nil), s.partitions...), nil
}

func (s *fakeSource) Fetch(_ context.Context, p domain.PartitionID, after domain.Cursor, max int) ([]domain.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		return nil, err
	}

	var out []domain.RawRecord
	for _, raw := range s.records[p] {
		if !s.replay && raw.Position < after.Next() {
			continue
		}
		out = append(out, raw)
		if len(out) == max {
			break
		}
	}
	return out, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeStore is an in-memory checkpoint store that keeps every save
type fakeStore struct {
	mu        sync.Mutex
	positions map[domain.PartitionID]domain.Position
	saves     map[domain.PartitionID][]domain.Position
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions: make(map[domain.PartitionID]domain.Position),
		saves:     make(map[domain.PartitionID][]domain.Position),
	}
}

func (s *fakeStore) Load(_ context.Context, p domain.PartitionID) (domain.Position, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[p]
	return pos, ok, nil
}

func (s *fakeStore) Save(_ context.Context, p domain.PartitionID, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.positions[p] = pos
	s.saves[p] = append(s.saves[p], pos)
	return nil
}

func (s *fakeStore) savesFor(p domain.PartitionID) []domain.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Position(nil), s.saves[p]...)
}

func (s *fakeStore) position(p domain.PartitionID) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[p]
	return pos, ok
}

// fakeEmitter records batches keyed by batch ID, so repeated delivery of the
// same batch leaves it unchanged. script supplies errors for successive calls;
// failFor makes every call for a partition fail with the given error.
type fakeEmitter struct {
	mu      sync.Mutex
	batches map[string]domain.Batch
	order   []string
	calls   int
	script  []error
	failFor map[domain.PartitionID]error
}

func newFakeEmitter(script ...error) *fakeEmitter {
	return &fakeEmitter{
		batches: make(map[string]domain.Batch),
		script:  script,
		failFor: make(map[domain.PartitionID]error),
	}
}

func (e *fakeEmitter) Emit(_ context.Context, batch domain.Batch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls++
	if err, ok := e.failFor[batch.Partition]; ok {
		return err
	}
	if len(e.script) > 0 {
		err := e.script[0]
		e.script = e.script[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := e.batches[batch.ID()]; !ok {
		e.order = append(e.order, batch.ID())
	}
	e.batches[batch.ID()] = batch
	return nil
}

func (e *fakeEmitter) Name() string { return "fake" }

// blockingEmitter never finishes an Emit on its own. Calls return only when
// their context ends, like a bulk request to a sink that stopped answering.
type blockingEmitter struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	once    sync.Once
}

func newBlockingEmitter() *blockingEmitter {
	return &blockingEmitter{started: make(chan struct{})}
}

func (e *blockingEmitter) Emit(ctx context.Context, _ domain.Batch) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	e.once.Do(func() { close(e.started) })

	<-ctx.Done()
	return ctx.Err()
}

func (e *blockingEmitter) Name() string { return "blocking" }

func (e *blockingEmitter) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEmitter) heal(p domain.PartitionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failFor, p)
}

func (e *fakeEmitter) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// positions returns the emitted record positions of a partition in emit order
func (e *fakeEmitter) positions(p domain.PartitionID) []domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []domain.Position
	for _, id := range e.order {
		batch := e.batches[id]
		if batch.Partition != p {
			continue
		}
		for _, rec := range batch.Records {
			out = append(out, rec.Position)
		}
	}
	return out
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	batches []domain.Batch
	causes  []error
}

func (d *fakeDeadLetter) Route(_ context.Context, batch domain.Batch, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, batch)
	d.causes = append(d.causes, cause)
	return nil
}

func (d *fakeDeadLetter) Name() string { return "fake-dlq" }

// copyTransformer copies the payload; payloads equal to "bad" fail
type copyTransformer struct{}

func (copyTransformer) Transform(raw domain.RawRecord) (domain.Record, error) {
	if string(raw.Payload) == "bad" {
		return domain.Record{}, NewTransformError(raw, errors.New("malformed payload"))
	}
	return domain.Record{
		Partition: raw.Partition,
		Position:  raw.Position,
		Key:       raw.Key,
		Data:      append([]byte(nil), raw.Payload...),
	}, nil
}

func (copyTransformer) Kind() string { return "copy" }

// rejectAll filters out every record
type rejectAll struct{}

func (rejectAll) Accept(domain.RawRecord) bool { return false }
func (rejectAll) Name() string                 { return "reject_all" }

// manualClock is a settable clock for time thresholds
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxEmitAttempts:       5,
		MaxFetchAttempts:      3,
		MaxCheckpointAttempts: 2,
		InitialBackoff:        time.Millisecond,
		MaxBackoff:            5 * time.Millisecond,
		Multiplier:            2,
	}
}

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		FetchSize:        50,
		IdleDelay:        time.Millisecond,
		DrainTimeout:     time.Second,
		Retry:            testRetryPolicy(),
		TransformPolicy:  TransformSkip,
		DeadLetterPolicy: DeadLetterHalt,
	}
}

func testComponents(source *fakeSource, emitter *fakeEmitter, store *fakeStore, buffer BufferConfig) Components {
	return Components{
		Source:      source,
		Filter:      AllPass{},
		Transformer: copyTransformer{},
		Emitter:     emitter,
		Store:       store,
		NewBuffer: func(p domain.PartitionID) Buffer {
			return NewMemoryBuffer(p, buffer)
		},
	}
}

// runExecutor starts the executor and returns a function that stops it and
// returns Run's result
func runExecutor(t *testing.T, executor *Executor) (wait func() error, stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- executor.Run(ctx)
	}()

	wait = func() error {
		select {
		case err := <-done:
			cancel()
			return err
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("executor did not return")
			return nil
		}
	}
	stop = func() error {
		cancel()
		return wait()
	}
	return wait, stop
}

func newTestExecutor(t *testing.T, p domain.PartitionID, components Components, config ExecutorConfig) *Executor {
	t.Helper()
	executor, err := NewExecutor(p, components, config, zaptest.NewLogger(t))
	require.NoError(t, err)
	return executor
}
