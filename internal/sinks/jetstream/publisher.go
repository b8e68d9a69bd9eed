// Package jetstream republishes batches to a JetStream subject. Each record
// carries its record ID as Nats-Msg-Id, so a re-emitted batch is dropped by
// the stream's duplicate window instead of being stored twice.
//
// Deduplication only covers replays that arrive within nats.duplicateWindow
// of the first publish. A partition that stays down longer than the window
// after losing a checkpoint will store the replayed records again; size the
// window to the longest outage that must not produce duplicates.
package jetstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	natsint "github.com/yairfalse/conveyor/internal/integrations/nats"
	"github.com/yairfalse/conveyor/internal/pipeline"
	"github.com/yairfalse/conveyor/internal/sinks"
	"github.com/yairfalse/conveyor/pkg/domain"
	"go.uber.org/zap"
)

// Record headers set on every published message
const (
	HeaderPartition = "Conveyor-Partition"
	HeaderPosition  = "Conveyor-Position"
	HeaderKey       = "Conveyor-Key"
	HeaderBatch     = "Conveyor-Batch"
	HeaderCause     = "Conveyor-Cause"
)

const sinkName = "jetstream"

// Options configures the sink stream
type Options struct {
	Stream            string
	Subject           string
	DeadLetterSubject string
	Create            bool
	Replicas          int
}

// Publisher is a pipeline.Emitter publishing one message per record, and a
// pipeline.DeadLetter publishing one envelope per rejected batch
type Publisher struct {
	js      jetstream.JetStream
	options Options
	logger  *zap.Logger
	now     func() time.Time
}

var (
	_ pipeline.Emitter    = (*Publisher)(nil)
	_ pipeline.DeadLetter = (*Publisher)(nil)
)

// NewPublisher checks the sink stream exists, creating it when options.Create is set
func NewPublisher(ctx context.Context, conn *natsint.Connection, options Options, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if conn == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if options.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}

	if options.Stream != "" {
		var err error
		if options.Create {
			subjects := []string{options.Subject}
			if options.DeadLetterSubject != "" {
				subjects = append(subjects, options.DeadLetterSubject)
			}
			_, err = conn.EnsureStream(ctx, conn.StreamConfig(options.Stream, subjects, options.Replicas))
		} else {
			_, err = conn.JetStream().Stream(ctx, options.Stream)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open sink stream %s: %w", options.Stream, err)
		}
	}

	return &Publisher{
		js:      conn.JetStream(),
		options: options,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (p *Publisher) Name() string {
	return sinkName
}

// Emit publishes every record asynchronously and waits for all acks
func (p *Publisher) Emit(ctx context.Context, batch domain.Batch) error {
	if batch.IsCheckpointOnly() {
		return nil
	}

	futures := make([]jetstream.PubAckFuture, 0, batch.Len())
	for _, rec := range batch.Records {
		msg := nats.NewMsg(p.options.Subject)
		msg.Data = rec.Data
		msg.Header.Set(nats.MsgIdHdr, rec.ID())
		msg.Header.Set(HeaderPartition, string(rec.Partition))
		msg.Header.Set(HeaderPosition, strconv.FormatUint(uint64(rec.Position), 10))
		msg.Header.Set(HeaderBatch, batch.ID())
		if rec.Key != "" {
			msg.Header.Set(HeaderKey, rec.Key)
		}

		future, err := p.js.PublishMsgAsync(msg)
		if err != nil {
			return classify(fmt.Errorf("publish %s: %w", rec.ID(), err))
		}
		futures = append(futures, future)
	}

	duplicates := 0
	for _, future := range futures {
		select {
		case ack := <-future.Ok():
			if ack.Duplicate {
				duplicates++
			}
		case err := <-future.Err():
			return classify(err)
		case <-ctx.Done():
			return pipeline.NewTransientEmitError(sinkName, ctx.Err())
		}
	}

	if duplicates > 0 {
		p.logger.Debug("Stream dropped duplicate records",
			zap.String("partition", string(batch.Partition)),
			zap.String("batch_id", batch.ID()),
			zap.Int("duplicates", duplicates))
	}
	return nil
}

// Route publishes the dead-letter envelope of a batch
func (p *Publisher) Route(ctx context.Context, batch domain.Batch, cause error) error {
	if p.options.DeadLetterSubject == "" {
		return fmt.Errorf("no dead-letter subject configured")
	}

	envelope := sinks.NewDeadLetterEnvelope(batch, cause, p.now())
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter envelope: %w", err)
	}

	msg := nats.NewMsg(p.options.DeadLetterSubject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, envelope.ID)
	msg.Header.Set(HeaderPartition, string(batch.Partition))
	msg.Header.Set(HeaderBatch, batch.ID())
	msg.Header.Set(HeaderCause, envelope.Cause)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish dead-letter envelope: %w", err)
	}

	p.logger.Warn("Batch dead-lettered",
		zap.String("partition", string(batch.Partition)),
		zap.String("batch_id", batch.ID()),
		zap.String("subject", p.options.DeadLetterSubject),
		zap.Int("records", batch.Len()))
	return nil
}

// classify marks errors the stream will keep returning as permanent
func classify(err error) error {
	if errors.Is(err, nats.ErrMaxPayload) {
		return pipeline.NewPermanentEmitError(sinkName, err)
	}
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 408 {
		return pipeline.NewPermanentEmitError(sinkName, err)
	}
	return pipeline.NewTransientEmitError(sinkName, err)
}
