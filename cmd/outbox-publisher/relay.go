package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixell/agent-billing/pkg/config"
	"github.com/pixell/agent-billing/pkg/db/models"
	"github.com/pixell/agent-billing/pkg/enums"
	"github.com/pixell/agent-billing/pkg/logger"
	"github.com/pixell/agent-billing/pkg/metrics"
	"github.com/pixell/agent-billing/pkg/outbox/registry"
)

const (
	fallbackBatchSize   = 50
	fallbackPoll        = 500 * time.Millisecond
	fallbackMaxAttempts = 10
	fallbackMaxBackoff  = 10 * time.Second
	fallbackPublishWait = 15 * time.Second
)

type txDB interface {
	Ping(context.Context) error
	WithTx(context.Context, func(tx *gorm.DB) error) error
}

type topicSource interface {
	Ping(ctx context.Context, topics ...string) error
	Publisher(topic string) *gcppubsub.Publisher
}

type rowStore interface {
	FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error)
	MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error
	MarkFailedTx(tx *gorm.DB, id uuid.UUID, err error) error
	MarkTerminalTx(tx *gorm.DB, id uuid.UUID, err error, terminalAttempts int) error
}

type deadLetterStore interface {
	InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error
}

type eventResolver interface {
	Resolve(models.OutboxEvent) (*registry.ResolvedEvent, error)
	Topics() []string
}

// sink sends one message and waits for the server ack.
type sink interface {
	Send(ctx context.Context, msg *gcppubsub.Message) (string, error)
	Resume(orderingKey string)
}

type sinkFactory func(topic string) sink

// RelayParams groups the relay's collaborators.
type RelayParams struct {
	Outbox      config.OutboxConfig
	PubSub      config.PubSubConfig
	Logger      *logger.Logger
	DB          txDB
	Topics      topicSource
	Rows        rowStore
	DeadLetters deadLetterStore
	Registry    eventResolver
	Sinks       sinkFactory
	Metrics     *metrics.OutboxMetrics
}

// Relay drains committed outbox rows to Pub/Sub. Rows are locked per batch
// so several relays can run side by side.
type Relay struct {
	logg        *logger.Logger
	db          txDB
	topics      topicSource
	rows        rowStore
	deadLetters deadLetterStore
	registry    eventResolver
	sinks       sinkFactory
	metrics     *metrics.OutboxMetrics

	batchSize   int
	maxAttempts int
	poll        time.Duration
	maxBackoff  time.Duration
	publishWait time.Duration
	ordered     bool
}

func NewRelay(p RelayParams) (*Relay, error) {
	switch {
	case p.Logger == nil:
		return nil, errors.New("logger is required")
	case p.DB == nil:
		return nil, errors.New("database client is required")
	case p.Topics == nil:
		return nil, errors.New("pubsub client is required")
	case p.Rows == nil:
		return nil, errors.New("outbox repository is required")
	case p.DeadLetters == nil:
		return nil, errors.New("dlq repository is required")
	case p.Registry == nil:
		return nil, errors.New("event registry is required")
	}

	r := &Relay{
		logg:        p.Logger,
		db:          p.DB,
		topics:      p.Topics,
		rows:        p.Rows,
		deadLetters: p.DeadLetters,
		registry:    p.Registry,
		sinks:       p.Sinks,
		metrics:     p.Metrics,
		batchSize:   positiveOr(p.Outbox.BatchSize, fallbackBatchSize),
		maxAttempts: positiveOr(p.Outbox.MaxAttempts, fallbackMaxAttempts),
		poll:        durationOr(time.Duration(p.Outbox.PollIntervalMS)*time.Millisecond, fallbackPoll),
		maxBackoff:  durationOr(time.Duration(p.Outbox.MaxBackoffMS)*time.Millisecond, fallbackMaxBackoff),
		publishWait: durationOr(p.PubSub.PublishTimeout, fallbackPublishWait),
		ordered:     p.PubSub.OrderByAggregate,
	}
	if r.sinks == nil {
		r.sinks = func(topic string) sink {
			pub := p.Topics.Publisher(topic)
			if pub == nil {
				return nil
			}
			return gcpSink{pub: pub}
		}
	}
	return r, nil
}

// Run polls until ctx is canceled. An empty poll sleeps for the poll
// interval; a failing batch backs off exponentially up to maxBackoff.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	if err := r.topics.Ping(ctx, r.registry.Topics()...); err != nil {
		return fmt.Errorf("pubsub not ready: %w", err)
	}

	wait := r.poll
	for {
		handled, err := r.drain(ctx)
		if ctx.Err() != nil {
			r.logg.Info(ctx, "outbox relay stopping")
			return ctx.Err()
		}
		switch {
		case err != nil:
			wait = r.nextWait(wait)
			r.logg.Error(r.logg.WithField(ctx, "retry_in", wait.String()), "outbox batch failed", err)
		case handled > 0:
			wait = r.poll
			continue
		default:
			wait = r.poll
		}
		if err := sleepCtx(ctx, jitter(wait)); err != nil {
			return err
		}
	}
}

// drain handles one locked batch and returns how many rows it touched.
func (r *Relay) drain(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	handled := 0
	err := r.db.WithTx(ctx, func(tx *gorm.DB) error {
		batch, err := r.rows.FetchUnpublishedForPublish(tx, r.batchSize, r.maxAttempts)
		if err != nil {
			return fmt.Errorf("fetch outbox batch: %w", err)
		}
		for _, row := range batch {
			if err := r.dispatch(ctx, tx, row); err != nil {
				return err
			}
			handled++
		}
		return nil
	})
	return handled, err
}

// dispatch publishes one row and records the outcome inside tx. Only
// bookkeeping failures are returned; publish failures become retries or
// dead letters.
func (r *Relay) dispatch(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) error {
	resolved, err := r.registry.Resolve(row)
	if err != nil {
		return r.bury(ctx, tx, row, "", enums.OutboxDLQReasonNonRetryable, err)
	}
	topic := resolved.Descriptor.Topic
	out := r.sinks(topic)
	if out == nil {
		return r.bury(ctx, tx, row, topic, enums.OutboxDLQReasonUnroutable, fmt.Errorf("no publisher for topic %q", topic))
	}

	serverID, err := r.send(ctx, out, r.message(row, resolved))
	if err != nil {
		var permanent registry.NonRetryableError
		if errors.As(err, &permanent) {
			return r.bury(ctx, tx, row, topic, enums.OutboxDLQReasonNonRetryable, err)
		}
		attempt := row.AttemptCount + 1
		if attempt >= r.maxAttempts {
			return r.bury(ctx, tx, row, topic, enums.OutboxDLQReasonMaxAttempts, fmt.Errorf("gave up after %d attempts: %w", attempt, err))
		}
		logCtx := r.logg.WithFields(ctx, rowFields(row, topic))
		logCtx = r.logg.WithFields(logCtx, map[string]any{"attempt": attempt, "error": err.Error()})
		r.logg.Warn(logCtx, "outbox publish failed, will retry")
		r.metrics.Event(string(row.EventType), metrics.OutcomeRetried)
		if err := r.rows.MarkFailedTx(tx, row.ID, err); err != nil {
			return fmt.Errorf("record failed attempt for %s: %w", row.ID, err)
		}
		return nil
	}

	if err := r.rows.MarkPublishedTx(tx, row.ID); err != nil {
		return fmt.Errorf("mark %s published: %w", row.ID, err)
	}
	r.metrics.Event(string(row.EventType), metrics.OutcomePublished)
	r.metrics.ObserveLag(row.CreatedAt)
	logCtx := r.logg.WithFields(ctx, rowFields(row, topic))
	r.logg.Info(r.logg.WithField(logCtx, "message_id", serverID), "outbox event published")
	return nil
}

func (r *Relay) send(ctx context.Context, out sink, msg *gcppubsub.Message) (string, error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.publishWait)
	defer cancel()
	id, err := out.Send(sendCtx, msg)
	if err != nil && msg.OrderingKey != "" {
		// An ordered publisher halts the key after a failure until resumed.
		out.Resume(msg.OrderingKey)
	}
	return id, err
}

func (r *Relay) message(row models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	msg := &gcppubsub.Message{
		Data: []byte(row.Payload),
		Attributes: map[string]string{
			"event_id":       resolved.Envelope.EventID,
			"event_type":     string(row.EventType),
			"aggregate_type": string(row.AggregateType),
			"aggregate_id":   row.AggregateID.String(),
			"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
			"version":        strconv.Itoa(resolved.Envelope.Version),
		},
	}
	if r.ordered {
		msg.OrderingKey = row.AggregateID.String()
	}
	return msg
}

// bury dead-letters row and pins it so it is never fetched again.
func (r *Relay) bury(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, topic string, reason enums.OutboxDLQErrorReason, cause error) error {
	logCtx := r.logg.WithFields(ctx, rowFields(row, topic))
	logCtx = r.logg.WithFields(logCtx, map[string]any{"dlq_reason": reason, "error": cause.Error()})
	r.logg.Warn(logCtx, "outbox event dead-lettered")
	r.metrics.Event(string(row.EventType), metrics.OutcomeDeadLettered)

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       row.ID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  row.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := r.deadLetters.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("dead-letter %s: %w", row.ID, err)
	}
	if err := r.rows.MarkTerminalTx(tx, row.ID, cause, r.maxAttempts); err != nil {
		return fmt.Errorf("pin %s as terminal: %w", row.ID, err)
	}
	return nil
}

func (r *Relay) nextWait(current time.Duration) time.Duration {
	next := 2 * max(current, r.poll)
	return min(next, r.maxBackoff)
}

func rowFields(row models.OutboxEvent, topic string) map[string]any {
	fields := map[string]any{
		"outbox_id":      row.ID.String(),
		"event_type":     row.EventType,
		"aggregate_type": row.AggregateType,
		"aggregate_id":   row.AggregateID.String(),
		"attempt_count":  row.AttemptCount,
	}
	if topic != "" {
		fields["topic"] = topic
	}
	return fields
}

// jitter adds up to a quarter of d so idle relays do not poll in lockstep.
func jitter(d time.Duration) time.Duration {
	if spread := d / 4; spread > 0 {
		return d + rand.N(spread)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

type gcpSink struct {
	pub *gcppubsub.Publisher
}

func (s gcpSink) Send(ctx context.Context, msg *gcppubsub.Message) (string, error) {
	return s.pub.Publish(ctx, msg).Get(ctx)
}

func (s gcpSink) Resume(orderingKey string) {
	s.pub.ResumePublish(orderingKey)
}
