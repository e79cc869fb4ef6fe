package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message. A nil return acknowledges the message. On
// error the entry stays pending and is claimed again once it has been idle for
// RetryIdle; after MaxDeliveries deliveries it is moved to the dead letter
// stream instead.
type Handler func(ctx context.Context, msg Message) error

// Metrics is the counter surface the consumer reports to.
type Metrics interface {
	Inc(name string, labels ...string)
}

type ConsumerOptions struct {
	Group       string
	Name        string
	BatchSize   int64
	Concurrency int
	// Block is how long one XREADGROUP waits for new entries.
	Block      time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// RetryIdle is how long an unacknowledged entry waits before any consumer
	// of the group claims it again. ClaimInterval is how often the pending
	// list is scanned for such entries.
	RetryIdle     time.Duration
	ClaimInterval time.Duration
	MaxDeliveries int64
	// DeadLetterStream defaults to "<stream>.dlq".
	DeadLetterStream string
}

func (o *ConsumerOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.RetryIdle <= 0 {
		o.RetryIdle = 30 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = o.RetryIdle
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
}

// Consumer reads one stream through a consumer group.
type Consumer struct {
	rdb     redis.Cmdable
	stream  string
	opts    ConsumerOptions
	handle  Handler
	dlq     *Publisher
	metrics Metrics
	logger  zerolog.Logger
}

func NewConsumer(rdb redis.Cmdable, stream string, opts ConsumerOptions, h Handler, logger zerolog.Logger) *Consumer {
	opts.defaults()
	if opts.DeadLetterStream == "" {
		opts.DeadLetterStream = stream + ".dlq"
	}
	return &Consumer{
		rdb:    rdb,
		stream: stream,
		opts:   opts,
		handle: h,
		dlq:    NewPublisher(rdb),
		logger: logger.With().
			Str("component", "consumer").
			Str("stream", stream).
			Str("group", opts.Group).
			Logger(),
	}
}

// WithMetrics reports processed and failed message counts to m.
func (c *Consumer) WithMetrics(m Metrics) *Consumer {
	c.metrics = m
	return c
}

// EnsureGroup creates the consumer group, and the stream with it, when
// missing. An existing group is not an error.
func EnsureGroup(ctx context.Context, rdb redis.Cmdable, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Run consumes until ctx is cancelled. Entries left pending for this consumer
// by a previous run are processed first. While running, entries that failed
// here or were abandoned by another consumer are claimed and retried.
func (c *Consumer) Run(ctx context.Context) error {
	if err := EnsureGroup(ctx, c.rdb, c.stream, c.opts.Group); err != nil {
		return err
	}

	c.logger.Info().
		Str("consumer", c.opts.Name).
		Int("concurrency", c.opts.Concurrency).
		Msg("stream consumer started")

	if err := c.drainPending(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("drain pending entries")
	}

	backoff := c.opts.MinBackoff
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			c.logger.Info().Msg("stream consumer stopped")
			return nil
		}

		if time.Since(lastClaim) >= c.opts.ClaimInterval {
			if err := c.reclaim(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("reclaim pending entries")
			}
			lastClaim = time.Now()
		}

		msgs, err := c.read(ctx, ">", c.opts.Block)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error().Err(err).Dur("backoff", backoff).Msg("read stream")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}
		backoff = c.opts.MinBackoff
		c.process(ctx, msgs)
	}
}

// drainPending walks this consumer's pending entries list once.
func (c *Consumer) drainPending(ctx context.Context) error {
	start := "0"
	for {
		msgs, err := c.read(ctx, start, -1)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		c.logger.Info().Int("count", len(msgs)).Msg("reprocessing pending entries")
		c.process(ctx, msgs)
		start = msgs[len(msgs)-1].ID
	}
}

// reclaim takes over entries that have been idle for RetryIdle, whichever
// consumer of the group they were delivered to, and handles them again.
// Entries already delivered MaxDeliveries times are dead-lettered.
func (c *Consumer) reclaim(ctx context.Context) error {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.opts.Group,
		Start:  "-",
		End:    "+",
		Count:  c.opts.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending %s: %w", c.stream, err)
	}

	var retry []string
	deliveries := make(map[string]int64)
	for _, p := range pending {
		if p.Idle < c.opts.RetryIdle {
			continue
		}
		retry = append(retry, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	if len(retry) == 0 {
		return nil
	}

	claimed, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Name,
		MinIdle:  c.opts.RetryIdle,
		Messages: retry,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim %s: %w", c.stream, err)
	}

	var msgs []Message
	for _, x := range claimed {
		m := fromXMessage(c.stream, x)
		if n := deliveries[x.ID]; n >= c.opts.MaxDeliveries {
			c.deadLetter(ctx, m, n)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > 0 {
		c.logger.Info().Int("count", len(msgs)).Msg("retrying idle pending entries")
		c.process(ctx, msgs)
	}
	return nil
}

// deadLetter moves a message that keeps failing onto the dead letter stream
// and acknowledges it. It stays pending when the copy cannot be written.
func (c *Consumer) deadLetter(ctx context.Context, m Message, deliveries int64) {
	log := c.logger.With().Str("message_id", m.ID).Int64("deliveries", deliveries).Logger()

	cause := fmt.Errorf("handler failed after %d deliveries", deliveries)
	if _, err := c.dlq.DeadLetter(ctx, c.opts.DeadLetterStream, m, cause); err != nil {
		log.Error().Err(err).Msg("dead letter message")
		return
	}
	if err := c.rdb.XAck(ctx, c.stream, c.opts.Group, m.ID).Err(); err != nil {
		log.Error().Err(err).Msg("ack dead-lettered message")
		return
	}
	log.Warn().Str("dlq", c.opts.DeadLetterStream).Msg("message dead-lettered")
	c.count("stream_messages_dead_lettered_total")
}

func (c *Consumer) read(ctx context.Context, id string, block time.Duration) ([]Message, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.opts.Group,
		Consumer: c.opts.Name,
		Streams:  []string{c.stream, id},
		Count:    c.opts.BatchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []Message
	for _, s := range res {
		for _, x := range s.Messages {
			msgs = append(msgs, fromXMessage(s.Stream, x))
		}
	}
	return msgs, nil
}

// process handles a batch with at most Concurrency handlers in flight.
func (c *Consumer) process(ctx context.Context, msgs []Message) {
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			c.handleOne(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) handleOne(ctx context.Context, m Message) {
	log := c.logger.With().Str("message_id", m.ID).Str("type", m.Type).Logger()

	err := c.safeHandle(ctx, m)
	if err != nil {
		log.Error().Err(err).Msg("message handler failed, leaving pending")
		c.count("stream_messages_failed_total")
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.rdb.XAck(ackCtx, c.stream, c.opts.Group, m.ID).Err(); err != nil {
		log.Error().Err(err).Msg("ack message")
		return
	}
	c.count("stream_messages_processed_total")
}

func (c *Consumer) safeHandle(ctx context.Context, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handle(ctx, m)
}

func (c *Consumer) count(name string) {
	if c.metrics != nil {
		c.metrics.Inc(name, "stream", c.stream)
	}
}
