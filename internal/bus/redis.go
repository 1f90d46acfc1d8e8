package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"redaction-pipeline/internal/models"
	"redaction-pipeline/internal/telemetry"
)

const eventField = "event"

// RedisBus publishes lifecycle events onto Redis Streams, one stream per
// subject.
type RedisBus struct {
	client *redis.Client
	maxLen int64
}

// NewRedisBus wraps an existing client. maxLen caps each stream's
// approximate length; zero means unbounded.
func NewRedisBus(client *redis.Client, maxLen int64) *RedisBus {
	return &RedisBus{client: client, maxLen: maxLen}
}

func (b *RedisBus) Publish(ctx context.Context, subject string, evt models.LifecycleEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: subject,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{eventField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	telemetry.BusPublished.WithLabelValues(subject).Inc()
	return nil
}

// Consumer reads a set of subjects through a consumer group and dispatches
// events to registered handlers via a bounded worker pool. One dispatch
// point per subject; handlers never run as unbounded callbacks.
type Consumer struct {
	client         *redis.Client
	group          string
	name           string
	poolSize       int
	block          time.Duration
	minIdle        time.Duration
	handlerTimeout time.Duration
	handlers       map[string]Handler
	subjects       []string
	log            *zap.Logger
}

// ConsumerOptions tunes the dispatch loop.
type ConsumerOptions struct {
	Group          string
	Name           string
	PoolSize       int
	Block          time.Duration
	MinIdle        time.Duration
	HandlerTimeout time.Duration
}

func NewConsumer(client *redis.Client, opts ConsumerOptions, log *zap.Logger) *Consumer {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.Block == 0 {
		opts.Block = time.Second
	}
	if opts.MinIdle == 0 {
		opts.MinIdle = 30 * time.Second
	}
	if opts.HandlerTimeout == 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		client:         client,
		group:          opts.Group,
		name:           opts.Name,
		poolSize:       opts.PoolSize,
		block:          opts.Block,
		minIdle:        opts.MinIdle,
		handlerTimeout: opts.HandlerTimeout,
		handlers:       make(map[string]Handler),
		log:            log,
	}
}

// Handle binds a handler to a subject. Must be called before Run.
func (c *Consumer) Handle(subject string, h Handler) {
	if subject == "" || h == nil {
		return
	}
	if _, ok := c.handlers[subject]; !ok {
		c.subjects = append(c.subjects, subject)
	}
	c.handlers[subject] = h
}

type delivery struct {
	subject string
	msg     redis.XMessage
}

// Run consumes until ctx is cancelled, then drains in-flight handlers and
// returns. Unacked entries stay pending and are reclaimed by any instance
// after the min-idle window.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.subjects) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	if err := c.ensureGroups(ctx); err != nil {
		return err
	}

	work := make(chan delivery)
	var wg sync.WaitGroup
	for i := 0; i < c.poolSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				c.process(ctx, d)
			}
		}()
	}

	streams := make([]string, 0, len(c.subjects)*2)
	streams = append(streams, c.subjects...)
	for range c.subjects {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		default:
		}

		c.reclaim(ctx, work)

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  streams,
			Count:    int64(c.poolSize),
			Block:    c.block,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				close(work)
				wg.Wait()
				return ctx.Err()
			}
			c.log.Warn("read group failed", zap.Error(err))
			time.Sleep(c.block)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				select {
				case work <- delivery{subject: stream.Stream, msg: msg}:
				case <-ctx.Done():
					close(work)
					wg.Wait()
					return ctx.Err()
				}
			}
		}
	}
}

// reclaim pulls entries whose consumer died mid-handling back into the
// pool once they have been idle past the visibility window.
func (c *Consumer) reclaim(ctx context.Context, work chan delivery) {
	for _, subject := range c.subjects {
		msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   subject,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.minIdle,
			Start:    "0-0",
			Count:    int64(c.poolSize),
		}).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		for _, msg := range msgs {
			select {
			case work <- delivery{subject: subject, msg: msg}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, d delivery) {
	telemetry.EventsInFlight.Inc()
	defer telemetry.EventsInFlight.Dec()

	raw, ok := d.msg.Values[eventField].(string)
	if !ok {
		c.log.Warn("malformed entry, acking", zap.String("subject", d.subject), zap.String("id", d.msg.ID))
		c.ack(ctx, d)
		return
	}
	var evt models.LifecycleEvent
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		c.log.Warn("undecodable event, acking",
			zap.String("subject", d.subject), zap.String("id", d.msg.ID), zap.Error(err))
		c.ack(ctx, d)
		return
	}

	// In-flight handlers run to completion (or their timeout) even during
	// shutdown; only the read loop stops on ctx.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handlerTimeout)
	err := c.handlers[d.subject](hctx, evt)
	cancel()

	switch {
	case err == nil:
		c.ack(ctx, d)
	case IsPermanent(err):
		c.log.Info("event rejected",
			zap.String("subject", d.subject),
			zap.String("msg_id", evt.MessageID),
			zap.String("job_id", evt.JobID),
			zap.Error(err))
		c.ack(ctx, d)
	default:
		// Transient: leave the entry pending for reclaim after min-idle.
		c.log.Warn("handler failed, leaving pending",
			zap.String("subject", d.subject),
			zap.String("msg_id", evt.MessageID),
			zap.Error(err))
	}
}

func (c *Consumer) ack(ctx context.Context, d delivery) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.client.XAck(ackCtx, d.subject, c.group, d.msg.ID).Err(); err != nil {
		c.log.Warn("ack failed", zap.String("subject", d.subject), zap.String("id", d.msg.ID), zap.Error(err))
	}
}

func (c *Consumer) ensureGroups(ctx context.Context) error {
	for _, subject := range c.subjects {
		err := c.client.XGroupCreateMkStream(ctx, subject, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", c.group, subject, err)
		}
	}
	return nil
}
