package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordanlanch/rewardsledger/pkg/logger"
)

// Stream message fields
const (
	FieldType    = "type"
	FieldPayload = "payload"
)

// Handler processes one event. It is satisfied by *Processor.
type Handler interface {
	Process(ctx context.Context, eventType string, payload []byte) error
}

// StreamConsumer reads events from a Redis stream through a consumer group.
// A message is acknowledged once it is applied or dead-lettered; anything
// else stays pending and is picked up again by ReclaimPending.
type StreamConsumer struct {
	redis        *redis.Client
	stream       string
	group        string
	consumer     string
	handler      Handler
	batch        int64
	reclaimEvery time.Duration
	logger       logger.Logger
}

// NewStreamConsumer creates a consumer for stream within group
func NewStreamConsumer(rc *redis.Client, stream, group, consumer string, h Handler, log logger.Logger) *StreamConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &StreamConsumer{
		redis:        rc,
		stream:       stream,
		group:        group,
		consumer:     consumer,
		handler:      h,
		batch:        50,
		reclaimEvery: 30 * time.Second,
		logger:       log,
	}
}

// EnsureGroup creates the stream and consumer group if they do not exist
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", c.group, err)
	}
	return nil
}

// PollOnce reads and handles one batch of new messages. A negative block
// returns immediately when the stream is empty.
func (c *StreamConsumer) PollOnce(ctx context.Context, block time.Duration) (int, error) {
	handled, _, err := c.read(ctx, ">", block)
	return handled, err
}

// ReclaimPending re-handles every message this consumer read but never
// acknowledged, one batch at a time from the oldest pending id. Messages that
// fail again stay pending for the next reclaim.
func (c *StreamConsumer) ReclaimPending(ctx context.Context) (int, error) {
	total := 0
	cursor := "0"
	for {
		handled, last, err := c.read(ctx, cursor, -1)
		total += handled
		if err != nil {
			return total, err
		}
		if last == "" || ctx.Err() != nil {
			return total, nil
		}
		cursor = last
	}
}

// read handles one batch starting after id and returns how many messages were
// acknowledged and the id of the last message seen, empty when none were read.
func (c *StreamConsumer) read(ctx context.Context, id string, block time.Duration) (int, string, error) {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, id},
		Count:    c.batch,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read stream %s: %w", c.stream, err)
	}

	handled := 0
	last := ""
	for _, s := range streams {
		for _, msg := range s.Messages {
			last = msg.ID
			if c.handle(ctx, msg) {
				handled++
			}
		}
	}
	return handled, last, nil
}

// handle reports whether the message was acknowledged
func (c *StreamConsumer) handle(ctx context.Context, msg redis.XMessage) bool {
	eventType, _ := msg.Values[FieldType].(string)
	payload, _ := msg.Values[FieldPayload].(string)

	err := c.handler.Process(ctx, eventType, []byte(payload))
	if err != nil && !errors.Is(err, ErrDeadLettered) {
		c.logger.Warn("event left pending",
			"stream", c.stream,
			"message_id", msg.ID,
			"event_type", eventType,
			"error", err,
		)
		return false
	}

	if err := c.redis.XAck(ctx, c.stream, c.group, msg.ID).Err(); err != nil {
		c.logger.Error("failed to ack event", "stream", c.stream, "message_id", msg.ID, "error", err)
		return false
	}
	return true
}

// Run polls until ctx is cancelled. Pending messages from a previous run are
// handled first, and pending messages are reclaimed again every reclaimEvery
// so a transient failure does not strand them until the next restart.
func (c *StreamConsumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.reclaim(ctx)
	lastReclaim := time.Now()

	c.logger.Info("event consumer started", "stream", c.stream, "group", c.group, "consumer", c.consumer)
	for {
		if ctx.Err() != nil {
			c.logger.Info("event consumer stopped", "stream", c.stream)
			return nil
		}
		if time.Since(lastReclaim) >= c.reclaimEvery {
			c.reclaim(ctx)
			lastReclaim = time.Now()
		}
		if _, err := c.PollOnce(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("event poll failed", "stream", c.stream, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *StreamConsumer) reclaim(ctx context.Context) {
	n, err := c.ReclaimPending(ctx)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("failed to reclaim pending events", "stream", c.stream, "error", err)
	}
	if n > 0 {
		c.logger.Info("reclaimed pending events", "stream", c.stream, "count", n)
	}
}

// Publish appends an event to a stream
func Publish(ctx context.Context, rc *redis.Client, stream, eventType string, payload []byte) (string, error) {
	id, err := rc.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			FieldType:    eventType,
			FieldPayload: string(payload),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return id, nil
}
