package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/aura/exam/internal/events"
)

// Stream message fields.
const (
	FieldData      = "data"
	FieldType      = "type"
	FieldTimestamp = "timestamp"
	FieldError     = "error"
	FieldSource    = "source_id"
)

type Publisher struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewPublisher(rdb redis.Cmdable) *Publisher {
	return &Publisher{rdb: rdb, now: time.Now}
}

// Publish appends ev to stream as JSON and returns the entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, ev events.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return p.add(ctx, stream, map[string]interface{}{
		FieldData: string(data),
		FieldType: ev.EventType(),
	})
}

// DeadLetter copies a message that could not be processed onto dlq with the
// failure cause attached.
func (p *Publisher) DeadLetter(ctx context.Context, dlq string, msg Message, cause error) (string, error) {
	values := map[string]interface{}{
		FieldData:   string(msg.Data),
		FieldType:   msg.Type,
		FieldSource: msg.ID,
	}
	if cause != nil {
		values[FieldError] = cause.Error()
	}
	return p.add(ctx, dlq, values)
}

func (p *Publisher) add(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	values[FieldTimestamp] = strconv.FormatInt(p.now().Unix(), 10)
	id, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}
