package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Message is one stream entry in decoded form.
type Message struct {
	Stream string
	ID     string
	Type   string
	Data   []byte
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message %s on %s has no %q field", m.ID, m.Stream, FieldData)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return nil
}

func fromXMessage(stream string, x redis.XMessage) Message {
	m := Message{Stream: stream, ID: x.ID}
	if v, ok := x.Values[FieldType].(string); ok {
		m.Type = v
	}
	switch v := x.Values[FieldData].(type) {
	case string:
		m.Data = []byte(v)
	case []byte:
		m.Data = v
	}
	return m
}
