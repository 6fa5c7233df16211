package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Envelope is the JSON frame exchanged with the realtime server in both
// directions. Data is decoded by whoever handles Type.
type Envelope struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries optional delivery information.
type Metadata struct {
	Timestamp  Timestamp   `json:"timestamp,omitzero"`
	SequenceID json.Number `json:"sequenceId,omitempty"`
	Priority   string      `json:"priority,omitempty"`
	MessageID  string      `json:"messageId,omitempty"`
}

// Timestamp accepts either RFC 3339 strings or Unix milliseconds on decode
// and always encodes as RFC 3339 with milliseconds.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// NewEnvelope marshals payload into an outbound frame stamped with now.
func NewEnvelope(eventType string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{
		Type:     eventType,
		Metadata: &Metadata{Timestamp: Timestamp{now}},
	}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Data = data
	return env, nil
}
