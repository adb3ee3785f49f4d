package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/tabulake/tabulake/internal/errors"
	"github.com/tabulake/tabulake/pkg/types"
)

// eventNamespace seeds the deterministic ids of notification events.
var eventNamespace = uuid.MustParse("6f1d4c8e-3b7a-5e2d-9a41-0c5b8e7f2d13")

// Event is one "object created" notification naming a raw object.
type Event struct {
	// ID identifies the event in logs. Redeliveries of the same S3
	// notification carry the same ID.
	ID string `json:"id,omitempty"`
	// Bucket is the source bucket, informational for local storage.
	Bucket string `json:"bucket,omitempty"`
	// Key is the raw object key in the source storage.
	Key string `json:"key"`
	// Table overrides the coordinator's target table when set.
	Table types.TableIdentity `json:"table,omitempty"`
	// ReceivedAt is when the trigger source received the event.
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// NewEvent creates an event for key with a fresh id.
func NewEvent(bucket, key string) Event {
	return Event{
		ID:         uuid.NewString(),
		Bucket:     bucket,
		Key:        key,
		ReceivedAt: time.Now().UTC(),
	}
}

// Validate checks that the event names an object.
func (e Event) Validate() error {
	if strings.TrimSpace(e.Key) == "" {
		return apperrors.NewMalformedInputError("event has no object key", nil)
	}
	if e.Table != (types.TableIdentity{}) {
		if err := e.Table.Validate(); err != nil {
			return apperrors.NewMalformedInputError("event table", err)
		}
	}
	return nil
}

type s3Notification struct {
	Event   string     `json:"Event"`
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventName string    `json:"eventName"`
	EventTime time.Time `json:"eventTime"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

// ParseEvents decodes a trigger payload. It accepts an S3 event notification
// (one Event per ObjectCreated record), a single Event object, or a JSON
// array of Event objects. S3 test events and records for other event types
// yield no events.
func ParseEvents(body []byte) ([]Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, apperrors.NewMalformedInputError("empty event payload", nil)
	}

	if body[0] == '[' {
		var events []Event
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, apperrors.NewMalformedInputError("invalid event list", err)
		}
		return finishEvents(events)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, apperrors.NewMalformedInputError("invalid event payload", err)
	}
	if _, ok := probe["Records"]; ok {
		return parseS3Notification(body)
	}
	if _, ok := probe["Event"]; ok {
		var n s3Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, apperrors.NewMalformedInputError("invalid S3 notification", err)
		}
		if n.Event == "s3:TestEvent" {
			return nil, nil
		}
		return nil, apperrors.NewMalformedInputError(fmt.Sprintf("unsupported notification %q", n.Event), nil)
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, apperrors.NewMalformedInputError("invalid event", err)
	}
	return finishEvents([]Event{ev})
}

func parseS3Notification(body []byte) ([]Event, error) {
	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, apperrors.NewMalformedInputError("invalid S3 notification", err)
	}

	events := make([]Event, 0, len(n.Records))
	for i, rec := range n.Records {
		if !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}
		// Keys are form-encoded in notifications
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, apperrors.NewMalformedInputError("invalid object key encoding", err).
				WithDetails(map[string]interface{}{"record": i})
		}
		bucket := rec.S3.Bucket.Name
		events = append(events, Event{
			ID:         notificationID(bucket, key, rec.S3.Object.Sequencer),
			Bucket:     bucket,
			Key:        key,
			ReceivedAt: rec.EventTime.UTC(),
		})
	}
	return finishEvents(events)
}

func finishEvents(events []Event) ([]Event, error) {
	now := time.Now().UTC()
	for i := range events {
		if err := events[i].Validate(); err != nil {
			if e, ok := err.(*apperrors.Error); ok {
				return nil, e.WithDetails(map[string]interface{}{"event": i})
			}
			return nil, err
		}
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].ReceivedAt.IsZero() {
			events[i].ReceivedAt = now
		}
	}
	return events, nil
}

// notificationID derives a stable id so redelivered notifications log alike.
func notificationID(bucket, key, sequencer string) string {
	return uuid.NewSHA1(eventNamespace, []byte(bucket+"\x00"+key+"\x00"+sequencer)).String()
}
