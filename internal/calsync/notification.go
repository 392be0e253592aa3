package calsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notificationSchemaURL = "https://calsync.invalid/schemas/notification.json"

const notificationSchema = `{
  "type": "object",
  "required": ["source", "changeType"],
  "properties": {
    "source": {"enum": ["local", "google", "outlook"]},
    "changeType": {"enum": ["created", "updated", "deleted"]},
    "resourceId": {"type": "string"},
    "subscriptionId": {"type": "string"},
    "clientState": {"type": "string"},
    "timestamp": {"type": "string", "format": "date-time"}
  }
}`

var (
	notificationSchemaOnce sync.Once
	notificationSchemaVal  *jsonschema.Schema
	notificationSchemaErr  error
)

func compiledNotificationSchema() (*jsonschema.Schema, error) {
	notificationSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
		if err != nil {
			notificationSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		c.AssertFormat()
		if err := c.AddResource(notificationSchemaURL, doc); err != nil {
			notificationSchemaErr = err
			return
		}
		notificationSchemaVal, notificationSchemaErr = c.Compile(notificationSchemaURL)
	})
	return notificationSchemaVal, notificationSchemaErr
}

// Notification is the decoded form of one webhook delivery.
type Notification struct {
	// Events is empty for handshakes that carry no change.
	Events []WebhookEvent
	// ValidationToken is set when the provider expects the token echoed back.
	ValidationToken string
}

type genericNotification struct {
	Source         string `json:"source"`
	ChangeType     string `json:"changeType"`
	ResourceID     string `json:"resourceId"`
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Timestamp      string `json:"timestamp"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ClientState    string `json:"clientState"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// DecodeNotification turns a raw delivery for source into webhook events.
// The query carries the Graph validation handshake.
func DecodeNotification(source Source, header http.Header, query map[string][]string, body []byte, now time.Time) (Notification, error) {
	if !source.Valid() {
		return Notification{}, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
	}
	if token := firstValue(query, "validationToken"); token != "" {
		return Notification{ValidationToken: token}, nil
	}
	if header != nil && strings.TrimSpace(header.Get("X-Goog-Resource-State")) != "" {
		return decodeGoogleHeaders(source, header, now)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Notification{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if _, ok := probe["value"]; ok {
		return decodeGraphBatch(source, trimmed, now)
	}
	return decodeGeneric(source, trimmed, now)
}

func decodeGeneric(source Source, body []byte, now time.Time) (Notification, error) {
	schema, err := compiledNotificationSchema()
	if err != nil {
		return Notification{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var raw genericNotification
	if err := json.Unmarshal(body, &raw); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if Source(raw.Source) != source {
		return Notification{}, fmt.Errorf("%w: payload source %q on %s endpoint", ErrMalformedPayload, raw.Source, source)
	}
	ts := now.UTC()
	if raw.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
		if err != nil {
			return Notification{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedPayload, err)
		}
		ts = parsed.UTC()
	}
	return Notification{Events: []WebhookEvent{{
		Source:         source,
		ChangeType:     ChangeType(raw.ChangeType),
		ResourceID:     strings.TrimSpace(raw.ResourceID),
		SubscriptionID: strings.TrimSpace(raw.SubscriptionID),
		ClientState:    raw.ClientState,
		Timestamp:      ts,
	}}}, nil
}

func decodeGraphBatch(source Source, body []byte, now time.Time) (Notification, error) {
	var batch graphNotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(batch.Value) == 0 {
		return Notification{}, fmt.Errorf("%w: empty notification batch", ErrMalformedPayload)
	}
	out := Notification{Events: make([]WebhookEvent, 0, len(batch.Value))}
	for _, item := range batch.Value {
		changeType, err := parseChangeType(item.ChangeType)
		if err != nil {
			return Notification{}, err
		}
		resourceID := strings.TrimSpace(item.ResourceData.ID)
		if resourceID == "" {
			resourceID = lastPathSegment(item.Resource)
		}
		out.Events = append(out.Events, WebhookEvent{
			Source:         source,
			ChangeType:     changeType,
			ResourceID:     resourceID,
			SubscriptionID: strings.TrimSpace(item.SubscriptionID),
			ClientState:    item.ClientState,
			Timestamp:      now.UTC(),
		})
	}
	return out, nil
}

func decodeGoogleHeaders(source Source, header http.Header, now time.Time) (Notification, error) {
	channelID := strings.TrimSpace(header.Get("X-Goog-Channel-ID"))
	if channelID == "" {
		return Notification{}, fmt.Errorf("%w: missing channel id", ErrMalformedPayload)
	}
	evt := WebhookEvent{
		Source:         source,
		SubscriptionID: channelID,
		ClientState:    header.Get("X-Goog-Channel-Token"),
		Timestamp:      now.UTC(),
	}
	switch state := strings.ToLower(strings.TrimSpace(header.Get("X-Goog-Resource-State"))); state {
	case "sync":
		return Notification{}, nil
	case "exists":
		evt.ChangeType = ChangeUpdated
	case "not_exists":
		evt.ChangeType = ChangeDeleted
	default:
		return Notification{}, fmt.Errorf("%w: resource state %q", ErrMalformedPayload, state)
	}
	return Notification{Events: []WebhookEvent{evt}}, nil
}

func parseChangeType(raw string) (ChangeType, error) {
	switch ChangeType(strings.ToLower(strings.TrimSpace(raw))) {
	case ChangeCreated:
		return ChangeCreated, nil
	case ChangeUpdated:
		return ChangeUpdated, nil
	case ChangeDeleted:
		return ChangeDeleted, nil
	default:
		return "", fmt.Errorf("%w: change type %q", ErrMalformedPayload, raw)
	}
}

func lastPathSegment(resource string) string {
	resource = strings.Trim(strings.TrimSpace(resource), "/")
	if resource == "" {
		return ""
	}
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		resource = resource[i+1:]
	}
	// Graph resources look like Users/{id}/Events('{id}') as well.
	if open := strings.Index(resource, "('"); open >= 0 && strings.HasSuffix(resource, "')") {
		return resource[open+2 : len(resource)-2]
	}
	return resource
}

func firstValue(values map[string][]string, key string) string {
	if values == nil {
		return ""
	}
	for _, v := range values[key] {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
