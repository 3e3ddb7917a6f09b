package messaging

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEnvelope_TypePerRoutingKey(t *testing.T) {
	tests := []struct {
		routingKey string
		wantType   string
	}{
		{RouteCreated, "reminder_created"},
		{RouteDue, "reminder_due"},
		{RouteUpdated, "reminder_updated"},
	}

	for _, tt := range tests {
		env, err := NewEnvelope(tt.routingKey, map[string]string{"id": "r1"})
		if err != nil {
			t.Fatalf("NewEnvelope(%s) failed: %v", tt.routingKey, err)
		}
		if env.Type != tt.wantType {
			t.Errorf("type for %s = %q, want %q", tt.routingKey, env.Type, tt.wantType)
		}
		if env.MessageID == "" {
			t.Error("envelope must carry a message ID")
		}
		if env.Timestamp.IsZero() {
			t.Error("envelope must carry a timestamp")
		}
	}
}

func TestNewEnvelope_UnknownRoutingKey(t *testing.T) {
	if _, err := NewEnvelope("reminder.deleted", nil); err == nil {
		t.Fatal("expected error for unknown routing key")
	}
}

func TestNewEnvelope_DistinctMessageIDs(t *testing.T) {
	a, _ := NewEnvelope(RouteDue, nil)
	b, _ := NewEnvelope(RouteDue, nil)
	if a.MessageID == b.MessageID {
		t.Error("message IDs must be unique per envelope")
	}
}

func TestEnvelope_WireShape(t *testing.T) {
	env := Envelope{
		Type:      "reminder_due",
		Data:      map[string]string{"id": "r1"},
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		MessageID: "m1",
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, field := range []string{"type", "data", "timestamp", "messageId"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("wire format missing %q field", field)
		}
	}
}

func TestQueueNamesCoverAllRoutingKeys(t *testing.T) {
	for _, key := range []string{RouteCreated, RouteDue, RouteUpdated} {
		if _, ok := queues[key]; !ok {
			t.Errorf("no queue declared for routing key %s", key)
		}
	}
}
