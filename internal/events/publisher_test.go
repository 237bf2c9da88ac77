package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNew_Envelope(t *testing.T) {
	e := New(NumberFromPool, map[string]string{"lease_id": "l1"})
	if e.ID == "" || e.Type != NumberFromPool || e.OccurredAt.IsZero() {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["type"] != NumberFromPool || back["data"].(map[string]any)["lease_id"] != "l1" {
		t.Fatalf("unexpected wire form: %s", b)
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), New(MessageReceived, nil)); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nop close: %v", err)
	}
}

func TestConnectNATS_Unreachable(t *testing.T) {
	if _, err := ConnectNATS("nats://127.0.0.1:1", "sms-receive-test", nil); err == nil {
		t.Fatalf("expected connection error")
	}
}
