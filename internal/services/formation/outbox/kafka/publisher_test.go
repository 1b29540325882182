package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/formation/internal/services/formation/domain/event"
	"github.com/louisbranch/formation/internal/services/formation/outbox"
)

func TestNewRecord(t *testing.T) {
	evt := event.Event{
		ID:          "evt-1",
		SubjectID:   "s1",
		Seq:         7,
		Kind:        event.KindBehaviorObserved,
		PayloadJSON: []byte(`{"signal":"serve"}`),
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ChainHash:   "abc",
	}
	record, err := NewRecord("formation.events", evt)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if record.Topic != "formation.events" || string(record.Key) != "s1" {
		t.Fatalf("record topic/key = %s/%s", record.Topic, record.Key)
	}
	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderSeq] != "7" || headers[HeaderEventKind] != string(event.KindBehaviorObserved) || headers[HeaderEventID] != "evt-1" {
		t.Fatalf("headers = %v", headers)
	}
	msg, err := outbox.DecodeMessage(record.Value)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.DedupKey() != "s1/7" || string(msg.Payload) != `{"signal":"serve"}` {
		t.Fatalf("message = %+v", msg)
	}
}

func TestConfigEnabled(t *testing.T) {
	if (Config{Brokers: []string{" "}}).Enabled() {
		t.Fatal("blank broker must not enable kafka")
	}
	if !(Config{Brokers: []string{"localhost:9092"}}).Enabled() {
		t.Fatal("expected enabled")
	}
}

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(context.Background(), Config{Topic: "t"}); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := New(context.Background(), Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error without topic")
	}
}

func TestNilPublisher(t *testing.T) {
	var p *Publisher
	if err := p.Publish(context.Background(), event.Event{}); err == nil {
		t.Fatal("expected error from nil publisher")
	}
	p.Close()
}
