package memory

import (
	"context"
	"testing"
)

func TestPublisherRecordsInvalidations(t *testing.T) {
	t.Parallel()

	pub := New()
	if err := pub.PublishInvalidation(context.Background(), "pricing", "hash-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := pub.PublishInvalidation(context.Background(), "about", "hash-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := pub.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Key != "pricing" || events[0].ContentHash != "hash-1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Key != "about" || events[1].ContentHash != "hash-2" {
		t.Fatalf("unexpected second event: %+v", events[1])
	}

	events[0].Key = "modified"
	if pub.Events()[0].Key == "modified" {
		t.Fatal("expected Events() to return a copy")
	}
}
