package kafka

import (
	"testing"

	"procman/internal/domain"
)

func TestValidateRequiresBrokersAndTopic(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
	if err := (Config{Brokers: []string{"b:9092"}}).Validate(); err == nil {
		t.Fatal("expected error for missing topic")
	}
	if err := (Config{Brokers: []string{"b:9092"}, Topic: "events"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOffsetForStartFromKinds(t *testing.T) {
	// kgo.Offset isn't meaningfully comparable; just exercise every
	// branch without panicking.
	_ = offsetFor(domain.Origin())
	_ = offsetFor(domain.Current())
	_ = offsetFor(domain.AtPosition(42))
}
