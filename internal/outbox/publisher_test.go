package outbox

import (
	"testing"
	"time"

	"github.com/nova-core/novacore/internal/models"
)

func eventWithTopicAndType(topic, eventType string) models.OutboxEvent {
	return models.OutboxEvent{Topic: topic, EventType: eventType}
}

func testPublisher() *Publisher {
	return &Publisher{
		baseBackoff:   time.Second,
		maxBackoff:    5 * time.Minute,
		subjectPrefix: "nova",
		fallbackTopic: "nova.unknown.events",
	}
}

func TestBackoffFor(t *testing.T) {
	p := testPublisher()

	tests := []struct {
		retryCount int32
		want       time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := p.backoffFor(tt.retryCount); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}
}

func TestBackoffFor_CapsAtMaxBackoff(t *testing.T) {
	p := testPublisher()
	got := p.backoffFor(20)
	if got != p.maxBackoff {
		t.Errorf("backoffFor(20) = %v, want cap %v", got, p.maxBackoff)
	}
}

func TestDeriveTopic_ExplicitOverride(t *testing.T) {
	p := testPublisher()
	ev := eventWithTopicAndType("custom.topic", "user.created")
	if got := p.deriveTopic(ev); got != "custom.topic" {
		t.Errorf("deriveTopic() = %q, want explicit override", got)
	}
}

func TestDeriveTopic_DerivedFromEventType(t *testing.T) {
	p := testPublisher()
	ev := eventWithTopicAndType("", "user.created")
	want := "nova.user.events"
	if got := p.deriveTopic(ev); got != want {
		t.Errorf("deriveTopic() = %q, want %q", got, want)
	}
}

func TestDeriveTopic_FallsBackWhenNoSegment(t *testing.T) {
	p := testPublisher()
	ev := eventWithTopicAndType("", "")
	if got := p.deriveTopic(ev); got != p.fallbackTopic {
		t.Errorf("deriveTopic() = %q, want fallback %q", got, p.fallbackTopic)
	}
}
