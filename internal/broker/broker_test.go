package broker

import "testing"

func TestSubject_WithTopic(t *testing.T) {
	b := &Broker{subjectPrefix: "nova", fallbackSubject: "nova.unknown.events"}
	got := b.Subject("conversation.message_sent")
	want := "nova.conversation.message_sent"
	if got != want {
		t.Errorf("Subject() = %q, want %q", got, want)
	}
}

func TestSubject_EmptyTopicFallsBack(t *testing.T) {
	b := &Broker{subjectPrefix: "nova", fallbackSubject: "nova.unknown.events"}
	got := b.Subject("")
	if got != "nova.unknown.events" {
		t.Errorf("Subject(\"\") = %q, want fallback", got)
	}
}
