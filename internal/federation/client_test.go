package federation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_DisabledClientReturnsErrDisabled(t *testing.T) {
	c, err := New(Config{Enabled: false}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.CreateRoom(context.Background(), "conv1", []string{"u1"}); err != ErrDisabled {
		t.Fatalf("CreateRoom error = %v, want ErrDisabled", err)
	}
}

func TestCreateRoom_ResolveRoomCachesResult(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/_novacore/v1/rooms" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Fatalf("Authorization header = %q", got)
		}
		json.NewEncoder(w).Encode(RoomCreated{RoomID: "!room:example.org"})
	}))
	defer srv.Close()

	c, err := New(Config{Enabled: true, HomeserverURL: srv.URL, AccessToken: "test-token"}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	roomID, err := c.ResolveRoom(context.Background(), "conv1", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("ResolveRoom: %v", err)
	}
	if roomID != "!room:example.org" {
		t.Fatalf("roomID = %q", roomID)
	}

	if _, err := c.ResolveRoom(context.Background(), "conv1", []string{"u1", "u2"}); err != nil {
		t.Fatalf("ResolveRoom (cached): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one CreateRoom call, got %d", calls)
	}
}

func TestSendText_ReturnsExternalEventID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Fatalf("method = %s, want PUT", r.Method)
		}
		json.NewEncoder(w).Encode(EventSent{EventID: "$abc:example.org"})
	}))
	defer srv.Close()

	c, err := New(Config{Enabled: true, HomeserverURL: srv.URL}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sent, err := c.SendText(context.Background(), "!room:example.org", "msg1", "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sent.EventID != "$abc:example.org" {
		t.Fatalf("EventID = %q", sent.EventID)
	}
}

func TestDo_NonTwoXXReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{Enabled: true, HomeserverURL: srv.URL}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.CreateRoom(context.Background(), "conv1", nil); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestMediaMsgType(t *testing.T) {
	cases := map[string]string{
		"image/png":       "m.image",
		"video/mp4":        "m.video",
		"audio/ogg":        "m.audio",
		"application/pdf":  "m.file",
	}
	for mime, want := range cases {
		if got := mediaMsgType(mime); got != want {
			t.Errorf("mediaMsgType(%q) = %q, want %q", mime, got, want)
		}
	}
}
