// Package federation is the conversation core's client for the external
// federated chat protocol (spec.md §6.1 "Federated chat protocol"): room
// create, message send (text + media), message edit, redaction, and call
// invite/answer/hangup, each returning a durable external event id that the
// core records on the owning row. Every call here is best-effort from the
// caller's point of view: the DB write is authoritative, and a federation
// failure is logged, never surfaced to the message sender (spec.md §4.2.3,
// §7).
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ErrDisabled is returned by every operation when the client was built with
// federation disabled in config. Callers treat it the same as any other
// dual-write failure: log and continue.
var ErrDisabled = errors.New("federation: disabled")

// RoomCache resolves and remembers the external room id for a conversation,
// so repeat sends don't re-create a room on every message. Backed by the
// in-process TTLCache, so the mapping is local to the process that
// resolved it (unlike the Redis-backed internal/cache package).
type RoomCache = TTLCache[string]

// Client talks to a single configured homeserver-style endpoint over HTTPS.
// Unlike a multi-peer federation protocol, there is exactly one external
// collaborator: the homeserver named by Config.HomeserverURL.
type Client struct {
	base    *url.URL
	token   string
	http    *http.Client
	logger  *slog.Logger
	enabled bool
	rooms   *RoomCache
	clock   *HLC
}

// Config configures the federation client from the corresponding TOML
// section (internal/config.FederationConfig).
type Config struct {
	Enabled       bool
	HomeserverURL string
	AccessToken   string
	Timeout       time.Duration
}

// New builds a Client. If cfg.Enabled is false, New still returns a usable
// Client whose every method returns ErrDisabled, so callers don't need to
// branch on whether federation is configured.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		enabled: cfg.Enabled,
		token:   cfg.AccessToken,
		logger:  logger,
		rooms:   NewTTLCache[string](30*time.Minute, 10_000),
		clock:   NewHLC(),
	}
	if !cfg.Enabled {
		return c, nil
	}

	base, err := url.Parse(cfg.HomeserverURL)
	if err != nil {
		return nil, fmt.Errorf("federation: parsing homeserver_url: %w", err)
	}
	if base.Scheme != "https" && base.Scheme != "http" {
		return nil, fmt.Errorf("federation: homeserver_url must be http(s)")
	}
	c.base = base

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.http = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("federation: stopped after 5 redirects")
			}
			return nil
		},
	}
	return c, nil
}

// RoomCreated is returned by CreateRoom.
type RoomCreated struct {
	RoomID string `json:"room_id"`
}

// EventSent is returned by any call that produces a durable external event
// id (send, edit, redact, call signaling).
type EventSent struct {
	EventID string `json:"event_id"`
}

// ResolveRoom returns the cached external room id for a conversation,
// creating the room via CreateRoom on first use. memberIDs is the full
// membership list at the time of creation; later membership changes are not
// reflected in the room (spec.md does not require it).
func (c *Client) ResolveRoom(ctx context.Context, conversationID string, memberIDs []string) (string, error) {
	if roomID, ok := c.rooms.Get(conversationID); ok {
		return roomID, nil
	}

	created, err := c.CreateRoom(ctx, conversationID, memberIDs)
	if err != nil {
		return "", err
	}
	c.rooms.Set(conversationID, created.RoomID)
	return created.RoomID, nil
}

// InvalidateRoom drops a cached room mapping, e.g. after the conversation
// it was created for was deleted.
func (c *Client) InvalidateRoom(conversationID string) {
	c.rooms.Invalidate(conversationID)
}

// CreateRoom provisions an external room for conversationID with the given
// initial members.
func (c *Client) CreateRoom(ctx context.Context, conversationID string, memberIDs []string) (RoomCreated, error) {
	var out RoomCreated
	body := map[string]any{
		"external_ref": conversationID,
		"members":      memberIDs,
	}
	err := c.do(ctx, http.MethodPost, "/_novacore/v1/rooms", body, &out)
	return out, err
}

// SendText dual-writes a text message to roomID.
func (c *Client) SendText(ctx context.Context, roomID, messageID, body string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{
		"msgtype":      "m.text",
		"body":         body,
		"transaction_id": messageID,
	}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/_novacore/v1/rooms/%s/send/%s", url.PathEscape(roomID), url.PathEscape(messageID)), payload, &out)
	return out, err
}

// SendMedia dual-writes a media reference (an attachment URL plus MIME
// type) to roomID.
func (c *Client) SendMedia(ctx context.Context, roomID, messageID, mediaURL, mimeType string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{
		"msgtype":        mediaMsgType(mimeType),
		"url":            mediaURL,
		"mimetype":       mimeType,
		"transaction_id": messageID,
	}
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/_novacore/v1/rooms/%s/send/%s", url.PathEscape(roomID), url.PathEscape(messageID)), payload, &out)
	return out, err
}

func mediaMsgType(mimeType string) string {
	switch {
	case len(mimeType) >= 6 && mimeType[:6] == "image/":
		return "m.image"
	case len(mimeType) >= 6 && mimeType[:6] == "video/":
		return "m.video"
	case len(mimeType) >= 6 && mimeType[:6] == "audio/":
		return "m.audio"
	default:
		return "m.file"
	}
}

// EditMessage dual-writes an edit of a previously sent event.
func (c *Client) EditMessage(ctx context.Context, roomID, externalEventID, newBody string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    newBody,
		"relates_to": map[string]string{
			"rel_type": "m.replace",
			"event_id": externalEventID,
		},
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/_novacore/v1/rooms/%s/send", url.PathEscape(roomID)), payload, &out)
	return out, err
}

// Redact dual-writes a redaction of a previously sent event.
func (c *Client) Redact(ctx context.Context, roomID, externalEventID, reason string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/_novacore/v1/rooms/%s/redact/%s", url.PathEscape(roomID), url.PathEscape(externalEventID)), payload, &out)
	return out, err
}

// CallInvite emits a call invite signaling event. partyID identifies the
// inviting participant so later answer/hangup events correlate.
func (c *Client) CallInvite(ctx context.Context, roomID, callID, partyID, sdp string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{
		"call_id":   callID,
		"party_id":  partyID,
		"offer":     map[string]string{"type": "offer", "sdp": sdp},
		"lifetime":  60_000,
		"version":   "1",
		"timestamp": c.clock.Now(),
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/_novacore/v1/rooms/%s/call/invite", url.PathEscape(roomID)), payload, &out)
	return out, err
}

// CallAnswer emits a call answer signaling event.
func (c *Client) CallAnswer(ctx context.Context, roomID, callID, partyID, sdp string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{
		"call_id":  callID,
		"party_id": partyID,
		"answer":   map[string]string{"type": "answer", "sdp": sdp},
		"version":  "1",
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/_novacore/v1/rooms/%s/call/answer", url.PathEscape(roomID)), payload, &out)
	return out, err
}

// CallHangup emits a call hangup signaling event.
func (c *Client) CallHangup(ctx context.Context, roomID, callID, partyID, reason string) (EventSent, error) {
	var out EventSent
	payload := map[string]any{
		"call_id":  callID,
		"party_id": partyID,
		"reason":   reason,
		"version":  "1",
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/_novacore/v1/rooms/%s/call/hangup", url.PathEscape(roomID)), payload, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	if !c.enabled {
		return ErrDisabled
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("federation: encoding request: %w", err)
	}

	target := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("federation: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "novacore/1.0 (+federation)")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("federation: calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("federation: reading response from %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("federation call returned non-2xx",
			slog.String("path", path), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("federation: %s returned status %d", path, resp.StatusCode)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("federation: decoding response from %s: %w", path, err)
	}
	return nil
}
