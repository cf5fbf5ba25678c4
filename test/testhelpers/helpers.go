// Package testhelpers provides common utilities and helper functions for
// testing the OneChat server.
//
// This package contains reusable test utilities that are shared across unit
// and integration tests: spinning up test servers, dialing WebSocket
// connections with a bound identity, and encoding/decoding the event envelope
// frames the chat protocol uses.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onechat/onechat/internal/server"
)

// CreateTestServer creates a test HTTP server with the given handler.
// It returns a running httptest.Server that should be closed after use.
func CreateTestServer(handler http.Handler) *httptest.Server {
	return httptest.NewServer(handler)
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// DialChat opens a WebSocket connection with the given origin and a bound
// identity carried in the same cookies the chat page issues.
func DialChat(wsURL, origin string, identity server.Session) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	if identity.UserID != "" {
		headers.Set("Cookie", fmt.Sprintf("user_id=%s; nickname=%s", identity.UserID, identity.Nickname))
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendEvent marshals an event envelope and writes it as one text frame.
func SendEvent(conn *websocket.Conn, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(server.Event{Name: name, Data: data})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// EventReader decodes event envelopes from a connection. The server may
// coalesce queued frames into one WebSocket message separated by newlines,
// so a single read can yield several events; the reader queues the surplus.
type EventReader struct {
	conn    *websocket.Conn
	pending [][]byte
}

// NewEventReader wraps the connection for event-at-a-time reads.
func NewEventReader(conn *websocket.Conn) *EventReader {
	return &EventReader{conn: conn}
}

// Next returns the next event, waiting up to the timeout.
func (r *EventReader) Next(timeout time.Duration) (server.Event, error) {
	if len(r.pending) == 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return server.Event{}, err
		}
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			return server.Event{}, err
		}
		for _, frame := range bytes.Split(raw, []byte{'\n'}) {
			if len(frame) > 0 {
				r.pending = append(r.pending, frame)
			}
		}
	}

	frame := r.pending[0]
	r.pending = r.pending[1:]

	var evt server.Event
	if err := json.Unmarshal(frame, &evt); err != nil {
		return server.Event{}, err
	}
	return evt, nil
}

// NextNamed reads events until one with the given name arrives.
func (r *EventReader) NextNamed(t *testing.T, name string, timeout time.Duration) server.Event {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		evt, err := r.Next(time.Until(deadline))
		if err != nil {
			t.Fatalf("Failed reading events while waiting for %q: %v", name, err)
		}
		if evt.Name == name {
			return evt
		}
	}
	t.Fatalf("Timed out waiting for %q event", name)
	return server.Event{}
}

// ExpectSilence asserts that no event arrives within the timeout.
func (r *EventReader) ExpectSilence(t *testing.T, timeout time.Duration) {
	t.Helper()

	evt, err := r.Next(timeout)
	if err == nil {
		t.Fatalf("Expected no event, got %q", evt.Name)
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of events: %v", err)
}
