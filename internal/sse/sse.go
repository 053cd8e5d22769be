// Package sse fans bus events out to HTTP clients as Server-Sent
// Events, one SSEConnection per incoming request, each bound to its own
// EventFilter and exclusively owning its subscription.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/pubsub"
	"github.com/dpaulsen/sessionrunner/internal/sdkevents"
)

// Topic re-exports sdkevents.Topic for callers that only import sse.
const Topic = sdkevents.Topic

// EventFilter narrows which events a connection receives. A zero-value
// field (empty string / empty slice) means that clause doesn't filter:
// an empty EventTypes set is explicitly "match all", not "match none".
type EventFilter struct {
	SessionID  string
	GroupID    string
	QueueID    string
	EventTypes []sdkevents.Type
}

func (f EventFilter) matches(ev sdkevents.Event) bool {
	if !ev.MatchesIDs(f.SessionID, f.GroupID, f.QueueID) {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// FilterFromQuery builds an EventFilter from HTTP query parameters:
// sessionId, groupId, queueId, and a comma-separated eventTypes list.
func FilterFromQuery(values url.Values) EventFilter {
	f := EventFilter{
		SessionID: values.Get("sessionId"),
		GroupID:   values.Get("groupId"),
		QueueID:   values.Get("queueId"),
	}
	if raw := values.Get("eventTypes"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				f.EventTypes = append(f.EventTypes, sdkevents.Type(part))
			}
		}
	}
	return f
}

// Connection is one client's SSE stream: a filter plus an exclusively
// owned subscription to the shared event bus.
type Connection struct {
	filter  EventFilter
	w       http.ResponseWriter
	flusher http.Flusher
	broker  *pubsub.Broker[sdkevents.Event]

	mu     sync.Mutex
	sub    pubsub.Subscription
	closed bool
}

// errStreamingUnsupported is returned when the ResponseWriter doesn't
// implement http.Flusher.
var errStreamingUnsupported = errors.New("response writer does not support flushing")

// NewConnection validates that w supports flushing and prepares a
// Connection. Call Start to write headers and begin subscribing.
func NewConnection(w http.ResponseWriter, broker *pubsub.Broker[sdkevents.Event], filter EventFilter) (*Connection, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &Connection{w: w, flusher: flusher, broker: broker, filter: filter}, nil
}

// Start writes the SSE response headers and lazily installs the bus
// subscription.
func (c *Connection) Start() {
	header := c.w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.w.WriteHeader(http.StatusOK)
	c.flusher.Flush()

	c.mu.Lock()
	c.sub = c.broker.Subscribe(Topic, c.handle)
	c.mu.Unlock()
}

func (c *Connection) handle(ev sdkevents.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.filter.matches(ev) {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error(log.CatSSE, "failed to marshal event", "error", err)
		return
	}

	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", payload); err != nil {
		log.Debug(log.CatSSE, "client disconnected, closing connection", "error", err)
		c.Close()
		return
	}
	c.flusher.Flush()
}

// Close idempotently unsubscribes from the bus and marks the
// connection closed. Once closed, further deliveries are no-ops.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
}

// Handler returns an http.HandlerFunc that streams filtered SDK events
// to each connecting client until the request context is cancelled.
func Handler(broker *pubsub.Broker[sdkevents.Event]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := FilterFromQuery(r.URL.Query())
		conn, err := NewConnection(w, broker, filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		conn.Start()
		defer conn.Close()

		<-r.Context().Done()
	}
}
