package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markhive/markhive/pkg/types"
)

// EventStream is one upstream SSE connection. Frames are parsed into typed
// events and delivered on Events until the stream fails or is closed.
type EventStream struct {
	Namespace string

	events chan *types.Event
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// OpenEvents opens the SSE stream for a namespace. The returned stream
// lives until Close, context cancellation or a transport error.
func (c *Client) OpenEvents(ctx context.Context, namespace string) (*EventStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	u := c.baseURL + "/api/events?namespace=" + url.QueryEscape(namespace)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The stream outlives any sane request timeout.
	streamClient := &http.Client{Timeout: 0}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	s := &EventStream{
		Namespace: namespace,
		events:    make(chan *types.Event, 32),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.readLoop(resp)
	return s, nil
}

// Events returns the parsed event channel. It is closed when the stream
// ends; Err reports why.
func (s *EventStream) Events() <-chan *types.Event {
	return s.events
}

// Err returns the terminal stream error, if any. Valid after Events closes.
func (s *EventStream) Err() error {
	<-s.done
	return s.err
}

// Close tears the stream down
func (s *EventStream) Close() {
	s.cancel()
	<-s.done
}

// readLoop parses SSE frames:
//
//	id: <event-id>
//	event: <event-type>
//	data: <json>
//	<blank line>
func (s *EventStream) readLoop(resp *http.Response) {
	defer close(s.done)
	defer close(s.events)
	defer resp.Body.Close()

	var (
		id        string
		eventType string
		data      strings.Builder
	)
	flush := func() {
		if eventType == "" && data.Len() == 0 {
			return
		}
		ev := parseEvent(s.Namespace, id, eventType, data.String())
		select {
		case s.events <- ev:
		case <-time.After(time.Minute):
			// Consumer abandoned the stream without Close.
		}
		id, eventType = "", ""
		data.Reset()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive line.
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		}
	}
	s.err = scanner.Err()
}

// parseEvent converts one SSE frame into an Event. A missing id is
// generated by the coordinator later; malformed data degrades to an empty
// payload rather than killing the stream.
func parseEvent(namespace, id, eventType, data string) *types.Event {
	ev := &types.Event{
		ID:        id,
		Type:      types.EventType(eventType),
		Namespace: namespace,
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err == nil {
		ev.Data = payload
		if ts, ok := payload["timestamp"].(float64); ok {
			ev.Timestamp = int64(ts)
		}
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return ev
}
