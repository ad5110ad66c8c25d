package childrpc

import "encoding/json"

// EventKind identifies the recognized subset of agent events; anything
// else still fans out to listeners with Kind set to the line's own
// "type" value and Raw populated, so callers can handle runtime-specific events without this
// package knowing their shape.
type EventKind string

const (
	EventAgentStart    EventKind = "agent_start"
	EventAgentEnd      EventKind = "agent_end"
	EventMessageUpdate EventKind = "message_update"
)

// Event is one line of agent output, dispatched to every subscriber.
type Event struct {
	Kind EventKind
	Raw  json.RawMessage
}

// Subscribe registers a new listener channel. The returned channel
// must eventually be passed to Unsubscribe to avoid leaking it.
func (c *Client) Subscribe() chan Event {
	ch := make(chan Event, 32)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (c *Client) Unsubscribe(ch chan Event) {
	c.mu.Lock()
	if _, ok := c.listeners[ch]; ok {
		delete(c.listeners, ch)
		close(ch)
	}
	c.mu.Unlock()
}

func (c *Client) fanOut(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- event:
		default:
			// A slow subscriber must not block the read loop.
		}
	}
}

type messageUpdatePayload struct {
	AssistantMessageEvent struct {
		TextDelta string `json:"text_delta"`
	} `json:"assistantMessageEvent"`
}

// handleEvent classifies a raw stdout line as an agent event, updates
// internal state for the kinds this package tracks, and fans it out to
// subscribers.
func (c *Client) handleEvent(line string) {
	var probe struct {
		Type EventKind `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		c.log.Warn("childrpc: failed to parse event", "error", err)
		return
	}

	switch probe.Type {
	case EventAgentStart:
		c.resetLastAssistantText()
		c.setState(StateStreaming)
	case EventAgentEnd:
		c.setState(StateIdle)
	case EventMessageUpdate:
		var payload messageUpdatePayload
		if err := json.Unmarshal([]byte(line), &payload); err == nil {
			c.mu.Lock()
			c.lastAssistantText.WriteString(payload.AssistantMessageEvent.TextDelta)
			c.mu.Unlock()
		}
	}

	c.fanOut(Event{Kind: probe.Type, Raw: json.RawMessage(line)})
}
