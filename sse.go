package pagi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// sseState is one of the three states of the SSE context lifecycle from
// spec.md §4.F.
type sseState uint8

const (
	ssePending sseState = iota
	sseStarted
	sseClosed
)

// SSECloseCallback is invoked once, when the connection starts closing
// (either the client disconnected or the handler called Close), per
// spec.md §4.F's on("close", cb).
type SSECloseCallback func()

// SSEErrorCallback is invoked when emitting an event to the client fails,
// the §4.F on("error", cb) hook.
type SSEErrorCallback func(err error)

// SSEConn is the per-connection Server-Sent-Events context handed to a
// handler for a ScopeSSE scope, grounded on the pack's chunked-writer SSE
// handler pattern and composed with bus.go subscriptions the same way
// WebSocketConn composes rooms.
type SSEConn struct {
	scope   *Scope
	receive Receive
	send    Send
	ctx     context.Context
	bus     *Bus

	mu           sync.Mutex
	state        sseState
	subs         map[string]*Subscription
	closeCBs     []SSECloseCallback
	errorCBs     []SSEErrorCallback
	closeDrained bool
}

func newSSEConn(ctx context.Context, scope *Scope, receive Receive, send Send, bus *Bus) *SSEConn {
	return &SSEConn{
		scope:   scope,
		receive: receive,
		send:    send,
		ctx:     ctx,
		bus:     bus,
		state:   ssePending,
		subs:    map[string]*Subscription{},
	}
}

// On registers cb for event ("close" or "error"), in registration order,
// per spec.md §4.F's on("close"|"error", cb). cb's type must match event:
// SSECloseCallback (or a plain func()) for "close", SSEErrorCallback (or a
// plain func(error)) for "error"; any other combination is a programming
// error.
func (s *SSEConn) On(event string, cb interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event {
	case "close":
		f, ok := cb.(SSECloseCallback)
		if !ok {
			fn, ok2 := cb.(func())
			if !ok2 {
				return ErrProgramming("SSEConn.On(\"close\", ...) requires an SSECloseCallback")
			}
			f = fn
		}
		s.closeCBs = append(s.closeCBs, f)
	case "error":
		f, ok := cb.(SSEErrorCallback)
		if !ok {
			fn, ok2 := cb.(func(error))
			if !ok2 {
				return ErrProgramming("SSEConn.On(\"error\", ...) requires an SSEErrorCallback")
			}
			f = fn
		}
		s.errorCBs = append(s.errorCBs, f)
	default:
		return ErrProgramming("SSEConn.On: unknown event " + event)
	}
	return nil
}

func (s *SSEConn) dispatchError(err error) {
	s.mu.Lock()
	cbs := append([]SSEErrorCallback(nil), s.errorCBs...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}

// runCloseCallbacks drains every registered close callback exactly once, in
// registration order, regardless of whether Close or a client disconnect
// triggered it.
func (s *SSEConn) runCloseCallbacks() {
	s.mu.Lock()
	if s.closeDrained {
		s.mu.Unlock()
		return
	}
	s.closeDrained = true
	cbs := append([]SSECloseCallback(nil), s.closeCBs...)
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Start emits the sse.start event (status + headers, conventionally
// Content-Type: text/event-stream), transitioning pending -> started. It
// must be called exactly once before any Send.
func (s *SSEConn) Start(status int, headers []HeaderPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != ssePending {
		return ErrProgramming("SSEConn.Start called outside the pending state")
	}
	s.state = sseStarted
	return s.send(s.ctx, SSEStartEvent{Status: status, Headers: headers})
}

// Send emits one SSE event frame (data/event/id/retry fields), per spec.md
// §4.F. It is a no-op once the connection has closed; a failed send also
// notifies any registered error callbacks.
func (s *SSEConn) Send(data, event, id string, retry int) error {
	if s.State() != sseStarted {
		return nil
	}
	if err := s.send(s.ctx, SSESendEvent{Data: data, Event: event, ID: id, Retry: retry}); err != nil {
		s.dispatchError(err)
		return err
	}
	return nil
}

// SendData is a convenience wrapper around Send for plain data-only events.
func (s *SSEConn) SendData(data string) error {
	return s.Send(data, "", "", 0)
}

// SendJSON JSON-encodes value and emits it as a data-only SSE event,
// matching §4.F's "send_event accepts a structured value and JSON-encodes
// non-string data".
func (s *SSEConn) SendJSON(value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return ErrInternal("failed to JSON-encode SSE event data", err)
	}
	return s.SendData(string(b))
}

// SendEvent emits a full SSE event frame, JSON-encoding data whenever it
// isn't already a string or []byte, implementing §4.F's
// send_event(data, event?, id?, retry?) in full.
func (s *SSEConn) SendEvent(data interface{}, event, id string, retry int) error {
	var str string
	switch v := data.(type) {
	case string:
		str = v
	case []byte:
		str = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ErrInternal("failed to JSON-encode SSE event data", err)
		}
		str = string(b)
	}
	return s.Send(str, event, id, retry)
}

// WaitDisconnect blocks until the client disconnects (sse.disconnect),
// which is the only event an SSE connection ever receives, per spec.md
// §4.A's SSE event vocabulary. On return it has already unsubscribed from
// every channel and drained the close callbacks, per spec.md §4.F: "on
// client disconnect the context auto-unsubscribes from all channels and
// invokes close callbacks".
func (s *SSEConn) WaitDisconnect() error {
	for {
		ev, err := s.receive(s.ctx)
		if err != nil {
			s.finishClose()
			return err
		}
		if _, ok := ev.(SSEDisconnectEvent); ok {
			s.finishClose()
			return nil
		}
	}
}

func (s *SSEConn) finishClose() {
	s.setState(sseClosed)
	s.runCloseCallbacks()
	s.leaveAll()
}

// Close marks the connection closed, drains the close callbacks and
// unsubscribes every channel it subscribed to. It is idempotent.
func (s *SSEConn) Close() {
	s.mu.Lock()
	if s.state == sseClosed {
		s.mu.Unlock()
		return
	}
	s.state = sseClosed
	s.mu.Unlock()

	s.runCloseCallbacks()
	s.leaveAll()
}

// State returns the connection's current lifecycle state.
func (s *SSEConn) State() sseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *SSEConn) setState(st sseState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Subscribe joins channel, forwarding every later Bus.Publish(channel, ...)
// as an SSE data event, implementing the channel-subscription half of
// spec.md §4.B/§4.F. A published string or []byte is forwarded verbatim;
// any other value is JSON-encoded first, matching send_event's "JSON-encodes
// non-string data" rule (spec.md §4.F), so a structured publish (e.g. a map
// or struct) still reaches subscribers instead of being silently dropped.
func (s *SSEConn) Subscribe(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[channel]; ok {
		return
	}
	s.subs[channel] = s.bus.Subscribe(channel, func(ch string, msg interface{}) {
		switch v := msg.(type) {
		case []byte:
			_ = s.SendData(string(v))
		case string:
			_ = s.SendData(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				s.dispatchError(ErrInternal("failed to JSON-encode published SSE message", err))
				return
			}
			_ = s.SendData(string(b))
		}
	})
}

// Unsubscribe leaves channel.
func (s *SSEConn) Unsubscribe(channel string) {
	s.mu.Lock()
	sub, ok := s.subs[channel]
	if ok {
		delete(s.subs, channel)
	}
	s.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

// UnsubscribeAll leaves every channel this connection has subscribed to,
// without closing the connection itself, per spec.md §4.F's
// unsubscribe_all().
func (s *SSEConn) UnsubscribeAll() {
	s.leaveAll()
}

// Publish publishes msg to channel, reaching every subscriber. msg may be a
// string, []byte, or any JSON-marshalable value (see Subscribe).
func (s *SSEConn) Publish(channel string, msg interface{}) {
	s.bus.Publish(channel, msg)
}

// PublishOthers publishes msg to channel, reaching every subscriber except
// this connection, matching spec.md §4.F's `publish_others`.
func (s *SSEConn) PublishOthers(channel string, msg interface{}) {
	s.mu.Lock()
	sub, ok := s.subs[channel]
	s.mu.Unlock()

	if !ok {
		s.bus.Publish(channel, msg)
		return
	}
	s.bus.PublishOthers(channel, sub.id, msg)
}

func (s *SSEConn) leaveAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = map[string]*Subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// FormatSSEFrame renders an SSE event as wire bytes, used by the real
// net/http SSE adapter to flush through a chunked http.Flusher.
func FormatSSEFrame(data, event, id string, retry int) []byte {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	if retry > 0 {
		fmt.Fprintf(&b, "retry: %s\n", strconv.Itoa(retry))
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	return []byte(b.String())
}
