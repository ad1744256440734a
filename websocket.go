package pagi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// wsState is one of the five states of the WebSocket context lifecycle
// from spec.md §4.E.
type wsState uint8

const (
	wsInit wsState = iota
	wsAccepting
	wsOpen
	wsClosing
	wsClosed
)

// WSMessageCallback handles one decoded websocket.receive payload, per
// spec.md §4.E's on("message", cb).
type WSMessageCallback func(text string, data []byte, isText bool)

// WSCloseCallback is invoked once the connection starts closing, the
// §4.E on("close", cb) hook.
type WSCloseCallback func(code int, reason string)

// WSErrorCallback is invoked when a message callback panics, the §4.E
// on("error", cb) hook.
type WSErrorCallback func(err error)

// WebSocketConn is the per-connection WebSocket context handed to a
// handler for a ScopeWebSocket scope. It drives the gateway's
// websocket.* event vocabulary and owns the connection's room
// memberships and callback registry, generalizing the teacher's
// callback-field `WebSocket` struct into the full
// accept/listen/send/close state machine of spec.md §4.E.
type WebSocketConn struct {
	scope   *Scope
	receive Receive
	send    Send
	ctx     context.Context
	bus     *Bus

	mu           sync.Mutex
	state        wsState
	subs         map[string]*Subscription
	messageCBs   []WSMessageCallback
	closeCBs     []WSCloseCallback
	errorCBs     []WSErrorCallback
	closeDrained bool
}

func newWebSocketConn(ctx context.Context, scope *Scope, receive Receive, send Send, bus *Bus) *WebSocketConn {
	return &WebSocketConn{
		scope:   scope,
		receive: receive,
		send:    send,
		ctx:     ctx,
		bus:     bus,
		state:   wsInit,
		subs:    map[string]*Subscription{},
	}
}

// On registers cb for event ("message", "close" or "error"), in
// registration order, per spec.md §4.E's on("message"|"close"|"error", cb).
// cb's type must match event: WSMessageCallback (or a plain
// func(string, []byte, bool)) for "message", WSCloseCallback (or a plain
// func(int, string)) for "close", WSErrorCallback (or a plain func(error))
// for "error"; any other combination is a programming error.
func (ws *WebSocketConn) On(event string, cb interface{}) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	switch event {
	case "message":
		f, ok := cb.(WSMessageCallback)
		if !ok {
			fn, ok2 := cb.(func(string, []byte, bool))
			if !ok2 {
				return ErrProgramming("WebSocketConn.On(\"message\", ...) requires a WSMessageCallback")
			}
			f = fn
		}
		ws.messageCBs = append(ws.messageCBs, f)
	case "close":
		f, ok := cb.(WSCloseCallback)
		if !ok {
			fn, ok2 := cb.(func(int, string))
			if !ok2 {
				return ErrProgramming("WebSocketConn.On(\"close\", ...) requires a WSCloseCallback")
			}
			f = fn
		}
		ws.closeCBs = append(ws.closeCBs, f)
	case "error":
		f, ok := cb.(WSErrorCallback)
		if !ok {
			fn, ok2 := cb.(func(error))
			if !ok2 {
				return ErrProgramming("WebSocketConn.On(\"error\", ...) requires a WSErrorCallback")
			}
			f = fn
		}
		ws.errorCBs = append(ws.errorCBs, f)
	default:
		return ErrProgramming("WebSocketConn.On: unknown event " + event)
	}
	return nil
}

// Accept consumes the pending websocket.connect event and emits
// websocket.accept, transitioning init -> accepting -> open. Calling it
// more than once, or before the connect event arrives, is a programming
// error.
func (ws *WebSocketConn) Accept(subprotocol string, headers []HeaderPair) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.state != wsInit {
		return ErrProgramming("WebSocketConn.Accept called outside the init state")
	}
	ws.state = wsAccepting

	ev, err := ws.receive(ws.ctx)
	if err != nil {
		return err
	}
	if _, ok := ev.(WebSocketConnectEvent); !ok {
		return ErrProgramming("expected websocket.connect, got " + ev.EventName())
	}

	if err := ws.send(ws.ctx, WebSocketAcceptEvent{Subprotocol: subprotocol, Headers: headers}); err != nil {
		return err
	}

	ws.state = wsOpen
	return nil
}

// Reject declines the handshake with an HTTP-level close, transitioning
// init -> closed without ever opening the socket.
func (ws *WebSocketConn) Reject(code int, reason string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.state != wsInit {
		return ErrProgramming("WebSocketConn.Reject called outside the init state")
	}
	ws.state = wsClosed
	return ws.send(ws.ctx, WebSocketCloseEvent{Code: code, Reason: reason})
}

// ReceiveMessage blocks for the next websocket.receive event, returning the
// decoded text or binary payload. It is a lower-level alternative to
// registering an On("message", ...) callback and calling Listen: a handler
// that wants to drive its own loop by hand may poll this instead. It is
// only valid in the open state.
func (ws *WebSocketConn) ReceiveMessage() (text string, data []byte, isText bool, err error) {
	if ws.State() != wsOpen {
		return "", nil, false, ErrProgramming("WebSocketConn.ReceiveMessage called outside the open state")
	}

	ev, err := ws.receive(ws.ctx)
	if err != nil {
		return "", nil, false, err
	}
	switch e := ev.(type) {
	case WebSocketReceiveEvent:
		return e.Text, e.Bytes, e.IsText, nil
	case WebSocketDisconnectEvent:
		ws.handleDisconnect(e.Code, "")
		return "", nil, false, ErrProgramming("peer disconnected")
	default:
		return "", nil, false, ErrProgramming("unexpected event while receiving: " + ev.EventName())
	}
}

// Listen is the receive-dispatch driver loop of spec.md §4.E points 1,
// 4 and 5: called after Accept, it blocks re-entering the receive loop,
// dispatching every websocket.receive event to the registered message
// callbacks in registration order (a callback's failure is recovered,
// handed to the error callbacks, and never cancels its siblings — §4.E
// point 4), until the peer disconnects or the connection is closed, at
// which point it drains the close callbacks once, leaves every room, and
// returns. Because receive is only called again once dispatch of the
// previous event has fully returned, callbacks for one connection always
// run sequentially and a message arriving mid-callback is naturally
// queued behind it rather than interleaved (§4.E's ordering guarantee).
func (ws *WebSocketConn) Listen() error {
	if ws.State() != wsOpen {
		return ErrProgramming("WebSocketConn.Listen called outside the open state")
	}

	for {
		ev, err := ws.receive(ws.ctx)
		if err != nil {
			ws.handleDisconnect(0, "")
			return err
		}

		switch e := ev.(type) {
		case WebSocketReceiveEvent:
			ws.dispatchMessage(e.Text, e.Bytes, e.IsText)
		case WebSocketDisconnectEvent:
			ws.handleDisconnect(e.Code, "")
			return nil
		default:
			ws.handleDisconnect(0, "")
			return ErrProgramming("unexpected event while listening: " + ev.EventName())
		}

		if ws.State() != wsOpen {
			return nil
		}
	}
}

func (ws *WebSocketConn) dispatchMessage(text string, data []byte, isText bool) {
	ws.mu.Lock()
	cbs := append([]WSMessageCallback(nil), ws.messageCBs...)
	ws.mu.Unlock()

	for _, cb := range cbs {
		ws.runMessageCallback(cb, text, data, isText)
	}
}

// runMessageCallback invokes cb, recovering a panic into an error handed to
// the error callbacks instead of letting it cancel the remaining siblings
// or tear down the driver loop.
func (ws *WebSocketConn) runMessageCallback(cb WSMessageCallback, text string, data []byte, isText bool) {
	defer func() {
		if r := recover(); r != nil {
			ws.dispatchError(fmt.Errorf("pagi: websocket message callback panicked: %v", r))
		}
	}()
	cb(text, data, isText)
}

func (ws *WebSocketConn) dispatchError(err error) {
	ws.mu.Lock()
	cbs := append([]WSErrorCallback(nil), ws.errorCBs...)
	ws.mu.Unlock()

	for _, cb := range cbs {
		cb(err)
	}
}

// runCloseCallbacks drains every registered close callback exactly once, in
// registration order, regardless of whether Close or a peer disconnect
// triggered it.
func (ws *WebSocketConn) runCloseCallbacks(code int, reason string) {
	ws.mu.Lock()
	if ws.closeDrained {
		ws.mu.Unlock()
		return
	}
	ws.closeDrained = true
	cbs := append([]WSCloseCallback(nil), ws.closeCBs...)
	ws.mu.Unlock()

	for _, cb := range cbs {
		cb(code, reason)
	}
}

// handleDisconnect reacts to a peer-initiated disconnect observed by
// Listen or ReceiveMessage: open -> closing -> closed, draining the close callbacks and
// leaving every room, without emitting a websocket.close event (the peer
// is already gone).
func (ws *WebSocketConn) handleDisconnect(code int, reason string) {
	ws.mu.Lock()
	if ws.state == wsClosed {
		ws.mu.Unlock()
		return
	}
	ws.state = wsClosing
	ws.mu.Unlock()

	ws.runCloseCallbacks(code, reason)
	ws.leaveAll()

	ws.mu.Lock()
	ws.state = wsClosed
	ws.mu.Unlock()
}

// SendText emits a websocket.send text frame.
func (ws *WebSocketConn) SendText(text string) error {
	if ws.State() != wsOpen {
		return nil // spec.md §4.E: sends after close are silently dropped
	}
	return ws.send(ws.ctx, WebSocketSendEvent{Text: text, IsText: true})
}

// SendBinary emits a websocket.send binary frame.
func (ws *WebSocketConn) SendBinary(data []byte) error {
	if ws.State() != wsOpen {
		return nil
	}
	return ws.send(ws.ctx, WebSocketSendEvent{Bytes: data})
}

// SendJSON JSON-encodes value and emits it as a text frame, implementing
// spec.md §4.E's send_json(value).
func (ws *WebSocketConn) SendJSON(value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return ErrInternal("failed to JSON-encode websocket message", err)
	}
	return ws.SendText(string(b))
}

// Close transitions open/closing -> closed, draining the close callbacks,
// unsubscribing every room this connection joined, and emitting
// websocket.close. It is idempotent.
func (ws *WebSocketConn) Close(code int, reason string) error {
	ws.mu.Lock()
	if ws.state == wsClosed {
		ws.mu.Unlock()
		return nil
	}
	ws.state = wsClosing
	ws.mu.Unlock()

	ws.runCloseCallbacks(code, reason)
	ws.leaveAll()

	err := ws.send(ws.ctx, WebSocketCloseEvent{Code: code, Reason: reason})

	ws.mu.Lock()
	ws.state = wsClosed
	ws.mu.Unlock()

	return err
}

// State returns the connection's current lifecycle state.
func (ws *WebSocketConn) State() wsState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WebSocketConn) setState(s wsState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// Join subscribes this connection to room, delivering every later
// Bus.Publish(room, ...) as an outbound text or binary frame, implementing
// the room-membership half of spec.md §4.B/§4.E.
func (ws *WebSocketConn) Join(room string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, ok := ws.subs[room]; ok {
		return
	}
	ws.subs[room] = ws.bus.Subscribe(room, func(channel string, msg interface{}) {
		switch v := msg.(type) {
		case []byte:
			_ = ws.SendBinary(v)
		case string:
			_ = ws.SendText(v)
		default:
			if err := ws.SendJSON(v); err != nil {
				ws.dispatchError(err)
			}
		}
	})
}

// Leave unsubscribes this connection from room.
func (ws *WebSocketConn) Leave(room string) {
	ws.mu.Lock()
	sub, ok := ws.subs[room]
	if ok {
		delete(ws.subs, room)
	}
	ws.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

// LeaveAll unsubscribes this connection from every room it has joined,
// without closing the connection itself, per spec.md §4.E's leave_all().
func (ws *WebSocketConn) LeaveAll() {
	ws.leaveAll()
}

// InRoom reports whether this connection is currently a member of room,
// per spec.md §4.E's in_room(c).
func (ws *WebSocketConn) InRoom(room string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_, ok := ws.subs[room]
	return ok
}

// Rooms returns the rooms this connection currently belongs to, sorted,
// per spec.md §4.E's rooms().
func (ws *WebSocketConn) Rooms() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	rooms := make([]string, 0, len(ws.subs))
	for room := range ws.subs {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Broadcast publishes msg to room, reaching every subscriber including this
// connection. msg may be a string, []byte, or any JSON-marshalable value
// (see Join).
func (ws *WebSocketConn) Broadcast(room string, msg interface{}) {
	ws.bus.Publish(room, msg)
}

// BroadcastOthers publishes msg to room, reaching every subscriber except
// this connection, per spec.md §4.B's broadcast_others semantics.
func (ws *WebSocketConn) BroadcastOthers(room string, msg interface{}) {
	ws.mu.Lock()
	sub, ok := ws.subs[room]
	ws.mu.Unlock()

	if !ok {
		ws.bus.Publish(room, msg)
		return
	}
	ws.bus.PublishOthers(room, sub.id, msg)
}

func (ws *WebSocketConn) leaveAll() {
	ws.mu.Lock()
	subs := ws.subs
	ws.subs = map[string]*Subscription{}
	ws.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// wsCloseCodeFromGorilla translates a gorilla/websocket close error into the
// (code, reason) pair the gateway's WebSocketDisconnectEvent/Close carry,
// used by the real net/http WebSocket adapter.
func wsCloseCodeFromGorilla(err error) (int, string) {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
