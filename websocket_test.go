package pagi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWSReceive replays events, one per call, then forever returns a
// websocket.disconnect event once exhausted.
func fakeWSReceive(events ...Event) Receive {
	i := 0
	return func(ctx context.Context) (Event, error) {
		if i < len(events) {
			ev := events[i]
			i++
			return ev, nil
		}
		return WebSocketDisconnectEvent{}, nil
	}
}

// recordingSend appends every event it is asked to send.
func recordingSend(sent *[]Event) Send {
	return func(ctx context.Context, ev Event) error {
		*sent = append(*sent, ev)
		return nil
	}
}

func TestWebSocketAcceptTransitionsInitToOpen(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), NewBus())

	assert.Equal(t, wsInit, ws.State())
	require.NoError(t, ws.Accept("", nil))
	assert.Equal(t, wsOpen, ws.State())
	require.Len(t, sent, 1)
	assert.IsType(t, WebSocketAcceptEvent{}, sent[0])
}

func TestWebSocketAcceptCalledTwiceIsProgrammingError(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), NewBus())

	require.NoError(t, ws.Accept("", nil))
	err := ws.Accept("", nil)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrKindProgramming))
}

func TestWebSocketCloseIsIdempotent(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), NewBus())
	require.NoError(t, ws.Accept("", nil))

	require.NoError(t, ws.Close(1000, "bye"))
	assert.Equal(t, wsClosed, ws.State())

	require.NoError(t, ws.Close(1000, "bye again"))
	assert.Equal(t, wsClosed, ws.State())

	// Only the first Close should have emitted a close frame.
	closeFrames := 0
	for _, ev := range sent {
		if _, ok := ev.(WebSocketCloseEvent); ok {
			closeFrames++
		}
	}
	assert.Equal(t, 1, closeFrames)
}

func TestWebSocketSendAfterCloseIsSilentNoOp(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), NewBus())
	require.NoError(t, ws.Accept("", nil))
	require.NoError(t, ws.Close(1000, "bye"))

	before := len(sent)
	require.NoError(t, ws.SendText("too late"))
	assert.Len(t, sent, before)
}

func TestWebSocketReceiveMessageOutsideOpenStateIsProgrammingError(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), NewBus())

	_, _, _, err := ws.ReceiveMessage()
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrKindProgramming))
}

func TestWebSocketReceiveMessageDecodesTextFrame(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{},
		fakeWSReceive(WebSocketConnectEvent{}, WebSocketReceiveEvent{Text: "hi", IsText: true}),
		recordingSend(&sent), NewBus())
	require.NoError(t, ws.Accept("", nil))

	text, data, isText, err := ws.ReceiveMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
	assert.Nil(t, data)
	assert.True(t, isText)
}

func TestWebSocketJoinLeaveRoomMembership(t *testing.T) {
	var sent []Event
	bus := NewBus()
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), bus)
	require.NoError(t, ws.Accept("", nil))

	ws.Join("room")
	assert.Equal(t, 1, bus.Subscribers("room"))

	ws.Broadcast("room", []byte("hello"))
	found := false
	for _, ev := range sent {
		if se, ok := ev.(WebSocketSendEvent); ok && string(se.Bytes) == "hello" {
			found = true
		}
	}
	assert.True(t, found)

	ws.Leave("room")
	assert.Equal(t, 0, bus.Subscribers("room"))
}

func TestWebSocketListenDispatchesMessageCallbackToBroadcast(t *testing.T) {
	var sent []Event
	bus := NewBus()
	ws := newWebSocketConn(context.Background(), &Scope{},
		fakeWSReceive(WebSocketConnectEvent{}, WebSocketReceiveEvent{Text: "hi", IsText: true}),
		recordingSend(&sent), bus)
	require.NoError(t, ws.Accept("", nil))

	ws.Join("room")

	var received string
	require.NoError(t, ws.On("message", WSMessageCallback(func(text string, data []byte, isText bool) {
		received = text
		ws.Broadcast("room", text)
	})))

	require.NoError(t, ws.Listen())
	assert.Equal(t, "hi", received)
	assert.Equal(t, wsClosed, ws.State())

	found := false
	for _, ev := range sent {
		if se, ok := ev.(WebSocketSendEvent); ok && se.Text == "hi" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestWebSocketListenRunsCallbacksInRegistrationOrderAndIsolatesPanics(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{},
		fakeWSReceive(WebSocketConnectEvent{}, WebSocketReceiveEvent{Text: "hi", IsText: true}),
		recordingSend(&sent), NewBus())
	require.NoError(t, ws.Accept("", nil))

	var order []int
	require.NoError(t, ws.On("message", WSMessageCallback(func(string, []byte, bool) {
		order = append(order, 1)
		panic("boom")
	})))
	require.NoError(t, ws.On("message", WSMessageCallback(func(string, []byte, bool) {
		order = append(order, 2)
	})))

	var caught error
	require.NoError(t, ws.On("error", WSErrorCallback(func(err error) { caught = err })))

	require.NoError(t, ws.Listen())
	assert.Equal(t, []int{1, 2}, order)
	assert.Error(t, caught)
}

func TestWebSocketOnCloseDrainsExactlyOnceOnDisconnect(t *testing.T) {
	var sent []Event
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), NewBus())
	require.NoError(t, ws.Accept("", nil))

	calls := 0
	require.NoError(t, ws.On("close", WSCloseCallback(func(code int, reason string) { calls++ })))

	require.NoError(t, ws.Listen())
	assert.Equal(t, 1, calls)

	require.NoError(t, ws.Close(1000, "again"))
	assert.Equal(t, 1, calls)
}

func TestWebSocketRoomsAndInRoom(t *testing.T) {
	var sent []Event
	bus := NewBus()
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), bus)
	require.NoError(t, ws.Accept("", nil))

	ws.Join("b")
	ws.Join("a")
	assert.Equal(t, []string{"a", "b"}, ws.Rooms())
	assert.True(t, ws.InRoom("a"))
	assert.False(t, ws.InRoom("z"))

	ws.LeaveAll()
	assert.Empty(t, ws.Rooms())
}

func TestWebSocketCloseLeavesAllRooms(t *testing.T) {
	var sent []Event
	bus := NewBus()
	ws := newWebSocketConn(context.Background(), &Scope{}, fakeWSReceive(WebSocketConnectEvent{}), recordingSend(&sent), bus)
	require.NoError(t, ws.Accept("", nil))

	ws.Join("a")
	ws.Join("b")
	require.NoError(t, ws.Close(1000, "done"))

	assert.Equal(t, 0, bus.Subscribers("a"))
	assert.Equal(t, 0, bus.Subscribers("b"))
}
