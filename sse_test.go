package pagi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeSSEReceive(events ...Event) Receive {
	i := 0
	return func(ctx context.Context) (Event, error) {
		if i < len(events) {
			ev := events[i]
			i++
			return ev, nil
		}
		return SSEDisconnectEvent{}, nil
	}
}

func TestSSEStartTransitionsPendingToStarted(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), NewBus())

	assert.Equal(t, ssePending, s.State())
	require.NoError(t, s.Start(200, nil))
	assert.Equal(t, sseStarted, s.State())
	require.Len(t, sent, 1)
	assert.IsType(t, SSEStartEvent{}, sent[0])
}

func TestSSEStartCalledTwiceIsProgrammingError(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), NewBus())

	require.NoError(t, s.Start(200, nil))
	err := s.Start(200, nil)
	assert.Error(t, err)
	assert.True(t, IsKind(err, ErrKindProgramming))
}

func TestSSESendBeforeStartIsSilentNoOp(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), NewBus())

	require.NoError(t, s.SendData("too early"))
	assert.Empty(t, sent)
}

func TestSSECloseIsIdempotent(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), NewBus())
	require.NoError(t, s.Start(200, nil))

	s.Close()
	assert.Equal(t, sseClosed, s.State())
	s.Close()
	assert.Equal(t, sseClosed, s.State())
}

func TestSSESendAfterCloseIsSilentNoOp(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), NewBus())
	require.NoError(t, s.Start(200, nil))
	s.Close()

	before := len(sent)
	require.NoError(t, s.SendData("too late"))
	assert.Len(t, sent, before)
}

func TestSSEWaitDisconnectClosesOnDisconnectEvent(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(SSEDisconnectEvent{}), recordingSend(&sent), NewBus())
	require.NoError(t, s.Start(200, nil))

	require.NoError(t, s.WaitDisconnect())
	assert.Equal(t, sseClosed, s.State())
}

func TestSSESubscribeUnsubscribeChannelMembership(t *testing.T) {
	var sent []Event
	bus := NewBus()
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), bus)
	require.NoError(t, s.Start(200, nil))

	s.Subscribe("chan")
	assert.Equal(t, 1, bus.Subscribers("chan"))

	s.Publish("chan", "hello")
	found := false
	for _, ev := range sent {
		if se, ok := ev.(SSESendEvent); ok && se.Data == "hello" {
			found = true
		}
	}
	assert.True(t, found)

	s.Unsubscribe("chan")
	assert.Equal(t, 0, bus.Subscribers("chan"))
}

func TestSSECloseLeavesAllChannels(t *testing.T) {
	var sent []Event
	bus := NewBus()
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), bus)
	require.NoError(t, s.Start(200, nil))

	s.Subscribe("a")
	s.Subscribe("b")
	s.Close()

	assert.Equal(t, 0, bus.Subscribers("a"))
	assert.Equal(t, 0, bus.Subscribers("b"))
}

func TestSSEPublishStructuredValueIsJSONEncoded(t *testing.T) {
	var sent []Event
	bus := NewBus()
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), bus)
	require.NoError(t, s.Start(200, nil))

	s.Subscribe("alerts")
	s.Publish("alerts", map[string]string{"type": "alert", "text": "boom"})

	require.Len(t, sent, 2)
	se, ok := sent[1].(SSESendEvent)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"alert","text":"boom"}`, se.Data)
}

func TestSSEOnCloseDrainsExactlyOnceOnDisconnect(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(SSEDisconnectEvent{}), recordingSend(&sent), NewBus())
	require.NoError(t, s.Start(200, nil))

	calls := 0
	require.NoError(t, s.On("close", SSECloseCallback(func() { calls++ })))

	require.NoError(t, s.WaitDisconnect())
	assert.Equal(t, 1, calls)

	s.Close()
	assert.Equal(t, 1, calls)
}

func TestSSESendEventJSONEncodesNonStringData(t *testing.T) {
	var sent []Event
	s := newSSEConn(context.Background(), &Scope{}, fakeSSEReceive(), recordingSend(&sent), NewBus())
	require.NoError(t, s.Start(200, nil))

	require.NoError(t, s.SendEvent(map[string]int{"count": 3}, "update", "1", 0))
	require.Len(t, sent, 2)
	se := sent[1].(SSESendEvent)
	assert.JSONEq(t, `{"count":3}`, se.Data)
}

func TestFormatSSEFrameIncludesAllFields(t *testing.T) {
	frame := FormatSSEFrame("line1\nline2", "update", "42", 3000)
	s := string(frame)
	assert.Contains(t, s, "id: 42\n")
	assert.Contains(t, s, "event: update\n")
	assert.Contains(t, s, "retry: 3000\n")
	assert.Contains(t, s, "data: line1\n")
	assert.Contains(t, s, "data: line2\n")
}
