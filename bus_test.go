package pagi

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusPublishDeliversToSnapshot(t *testing.T) {
	b := NewBus()

	var mu sync.Mutex
	var received []interface{}
	record := func(channel string, msg interface{}) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
	}

	b.Subscribe("news", record)
	b.Subscribe("news", record)

	n := b.Publish("news", "hello")
	assert.Equal(t, 2, n)
	assert.Len(t, received, 2)
}

func TestBusChannelGarbageCollectedWhenEmpty(t *testing.T) {
	b := NewBus()

	sub := b.Subscribe("room", func(string, interface{}) {})
	assert.True(t, b.HasChannel("room"))
	assert.Equal(t, 1, b.Subscribers("room"))

	sub.Unsubscribe()
	assert.False(t, b.HasChannel("room"))
	assert.Equal(t, 0, b.Subscribers("room"))
}

func TestBusSubscriberPanicIsIsolated(t *testing.T) {
	b := NewBus()

	calledSecond := false
	b.Subscribe("room", func(string, interface{}) { panic("boom") })
	b.Subscribe("room", func(string, interface{}) { calledSecond = true })

	assert.NotPanics(t, func() { b.Publish("room", nil) })
	assert.True(t, calledSecond)
}

func TestBusPublishOthersExcludesSelf(t *testing.T) {
	b := NewBus()

	var selfCalled, otherCalled bool
	selfSub := b.Subscribe("room", func(string, interface{}) { selfCalled = true })
	b.Subscribe("room", func(string, interface{}) { otherCalled = true })

	n := b.PublishOthers("room", selfSub.id, "hi")
	assert.Equal(t, 1, n)
	assert.False(t, selfCalled)
	assert.True(t, otherCalled)

	// self stays subscribed: PublishOthers only skips it during delivery
	assert.Equal(t, 2, b.Subscribers("room"))
}

func TestBusAddedDuringDeliveryNotCalled(t *testing.T) {
	b := NewBus()

	calls := 0
	b.Subscribe("room", func(string, interface{}) {
		calls++
		b.Subscribe("room", func(string, interface{}) { calls++ })
	})

	b.Publish("room", nil)
	assert.Equal(t, 1, calls)
}
