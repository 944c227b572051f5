package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetBroadcastsInvalidation(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("observer")
	s := New(Config{Bus: bus})
	defer s.Close()

	require.NoError(t, s.Set("k", []byte("v"), time.Minute))

	select {
	case msg := <-ch:
		assert.Equal(t, MsgCacheInvalidate, msg.Type)
		assert.Equal(t, "k", msg.Key)
		assert.NotEmpty(t, msg.Origin)
	case <-time.After(time.Second):
		t.Fatal("no invalidation broadcast for Set")
	}
}

func TestDeleteBroadcastsEvenWhenAbsent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("observer")
	s := New(Config{Bus: bus})
	defer s.Close()

	s.Delete("never-stored")

	select {
	case msg := <-ch:
		assert.Equal(t, "never-stored", msg.Key)
	case <-time.After(time.Second):
		t.Fatal("no invalidation broadcast for Delete")
	}
}

func TestSiblingInvalidationDropsLocalEntry(t *testing.T) {
	bus := NewBus()
	a := New(Config{Bus: bus})
	defer a.Close()
	b := New(Config{Bus: bus})
	defer b.Close()

	require.NoError(t, a.Set("k", []byte("a"), time.Minute))
	require.NoError(t, b.Set("k", []byte("b"), time.Minute))

	// a mutates; b must stop serving its copy
	a.Delete("k")
	require.Eventually(t, func() bool {
		_, ok := b.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestOwnBroadcastsAreIgnored(t *testing.T) {
	bus := NewBus()
	s := New(Config{Bus: bus})
	defer s.Close()

	require.NoError(t, s.Set("k", []byte("v"), time.Minute))

	// the Set broadcast must not delete the entry it just stored
	time.Sleep(20 * time.Millisecond)
	_, ok := s.Get("k")
	assert.True(t, ok)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.Subscribe("stuck") // never drained
	s := New(Config{Bus: bus})
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			s.Delete("k")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
