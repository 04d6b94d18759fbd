package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelGetDeliversInOrder(t *testing.T) {
	ch := newChannel([]byte("news"), false)
	ch.push([]byte("one"))
	ch.push([]byte("two"))

	v1, err := ch.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v1)

	v2, err := ch.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), v2)
}

func TestChannelGetBlocksUntilPush(t *testing.T) {
	ch := newChannel([]byte("news"), false)
	result := make(chan interface{}, 1)
	go func() {
		v, err := ch.Get(context.Background())
		require.NoError(t, err)
		result <- v
	}()

	select {
	case <-result:
		t.Fatal("Get returned before any message was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	ch.push([]byte("hello"))
	select {
	case v := <-result:
		assert.Equal(t, []byte("hello"), v)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after push")
	}
}

func TestChannelGetReturnsErrChannelClosedOnceDrained(t *testing.T) {
	ch := newChannel([]byte("news"), false)
	ch.push([]byte("last"))
	ch.deactivate()

	v, err := ch.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), v)

	_, err = ch.Get(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelGetUnblocksOnDeactivateEvenWhenEmpty(t *testing.T) {
	ch := newChannel([]byte("news"), false)
	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Get(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	ch.deactivate()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after deactivate")
	}
}

func TestChannelGetRespectsContextCancellation(t *testing.T) {
	ch := newChannel([]byte("news"), false)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.Get(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after context cancellation")
	}
}

func TestPatternChannelDeliversPatternMessage(t *testing.T) {
	ch := newChannel([]byte("news.*"), true)
	assert.True(t, ch.IsPattern())
	ch.push(PatternMessage{Channel: []byte("news.sports"), Payload: []byte("goal")})

	v, err := ch.Get(context.Background())
	require.NoError(t, err)
	pm, ok := v.(PatternMessage)
	require.True(t, ok)
	assert.Equal(t, []byte("news.sports"), pm.Channel)
	assert.Equal(t, []byte("goal"), pm.Payload)
}
