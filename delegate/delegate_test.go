package delegate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greut/melon/domain"
)

func TestBridgeCall(t *testing.T) {
	b := NewBridge(Func(func(name, identifier string) (string, bool, error) {
		assert.Equal(t, HookPathname, name)
		return "images/" + identifier, true, nil
	}))
	defer b.Close()

	v, err := b.Call(context.Background(), HookPathname, "cat.jpg")
	require.NoError(t, err)
	assert.Equal(t, "images/cat.jpg", v)
}

// A nil return from the callback surfaces as NotFound.
func TestBridgeNilResult(t *testing.T) {
	b := NewBridge(Func(func(name, identifier string) (string, bool, error) {
		return "", false, nil
	}))
	defer b.Close()

	_, err := b.Call(context.Background(), HookPathname, "cat.jpg")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBridgeError(t *testing.T) {
	b := NewBridge(Func(func(name, identifier string) (string, bool, error) {
		return "", false, errors.New("script blew up")
	}))
	defer b.Close()

	_, err := b.Call(context.Background(), HookResolver, "cat.jpg")
	assert.ErrorIs(t, err, domain.ErrInternal)
}

// The runtime behind the callable may be thread-unsafe; calls are
// serialized through one worker.
func TestBridgeSerializes(t *testing.T) {
	inFlight := 0
	max := 0
	var mu sync.Mutex
	b := NewBridge(Func(func(name, identifier string) (string, bool, error) {
		mu.Lock()
		inFlight++
		if inFlight > max {
			max = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		return identifier, true, nil
	}))
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Call(context.Background(), HookURL, "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, max)
}

func TestBridgeCancelled(t *testing.T) {
	block := make(chan struct{})
	b := NewBridge(Func(func(name, identifier string) (string, bool, error) {
		<-block
		return identifier, true, nil
	}))
	defer b.Close()
	defer close(block)

	// Occupy the worker, then cancel a queued call.
	go b.Call(context.Background(), HookURL, "slow")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Call(ctx, HookURL, "queued")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}
