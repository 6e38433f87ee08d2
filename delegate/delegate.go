// Package delegate bridges user-supplied lookup callbacks used for dynamic
// identifier resolution. The runtime behind the callable is typically an
// embedded script engine and is assumed thread-unsafe: every call is
// funneled through one worker goroutine, and callers must not hold any lock
// across an invocation.
package delegate

import (
	"context"
	"fmt"

	"github.com/greut/melon/domain"
)

// Hook names recognized by the core.
const (
	HookResolver     = "get_resolver"
	HookPathname     = "get_pathname"
	HookURL          = "get_url"
	HookS3ObjectKey  = "get_s3_object_key"
	HookAzureBlobKey = "get_azure_blob_key"
)

// Delegate is the narrow callable the core depends on. A callback receives
// the identifier and returns a value, or ok=false for a nil result. Any
// error is treated as an internal fault by the bridge.
type Delegate interface {
	Call(name, identifier string) (value string, ok bool, err error)
}

// Func adapts a plain function to the Delegate interface.
type Func func(name, identifier string) (string, bool, error)

func (f Func) Call(name, identifier string) (string, bool, error) {
	return f(name, identifier)
}

type call struct {
	name       string
	identifier string
	reply      chan result
}

type result struct {
	value string
	ok    bool
	err   error
}

// Bridge serializes calls into a Delegate through a single worker.
type Bridge struct {
	calls chan call
	done  chan struct{}
}

// NewBridge starts the worker. Close releases it.
func NewBridge(d Delegate) *Bridge {
	b := &Bridge{
		calls: make(chan call),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case c := <-b.calls:
				v, ok, err := d.Call(c.name, c.identifier)
				c.reply <- result{v, ok, err}
			case <-b.done:
				return
			}
		}
	}()
	return b
}

// Call invokes a hook. A nil return from the callback surfaces as
// domain.ErrNotFound; a callback error surfaces as domain.ErrInternal.
func (b *Bridge) Call(ctx context.Context, name, identifier string) (string, error) {
	c := call{name: name, identifier: identifier, reply: make(chan result, 1)}
	select {
	case b.calls <- c:
	case <-ctx.Done():
		return "", fmt.Errorf("delegate %s: %w", name, domain.ErrTimeout)
	}
	select {
	case r := <-c.reply:
		if r.err != nil {
			return "", fmt.Errorf("delegate %s: %v: %w", name, r.err, domain.ErrInternal)
		}
		if !r.ok || r.value == "" {
			return "", fmt.Errorf("delegate %s returned nil: %w", name, domain.ErrNotFound)
		}
		return r.value, nil
	case <-ctx.Done():
		return "", fmt.Errorf("delegate %s: %w", name, domain.ErrTimeout)
	}
}

// Close stops the worker.
func (b *Bridge) Close() { close(b.done) }
