package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/greut/melon/domain"
)

func TestInfoCache(t *testing.T) {
	c := NewInfoCache(0)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	info := domain.ImageInfo{Identifier: "a", Width: 100, Height: 80}
	c.Put(info)
	got, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 100, got.Width)

	c.Purge("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestInfoCacheBounded(t *testing.T) {
	c := NewInfoCache(4)
	for i := 0; i < 8; i++ {
		c.Put(domain.ImageInfo{Identifier: fmt.Sprintf("id-%d", i), Width: i})
	}
	// The oldest entries fell out of the LRU.
	_, ok := c.Get("id-0")
	assert.False(t, ok)
	_, ok = c.Get("id-7")
	assert.True(t, ok)
}

func TestInfoCachePurgeAll(t *testing.T) {
	c := NewInfoCache(0)
	c.Put(domain.ImageInfo{Identifier: "a"})
	c.Put(domain.ImageInfo{Identifier: "b"})
	c.Purge("")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
}
