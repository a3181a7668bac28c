package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mcoot/clanharvest/internal/dependencies/mocks"
)

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	clk := mocks.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newResponseCache(clk, time.Minute, 2)

	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	c.put("c", []byte("3"))

	_, ok := c.get("a")
	assert.False(t, ok)
	body, ok := c.get("c")
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), body)
	assert.Equal(t, 2, c.size())
}

func TestCachePurgesExpiredBeforeEvicting(t *testing.T) {
	clk := mocks.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newResponseCache(clk, time.Minute, 3)

	c.put("a", []byte("1"))
	c.put("b", []byte("2"))
	clk.Advance(2 * time.Minute)
	c.put("c", []byte("3"))
	c.put("d", []byte("4"))

	assert.Equal(t, 2, c.size())
	_, ok := c.get("c")
	assert.True(t, ok)
	_, ok = c.get("d")
	assert.True(t, ok)
}

func TestCacheRefreshKeepsSingleEntry(t *testing.T) {
	clk := mocks.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newResponseCache(clk, time.Minute, 10)

	c.put("a", []byte("old"))
	clk.Advance(50 * time.Second)
	c.put("a", []byte("new"))
	clk.Advance(50 * time.Second)

	body, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, []byte("new"), body)
	assert.Equal(t, 1, c.size())
}
