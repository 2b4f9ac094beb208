package telemetry

import (
	"strings"
	"sync"
)

// DefaultWindowSize is the number of samples kept for windowed keys.
const DefaultWindowSize = 30

// Cache keeps the most recent telemetry per key. Keys containing the window
// marker keep a sliding window of samples instead of a single value.
//
// All methods are safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	marker     string
	windowSize int
	scalars    map[string]float64
	windows    map[string][]float64
}

// NewCache creates a cache. An empty marker disables windowing; a window
// size <= 0 uses DefaultWindowSize.
func NewCache(marker string, windowSize int) *Cache {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Cache{
		marker:     marker,
		windowSize: windowSize,
		scalars:    make(map[string]float64),
		windows:    make(map[string][]float64),
	}
}

// Windowed reports whether key is kept as a series.
func (c *Cache) Windowed(key string) bool {
	return c.marker != "" && strings.Contains(key, c.marker)
}

// Put records a sample.
func (c *Cache) Put(key string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.Windowed(key) {
		c.scalars[key] = value
		return
	}
	w := append(c.windows[key], value)
	if len(w) > c.windowSize {
		w = w[len(w)-c.windowSize:]
	}
	c.windows[key] = w
}

// Latest returns the most recent scalar for key.
func (c *Cache) Latest(key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if w, ok := c.windows[key]; ok && len(w) > 0 {
		return w[len(w)-1], true
	}
	v, ok := c.scalars[key]
	return v, ok
}

// Window returns a copy of the samples held for a windowed key.
func (c *Cache) Window(key string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w := c.windows[key]
	if len(w) == 0 {
		return nil
	}
	out := make([]float64, len(w))
	copy(out, w)
	return out
}

// Mean averages the window of key.
func (c *Cache) Mean(key string) (float64, bool) {
	w := c.Window(key)
	if len(w) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w)), true
}

// Reset forgets everything, so that a new record only sees fresh telemetry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalars = make(map[string]float64)
	c.windows = make(map[string][]float64)
}

// Len returns the number of keys with data.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.scalars) + len(c.windows)
}
