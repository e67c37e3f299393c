package embedding

import (
	"container/list"
	"sync"
)

// lruCache keeps recently embedded texts and their vectors. Chunk texts
// repeat whenever a patient's reports are re-indexed, and chat questions
// arrive verbatim more than once, so a small cache removes most backend
// round trips.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	byText   map[string]*list.Element
	order    *list.List // front = most recently used
}

type cachedVector struct {
	text   string
	vector []float32
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		byText:   make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached vector for text. A hit promotes the entry, which
// mutates the recency list, so Get takes the write lock.
func (c *lruCache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byText[text]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cachedVector).vector, true
}

// Set stores the vector for text, evicting the least recently used entry
// once the cache is full.
func (c *lruCache) Set(text string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byText[text]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cachedVector).vector = vector
		return
	}

	c.byText[text] = c.order.PushFront(&cachedVector{text: text, vector: vector})
	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.byText, oldest.Value.(*cachedVector).text)
		}
	}
}
