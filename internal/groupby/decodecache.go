package groupby

import (
	"container/list"
	"sync"
)

// decodeCache memoizes decoded BatchIR/raw values by (dataset, keyBytes)
// for the lifetime of a single FetchGroupBys call, generalizing the
// teacher's DownloadCache (LRU-by-size-in-bytes) to LRU-by-entry-count:
// a decoded BatchIR isn't file-sized, but the same eviction discipline
// applies. This is what lets the Join Planner's request-level dedup
// also avoid redundant decode work when two join parts happen to derive
// identical (dataset, keyBytes) pairs.
type decodeCache struct {
	mu       sync.Mutex
	maxItems int
	items    map[string]*list.Element
	order    *list.List
}

type decodeCacheEntry struct {
	key   string
	value interface{}
}

func newDecodeCache(maxItems int) *decodeCache {
	if maxItems <= 0 {
		maxItems = 256
	}
	return &decodeCache{
		maxItems: maxItems,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func decodeCacheKey(dataset string, keyBytes []byte) string {
	return dataset + "\x00" + string(keyBytes)
}

// getOrDecode returns the cached value for (dataset, keyBytes), calling
// decode() and storing its result on a miss. decode errors are not
// cached, so a transient decode failure can be retried.
func (c *decodeCache) getOrDecode(dataset string, keyBytes []byte, decode func() (interface{}, error)) (interface{}, error) {
	key := decodeCacheKey(dataset, keyBytes)

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		v := elem.Value.(*decodeCacheEntry).value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := decode()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		elem.Value.(*decodeCacheEntry).value = v
		c.order.MoveToFront(elem)
		return v, nil
	}
	elem := c.order.PushFront(&decodeCacheEntry{key: key, value: v})
	c.items[key] = elem
	if c.order.Len() > c.maxItems {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*decodeCacheEntry).key)
		}
	}
	return v, nil
}
