package breaker

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type lastGoodEntry[V any] struct {
	value    V
	storedAt time.Time
}

// LastGood keeps the most recent successful result per key so breaker
// fallbacks can serve it. Served values are always reported with their age.
type LastGood[K comparable, V any] struct {
	cache  *lru.Cache[K, lastGoodEntry[V]]
	maxAge time.Duration
	now    func() time.Time
}

// NewLastGood creates a bounded cache. maxAge of zero keeps entries until evicted.
func NewLastGood[K comparable, V any](size int, maxAge time.Duration) (*LastGood[K, V], error) {
	c, err := lru.New[K, lastGoodEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LastGood[K, V]{cache: c, maxAge: maxAge, now: time.Now}, nil
}

// Put records v as the latest good value for key.
func (l *LastGood[K, V]) Put(key K, v V) {
	l.cache.Add(key, lastGoodEntry[V]{value: v, storedAt: l.now()})
}

// Get returns the cached value and how old it is.
func (l *LastGood[K, V]) Get(key K) (V, time.Duration, bool) {
	e, ok := l.cache.Get(key)
	if !ok {
		var zero V
		return zero, 0, false
	}
	age := l.now().Sub(e.storedAt)
	if l.maxAge > 0 && age > l.maxAge {
		l.cache.Remove(key)
		var zero V
		return zero, 0, false
	}
	return e.value, age, true
}

// Len returns the number of cached entries.
func (l *LastGood[K, V]) Len() int { return l.cache.Len() }
