package gateway

import (
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// limiter is a fixed-window request counter per key. Windows live in a
// ttlcache so idle clients cost nothing after one window.
type limiter struct {
	limit   int64
	windows *ttlcache.Cache[string, *atomic.Int64]
}

func newLimiter(limit int, window time.Duration) *limiter {
	c := ttlcache.New(
		ttlcache.WithTTL[string, *atomic.Int64](window),
		// The window is fixed; reads must not extend it.
		ttlcache.WithDisableTouchOnHit[string, *atomic.Int64](),
	)
	go c.Start()
	return &limiter{limit: int64(limit), windows: c}
}

func (l *limiter) allow(key string) bool {
	item, _ := l.windows.GetOrSet(key, new(atomic.Int64))
	return item.Value().Add(1) <= l.limit
}

func (l *limiter) stop() {
	l.windows.Stop()
}
