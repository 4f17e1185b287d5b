package realtime

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Deduper remembers recently seen event identities in a bounded LRU. Events
// are placed in time by their own Timestamp, or by the arrival clock when
// they carry none. A repeat whose time lies within window of the remembered
// one is rejected, so a late redelivery of the same change is dropped no
// matter how long the transport held it.
type Deduper struct {
	mu     sync.Mutex
	seen   *lru.Cache[string, time.Time]
	window time.Duration
	now    Clock
}

func NewDeduper(capacity int, window time.Duration, now Clock) (*Deduper, error) {
	seen, err := lru.New[string, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &Deduper{seen: seen, window: window, now: now}, nil
}

// Admit reports whether ev should be processed and records it if so.
func (d *Deduper) Admit(ev ChangeEvent) bool {
	key := ev.Key()
	at := ev.Timestamp
	if at.IsZero() {
		at = d.now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.seen.Get(key); ok {
		gap := at.Sub(prev)
		if gap < 0 {
			gap = -gap
		}
		if gap < d.window {
			return false
		}
	}
	d.seen.Add(key, at)
	return true
}

// Len returns the number of remembered identities.
func (d *Deduper) Len() int {
	return d.seen.Len()
}
