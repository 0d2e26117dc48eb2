package crawler

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterSettings caps requests per host within a sliding window.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

func (s RateLimiterSettings) enabled() bool {
	return s.Requests > 0 && s.Window > 0
}

// DomainLimiter spaces out requests per host: a fixed minimum delay between
// consecutive requests plus an optional token bucket. Slots are reserved
// under the lock, so concurrent waiters for one host queue up instead of
// dogpiling when their sleeps end.
type DomainLimiter struct {
	delay time.Duration
	rate  RateLimiterSettings

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	next   time.Time
	bucket *rate.Limiter
}

// NewDomainLimiter creates a limiter; zero delay and an empty rate config
// disable it.
func NewDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings) *DomainLimiter {
	return &DomainLimiter{
		delay: delay,
		rate:  rateCfg,
		hosts: make(map[string]*hostState),
	}
}

// Wait blocks until the URL's host may be contacted again. URLs without a
// recognizable host pass through unthrottled.
func (d *DomainLimiter) Wait(ctx context.Context, rawURL string) error {
	if d == nil || (d.delay <= 0 && !d.rate.enabled()) {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil
	}

	d.mu.Lock()
	st, ok := d.hosts[host]
	if !ok {
		st = &hostState{}
		if d.rate.enabled() {
			interval := d.rate.Window / time.Duration(d.rate.Requests)
			if interval <= 0 {
				interval = time.Millisecond
			}
			st.bucket = rate.NewLimiter(rate.Every(interval), d.rate.Requests)
		}
		d.hosts[host] = st
	}
	now := time.Now()
	slot := st.next
	if slot.Before(now) {
		slot = now
	}
	st.next = slot.Add(d.delay)
	bucket := st.bucket
	d.mu.Unlock()

	if wait := time.Until(slot); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if bucket != nil {
		return bucket.Wait(ctx)
	}
	return nil
}
