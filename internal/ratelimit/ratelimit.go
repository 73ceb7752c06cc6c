// Package ratelimit throttles inbound gossip per source peer: default
// 50 messages per 10s window. Exceeding the limit drops the message
// without closing the connection.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nodalync/nodalync/internal/protocolcrypto"
)

// DefaultBurst and DefaultWindow give 50 messages per 10 second window.
const (
	DefaultBurst    = 50
	DefaultWindow   = 10 * time.Second
	defaultIdleReap = 10 * time.Minute
)

// PerPeer limits inbound messages independently for each source peer,
// evicting idle peer buckets so long-lived daemons do not accumulate an
// unbounded map of limiters for peers that disappeared.
type PerPeer struct {
	mu       sync.Mutex
	limiters map[protocolcrypto.PeerID]*bucket
	rate     rate.Limit
	burst    int
	idleReap time.Duration
}

type bucket struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// New constructs a PerPeer limiter allowing burst messages per window,
// refilling continuously at burst/window per second thereafter.
func New(burst int, window time.Duration) *PerPeer {
	if burst <= 0 {
		burst = DefaultBurst
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &PerPeer{
		limiters: make(map[protocolcrypto.PeerID]*bucket),
		rate:     rate.Limit(float64(burst) / window.Seconds()),
		burst:    burst,
		idleReap: defaultIdleReap,
	}
}

// Allow reports whether a message from peer may proceed right now,
// consuming one token from that peer's bucket if so.
func (p *PerPeer) Allow(peer protocolcrypto.PeerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.limiters[peer]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(p.rate, p.burst)}
		p.limiters[peer] = b
	}
	b.lastUse = time.Now()
	p.reapLocked(b.lastUse)
	return b.limiter.Allow()
}

// reapLocked drops buckets untouched for longer than idleReap. Caller
// must hold p.mu.
func (p *PerPeer) reapLocked(now time.Time) {
	for peer, b := range p.limiters {
		if now.Sub(b.lastUse) > p.idleReap {
			delete(p.limiters, peer)
		}
	}
}

// Tracked returns the number of peers currently holding a bucket.
func (p *PerPeer) Tracked() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}
