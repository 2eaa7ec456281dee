package p2p

import (
	"sync"
	"time"
)

const (
	// BanThreshold is the score at which a peer is disconnected and banned.
	BanThreshold = 100
	// ThrottleThreshold is the score at which reads from a peer slow down;
	// ThrottleDelay is the pause inserted before each subsequent read.
	ThrottleThreshold = 50
	ThrottleDelay     = 500 * time.Millisecond
	// BanDuration is how long a ban persists before release.
	BanDuration = 24 * time.Hour

	// banScoreDecayPerMinute slowly forgives old offenses.
	banScoreDecayPerMinute = 1
)

// BanScore accumulates misbehavior for one peer. Scores decay one point a
// minute so an occasional malformed message does not eventually ban an
// honest peer.
type BanScore struct {
	mu          sync.Mutex
	score       uint32
	lastUpdated time.Time
}

func (b *BanScore) Score(now time.Time) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decayTo(now)
	return b.score
}

func (b *BanScore) Add(now time.Time, delta uint32) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.decayTo(now)
	if b.score > BanThreshold*10-delta {
		b.score = BanThreshold * 10 // bounded; no overflow from repeat offenders
	} else {
		b.score += delta
	}
	return b.score
}

func (b *BanScore) ShouldBan(now time.Time) bool {
	return b.Score(now) >= BanThreshold
}

func (b *BanScore) ShouldThrottle(now time.Time) bool {
	return b.Score(now) >= ThrottleThreshold
}

func (b *BanScore) decayTo(now time.Time) {
	if b.lastUpdated.IsZero() || now.Before(b.lastUpdated) {
		b.lastUpdated = now
		return
	}
	minutes := uint32(now.Sub(b.lastUpdated) / time.Minute)
	if minutes == 0 {
		return
	}
	dec := minutes * banScoreDecayPerMinute
	if dec >= b.score {
		b.score = 0
	} else {
		b.score -= dec
	}
	b.lastUpdated = now
}
