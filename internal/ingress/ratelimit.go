package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentbook/agentbook/internal/cryptoid"
)

// DM rate limiting: token bucket, capacity 30, refilling at 10 per minute
// per sender (spec §4.2).
const (
	dmBucketCapacity = 30
	dmRefillPerMin   = 10
)

// Room rate limiting: 20 messages per minute plus a 3-second minimum
// interval between messages from the same sender in the same room
// (spec §4.2).
const (
	roomBucketCapacity = 20
	roomRefillPerMin   = 20
	roomMinInterval    = 3 * time.Second
)

// DMLimiter enforces the per-sender DM token bucket. It is safe for
// concurrent use and grows one limiter per sender on first use, in the
// manner of golang.org/x/time/rate.Limiter used elsewhere in the stack for
// throughput shaping (see the teacher's rate-limited transfer readers).
type DMLimiter struct {
	mu           sync.Mutex
	refillPerMin float64
	capacity     int
	limiters     map[cryptoid.NodeID]*rate.Limiter
}

// NewDMLimiter creates an empty per-sender DM rate limiter set refilling
// at refillPerMin tokens/minute up to capacity.
func NewDMLimiter(refillPerMin float64, capacity int) *DMLimiter {
	return &DMLimiter{
		refillPerMin: refillPerMin,
		capacity:     capacity,
		limiters:     make(map[cryptoid.NodeID]*rate.Limiter),
	}
}

// Allow reports whether sender may send another DM right now, consuming a
// token if so.
func (d *DMLimiter) Allow(sender cryptoid.NodeID) bool {
	d.mu.Lock()
	limiter, ok := d.limiters[sender]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.refillPerMin/60.0), d.capacity)
		d.limiters[sender] = limiter
	}
	d.mu.Unlock()
	return limiter.Allow()
}

// roomSender identifies a (room, sender) pair for per-room rate limiting.
type roomSender struct {
	room   string
	sender cryptoid.NodeID
}

// RoomLimiter enforces both the per-(room,sender) message-per-minute
// budget and the minimum interval between consecutive messages.
type RoomLimiter struct {
	mu       sync.Mutex
	limiters map[roomSender]*rate.Limiter
	lastSent map[roomSender]time.Time
}

// NewRoomLimiter creates an empty per-(room,sender) rate limiter set.
func NewRoomLimiter() *RoomLimiter {
	return &RoomLimiter{
		limiters: make(map[roomSender]*rate.Limiter),
		lastSent: make(map[roomSender]time.Time),
	}
}

// Allow reports whether sender may post to room right now.
func (r *RoomLimiter) Allow(room string, sender cryptoid.NodeID, now time.Time) bool {
	key := roomSender{room: room, sender: sender}

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastSent[key]; ok && now.Sub(last) < roomMinInterval {
		return false
	}

	limiter, ok := r.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(roomRefillPerMin)/60.0), roomBucketCapacity)
		r.limiters[key] = limiter
	}
	if !limiter.AllowN(now, 1) {
		return false
	}

	r.lastSent[key] = now
	return true
}
