package kafka

import "sync"

// Limiter counts unresolved submissions. A claim stops reading new messages
// while the limiter is full and resumes as submissions resolve.
type Limiter struct {
	mu       sync.Mutex
	capacity int64
	inFlight int64
}

func NewLimiter(capacity int64) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{capacity: capacity}
}

func (l *Limiter) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight < l.capacity
}

// Take records one more submission in flight. Concurrent claims may take
// past capacity by at most one each.
func (l *Limiter) Take() {
	l.mu.Lock()
	l.inFlight++
	l.mu.Unlock()
}

func (l *Limiter) Release(n int64) {
	l.mu.Lock()
	l.inFlight -= n
	if l.inFlight < 0 {
		l.inFlight = 0
	}
	l.mu.Unlock()
}

func (l *Limiter) InFlight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}
