package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// submitLimiter rate-limits block submissions per client IP. Limiters for
// idle clients are dropped by a background sweep.
type submitLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	stopChan chan struct{}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newSubmitLimiter(perSecond float64, burst int) *submitLimiter {
	l := &submitLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		clients:  make(map[string]*clientLimiter),
		stopChan: make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether a submission from ip may proceed.
func (l *submitLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	client, ok := l.clients[ip]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = client
	}
	client.lastSeen = time.Now()
	return client.limiter.Allow()
}

func (l *submitLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for ip, client := range l.clients {
				if client.lastSeen.Before(cutoff) {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *submitLimiter) Stop() {
	close(l.stopChan)
}
