// Package connectivity tracks whether the sync server is reachable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor holds the current online flag. Subscribers receive the new value on
// every change; a slow subscriber only ever sees the latest value.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewMonitor creates a monitor starting in the given state
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and notifies subscribers if it changed
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		// replace an unread value with the newer one
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel of state changes and a function that ends the
// subscription. The channel is closed by the cancel function.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// Checker is anything that can tell whether the server answers
type Checker interface {
	Healthz(ctx context.Context) error
}

// Probe checks c every interval and feeds the result into m until ctx is done.
// The first check runs immediately.
func Probe(ctx context.Context, m *Monitor, c Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.Healthz(checkCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		online := err == nil
		if online != m.Online() {
			if online {
				log.Info().Msg("sync server reachable")
			} else {
				log.Warn().Err(err).Msg("sync server unreachable")
			}
		}
		m.Set(online)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
