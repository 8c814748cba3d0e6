// Package notify fans user-visible notifications out to subscribers.
package notify

import (
	"fmt"
	"sync"
	"time"
)

// Priority orders notifications for display.
type Priority int

const (
	// PriorityNormal is informational.
	PriorityNormal Priority = iota

	// PriorityError reports a failure the user should act on.
	PriorityError
)

// String returns the priority name.
func (p Priority) String() string {
	if p == PriorityError {
		return "error"
	}

	return "normal"
}

// Notification is one time-stamped message for the user.
type Notification struct {
	Time     time.Time
	Priority Priority
	Message  string
}

// String formats the notification for a status line.
func (n Notification) String() string {
	return fmt.Sprintf("[%s] %s", n.Time.Format(time.TimeOnly), n.Message)
}

// Hub delivers notifications to every subscriber. Delivery never blocks:
// a subscriber whose buffer is full misses the notification.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Notification
	now    func() time.Time
}

// NewHub creates a hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]chan Notification),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// function unsubscribes and closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Notification, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	ch := make(chan Notification, buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			delete(h.subs, id)
			close(ch)
		})
	}
}

// Notify posts a notification stamped with the current time.
func (h *Hub) Notify(p Priority, msg string) {
	n := Notification{
		Time:     h.now(),
		Priority: p,
		Message:  msg,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
