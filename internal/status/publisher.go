package status

import (
	"log/slog"
	"sync"
	"time"

	"pos-sync-engine/internal/models"
)

// Callback receives sync status updates
type Callback func(models.SyncStatus)

// Publisher fans sync status changes out to subscribers.
// Each subscriber owns a single-slot mailbox drained by its own goroutine, so a
// slow subscriber only ever misses intermediate states and never blocks the
// publisher or other subscribers.
type Publisher struct {
	mu      sync.Mutex
	current models.SyncStatus
	subs    []*subscriber
	nextID  uint64
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

type subscriber struct {
	id       uint64
	callback Callback
	mailbox  chan models.SyncStatus
	done     chan struct{}
	stopOnce sync.Once
}

// NewPublisher creates a publisher holding the initial status
func NewPublisher(initial models.SyncStatus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if initial.Timestamp.IsZero() {
		initial.Timestamp = time.Now().UTC()
	}
	return &Publisher{
		current: initial,
		logger:  logger,
	}
}

// Subscribe registers callback and immediately queues the current status for it.
// The returned function unsubscribes; it is safe to call more than once.
func (p *Publisher) Subscribe(callback Callback) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return func() {}
	}

	p.nextID++
	sub := &subscriber{
		id:       p.nextID,
		callback: callback,
		mailbox:  make(chan models.SyncStatus, 1),
		done:     make(chan struct{}),
	}
	sub.mailbox <- p.current
	p.subs = append(p.subs, sub)

	p.wg.Add(1)
	go p.deliver(sub)

	return func() { p.unsubscribe(sub.id) }
}

// Publish replaces the current status and offers it to every subscriber in registration order
func (p *Publisher) Publish(status models.SyncStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishLocked(status)
}

// Update applies fn to a copy of the current status and publishes the result
func (p *Publisher) Update(fn func(status *models.SyncStatus)) models.SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.current
	fn(&next)
	next.Timestamp = time.Time{}
	p.publishLocked(next)
	return p.current
}

// Current returns the most recently published status
func (p *Publisher) Current() models.SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// SubscriberCount returns the number of active subscribers
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close stops every subscriber goroutine and waits for them to exit.
// Statuses still sitting in a mailbox are discarded.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	p.wg.Wait()
}

func (p *Publisher) publishLocked(status models.SyncStatus) {
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now().UTC()
	}
	p.current = status
	if p.closed {
		return
	}
	for _, sub := range p.subs {
		sub.offer(status)
	}
}

func (p *Publisher) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sub := range p.subs {
		if sub.id == id {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			sub.stop()
			return
		}
	}
}

func (p *Publisher) deliver(sub *subscriber) {
	defer p.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case status := <-sub.mailbox:
			p.invoke(sub, status)
		}
	}
}

func (p *Publisher) invoke(sub *subscriber, status models.SyncStatus) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Status subscriber panicked", "subscriber_id", sub.id, "panic", r)
		}
	}()
	sub.callback(status)
}

// offer replaces any undelivered status with the newer one.
// Only the publisher sends, always under its lock, so the loop settles on the second iteration at most.
func (s *subscriber) offer(status models.SyncStatus) {
	for {
		select {
		case s.mailbox <- status:
			return
		default:
		}
		select {
		case <-s.mailbox:
		default:
		}
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}
