package syncer

import (
	"sync"
	"time"

	"github.com/hazyhaar/sourcesync/errclass"
)

// Event is one progress notification. Seq increases by one per event within
// a run, so subscribers can detect dropped IN_PROGRESS events.
type Event struct {
	AccountID      string            `json:"account_id"`
	RunID          string            `json:"run_id"`
	Mode           Mode              `json:"mode"`
	Status         Status            `json:"status"`
	Seq            int               `json:"seq"`
	PagesProcessed int               `json:"pages_processed"`
	PostsFound     int               `json:"posts_found"`
	NewItemsAdded  int               `json:"new_items_added"`
	OldestItemAt   int64             `json:"oldest_item_at,omitempty"`
	ErrorCategory  errclass.Category `json:"error_category,omitempty"`
	Error          string            `json:"error,omitempty"`
	At             int64             `json:"at"`
}

// Subscription receives events for one account, or all accounts when
// subscribed with an empty account id. C is never closed; stop with Close.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	account string
	done    chan struct{}
	once    sync.Once
	bus     *Bus
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Bus fans progress events out to subscribers. Events of one account reach
// each subscriber in publish order. Non-terminal events are dropped for a
// subscriber whose buffer is full; terminal events wait up to the terminal
// timeout for room.
type Bus struct {
	mu           sync.RWMutex
	subs         map[*Subscription]struct{}
	terminalWait time.Duration
}

// NewBus creates a Bus. terminalWait <= 0 defaults to 2s.
func NewBus(terminalWait time.Duration) *Bus {
	if terminalWait <= 0 {
		terminalWait = 2 * time.Second
	}
	return &Bus{subs: make(map[*Subscription]struct{}), terminalWait: terminalWait}
}

// Subscribe registers a subscriber. buffer <= 0 defaults to 64.
func (b *Bus) Subscribe(accountID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, account: accountID, done: make(chan struct{}), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Publish delivers ev. A subscriber that is not listening misses it.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.account == "" || s.account == ev.AccountID {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !ev.Status.Terminal() {
			select {
			case s.ch <- ev:
			case <-s.done:
			default:
			}
			continue
		}
		t := time.NewTimer(b.terminalWait)
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-t.C:
		}
		t.Stop()
	}
}
