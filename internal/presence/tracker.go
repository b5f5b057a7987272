// Package presence implements typing indicators: a debounced outbound
// Signaler and a self-expiring inbound Tracker.
package presence

import (
	"sync"
	"time"
)

// Entry is the typing state of one conversation.
type Entry struct {
	Context   string
	Typing    bool
	Sender    string
	UpdatedAt time.Time
}

type tracked struct {
	entry Entry
	timer *time.Timer
	gen   uint64
}

type listener struct {
	context string
	fn      func(Entry)
}

// Tracker holds inbound typing state per conversation. An entry that is not
// refreshed within the timeout is cleared, so a peer that disconnects
// mid-typing does not leave a stale indicator behind.
type Tracker struct {
	self    string
	timeout time.Duration

	mu        sync.Mutex
	entries   map[string]*tracked
	listeners map[int]listener
	nextID    int
	gen       uint64
}

// NewTracker creates a tracker that ignores frames sent by self.
func NewTracker(self string, timeout time.Duration) *Tracker {
	return &Tracker{
		self:      self,
		timeout:   timeout,
		entries:   make(map[string]*tracked),
		listeners: make(map[int]listener),
	}
}

// Observe applies an inbound typing.status frame. It reports whether the
// visible state changed; a refresh of an active entry only extends it.
func (t *Tracker) Observe(context, sender string, isTyping bool) bool {
	if sender != "" && sender == t.self {
		return false
	}

	t.mu.Lock()
	cur, ok := t.entries[context]
	if !isTyping {
		if !ok {
			t.mu.Unlock()
			return false
		}
		cur.timer.Stop()
		delete(t.entries, context)
		cleared := Entry{Context: context, Sender: sender, UpdatedAt: time.Now()}
		fns := t.listenersLocked(context)
		t.mu.Unlock()
		notify(fns, cleared)
		return true
	}

	changed := !ok || cur.entry.Sender != sender
	if ok {
		cur.timer.Stop()
	} else {
		cur = &tracked{}
		t.entries[context] = cur
	}
	t.gen++
	gen := t.gen
	cur.gen = gen
	cur.entry = Entry{Context: context, Typing: true, Sender: sender, UpdatedAt: time.Now()}
	cur.timer = time.AfterFunc(t.timeout, func() { t.expire(context, gen) })
	entry := cur.entry
	var fns []func(Entry)
	if changed {
		fns = t.listenersLocked(context)
	}
	t.mu.Unlock()

	notify(fns, entry)
	return changed
}

// Get returns the current entry for context. The zero Entry means nobody is
// typing.
func (t *Tracker) Get(context string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[context]; ok {
		return cur.entry
	}
	return Entry{Context: context}
}

// OnPresence registers fn for changes to context, or to every context when
// context is empty. Callbacks run outside the tracker's lock, on the
// goroutine that caused the change (possibly an expiry timer).
func (t *Tracker) OnPresence(context string, fn func(Entry)) (cancel func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = listener{context: context, fn: fn}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Reset drops every entry and cancels pending expiries without notifying.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cur := range t.entries {
		cur.timer.Stop()
		delete(t.entries, key)
	}
}

func (t *Tracker) expire(context string, gen uint64) {
	t.mu.Lock()
	cur, ok := t.entries[context]
	if !ok || cur.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, context)
	cleared := Entry{Context: context, Sender: cur.entry.Sender, UpdatedAt: time.Now()}
	fns := t.listenersLocked(context)
	t.mu.Unlock()

	notify(fns, cleared)
}

func (t *Tracker) listenersLocked(context string) []func(Entry) {
	var fns []func(Entry)
	for _, l := range t.listeners {
		if l.context == "" || l.context == context {
			fns = append(fns, l.fn)
		}
	}
	return fns
}

func notify(fns []func(Entry), e Entry) {
	for _, fn := range fns {
		fn(e)
	}
}
