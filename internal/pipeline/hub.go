package pipeline

import (
	"sync"
	"time"

	"livenessd/internal/gateway"
	"livenessd/internal/score"
)

// EventType distinguishes session events.
type EventType string

const (
	// EventSnapshot carries a newly published analyzer snapshot.
	EventSnapshot EventType = "snapshot"
	// EventScore carries a computed trust score.
	EventScore EventType = "score"
	// EventPending means an aggregation tick found inputs missing.
	EventPending EventType = "pending"
	// EventAnalysisError reports a recovered per-frame failure.
	EventAnalysisError EventType = "analysis_error"
	// EventStreamChanged means every analyzer was reset.
	EventStreamChanged EventType = "stream_changed"
	// EventEvaluation carries an evaluation outcome.
	EventEvaluation EventType = "evaluation"
	// EventState reports a lifecycle change.
	EventState EventType = "state"
)

// Event is published on a session's hub.
type Event struct {
	Type       EventType        `json:"type"`
	SessionID  string           `json:"session_id"`
	Analyzer   string           `json:"analyzer,omitempty"`
	Snapshot   any              `json:"snapshot,omitempty"`
	Score      *score.Result    `json:"score,omitempty"`
	Evaluation *gateway.Outcome `json:"evaluation,omitempty"`
	State      State            `json:"state,omitempty"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

// DefaultSubscriberBuffer is the channel depth of a subscription.
const DefaultSubscriberBuffer = 64

// Droppable reports whether a lossless subscriber may still skip an event
// of this type when it falls behind. Snapshots and per-tick notices are
// superseded by the next one; scores, evaluations and state changes are not.
func (t EventType) Droppable() bool {
	switch t {
	case EventSnapshot, EventPending, EventAnalysisError:
		return true
	}
	return false
}

// Hub fans session events out to subscribers. Publishing never blocks.
// A plain subscriber whose buffer is full misses the event; a lossless
// subscriber queues it.
type Hub struct {
	mu       sync.Mutex
	subs     map[int]chan Event
	lossless map[int]*eventQueue
	nextID   int
	closed   bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[int]chan Event),
		lossless: make(map[int]*eventQueue),
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed when the hub closes or the
// subscription is cancelled.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// SubscribeLossless is Subscribe for consumers that must see every
// lifecycle event, such as persistence sinks. Non-droppable events are
// queued without bound until the consumer reads them; droppable ones are
// skipped once more than backlog events are waiting. When the hub closes,
// the queue drains before the channel closes. Cancelling discards it.
func (h *Hub) SubscribeLossless(backlog int) (<-chan Event, func()) {
	if backlog <= 0 {
		backlog = DefaultSubscriberBuffer
	}
	q := newEventQueue(backlog)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		q.close()
		go q.pump()
		return q.out, func() {}
	}
	id := h.nextID
	h.nextID++
	h.lossless[id] = q
	h.mu.Unlock()

	go q.pump()

	var once sync.Once
	return q.out, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.lossless, id)
			h.mu.Unlock()
			q.abort()
		})
	}
}

// Publish delivers e to every subscriber that has room and queues it for
// lossless subscribers.
func (h *Hub) Publish(e Event) {
	if e.Err != nil && e.Error == "" {
		e.Error = e.Err.Error()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
	for _, q := range h.lossless {
		q.push(e)
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) + len(h.lossless)
}

// Close closes every subscription. Later subscriptions are closed
// immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	for id, q := range h.lossless {
		q.close()
		delete(h.lossless, id)
	}
}

// eventQueue backs a lossless subscription. pump moves queued events to
// out one at a time.
type eventQueue struct {
	mu      sync.Mutex
	items   []Event
	backlog int
	closed  bool
	wake    chan struct{}
	stop    chan struct{}
	out     chan Event
}

func newEventQueue(backlog int) *eventQueue {
	return &eventQueue{
		backlog: backlog,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		out:     make(chan Event),
	}
}

func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	if q.closed || (e.Type.Droppable() && len(q.items) >= q.backlog) {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events; pump drains what is queued.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// abort stops pump without draining.
func (q *eventQueue) abort() {
	q.close()
	close(q.stop)
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		e := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- e:
		case <-q.stop:
			return
		}
	}
}
