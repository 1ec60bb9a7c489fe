package journal

import (
	"errors"
	"sync"

	"github.com/vinayprograms/aios/internal/event"
)

// ErrLagged reports a subscriber whose live buffer overflowed. The
// client must reconnect with a new cursor.
var ErrLagged = errors.New("subscriber lagged")

// subscriberBuffer is the live queue capacity per subscriber.
const subscriberBuffer = 256

// Subscription is a gap-free, in-order stream of one branch's records.
// The channel first delivers every persisted record past the cursor,
// then live appends. After the channel closes, Err reports why.
type Subscription struct {
	C <-chan *event.Record

	out    chan *event.Record
	sub    *subscriber
	done   chan struct{}
	mu     sync.Mutex
	err    error
	closed bool
}

// Err returns the terminal error, if any, after C is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.sub.detach()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// subscriber is the hub-side endpoint. The queue is written under the
// branch writer lock; overflow marks the subscriber lagged.
type subscriber struct {
	queue   chan *event.Record
	bl      *branchLog
	once    sync.Once
	lagOnce sync.Once
	lagged  chan struct{}
}

func (sub *subscriber) lag() {
	sub.lagOnce.Do(func() { close(sub.lagged) })
}

func (sub *subscriber) detach() {
	sub.once.Do(func() {
		sub.bl.mu.Lock()
		for i, s := range sub.bl.subs {
			if s == sub {
				sub.bl.subs = append(sub.bl.subs[:i], sub.bl.subs[i+1:]...)
				break
			}
		}
		sub.bl.mu.Unlock()
		close(sub.queue)
	})
}

// publish forwards a freshly persisted record to every live subscriber.
// Callers hold bl.mu, so queue order equals sequence order. A full
// queue lags the subscriber out rather than blocking the writer.
func (bl *branchLog) publish(rec *event.Record) {
	for _, sub := range bl.subs {
		select {
		case sub.queue <- rec:
		default:
			sub.lag()
		}
	}
}

// Subscribe returns a stream that backfills all persisted records with
// sequence > fromCursor, then transitions gap-free to live tail. The
// head snapshot and hub registration happen under the writer lock, so
// the subscriber observes every sequence exactly once, in order.
func (j *Journal) Subscribe(sessionID, branchID string, fromCursor uint64) (*Subscription, error) {
	sl, err := j.session(sessionID)
	if err != nil {
		return nil, err
	}
	bl, err := sl.branch(branchID)
	if err != nil {
		return nil, err
	}

	sub := &subscriber{
		queue:  make(chan *event.Record, subscriberBuffer),
		bl:     bl,
		lagged: make(chan struct{}),
	}

	bl.mu.Lock()
	head := bl.head
	var offset int64 = -1
	if fromCursor < head {
		offset = bl.offsets[fromCursor]
	}
	bl.subs = append(bl.subs, sub)
	bl.mu.Unlock()

	out := make(chan *event.Record)
	s := &Subscription{C: out, out: out, sub: sub, done: make(chan struct{})}

	go func() {
		defer close(out)
		defer sub.detach()

		// Backfill the persisted range (fromCursor, head] from storage.
		if offset >= 0 {
			records, err := bl.readFrom(offset, fromCursor+1, head, int(head-fromCursor))
			if err != nil {
				s.fail(err)
				return
			}
			for _, rec := range records {
				select {
				case out <- rec:
				case <-sub.lagged:
					s.fail(ErrLagged)
					return
				case <-s.done:
					return
				}
			}
		}

		// Live tail: drain the buffered queue, then forward appends.
		for {
			select {
			case rec, ok := <-sub.queue:
				if !ok {
					return
				}
				select {
				case out <- rec:
				case <-sub.lagged:
					s.fail(ErrLagged)
					return
				case <-s.done:
					return
				}
			case <-sub.lagged:
				// Drain what is already buffered before reporting the gap.
				for {
					select {
					case rec, ok := <-sub.queue:
						if !ok {
							s.fail(ErrLagged)
							return
						}
						select {
						case out <- rec:
						default:
							s.fail(ErrLagged)
							return
						}
					default:
						s.fail(ErrLagged)
						return
					}
				}
			}
		}
	}()

	return s, nil
}
