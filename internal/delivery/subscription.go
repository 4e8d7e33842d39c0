package delivery

import (
	"errors"
	"sort"
	"sync"

	id "msgvault/pkg/domain"
)

// ErrSlowConsumer closes subscriptions whose queue overflowed. The consumer
// reconnects and resumes from its cursor; the hub never blocks a publisher
// waiting for a stalled socket.
var ErrSlowConsumer = errors.New("delivery: subscriber queue overflow")

// ErrHubClosed is reported on subscriptions torn down by hub shutdown.
var ErrHubClosed = errors.New("delivery: hub closed")

// ErrSessionDetached is reported when the session behind a subscription was
// revoked and the hub tore down its subscriptions.
var ErrSessionDetached = errors.New("delivery: session detached")

// ErrSequenceGap is reported when a gap in the live sequence outlives the
// subscription's pending buffer. The consumer resubscribes and replay fills
// the gap from the store.
var ErrSequenceGap = errors.New("delivery: sequence gap")

type subState int

const (
	// stateReplaying: catch-up in progress; live events park in pending.
	stateReplaying subState = iota
	// stateLive: events flow straight into the queue.
	stateLive
)

// Subscription is one consumer's ordered view of a thread. Events arrive on
// C in strict seq order with no duplicates. When Done closes, Err explains
// why; the consumer must stop reading C and detach.
type Subscription struct {
	ConnID    id.ConnectionID
	SessionID id.SessionID
	ThreadID  id.ThreadID

	out  chan Event
	done chan struct{}

	mu       sync.Mutex
	state    subState
	pending  []Event // parked live events, kept in ascending seq order
	lastSeq  uint64  // highest seq handed to out
	err      error
	isClosed bool
}

func newSubscription(connID id.ConnectionID, sessionID id.SessionID, threadID id.ThreadID, queueSize int, afterSeq uint64) *Subscription {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Subscription{
		ConnID:    connID,
		SessionID: sessionID,
		ThreadID:  threadID,
		out:       make(chan Event, queueSize),
		done:      make(chan struct{}),
		state:     stateReplaying,
		lastSeq:   afterSeq,
	}
}

// C is the event stream. It is never closed; select against Done.
func (s *Subscription) C() <-chan Event { return s.out }

// Done closes when the subscription is terminated.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the termination cause once Done is closed; nil means a clean
// consumer-initiated close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close terminates the subscription from the consumer side. The hub side
// still needs Detach to drop the registry entry.
func (s *Subscription) Close() {
	s.close(nil)
}

// close terminates the subscription, reporting whether this call won the
// race to do so.
func (s *Subscription) close(cause error) bool {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return false
	}
	s.isClosed = true
	s.err = cause
	s.pending = nil
	s.mu.Unlock()
	close(s.done)
	return true
}

func (s *Subscription) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// lastDelivered returns the highest seq handed to the consumer queue.
func (s *Subscription) lastDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// queueDepth reports the buffered event count, sampled for metrics.
func (s *Subscription) queueDepth() int {
	return len(s.out)
}

// offerLive handles one published event. During replay the event parks in
// pending; live, the next event in sequence goes straight to the queue and
// drains any parked successors. Commits happen in seq order but fan-out
// goroutines race, so an event can arrive ahead of its predecessor; it parks
// until the gap fills. overflow means drop as a slow consumer; stalled means
// the gap outlived the buffer and the subscriber must resync via replay.
func (s *Subscription) offerLive(ev Event) (delivered int, overflow, stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return 0, false, false
	}

	if s.state == stateReplaying {
		// Bounded by the same queue size: a consumer that cannot finish
		// replay while this much traffic accrues will not catch up.
		if len(s.pending) >= cap(s.out) {
			return 0, true, false
		}
		s.park(ev)
		return 0, false, false
	}

	if ev.Seq <= s.lastSeq {
		// Already delivered via replay; drop the duplicate.
		return 0, false, false
	}

	if ev.Seq > s.lastSeq+1 {
		// A slower publisher still holds the gap. If the buffer fills
		// before it lands, the gap will never close here.
		if len(s.pending) >= cap(s.out) {
			return 0, false, true
		}
		s.park(ev)
		return 0, false, false
	}

	select {
	case s.out <- ev:
		s.lastSeq = ev.Seq
		delivered = 1
	default:
		return 0, true, false
	}

	n, ovf := s.drainLocked()
	return delivered + n, ovf, false
}

// park inserts ev into pending at its seq position, dropping duplicates.
func (s *Subscription) park(ev Event) {
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].Seq >= ev.Seq })
	if i < len(s.pending) && s.pending[i].Seq == ev.Seq {
		return
	}
	s.pending = append(s.pending, Event{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = ev
}

// drainLocked hands parked events to the queue for as long as they extend
// the delivered sequence contiguously. Caller holds mu.
func (s *Subscription) drainLocked() (delivered int, overflow bool) {
	for len(s.pending) > 0 {
		next := s.pending[0]
		if next.Seq <= s.lastSeq {
			s.pending = s.pending[1:]
			continue
		}
		if next.Seq > s.lastSeq+1 {
			break
		}
		select {
		case s.out <- next:
			s.lastSeq = next.Seq
			s.pending = s.pending[1:]
			delivered++
		default:
			return delivered, true
		}
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return delivered, false
}

// offerReplay pushes one caught-up event. Replay runs before the consumer
// is told the stream is ready, but the queue can still fill if the batch
// outruns the reader; overflow applies the same slow-consumer rule.
func (s *Subscription) offerReplay(ev Event) (delivered bool, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return false, false
	}
	if ev.Seq <= s.lastSeq {
		return false, false
	}

	select {
	case s.out <- ev:
		s.lastSeq = ev.Seq
		return true, false
	default:
		return false, true
	}
}

// splice drains pending into the queue and flips the subscription live.
// Parked events beyond a sequence gap stay parked until live publishes fill
// the gap. Returns the number delivered and whether the queue overflowed.
func (s *Subscription) splice() (delivered int, overflow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return 0, false
	}

	delivered, overflow = s.drainLocked()
	s.state = stateLive
	return delivered, overflow
}

// caughtUp reports whether replay reached the earliest parked live event,
// meaning no more store reads are needed.
func (s *Subscription) caughtUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return false
	}
	return s.pending[0].Seq <= s.lastSeq+1
}
