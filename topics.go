package coursepath

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Topic is a server-side channel path, e.g. "conversation/17/notifications".
type Topic string

// ErrRegistryClosed is returned by Acquire once the registry has been closed.
var ErrRegistryClosed = errors.New("topic registry closed")

// leaseBufferSize bounds how far a lease may lag behind its topic. Payloads
// arriving at a full lease are dropped for that lease only.
const leaseBufferSize = 64

// unsubscribeTimeout bounds the unsubscribe call made on the last release.
const unsubscribeTimeout = 10 * time.Second

// resubscribeTimeout bounds each subscribe made to reattach a topic whose
// source channel was closed by the connection.
const resubscribeTimeout = 10 * time.Second

// PushConn is the persistent push connection the registry subscribes on.
// A subscription channel delivers raw payloads in arrival order and is closed
// when the topic is unsubscribed or the connection is shut down for good.
//
// If the connection also has an OnConnected(func()) method, the registry
// reattaches its dropped topics every time it fires.
type PushConn interface {
	Subscribe(ctx context.Context, topic Topic) (<-chan []byte, error)
	Unsubscribe(ctx context.Context, topic Topic) error
	Send(ctx context.Context, destination string, payload []byte) error
}

// ============================================================================
// Lease
// ============================================================================

// Lease is one holder's claim on a topic. Payloads arrive on Events until the
// lease is released.
type Lease struct {
	topic    Topic
	ch       chan []byte
	done     chan struct{}
	doneOnce sync.Once
	dropped  *atomic.Uint64
}

func newLease(topic Topic) *Lease {
	return &Lease{
		topic:   topic,
		ch:      make(chan []byte, leaseBufferSize),
		done:    make(chan struct{}),
		dropped: atomic.NewUint64(0),
	}
}

// Topic returns the leased topic.
func (l *Lease) Topic() Topic { return l.topic }

// Events delivers raw payloads for the topic. The channel is never closed;
// select on Done as well.
func (l *Lease) Events() <-chan []byte { return l.ch }

// Done is closed once the lease has been released.
func (l *Lease) Done() <-chan struct{} { return l.done }

// Dropped counts the payloads lost because the holder fell behind.
func (l *Lease) Dropped() uint64 { return l.dropped.Load() }

func (l *Lease) markReleased() {
	l.doneOnce.Do(func() { close(l.done) })
}

// ============================================================================
// TopicRegistry
// ============================================================================

type topicEntry struct {
	topic  Topic
	refs   int
	cancel context.CancelFunc

	// src is nil while the topic is detached: its source channel was closed
	// by the connection and it is no longer subscribed there. Leases stay
	// attached to the entry and resume once the topic is subscribed again.
	src <-chan []byte

	// leases is written on the serial worker and read by the fanout.
	mu     sync.RWMutex
	leases map[*Lease]struct{}
}

func (e *topicEntry) snapshot() []*Lease {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Lease, 0, len(e.leases))
	for l := range e.leases {
		out = append(out, l)
	}
	return out
}

// TopicRegistry reference-counts topic subscriptions on a shared PushConn.
// The first lease on a topic subscribes it, the last release unsubscribes it.
//
// All bookkeeping runs on a single worker, so subscribe and unsubscribe calls
// for the same topic never race. Release never runs inline: it is queued
// behind whatever the worker is doing and reports completion on a channel.
type TopicRegistry struct {
	conn   PushConn
	logger zerolog.Logger
	serial *workerpool.WorkerPool

	mu     sync.Mutex // guards closed and submissions to serial
	closed bool

	// topics is only touched on the serial worker.
	topics map[Topic]*topicEntry
}

// NewTopicRegistry creates a registry over conn.
func NewTopicRegistry(conn PushConn, logger zerolog.Logger) *TopicRegistry {
	r := &TopicRegistry{
		conn:   conn,
		logger: logger.With().Str("component", "topic-registry").Logger(),
		serial: workerpool.New(1),
		topics: make(map[Topic]*topicEntry),
	}
	if src, ok := conn.(interface{ OnConnected(func()) }); ok {
		src.OnConnected(func() {
			r.submit(func() {
				if err := r.reattachAll(); err != nil {
					r.logger.Warn().Err(err).Msg("resubscribe after connect failed")
				}
			})
		})
	}
	return r
}

// submit queues op on the serial worker. It reports false once the registry
// is closed.
func (r *TopicRegistry) submit(op func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.serial.Submit(op)
	return true
}

// Acquire leases topic, subscribing it on the connection if nobody holds it
// yet. Subscribe failures are returned and leave no state behind.
func (r *TopicRegistry) Acquire(ctx context.Context, topic Topic) (*Lease, error) {
	type result struct {
		lease *Lease
		err   error
	}
	resCh := make(chan result, 1)
	ok := r.submit(func() {
		lease, err := r.acquire(ctx, topic)
		resCh <- result{lease, err}
	})
	if !ok {
		return nil, ErrRegistryClosed
	}

	select {
	case res := <-resCh:
		return res.lease, res.err
	case <-ctx.Done():
		// The op may still succeed; hand the lease straight back.
		go func() {
			if res := <-resCh; res.lease != nil {
				r.Release(res.lease)
			}
		}()
		return nil, ctx.Err()
	}
}

func (r *TopicRegistry) acquire(ctx context.Context, topic Topic) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lease := newLease(topic)
	if entry, ok := r.topics[topic]; ok {
		if entry.src == nil {
			if err := r.attach(ctx, entry); err != nil {
				return nil, err
			}
		}
		entry.mu.Lock()
		entry.leases[lease] = struct{}{}
		entry.mu.Unlock()
		entry.refs++
		r.logger.Debug().Str("topic", string(topic)).Int("refs", entry.refs).Msg("topic lease added")
		return lease, nil
	}

	src, err := r.conn.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	entry := &topicEntry{
		topic:  topic,
		refs:   1,
		leases: map[*Lease]struct{}{lease: {}},
	}
	r.topics[topic] = entry
	r.start(entry, src)

	r.logger.Debug().Str("topic", string(topic)).Msg("topic subscribed")
	return lease, nil
}

func (r *TopicRegistry) start(entry *topicEntry, src <-chan []byte) {
	fanCtx, cancel := context.WithCancel(context.Background())
	entry.src = src
	entry.cancel = cancel
	go r.fanout(fanCtx, entry, src)
}

// attach subscribes a detached entry again.
func (r *TopicRegistry) attach(ctx context.Context, entry *topicEntry) error {
	src, err := r.conn.Subscribe(ctx, entry.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", entry.topic, err)
	}
	r.start(entry, src)
	r.logger.Debug().Str("topic", string(entry.topic)).Int("refs", entry.refs).Msg("topic reattached")
	return nil
}

// detach runs on the serial worker after src was closed by the connection.
// It subscribes the topic again right away; if that fails the entry stays
// detached until the next Acquire, Resubscribe or connect.
func (r *TopicRegistry) detach(entry *topicEntry, src <-chan []byte) {
	if r.topics[entry.topic] != entry || entry.src != src {
		return
	}
	entry.cancel()
	entry.src = nil

	ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
	defer cancel()
	if err := r.attach(ctx, entry); err != nil {
		r.logger.Info().Err(err).Str("topic", string(entry.topic)).Msg("topic dropped by connection, waiting to resubscribe")
	}
}

func (r *TopicRegistry) reattachAll() error {
	var result *multierror.Error
	for _, entry := range r.topics {
		if entry.src != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
		err := r.attach(ctx, entry)
		cancel()
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Resubscribe subscribes every topic that the connection dropped while
// leases were still held on it.
func (r *TopicRegistry) Resubscribe(ctx context.Context) error {
	errCh := make(chan error, 1)
	if !r.submit(func() { errCh <- r.reattachAll() }) {
		return ErrRegistryClosed
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanout copies payloads from the connection to every live lease, preserving
// arrival order per lease. It never waits on a lease: a full lease loses the
// payload and the others still get it.
func (r *TopicRegistry) fanout(ctx context.Context, entry *topicEntry, src <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-src:
			if !ok {
				r.logger.Debug().Str("topic", string(entry.topic)).Msg("topic source closed")
				r.submit(func() { r.detach(entry, src) })
				return
			}
			for _, l := range entry.snapshot() {
				select {
				case l.ch <- payload:
				case <-l.done:
				default:
					if n := l.dropped.Inc(); n == 1 || n%100 == 0 {
						r.logger.Warn().Str("topic", string(entry.topic)).Uint64("dropped", n).Msg("lease is not keeping up, dropping payload")
					}
				}
			}
		}
	}
}

// Release gives up a lease. The lease stops receiving immediately; the
// bookkeeping (and the unsubscribe on the last release) runs on the serial
// worker, and the returned channel is closed when it has. Releasing a lease
// twice is a no-op.
func (r *TopicRegistry) Release(lease *Lease) <-chan struct{} {
	done := make(chan struct{})
	if lease == nil {
		close(done)
		return done
	}
	lease.markReleased()
	ok := r.submit(func() {
		defer close(done)
		r.release(lease)
	})
	if !ok {
		close(done)
	}
	return done
}

func (r *TopicRegistry) release(lease *Lease) {
	entry, ok := r.topics[lease.topic]
	if !ok {
		return
	}
	entry.mu.Lock()
	_, held := entry.leases[lease]
	delete(entry.leases, lease)
	entry.mu.Unlock()
	if !held {
		return
	}

	entry.refs--
	if entry.refs > 0 {
		r.logger.Debug().Str("topic", string(lease.topic)).Int("refs", entry.refs).Msg("topic lease released")
		return
	}

	delete(r.topics, lease.topic)
	if entry.src == nil {
		r.logger.Debug().Str("topic", string(lease.topic)).Msg("detached topic forgotten")
		return
	}
	entry.cancel()
	if err := r.unsubscribe(lease.topic); err != nil {
		r.logger.Warn().Err(err).Str("topic", string(lease.topic)).Msg("unsubscribe failed")
		return
	}
	r.logger.Debug().Str("topic", string(lease.topic)).Msg("topic unsubscribed")
}

func (r *TopicRegistry) unsubscribe(topic Topic) error {
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := r.conn.Unsubscribe(ctx, topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Topics returns the topics currently subscribed on the connection, sorted.
// Topics the connection dropped are left out until they are reattached.
func (r *TopicRegistry) Topics() []Topic {
	var out []Topic
	r.query(func() {
		for t, e := range r.topics {
			if e.src != nil {
				out = append(out, t)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RefCount returns the number of live leases on topic, attached or not.
func (r *TopicRegistry) RefCount(topic Topic) int {
	var n int
	r.query(func() {
		if e, ok := r.topics[topic]; ok {
			n = e.refs
		}
	})
	return n
}

// query runs fn on the serial worker and waits for it.
func (r *TopicRegistry) query(fn func()) {
	done := make(chan struct{})
	if !r.submit(func() {
		defer close(done)
		fn()
	}) {
		return
	}
	<-done
}

// Close unsubscribes every remaining topic and stops the serial worker.
// Leases still held are released. Operations already queued run first.
func (r *TopicRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true

	var result *multierror.Error
	r.serial.Submit(func() {
		for topic, entry := range r.topics {
			for _, l := range entry.snapshot() {
				l.markReleased()
			}
			delete(r.topics, topic)
			if entry.src == nil {
				continue
			}
			entry.cancel()
			if err := r.unsubscribe(topic); err != nil {
				result = multierror.Append(result, err)
			}
		}
	})
	r.mu.Unlock()

	r.serial.StopWait()
	return result.ErrorOrNil()
}
