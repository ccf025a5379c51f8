package coursepath

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrFeedClosed is returned by Next once a feed is terminal.
	ErrFeedClosed = errors.New("feed closed")
	// ErrFeedTypeMismatch is returned by OpenFeed when a live feed under the
	// same key carries a different event type.
	ErrFeedTypeMismatch = errors.New("feed key already open with a different event type")
)

// feedOutBuffer is how many decoded events a feed holds for a slow consumer.
const feedOutBuffer = 16

// Decoder turns a raw topic payload into a typed event.
type Decoder[T any] func(topic Topic, payload []byte) (T, error)

// TopicChange asks a feed to start or stop listening on a topic.
type TopicChange struct {
	Topic  Topic
	Remove bool
}

// AddTopic returns a change that adds topic to a feed.
func AddTopic(topic Topic) TopicChange { return TopicChange{Topic: topic} }

// RemoveTopic returns a change that drops topic from a feed.
func RemoveTopic(topic Topic) TopicChange { return TopicChange{Topic: topic, Remove: true} }

// FeedOption configures a feed.
type FeedOption[T any] func(*Feed[T])

// WithFilter drops events for which keep returns false.
func WithFilter[T any](keep func(T) bool) FeedOption[T] {
	return func(f *Feed[T]) { f.filter = keep }
}

// WithControl derives topic changes from every decoded event, before
// filtering. The feed applies them on its own event loop.
func WithControl[T any](control func(T) []TopicChange) FeedOption[T] {
	return func(f *Feed[T]) { f.control = control }
}

// ============================================================================
// Multiplexer
// ============================================================================

type liveFeed interface {
	terminal() bool
	Close()
}

// Multiplexer hands out one Feed per feature key over a shared TopicRegistry.
type Multiplexer struct {
	registry *TopicRegistry
	logger   zerolog.Logger

	mu    sync.Mutex
	feeds map[string]liveFeed
}

// NewMultiplexer creates a multiplexer over registry.
func NewMultiplexer(registry *TopicRegistry, logger zerolog.Logger) *Multiplexer {
	return &Multiplexer{
		registry: registry,
		logger:   logger.With().Str("component", "multiplexer").Logger(),
		feeds:    make(map[string]liveFeed),
	}
}

// Registry returns the registry the multiplexer leases topics from.
func (m *Multiplexer) Registry() *TopicRegistry {
	return m.registry
}

// Keys returns the keys of the live feeds, sorted.
func (m *Multiplexer) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.feeds))
	for k, f := range m.feeds {
		if !f.terminal() {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Close closes every live feed.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	feeds := make([]liveFeed, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	m.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
}

func (m *Multiplexer) forget(key string, f liveFeed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.feeds[key] == f {
		delete(m.feeds, key)
	}
}

// OpenFeed returns the feed for key, leasing every topic in topics.
//
// If a feed for key is still live it is returned as is and no new leases are
// taken. Topics that fail to subscribe are logged and reported by
// FailedTopics; the feed simply yields nothing for them. The feed ends when
// ctx is cancelled or Close is called, and cannot be reopened.
func OpenFeed[T any](ctx context.Context, m *Multiplexer, key string, topics []Topic, decode Decoder[T], opts ...FeedOption[T]) (*Feed[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.feeds[key]; ok && !existing.terminal() {
		f, ok := existing.(*Feed[T])
		if !ok {
			return nil, ErrFeedTypeMismatch
		}
		return f, nil
	}

	feedCtx, cancel := context.WithCancel(ctx)
	f := &Feed[T]{
		key:      key,
		mux:      m,
		logger:   m.logger.With().Str("feed", key).Logger(),
		decode:   decode,
		ctx:      feedCtx,
		cancel:   cancel,
		out:      make(chan T, feedOutBuffer),
		changes:  make(chan []TopicChange, feedOutBuffer),
		leases:   make(map[Topic]*feedLease),
		failed:   make(map[Topic]error),
		released: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	for _, topic := range dedupTopics(topics) {
		if err := f.addTopic(topic); err != nil && ctx.Err() != nil {
			f.releaseAll()
			cancel()
			return nil, ctx.Err()
		}
	}

	m.feeds[key] = f
	go f.loop()
	return f, nil
}

func dedupTopics(topics []Topic) []Topic {
	seen := make(map[Topic]struct{}, len(topics))
	out := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ============================================================================
// Feed
// ============================================================================

type feedLease struct {
	lease  *Lease
	cancel context.CancelFunc
}

// Feed is a typed, cancel-safe stream of events merged from a set of topics.
// Events from one topic arrive in order; there is no ordering across topics.
type Feed[T any] struct {
	key     string
	mux     *Multiplexer
	logger  zerolog.Logger
	decode  Decoder[T]
	filter  func(T) bool
	control func(T) []TopicChange

	ctx     context.Context
	cancel  context.CancelFunc
	out     chan T
	changes chan []TopicChange
	pumps   errgroup.Group

	// leases is owned by the event loop once it runs.
	leases map[Topic]*feedLease

	mu     sync.Mutex // guards failed and active
	failed map[Topic]error
	active []Topic

	closed    atomic.Bool
	closeOnce sync.Once
	released  chan struct{}
	done      chan struct{}
}

// Key returns the feature key the feed was opened under.
func (f *Feed[T]) Key() string { return f.key }

// Next blocks for the next event. It returns ErrFeedClosed once the feed is
// terminal, or ctx.Err() if ctx ends first.
func (f *Feed[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if f.closed.Load() {
		return zero, ErrFeedClosed
	}
	select {
	case ev, ok := <-f.out:
		if !ok || f.closed.Load() {
			return zero, ErrFeedClosed
		}
		return ev, nil
	case <-f.ctx.Done():
		return zero, ErrFeedClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// All ranges over the feed until it ends or ctx is done. Breaking out of the
// loop, or ctx ending, closes the feed.
func (f *Feed[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		defer f.Close()
		for {
			ev, err := f.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Close makes the feed terminal. Every lease has been handed back to the
// registry by the time Close returns. Safe to call more than once and from
// inside a decoder, filter or control callback.
func (f *Feed[T]) Close() {
	f.closeOnce.Do(func() {
		f.closed.Store(true)
		f.cancel()
	})
	<-f.released
}

// Done is closed once the feed has fully shut down.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }

// Topics returns the topics the feed currently holds leases on, sorted.
func (f *Feed[T]) Topics() []Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]Topic(nil), f.active...)
	return out
}

// FailedTopics returns the topics whose subscription failed, sorted.
func (f *Feed[T]) FailedTopics() []Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Topic, 0, len(f.failed))
	for t := range f.failed {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FailedTopicErrors aggregates the subscribe errors of FailedTopics.
func (f *Feed[T]) FailedTopicErrors() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result *multierror.Error
	for _, err := range f.failed {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// terminal reports a feed that is shutting down or gone. A cancelled ctx
// counts before the loop has run its teardown.
func (f *Feed[T]) terminal() bool { return f.closed.Load() || f.ctx.Err() != nil }

// loop owns the lease set after OpenFeed returns. It applies topic changes and
// tears everything down when the feed context ends.
func (f *Feed[T]) loop() {
	for {
		select {
		case <-f.ctx.Done():
			f.shutdown()
			return
		case changes := <-f.changes:
			for _, c := range changes {
				if f.ctx.Err() != nil {
					break
				}
				if c.Remove {
					f.removeTopic(c.Topic)
					continue
				}
				f.addTopic(c.Topic)
			}
		}
	}
}

func (f *Feed[T]) shutdown() {
	f.closed.Store(true)
	f.releaseAll()
	f.mux.forget(f.key, f)
	close(f.released)

	f.pumps.Wait()
	close(f.out)
	close(f.done)
	f.logger.Debug().Msg("feed closed")
}

// releaseAll hands every lease back and waits for the registry to process
// the releases.
func (f *Feed[T]) releaseAll() {
	waits := make([]<-chan struct{}, 0, len(f.leases))
	for topic, fl := range f.leases {
		fl.cancel()
		waits = append(waits, f.mux.registry.Release(fl.lease))
		delete(f.leases, topic)
	}
	for _, w := range waits {
		<-w
	}
	f.syncActive()
}

func (f *Feed[T]) addTopic(topic Topic) error {
	if _, ok := f.leases[topic]; ok {
		return nil
	}
	lease, err := f.mux.registry.Acquire(f.ctx, topic)
	if err != nil {
		f.logger.Warn().Err(err).Str("topic", string(topic)).Msg("topic subscription failed")
		f.mu.Lock()
		f.failed[topic] = err
		f.mu.Unlock()
		return err
	}

	f.mu.Lock()
	delete(f.failed, topic)
	f.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(f.ctx)
	f.leases[topic] = &feedLease{lease: lease, cancel: cancel}
	f.syncActive()
	f.pumps.Go(func() error {
		f.pump(pumpCtx, lease)
		return nil
	})
	return nil
}

func (f *Feed[T]) removeTopic(topic Topic) {
	fl, ok := f.leases[topic]
	if !ok {
		return
	}
	delete(f.leases, topic)
	fl.cancel()
	f.mux.registry.Release(fl.lease)
	f.syncActive()
}

func (f *Feed[T]) syncActive() {
	active := make([]Topic, 0, len(f.leases))
	for t := range f.leases {
		active = append(active, t)
	}
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	f.mu.Lock()
	f.active = active
	f.mu.Unlock()
}

func (f *Feed[T]) pump(ctx context.Context, lease *Lease) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-lease.Done():
			return
		case payload := <-lease.Events():
			ev, err := f.decode(lease.Topic(), payload)
			if err != nil {
				f.logger.Warn().Err(err).Str("topic", string(lease.Topic())).Msg("dropping undecodable event")
				continue
			}
			if f.control != nil {
				if changes := f.control(ev); len(changes) > 0 {
					select {
					case f.changes <- changes:
					case <-ctx.Done():
						return
					}
				}
			}
			if f.filter != nil && !f.filter(ev) {
				continue
			}
			select {
			case f.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
