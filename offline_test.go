package coursepath

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testHost = "x.edu"

var errUnreachable = errors.New("dial tcp: connection refused")

type sentItem struct {
	conv      ConversationRef
	messageID int64
	text      string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentItem
	fail map[string]bool // by text
	down bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string]bool)}
}

func (s *fakeSender) SendMessage(_ context.Context, ref ConversationRef, text string) error {
	return s.record(sentItem{conv: ref, text: text})
}

func (s *fakeSender) SendAnswer(_ context.Context, ref MessageRef, text string) error {
	return s.record(sentItem{conv: ref.Conversation(), messageID: ref.MessageID, text: text})
}

func (s *fakeSender) record(item sentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down || s.fail[item.text] {
		return errUnreachable
	}
	s.sent = append(s.sent, item)
	return nil
}

func (s *fakeSender) setDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, it := range s.sent {
		out = append(out, it.text)
	}
	return out
}

type fakeConnectivity struct {
	connected    []func()
	disconnected []func(int, string)
}

func (f *fakeConnectivity) OnConnected(h func()) { f.connected = append(f.connected, h) }

func (f *fakeConnectivity) OnDisconnected(h func(int, string)) {
	f.disconnected = append(f.disconnected, h)
}

func (f *fakeConnectivity) up() {
	for _, h := range f.connected {
		h()
	}
}

func (f *fakeConnectivity) down(code int, reason string) {
	for _, h := range f.disconnected {
		h(code, reason)
	}
}

func newTestCoordinator(t *testing.T, opts *OfflineOptions) (*OfflineCoordinator, *fakeSender, *CacheStore, *fakeClock) {
	t.Helper()
	store, clock := newTestCache(t)
	sender := newFakeSender()
	if opts == nil {
		opts = &OfflineOptions{}
	}
	opts.Clock = clock.Now
	if opts.FlushRate == 0 {
		opts.FlushRate = 1000
	}
	logger := zerolog.Nop()
	opts.Logger = &logger
	o := NewOfflineCoordinator(store, sender, testHost, opts)
	t.Cleanup(o.Close)
	return o, sender, store, clock
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(event string, _ any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func watchEvents(o *OfflineCoordinator) *eventLog {
	l := &eventLog{}
	for _, ev := range []string{EventMessageQueued, EventMessageSent, EventMessageFailed, EventNetworkOnline, EventNetworkOffline} {
		o.On(ev, l.record)
	}
	return l
}

var conv3 = ConversationRef{CourseID: 1, ConversationID: 3}

// ============================================================================
// Sending
// ============================================================================

func TestSendMessageOnline(t *testing.T) {
	o, sender, _, _ := newTestCoordinator(t, nil)
	events := watchEvents(o)
	ctx := context.Background()

	assert.NilError(t, o.SaveMessageDraft(conv3, "hello wor"))
	out, err := o.SendMessage(ctx, conv3, "hello world")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusSent)
	assert.DeepEqual(t, sender.texts(), []string{"hello world"})
	assert.DeepEqual(t, events.list(), []string{EventMessageSent})

	draft, err := o.LoadMessageDraft(conv3)
	assert.NilError(t, err)
	assert.Equal(t, draft, "")
}

func TestSendOnlineWithoutDraftLeavesCacheEmpty(t *testing.T) {
	o, _, store, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	out, err := o.SendMessage(ctx, conv3, "no draft here")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusSent)
	out, err = o.SendAnswer(ctx, MessageRef{CourseID: 1, ConversationID: 3, MessageID: 8}, "nor here")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusSent)

	hosts, err := store.Hosts()
	assert.NilError(t, err)
	assert.Equal(t, len(hosts), 0)
	_, err = store.FetchConversation(testHost, 1, 3)
	assert.Assert(t, errors.Is(err, ErrNotFound))
}

func TestSendAnswerOnlineClearsDraft(t *testing.T) {
	o, _, store, _ := newTestCoordinator(t, nil)
	ref := MessageRef{CourseID: 1, ConversationID: 3, MessageID: 8}

	assert.NilError(t, o.SaveAnswerDraft(ref, "agr"))
	out, err := o.SendAnswer(context.Background(), ref, "agreed")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusSent)

	msg, err := store.FetchMessage(testHost, 1, 3, 8)
	assert.NilError(t, err)
	assert.Equal(t, msg.AnswerMessageDraft, "")
}

func TestSendMessageQueuesWhenOffline(t *testing.T) {
	o, sender, _, _ := newTestCoordinator(t, nil)
	events := watchEvents(o)
	ctx := context.Background()

	o.SetOnline(false)
	assert.NilError(t, o.SaveMessageDraft(conv3, "see you"))
	out, err := o.SendMessage(ctx, conv3, "see you")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusQueuedOffline)
	assert.Assert(t, out.Message != nil)
	assert.Assert(t, out.SendErr == nil, "no send is attempted while offline")
	assert.Equal(t, len(sender.texts()), 0)

	queued, err := o.QueuedMessages(conv3)
	assert.NilError(t, err)
	assert.Equal(t, len(queued), 1)
	assert.Equal(t, queued[0].Text, "see you")

	draft, err := o.LoadMessageDraft(conv3)
	assert.NilError(t, err)
	assert.Equal(t, draft, "")
	assert.DeepEqual(t, events.list(), []string{EventNetworkOffline, EventMessageQueued})
}

func TestSendMessageQueuesOnSendFailure(t *testing.T) {
	o, sender, _, _ := newTestCoordinator(t, nil)
	sender.setDown(true)

	out, err := o.SendMessage(context.Background(), conv3, "retry me")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusQueuedOffline)
	assert.Assert(t, errors.Is(out.SendErr, errUnreachable))
}

func TestSendAnswerQueuesWhenOffline(t *testing.T) {
	o, _, _, _ := newTestCoordinator(t, nil)
	ref := MessageRef{CourseID: 1, ConversationID: 3, MessageID: 8}

	o.SetOnline(false)
	assert.NilError(t, o.SaveAnswerDraft(ref, "agreed"))
	out, err := o.SendAnswer(context.Background(), ref, "agreed")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusQueuedOffline)
	assert.Equal(t, out.Answer.MessageID, int64(8))

	queued, err := o.QueuedAnswers(ref)
	assert.NilError(t, err)
	assert.Equal(t, len(queued), 1)

	draft, err := o.LoadAnswerDraft(ref)
	assert.NilError(t, err)
	assert.Equal(t, draft, "")
}

func TestSendNotPersisted(t *testing.T) {
	o, sender, store, _ := newTestCoordinator(t, nil)
	sender.setDown(true)
	assert.NilError(t, store.Close())

	out, err := o.SendMessage(context.Background(), conv3, "lost")
	assert.Assert(t, out == nil)
	assert.Assert(t, errors.Is(err, ErrNotPersisted))

	var npe *NotPersistedError
	assert.Assert(t, errors.As(err, &npe))
	assert.Assert(t, errors.Is(npe.SendErr, errUnreachable))
	assert.Assert(t, npe.Err != nil)
}

// ============================================================================
// Drafts
// ============================================================================

func TestDrafts(t *testing.T) {
	o, _, _, _ := newTestCoordinator(t, nil)
	ref := MessageRef{CourseID: 1, ConversationID: 3, MessageID: 8}

	draft, err := o.LoadMessageDraft(conv3)
	assert.NilError(t, err)
	assert.Equal(t, draft, "")

	assert.NilError(t, o.SaveMessageDraft(conv3, "half a thought"))
	assert.NilError(t, o.SaveAnswerDraft(ref, "an answer"))

	draft, err = o.LoadMessageDraft(conv3)
	assert.NilError(t, err)
	assert.Equal(t, draft, "half a thought")

	draft, err = o.LoadAnswerDraft(ref)
	assert.NilError(t, err)
	assert.Equal(t, draft, "an answer")
}

// ============================================================================
// Connectivity
// ============================================================================

func TestSetOnlineEmitsOnChange(t *testing.T) {
	o, _, _, _ := newTestCoordinator(t, nil)
	events := watchEvents(o)

	assert.Assert(t, o.IsOnline())
	o.SetOnline(true)
	o.SetOnline(false)
	o.SetOnline(false)
	assert.Assert(t, !o.IsOnline())
	assert.DeepEqual(t, events.list(), []string{EventNetworkOffline})
}

func TestBindConnectivityFlushesOnReconnect(t *testing.T) {
	o, sender, _, clock := newTestCoordinator(t, nil)
	src := &fakeConnectivity{}
	o.BindConnectivity(src)
	ctx := context.Background()

	src.down(1006, "abnormal closure")
	assert.Assert(t, !o.IsOnline())
	_, err := o.SendMessage(ctx, conv3, "one")
	assert.NilError(t, err)
	clock.Advance(time.Second)
	_, err = o.SendMessage(ctx, conv3, "two")
	assert.NilError(t, err)

	src.up()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(sender.texts()) == 2 {
			return poll.Success()
		}
		return poll.Continue("sent %v", sender.texts())
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(2*time.Second))
	assert.DeepEqual(t, sender.texts(), []string{"one", "two"})

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		pending, err := o.Pending()
		if err != nil {
			return poll.Error(err)
		}
		if len(pending) == 0 {
			return poll.Success()
		}
		return poll.Continue("%d items still queued", len(pending))
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(2*time.Second))
}

// ============================================================================
// Flush
// ============================================================================

func TestFlushSendsInDateOrder(t *testing.T) {
	o, sender, _, clock := newTestCoordinator(t, nil)
	events := watchEvents(o)
	ctx := context.Background()
	o.SetOnline(false)

	other := ConversationRef{CourseID: 1, ConversationID: 4}
	answerRef := MessageRef{CourseID: 1, ConversationID: 4, MessageID: 9}
	for _, step := range []func(){
		func() { o.SendMessage(ctx, conv3, "first") },
		func() { o.SendAnswer(ctx, answerRef, "second") },
		func() { o.SendMessage(ctx, other, "third") },
		func() { o.SendMessage(ctx, conv3, "fourth") },
	} {
		step()
		clock.Advance(time.Minute)
	}

	pending, err := o.Pending()
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 4)

	// No-op while offline.
	report, err := o.Flush(ctx)
	assert.NilError(t, err)
	assert.Equal(t, *report, FlushReport{})

	o.SetOnline(true)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(sender.texts()) == 4 {
			return poll.Success()
		}
		return poll.Continue("sent %v", sender.texts())
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(2*time.Second))
	assert.DeepEqual(t, sender.texts(), []string{"first", "second", "third", "fourth"})

	sender.mu.Lock()
	assert.Equal(t, sender.sent[1].messageID, int64(9))
	sender.mu.Unlock()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		n := 0
		for _, ev := range events.list() {
			if ev == EventMessageSent {
				n++
			}
		}
		if n == 4 {
			return poll.Success()
		}
		return poll.Continue("%d sent events", n)
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(2*time.Second))
}

func TestFlushKeepsConversationOrderAfterFailure(t *testing.T) {
	o, sender, _, clock := newTestCoordinator(t, &OfflineOptions{BreakerFailures: 10})
	ctx := context.Background()
	o.SetOnline(false)

	other := ConversationRef{CourseID: 1, ConversationID: 4}
	o.SendMessage(ctx, conv3, "a1")
	clock.Advance(time.Second)
	o.SendMessage(ctx, other, "b1")
	clock.Advance(time.Second)
	o.SendMessage(ctx, conv3, "a2")

	sender.mu.Lock()
	sender.fail["a1"] = true
	sender.mu.Unlock()
	o.online.Store(true)
	report, err := o.Flush(ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Sent, 1)
	assert.Equal(t, report.Failed, 1)
	assert.Equal(t, report.Remaining, 2)
	assert.DeepEqual(t, sender.texts(), []string{"b1"})

	queued, err := o.QueuedMessages(conv3)
	assert.NilError(t, err)
	assert.Equal(t, len(queued), 2)
	assert.Equal(t, queued[0].Text, "a1")
	assert.Equal(t, queued[1].Text, "a2")

	sender.mu.Lock()
	delete(sender.fail, "a1")
	sender.mu.Unlock()
	report, err = o.Flush(ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Sent, 2)
	assert.DeepEqual(t, sender.texts(), []string{"b1", "a1", "a2"})
}

func TestFlushStopsWhenBreakerOpens(t *testing.T) {
	o, sender, _, clock := newTestCoordinator(t, &OfflineOptions{BreakerFailures: 2, BreakerTimeout: time.Hour})
	ctx := context.Background()
	o.SetOnline(false)

	for i := int64(1); i <= 4; i++ {
		o.SendMessage(ctx, ConversationRef{CourseID: 1, ConversationID: i}, "msg")
		clock.Advance(time.Second)
	}

	sender.setDown(true)
	o.online.Store(true)
	report, err := o.Flush(ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Sent, 0)
	assert.Equal(t, report.Failed, 3)
	assert.Equal(t, report.Remaining, 4)

	// The open breaker short-circuits new sends into the queue.
	sender.setDown(false)
	out, err := o.SendMessage(ctx, conv3, "while open")
	assert.NilError(t, err)
	assert.Equal(t, out.Status, StatusQueuedOffline)
	assert.Equal(t, len(sender.texts()), 0)
}

func TestDiscard(t *testing.T) {
	o, _, _, _ := newTestCoordinator(t, nil)
	ctx := context.Background()
	o.SetOnline(false)

	out, err := o.SendMessage(ctx, conv3, "never mind")
	assert.NilError(t, err)
	ans, err := o.SendAnswer(ctx, MessageRef{CourseID: 1, ConversationID: 3, MessageID: 2}, "nope")
	assert.NilError(t, err)

	assert.NilError(t, o.Discard(out.Message))
	assert.NilError(t, o.Discard(ans.Answer))
	pending, err := o.Pending()
	assert.NilError(t, err)
	assert.Equal(t, len(pending), 0)
}

func TestPeriodicFlush(t *testing.T) {
	o, sender, _, _ := newTestCoordinator(t, &OfflineOptions{FlushInterval: 10 * time.Millisecond})
	ctx := context.Background()

	o.online.Store(false)
	_, err := o.SendMessage(ctx, conv3, "later")
	assert.NilError(t, err)

	o.Start()
	o.online.Store(true)
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if len(sender.texts()) == 1 {
			return poll.Success()
		}
		return poll.Continue("nothing sent yet")
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(2*time.Second))
}
