package coursepath

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

// ============================================================================
// Test Helpers
// ============================================================================

type textEvent struct {
	Topic Topic
	Text  string
}

func decodeText(topic Topic, payload []byte) (textEvent, error) {
	s := string(payload)
	if strings.HasPrefix(s, "!") {
		return textEvent{}, errors.New("malformed payload")
	}
	return textEvent{Topic: topic, Text: s}, nil
}

func newTestMux(t *testing.T) (*Multiplexer, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	reg := NewTopicRegistry(conn, zerolog.Nop())
	mux := NewMultiplexer(reg, zerolog.Nop())
	t.Cleanup(func() {
		mux.Close()
		reg.Close()
	})
	return mux, conn
}

func nextText(t *testing.T, f *Feed[textEvent]) textEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := f.Next(ctx)
	assert.NilError(t, err)
	return ev
}

func waitSubscribed(t *testing.T, conn *fakeConn, topic Topic) {
	t.Helper()
	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if conn.subscribed(topic) {
			return poll.Success()
		}
		return poll.Continue("%s not subscribed", topic)
	}, poll.WithDelay(5*time.Millisecond), poll.WithTimeout(2*time.Second))
}

// ============================================================================
// OpenFeed
// ============================================================================

func TestOpenFeedSameKeyReturnsLiveFeed(t *testing.T) {
	mux, conn := newTestMux(t)
	ctx := context.Background()

	a, err := OpenFeed(ctx, mux, "notifications", []Topic{"user/1/notifications"}, decodeText)
	assert.NilError(t, err)
	b, err := OpenFeed(ctx, mux, "notifications", []Topic{"user/1/notifications"}, decodeText)
	assert.NilError(t, err)

	assert.Assert(t, a == b, "expected the live feed to be reused")
	subs, _ := conn.counts("user/1/notifications")
	assert.Equal(t, subs, 1)
	assert.Equal(t, mux.Registry().RefCount("user/1/notifications"), 1)
	assert.DeepEqual(t, mux.Keys(), []string{"notifications"})
}

func TestOpenFeedTypeMismatch(t *testing.T) {
	mux, _ := newTestMux(t)
	ctx := context.Background()

	_, err := OpenFeed(ctx, mux, "k", []Topic{"course/1/STUDENT"}, decodeText)
	assert.NilError(t, err)

	decodeLen := func(_ Topic, payload []byte) (int, error) { return len(payload), nil }
	_, err = OpenFeed(ctx, mux, "k", []Topic{"course/1/STUDENT"}, decodeLen)
	assert.Assert(t, errors.Is(err, ErrFeedTypeMismatch))
}

func TestOpenFeedAfterCloseIsFresh(t *testing.T) {
	mux, conn := newTestMux(t)
	ctx := context.Background()

	a, err := OpenFeed(ctx, mux, "k", []Topic{"course/1/STUDENT"}, decodeText)
	assert.NilError(t, err)
	a.Close()

	_, err = a.Next(ctx)
	assert.Assert(t, errors.Is(err, ErrFeedClosed))

	b, err := OpenFeed(ctx, mux, "k", []Topic{"course/1/STUDENT"}, decodeText)
	assert.NilError(t, err)
	assert.Assert(t, a != b)

	subs, unsubs := conn.counts("course/1/STUDENT")
	assert.Equal(t, subs, 2)
	assert.Equal(t, unsubs, 1)
}

func TestOpenFeedAfterCancelIsFresh(t *testing.T) {
	mux, conn := newTestMux(t)

	ctx, cancel := context.WithCancel(context.Background())
	a, err := OpenFeed(ctx, mux, "k", []Topic{"course/1/STUDENT"}, decodeText)
	assert.NilError(t, err)
	cancel()

	// Reopening right away must not hand back the cancelled feed, even before
	// its loop has torn down.
	b, err := OpenFeed(context.Background(), mux, "k", []Topic{"course/1/STUDENT"}, decodeText)
	assert.NilError(t, err)
	assert.Assert(t, a != b)
	<-a.Done()

	assert.Assert(t, conn.publish("course/1/STUDENT", "fresh"))
	assert.Equal(t, nextText(t, b).Text, "fresh")
	assert.DeepEqual(t, mux.Keys(), []string{"k"})
}

func TestFeedDeliversAndMerges(t *testing.T) {
	mux, conn := newTestMux(t)

	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"t1", "t2"}, decodeText)
	assert.NilError(t, err)

	assert.Assert(t, conn.publish("t1", "a1"))
	assert.Assert(t, conn.publish("t1", "a2"))
	ev := nextText(t, f)
	assert.DeepEqual(t, ev, textEvent{Topic: "t1", Text: "a1"})
	ev = nextText(t, f)
	assert.DeepEqual(t, ev, textEvent{Topic: "t1", Text: "a2"})

	assert.Assert(t, conn.publish("t2", "b1"))
	ev = nextText(t, f)
	assert.DeepEqual(t, ev, textEvent{Topic: "t2", Text: "b1"})
}

func TestFeedDropsUndecodableEvents(t *testing.T) {
	mux, conn := newTestMux(t)

	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"t1"}, decodeText)
	assert.NilError(t, err)

	assert.Assert(t, conn.publish("t1", "!garbage"))
	assert.Assert(t, conn.publish("t1", "ok"))

	ev := nextText(t, f)
	assert.Equal(t, ev.Text, "ok")
}

func TestFeedFilter(t *testing.T) {
	mux, conn := newTestMux(t)

	notMine := WithFilter(func(ev textEvent) bool { return !strings.HasPrefix(ev.Text, "me:") })
	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"t1"}, decodeText, notMine)
	assert.NilError(t, err)

	assert.Assert(t, conn.publish("t1", "me:hello"))
	assert.Assert(t, conn.publish("t1", "them:hi"))

	ev := nextText(t, f)
	assert.Equal(t, ev.Text, "them:hi")
}

func TestFeedFailedTopicYieldsNothing(t *testing.T) {
	mux, conn := newTestMux(t)
	conn.failOn("t2", errors.New("forbidden"))

	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"t1", "t2"}, decodeText)
	assert.NilError(t, err)

	assert.DeepEqual(t, f.FailedTopics(), []Topic{"t2"})
	assert.DeepEqual(t, f.Topics(), []Topic{"t1"})
	assert.ErrorContains(t, f.FailedTopicErrors(), "forbidden")

	assert.Assert(t, conn.publish("t1", "still works"))
	assert.Equal(t, nextText(t, f).Text, "still works")
}

// ============================================================================
// Teardown
// ============================================================================

func TestCancelUnsubscribesExactlyOnce(t *testing.T) {
	mux, conn := newTestMux(t)

	ctx, cancel := context.WithCancel(context.Background())
	f, err := OpenFeed(ctx, mux, "k", []Topic{"t1", "t2"}, decodeText)
	assert.NilError(t, err)

	cancel()
	<-f.Done()
	f.Close()
	f.Close()

	for _, topic := range []Topic{"t1", "t2"} {
		subs, unsubs := conn.counts(topic)
		assert.Equal(t, subs, 1)
		assert.Equal(t, unsubs, 1)
	}
	_, err = f.Next(context.Background())
	assert.Assert(t, errors.Is(err, ErrFeedClosed))
	assert.Equal(t, len(mux.Keys()), 0)
}

func TestOverlappingFeeds(t *testing.T) {
	mux, conn := newTestMux(t)
	reg := mux.Registry()

	ctxA, cancelA := context.WithCancel(context.Background())
	a, err := OpenFeed(ctxA, mux, "A", []Topic{"T1", "T2"}, decodeText)
	assert.NilError(t, err)
	b, err := OpenFeed(context.Background(), mux, "B", []Topic{"T2", "T3"}, decodeText)
	assert.NilError(t, err)

	subs, _ := conn.counts("T2")
	assert.Equal(t, subs, 1)
	assert.Equal(t, reg.RefCount("T2"), 2)

	cancelA()
	<-a.Done()

	_, unsubs := conn.counts("T1")
	assert.Equal(t, unsubs, 1)
	_, unsubs = conn.counts("T2")
	assert.Equal(t, unsubs, 0)
	assert.Equal(t, reg.RefCount("T2"), 1)
	assert.DeepEqual(t, reg.Topics(), []Topic{"T2", "T3"})

	assert.Assert(t, conn.publish("T2", "shared"))
	assert.Equal(t, nextText(t, b).Text, "shared")
}

func TestCloseFromInsideFeed(t *testing.T) {
	mux, conn := newTestMux(t)

	var f *Feed[textEvent]
	closer := func(topic Topic, payload []byte) (textEvent, error) {
		if string(payload) == "stop" {
			f.Close()
		}
		return decodeText(topic, payload)
	}
	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"t1"}, closer)
	assert.NilError(t, err)

	assert.Assert(t, conn.publish("t1", "stop"))

	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not shut down")
	}
	_, unsubs := conn.counts("t1")
	assert.Equal(t, unsubs, 1)
}

func TestAllBreakClosesFeed(t *testing.T) {
	mux, conn := newTestMux(t)

	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"t1"}, decodeText)
	assert.NilError(t, err)

	assert.Assert(t, conn.publish("t1", "one"))
	assert.Assert(t, conn.publish("t1", "two"))

	var got []string
	for ev := range f.All(context.Background()) {
		got = append(got, ev.Text)
		if len(got) == 2 {
			break
		}
	}
	assert.DeepEqual(t, got, []string{"one", "two"})

	_, unsubs := conn.counts("t1")
	assert.Equal(t, unsubs, 1)
	_, err = f.Next(context.Background())
	assert.Assert(t, errors.Is(err, ErrFeedClosed))
}

// ============================================================================
// Dynamic topics
// ============================================================================

func TestControlAddsAndRemovesTopics(t *testing.T) {
	mux, conn := newTestMux(t)

	control := WithControl(func(ev textEvent) []TopicChange {
		switch {
		case strings.HasPrefix(ev.Text, "join:"):
			return []TopicChange{AddTopic(Topic(strings.TrimPrefix(ev.Text, "join:")))}
		case strings.HasPrefix(ev.Text, "leave:"):
			return []TopicChange{RemoveTopic(Topic(strings.TrimPrefix(ev.Text, "leave:")))}
		}
		return nil
	})
	f, err := OpenFeed(context.Background(), mux, "k", []Topic{"user/1/notifications"}, decodeText, control)
	assert.NilError(t, err)

	assert.Assert(t, conn.publish("user/1/notifications", "join:conversation/5/notifications"))
	assert.Equal(t, nextText(t, f).Text, "join:conversation/5/notifications")
	waitSubscribed(t, conn, "conversation/5/notifications")

	assert.Assert(t, conn.publish("conversation/5/notifications", "hello"))
	assert.DeepEqual(t, nextText(t, f), textEvent{Topic: "conversation/5/notifications", Text: "hello"})

	// Joining twice keeps a single lease.
	assert.Assert(t, conn.publish("user/1/notifications", "join:conversation/5/notifications"))
	nextText(t, f)
	assert.Equal(t, mux.Registry().RefCount("conversation/5/notifications"), 1)

	assert.Assert(t, conn.publish("user/1/notifications", "leave:conversation/5/notifications"))
	nextText(t, f)
	waitUnsubscribed(t, conn, "conversation/5/notifications")

	assert.Assert(t, cmp.Equal(f.Topics(), []Topic{"user/1/notifications"}))
}

func TestStalledFeedDoesNotBlockOthers(t *testing.T) {
	mux, conn := newTestMux(t)
	ctx := context.Background()

	stalled, err := OpenFeed(ctx, mux, "stalled", []Topic{"course/3/STUDENT"}, decodeText)
	assert.NilError(t, err)
	live, err := OpenFeed(ctx, mux, "live", []Topic{"course/3/STUDENT"}, decodeText)
	assert.NilError(t, err)
	assert.Equal(t, mux.Registry().RefCount("course/3/STUDENT"), 2)

	for i := 0; i < 4*(leaseBufferSize+feedOutBuffer); i++ {
		want := fmt.Sprintf("p%d", i)
		assert.Assert(t, conn.publish("course/3/STUDENT", want))
		assert.Equal(t, nextText(t, live).Text, want)
	}

	// The stalled feed kept the oldest events and is still usable.
	assert.Equal(t, nextText(t, stalled).Text, "p0")
	stalled.Close()
	assert.Equal(t, mux.Registry().RefCount("course/3/STUDENT"), 1)
}
