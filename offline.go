package coursepath

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// Offline events emitted by the coordinator.
const (
	EventMessageQueued  = "message.queued"
	EventMessageSent    = "message.sent"
	EventMessageFailed  = "message.failed"
	EventNetworkOnline  = "network.online"
	EventNetworkOffline = "network.offline"
)

// ErrNotPersisted reports that content was neither sent nor stored locally.
var ErrNotPersisted = errors.New("content was not sent and could not be stored")

// NotPersistedError carries the cache failure (and the send failure that
// preceded it) when queuing content offline failed.
type NotPersistedError struct {
	Err     error
	SendErr error
}

func (e *NotPersistedError) Error() string {
	if e.SendErr != nil {
		return fmt.Sprintf("%s: send: %v: store: %v", ErrNotPersisted, e.SendErr, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrNotPersisted, e.Err)
}

func (e *NotPersistedError) Unwrap() error { return e.Err }

func (e *NotPersistedError) Is(target error) bool { return target == ErrNotPersisted }

// Sender delivers content to the server. *Client implements it.
type Sender interface {
	SendMessage(ctx context.Context, ref ConversationRef, text string) error
	SendAnswer(ctx context.Context, ref MessageRef, text string) error
}

// ConnectivitySource reports connection changes. *PushClient implements it.
type ConnectivitySource interface {
	OnConnected(func())
	OnDisconnected(func(code int, reason string))
}

// SendStatus is where a piece of content ended up.
type SendStatus string

const (
	StatusSent          SendStatus = "sent"
	StatusQueuedOffline SendStatus = "queued_offline"
)

// SendOutcome is the result of SendMessage or SendAnswer.
type SendOutcome struct {
	Status SendStatus
	// Message or Answer is the stored row when the content was queued.
	Message *OfflineMessage
	Answer  *OfflineAnswer
	// SendErr is why the network send did not happen, if it was attempted.
	SendErr error
}

// QueuedItem is an offline row: *OfflineMessage or *OfflineAnswer.
type QueuedItem interface {
	queuedAt() time.Time
}

func (m *OfflineMessage) queuedAt() time.Time { return m.Date }
func (a *OfflineAnswer) queuedAt() time.Time  { return a.Date }

// FlushReport summarizes one Flush pass.
type FlushReport struct {
	Sent      int
	Failed    int
	Remaining int
}

// OfflineOptions configures the OfflineCoordinator.
type OfflineOptions struct {
	FlushInterval   time.Duration
	FlushRate       rate.Limit
	FlushBurst      int
	SendTimeout     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	Clock           func() time.Time
	Logger          *zerolog.Logger
}

// ============================================================================
// Event Emitter
// ============================================================================

// OfflineEventHandler handles offline events.
type OfflineEventHandler func(event string, payload any)

type offlineEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]OfflineEventHandler
}

func (e *offlineEmitter) On(event string, handler OfflineEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *offlineEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *offlineEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]OfflineEventHandler)
}

// ============================================================================
// Offline Coordinator
// ============================================================================

// OfflineCoordinator sends drafts, messages and answers, falling back to the
// cache when the network is unavailable and flushing the queue once it is
// back.
type OfflineCoordinator struct {
	offlineEmitter
	store  *CacheStore
	sender Sender
	host   string
	logger zerolog.Logger

	limiter       *rate.Limiter
	breaker       *gobreaker.CircuitBreaker
	sendTimeout   time.Duration
	flushInterval time.Duration
	nowFunc       func() time.Time

	online *atomic.Bool

	mu       sync.Mutex
	flushing bool
	stopCh   chan struct{}
	stopped  bool
}

// NewOfflineCoordinator creates a coordinator for content addressed to host.
// It starts online.
func NewOfflineCoordinator(store *CacheStore, sender Sender, host string, opts *OfflineOptions) *OfflineCoordinator {
	o := &OfflineCoordinator{
		offlineEmitter: offlineEmitter{listeners: make(map[string][]OfflineEventHandler)},
		store:          store,
		sender:         sender,
		host:           host,
		logger:         zerolog.Nop(),
		nowFunc:        time.Now,
		online:         atomic.NewBool(true),
		stopCh:         make(chan struct{}),
	}

	var (
		flushRate       = rate.Limit(5)
		flushBurst      = 1
		breakerFailures = uint32(3)
		breakerTimeout  = 30 * time.Second
	)
	if opts != nil {
		o.flushInterval = opts.FlushInterval
		o.sendTimeout = opts.SendTimeout
		if opts.FlushRate > 0 {
			flushRate = opts.FlushRate
		}
		if opts.FlushBurst > 0 {
			flushBurst = opts.FlushBurst
		}
		if opts.BreakerFailures > 0 {
			breakerFailures = opts.BreakerFailures
		}
		if opts.BreakerTimeout > 0 {
			breakerTimeout = opts.BreakerTimeout
		}
		if opts.Clock != nil {
			o.nowFunc = opts.Clock
		}
		if opts.Logger != nil {
			o.logger = *opts.Logger
		}
	}
	// Defaults
	if o.flushInterval == 0 {
		o.flushInterval = 30 * time.Second
	}
	if o.sendTimeout == 0 {
		o.sendTimeout = 15 * time.Second
	}
	o.logger = o.logger.With().Str("component", "offline-coordinator").Str("host", host).Logger()

	o.limiter = rate.NewLimiter(flushRate, flushBurst)
	o.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "offline-sender",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Info().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("sender breaker state changed")
		},
	})
	return o
}

// Start runs the periodic flush in the background.
func (o *OfflineCoordinator) Start() {
	go o.flushLoop()
}

// Close stops background work and drops every listener.
func (o *OfflineCoordinator) Close() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
	o.removeAll()
}

// Host returns the server host the coordinator stores content under.
func (o *OfflineCoordinator) Host() string {
	return o.host
}

// IsOnline returns current network state.
func (o *OfflineCoordinator) IsOnline() bool {
	return o.online.Load()
}

// SetOnline updates network state. Going online triggers a flush.
func (o *OfflineCoordinator) SetOnline(online bool) {
	if o.online.Swap(online) == online {
		return
	}

	if online {
		o.logger.Info().Msg("network online")
		o.emit(EventNetworkOnline, nil)
		go o.Flush(context.Background())
	} else {
		o.logger.Info().Msg("network offline")
		o.emit(EventNetworkOffline, nil)
	}
}

// BindConnectivity follows the connection state of src.
func (o *OfflineCoordinator) BindConnectivity(src ConnectivitySource) {
	src.OnConnected(func() { o.SetOnline(true) })
	src.OnDisconnected(func(int, string) { o.SetOnline(false) })
}

// ── Sending ──────────────────────────────────────────────

// SendMessage sends text to a conversation, or queues it offline when the
// send is impossible. A *NotPersistedError means the text is lost unless the
// caller keeps it.
func (o *OfflineCoordinator) SendMessage(ctx context.Context, ref ConversationRef, text string) (*SendOutcome, error) {
	var sendErr error
	if o.IsOnline() {
		sendErr = o.attempt(ctx, func(ctx context.Context) error {
			return o.sender.SendMessage(ctx, ref, text)
		})
		if sendErr == nil {
			o.clearMessageDraft(ref)
			o.emit(EventMessageSent, ref)
			return &SendOutcome{Status: StatusSent}, nil
		}
		o.logger.Warn().Err(sendErr).Int64("conversation_id", ref.ConversationID).Msg("message send failed, queuing offline")
	}

	row, err := o.store.InsertOfflineMessage(o.host, ref.CourseID, ref.ConversationID, o.nowFunc(), text)
	if err != nil {
		return nil, &NotPersistedError{Err: err, SendErr: sendErr}
	}
	o.clearMessageDraft(ref)
	o.emit(EventMessageQueued, row)
	return &SendOutcome{Status: StatusQueuedOffline, Message: row, SendErr: sendErr}, nil
}

// SendAnswer sends text as an answer to a message thread, or queues it
// offline.
func (o *OfflineCoordinator) SendAnswer(ctx context.Context, ref MessageRef, text string) (*SendOutcome, error) {
	var sendErr error
	if o.IsOnline() {
		sendErr = o.attempt(ctx, func(ctx context.Context) error {
			return o.sender.SendAnswer(ctx, ref, text)
		})
		if sendErr == nil {
			o.clearAnswerDraft(ref)
			o.emit(EventMessageSent, ref)
			return &SendOutcome{Status: StatusSent}, nil
		}
		o.logger.Warn().Err(sendErr).Int64("message_id", ref.MessageID).Msg("answer send failed, queuing offline")
	}

	row, err := o.store.InsertOfflineAnswer(o.host, ref.CourseID, ref.ConversationID, ref.MessageID, o.nowFunc(), text)
	if err != nil {
		return nil, &NotPersistedError{Err: err, SendErr: sendErr}
	}
	o.clearAnswerDraft(ref)
	o.emit(EventMessageQueued, row)
	return &SendOutcome{Status: StatusQueuedOffline, Answer: row, SendErr: sendErr}, nil
}

func (o *OfflineCoordinator) attempt(ctx context.Context, send func(context.Context) error) error {
	_, err := o.breaker.Execute(func() (interface{}, error) {
		sendCtx, cancel := context.WithTimeout(ctx, o.sendTimeout)
		defer cancel()
		return nil, send(sendCtx)
	})
	return err
}

// ── Drafts ───────────────────────────────────────────────

// SaveMessageDraft stores the unsent text typed into a conversation.
func (o *OfflineCoordinator) SaveMessageDraft(ref ConversationRef, text string) error {
	_, err := o.store.InsertConversation(o.host, ref.CourseID, ref.ConversationID, text)
	return err
}

// LoadMessageDraft returns the stored draft of a conversation, or "".
func (o *OfflineCoordinator) LoadMessageDraft(ref ConversationRef) (string, error) {
	conv, err := o.store.FetchConversation(o.host, ref.CourseID, ref.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return conv.MessageDraft, nil
}

// SaveAnswerDraft stores the unsent text typed into a thread.
func (o *OfflineCoordinator) SaveAnswerDraft(ref MessageRef, text string) error {
	_, err := o.store.InsertMessage(o.host, ref.CourseID, ref.ConversationID, ref.MessageID, text)
	return err
}

// LoadAnswerDraft returns the stored draft of a thread, or "".
func (o *OfflineCoordinator) LoadAnswerDraft(ref MessageRef) (string, error) {
	msg, err := o.store.FetchMessage(o.host, ref.CourseID, ref.ConversationID, ref.MessageID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return msg.AnswerMessageDraft, nil
}

func (o *OfflineCoordinator) clearMessageDraft(ref ConversationRef) {
	if err := o.store.ClearMessageDraft(o.host, ref.CourseID, ref.ConversationID); err != nil {
		o.logger.Warn().Err(err).Int64("conversation_id", ref.ConversationID).Msg("clearing message draft failed")
	}
}

func (o *OfflineCoordinator) clearAnswerDraft(ref MessageRef) {
	if err := o.store.ClearAnswerDraft(o.host, ref.CourseID, ref.ConversationID, ref.MessageID); err != nil {
		o.logger.Warn().Err(err).Int64("message_id", ref.MessageID).Msg("clearing answer draft failed")
	}
}

// ── Queue ────────────────────────────────────────────────

// QueuedMessages returns the messages waiting to be sent to a conversation,
// oldest first.
func (o *OfflineCoordinator) QueuedMessages(ref ConversationRef) ([]*OfflineMessage, error) {
	return o.store.FetchOfflineMessages(o.host, ref.CourseID, ref.ConversationID)
}

// QueuedAnswers returns the answers waiting to be sent to a thread, oldest
// first.
func (o *OfflineCoordinator) QueuedAnswers(ref MessageRef) ([]*OfflineAnswer, error) {
	return o.store.FetchOfflineAnswers(o.host, ref.CourseID, ref.ConversationID, ref.MessageID)
}

// Pending returns every queued item for the host, oldest first.
func (o *OfflineCoordinator) Pending() ([]QueuedItem, error) {
	msgs, answers, err := o.store.FetchPending(o.host)
	if err != nil {
		return nil, err
	}
	items := make([]QueuedItem, 0, len(msgs)+len(answers))
	for _, m := range msgs {
		items = append(items, m)
	}
	for _, a := range answers {
		items = append(items, a)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].queuedAt().Before(items[j].queuedAt()) })
	return items, nil
}

// Discard drops a queued item without sending it.
func (o *OfflineCoordinator) Discard(item QueuedItem) error {
	switch it := item.(type) {
	case *OfflineMessage:
		return o.store.DeleteOfflineMessage(it)
	case *OfflineAnswer:
		return o.store.DeleteOfflineAnswer(it)
	default:
		return fmt.Errorf("unsupported queued item %T", item)
	}
}

// ── Flush ────────────────────────────────────────────────

func (o *OfflineCoordinator) flushLoop() {
	ticker := time.NewTicker(o.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if _, err := o.Flush(context.Background()); err != nil {
				o.logger.Warn().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Flush retries every queued item in date order. Items whose send fails stay
// queued, and so does everything queued after them in the same conversation.
// Flush stops early when the sender's circuit breaker is open. It is a no-op
// while offline or while another flush runs.
func (o *OfflineCoordinator) Flush(ctx context.Context) (*FlushReport, error) {
	report := &FlushReport{}

	o.mu.Lock()
	if o.flushing || !o.IsOnline() {
		o.mu.Unlock()
		return report, nil
	}
	o.flushing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.flushing = false
		o.mu.Unlock()
	}()

	items, err := o.Pending()
	if err != nil {
		return report, fmt.Errorf("load pending: %w", err)
	}

	var result *multierror.Error
	blocked := make(map[ConversationRef]bool)
	for i, item := range items {
		conv := conversationOf(item)
		if blocked[conv] {
			report.Remaining++
			continue
		}
		if err := o.limiter.Wait(ctx); err != nil {
			report.Remaining += len(items) - i
			result = multierror.Append(result, err)
			break
		}

		sendErr := o.attempt(ctx, func(ctx context.Context) error {
			switch it := item.(type) {
			case *OfflineMessage:
				return o.sender.SendMessage(ctx, conv, it.Text)
			case *OfflineAnswer:
				return o.sender.SendAnswer(ctx, MessageRef{CourseID: it.CourseID, ConversationID: it.ConversationID, MessageID: it.MessageID}, it.Text)
			}
			return nil
		})
		if sendErr != nil {
			report.Failed++
			report.Remaining++
			blocked[conv] = true
			o.emit(EventMessageFailed, map[string]any{"item": item, "error": sendErr.Error()})
			if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
				o.logger.Info().Msg("sender breaker open, leaving queue for later")
				report.Remaining += len(items) - i - 1
				break
			}
			continue
		}

		if err := o.Discard(item); err != nil {
			// Sent but still stored: the next flush would send it again.
			o.logger.Error().Err(err).Msg("removing sent item from queue failed")
			result = multierror.Append(result, err)
		}
		report.Sent++
		o.emit(EventMessageSent, item)
	}

	o.logger.Debug().Int("sent", report.Sent).Int("failed", report.Failed).Int("remaining", report.Remaining).Msg("flush done")
	return report, result.ErrorOrNil()
}

func conversationOf(item QueuedItem) ConversationRef {
	switch it := item.(type) {
	case *OfflineMessage:
		return ConversationRef{CourseID: it.CourseID, ConversationID: it.ConversationID}
	case *OfflineAnswer:
		return ConversationRef{CourseID: it.CourseID, ConversationID: it.ConversationID}
	}
	return ConversationRef{}
}
