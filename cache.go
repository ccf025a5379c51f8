package coursepath

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultCacheTTL is how long a server subtree survives without being touched.
const DefaultCacheTTL = 24 * time.Hour

// ErrNotFound is returned by fetches when the requested record does not exist
// (or was just purged).
var ErrNotFound = errors.New("record not found")

// CacheError reports a storage failure in the cache. Misses are reported with
// ErrNotFound instead.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return "cache " + e.Op + ": " + e.Err.Error()
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Records
// ============================================================================

// ServerRecord is the root of a cached subtree, one per institution host.
type ServerRecord struct {
	Host           string    `msgpack:"host"`
	LastAccessDate time.Time `msgpack:"last_access_date"`
}

// CourseRecord anchors the conversations of one course.
type CourseRecord struct {
	Host     string `msgpack:"host"`
	CourseID int64  `msgpack:"course_id"`
}

// ConversationRecord holds the unsent message draft of a conversation.
type ConversationRecord struct {
	Host           string `msgpack:"host"`
	CourseID       int64  `msgpack:"course_id"`
	ConversationID int64  `msgpack:"conversation_id"`
	MessageDraft   string `msgpack:"message_draft"`
}

// MessageRecord holds the unsent answer draft of a message thread.
type MessageRecord struct {
	Host               string `msgpack:"host"`
	CourseID           int64  `msgpack:"course_id"`
	ConversationID     int64  `msgpack:"conversation_id"`
	MessageID          int64  `msgpack:"message_id"`
	AnswerMessageDraft string `msgpack:"answer_message_draft"`
}

// OfflineMessage is a conversation message that could not be sent yet.
type OfflineMessage struct {
	ID             string    `msgpack:"id"`
	Host           string    `msgpack:"host"`
	CourseID       int64     `msgpack:"course_id"`
	ConversationID int64     `msgpack:"conversation_id"`
	Date           time.Time `msgpack:"date"`
	Text           string    `msgpack:"text"`
}

// OfflineAnswer is a thread answer that could not be sent yet.
type OfflineAnswer struct {
	ID             string    `msgpack:"id"`
	Host           string    `msgpack:"host"`
	CourseID       int64     `msgpack:"course_id"`
	ConversationID int64     `msgpack:"conversation_id"`
	MessageID      int64     `msgpack:"message_id"`
	Date           time.Time `msgpack:"date"`
	Text           string    `msgpack:"text"`
}

// ============================================================================
// CacheStore
// ============================================================================

// CacheStore is the embedded offline store. Records live in leveldb under
// path-shaped row keys (see cache_keys.go) so that a subtree is a key range.
//
// Every fetch first purges the store for the requested host: an expired
// subtree for that host is removed, and so is every other host's subtree.
// The store therefore keeps state for at most one institution at a time.
type CacheStore struct {
	// leveldb has no multi-key transactions; mu serializes every mutation
	// (purge and touch included, so fetches take the write lock too).
	mu      sync.RWMutex
	db      *leveldb.DB
	ttl     time.Duration
	nowFunc func() time.Time
	logger  zerolog.Logger
}

// CacheOption configures a CacheStore.
type CacheOption func(*CacheStore)

// WithTTL sets the inactivity window after which a server subtree is evicted.
func WithTTL(ttl time.Duration) CacheOption {
	return func(s *CacheStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(s *CacheStore) { s.nowFunc = now }
}

// WithCacheLogger sets the logger used for purge diagnostics.
func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(s *CacheStore) { s.logger = logger }
}

// OpenCache opens (or creates) a cache store at path.
func OpenCache(path string, opts ...CacheOption) (*CacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, &CacheError{Op: "open", Err: err}
	}
	return newCacheStore(db, opts), nil
}

// OpenMemoryCache opens a cache store that lives only in memory.
func OpenMemoryCache(opts ...CacheOption) (*CacheStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, &CacheError{Op: "open", Err: err}
	}
	return newCacheStore(db, opts), nil
}

func newCacheStore(db *leveldb.DB, opts []CacheOption) *CacheStore {
	s := &CacheStore{
		db:      db,
		ttl:     DefaultCacheTTL,
		nowFunc: time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "cache-store").Logger()
	return s
}

// Close releases the underlying database.
func (s *CacheStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &CacheError{Op: "close", Err: err}
	}
	return nil
}

// TTL returns the configured eviction window.
func (s *CacheStore) TTL() time.Duration {
	return s.ttl
}

// ── Server ───────────────────────────────────────────────

// InsertServer creates the server record for host or touches it.
func (s *CacheStore) InsertServer(host string) (*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	srv, err := s.upsertServer(b, host)
	if err != nil {
		return nil, err
	}
	if err := s.write("insert server", b); err != nil {
		return nil, err
	}
	return srv, nil
}

// FetchServer returns the server record for host.
func (s *CacheStore) FetchServer(host string) (*ServerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.purge(host); err != nil {
		return nil, err
	}
	return s.touch(host)
}

// Touch refreshes the last access date of host's subtree.
func (s *CacheStore) Touch(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.touch(host)
	return err
}

// DeleteServer removes host's whole subtree.
func (s *CacheStore) DeleteServer(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	if err := s.deleteSubtree(b, serverRowKey(host)); err != nil {
		return err
	}
	return s.write("delete server", b)
}

// Hosts lists the server records currently stored, without purging.
func (s *CacheStore) Hosts() ([]*ServerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.servers()
}

// Purge runs the eviction pass scoped to host.
func (s *CacheStore) Purge(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.purge(host)
}

// ── Course ───────────────────────────────────────────────

// InsertCourse creates the course record (and its server) if missing.
func (s *CacheStore) InsertCourse(host string, courseID int64) (*CourseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	course, err := s.upsertCourse(b, host, courseID)
	if err != nil {
		return nil, err
	}
	if err := s.write("insert course", b); err != nil {
		return nil, err
	}
	return course, nil
}

// FetchCourse returns a course record.
func (s *CacheStore) FetchCourse(host string, courseID int64) (*CourseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolve(host); err != nil {
		return nil, err
	}
	var course CourseRecord
	if err := s.get(courseRowKey(host, courseID), &course); err != nil {
		return nil, fmt.Errorf("course %d: %w", courseID, err)
	}
	return &course, nil
}

// ── Conversation ─────────────────────────────────────────

// InsertConversation upserts a conversation and sets its message draft.
func (s *CacheStore) InsertConversation(host string, courseID, conversationID int64, messageDraft string) (*ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	conv, err := s.upsertConversation(b, host, courseID, conversationID, &messageDraft)
	if err != nil {
		return nil, err
	}
	if err := s.write("insert conversation", b); err != nil {
		return nil, err
	}
	return conv, nil
}

// FetchConversation returns a conversation record.
func (s *CacheStore) FetchConversation(host string, courseID, conversationID int64) (*ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolve(host); err != nil {
		return nil, err
	}
	var conv ConversationRecord
	if err := s.get(conversationRowKey(host, courseID, conversationID), &conv); err != nil {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, err)
	}
	return &conv, nil
}

// ── Message ──────────────────────────────────────────────

// InsertMessage upserts a message record and sets its answer draft.
func (s *CacheStore) InsertMessage(host string, courseID, conversationID, messageID int64, answerDraft string) (*MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	msg, err := s.upsertMessage(b, host, courseID, conversationID, messageID, &answerDraft)
	if err != nil {
		return nil, err
	}
	if err := s.write("insert message", b); err != nil {
		return nil, err
	}
	return msg, nil
}

// FetchMessage returns a message record.
func (s *CacheStore) FetchMessage(host string, courseID, conversationID, messageID int64) (*MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolve(host); err != nil {
		return nil, err
	}
	var msg MessageRecord
	if err := s.get(messageRowKey(host, courseID, conversationID, messageID), &msg); err != nil {
		return nil, fmt.Errorf("message %d: %w", messageID, err)
	}
	return &msg, nil
}

// ClearMessageDraft empties the message draft of a conversation. Nothing is
// written when the conversation is not cached or has no draft.
func (s *CacheStore) ClearMessageDraft(host string, courseID, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conv ConversationRecord
	key := conversationRowKey(host, courseID, conversationID)
	found, err := s.lookup(key, &conv)
	if err != nil || !found || conv.MessageDraft == "" {
		return err
	}
	conv.MessageDraft = ""
	b := new(leveldb.Batch)
	if err := s.put(b, key, &conv); err != nil {
		return err
	}
	if err := s.write("clear message draft", b); err != nil {
		return err
	}
	return s.touchIfPresent(host)
}

// ClearAnswerDraft empties the answer draft of a message thread. Nothing is
// written when the message is not cached or has no draft.
func (s *CacheStore) ClearAnswerDraft(host string, courseID, conversationID, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msg MessageRecord
	key := messageRowKey(host, courseID, conversationID, messageID)
	found, err := s.lookup(key, &msg)
	if err != nil || !found || msg.AnswerMessageDraft == "" {
		return err
	}
	msg.AnswerMessageDraft = ""
	b := new(leveldb.Batch)
	if err := s.put(b, key, &msg); err != nil {
		return err
	}
	if err := s.write("clear answer draft", b); err != nil {
		return err
	}
	return s.touchIfPresent(host)
}

// ── Offline messages ─────────────────────────────────────

// InsertOfflineMessage queues an unsent conversation message.
func (s *CacheStore) InsertOfflineMessage(host string, courseID, conversationID int64, date time.Time, text string) (*OfflineMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	if _, err := s.upsertConversation(b, host, courseID, conversationID, nil); err != nil {
		return nil, err
	}
	m := &OfflineMessage{
		ID:             uuid.NewString(),
		Host:           host,
		CourseID:       courseID,
		ConversationID: conversationID,
		Date:           date,
		Text:           text,
	}
	if err := s.put(b, offlineMessageRowKey(host, courseID, conversationID, m.ID), m); err != nil {
		return nil, err
	}
	if err := s.write("insert offline message", b); err != nil {
		return nil, err
	}
	return m, nil
}

// FetchOfflineMessages returns the queued messages of a conversation, oldest first.
func (s *CacheStore) FetchOfflineMessages(host string, courseID, conversationID int64) ([]*OfflineMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolve(host); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var result []*OfflineMessage
	err := s.scan(offlineMessagePrefix(host, courseID, conversationID), func(_, value []byte) error {
		var m OfflineMessage
		if err := msgpack.Unmarshal(value, &m); err != nil {
			return err
		}
		result = append(result, &m)
		return nil
	})
	if err != nil {
		return nil, &CacheError{Op: "fetch offline messages", Err: err}
	}
	sortOfflineMessages(result)
	return result, nil
}

// DeleteOfflineMessage removes a queued message.
func (s *CacheStore) DeleteOfflineMessage(m *OfflineMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.delete("delete offline message", offlineMessageRowKey(m.Host, m.CourseID, m.ConversationID, m.ID)); err != nil {
		return err
	}
	return s.touchIfPresent(m.Host)
}

// ── Offline answers ──────────────────────────────────────

// InsertOfflineAnswer queues an unsent answer to a message.
func (s *CacheStore) InsertOfflineAnswer(host string, courseID, conversationID, messageID int64, date time.Time, text string) (*OfflineAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	if _, err := s.upsertMessage(b, host, courseID, conversationID, messageID, nil); err != nil {
		return nil, err
	}
	a := &OfflineAnswer{
		ID:             uuid.NewString(),
		Host:           host,
		CourseID:       courseID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Date:           date,
		Text:           text,
	}
	if err := s.put(b, offlineAnswerRowKey(host, courseID, conversationID, messageID, a.ID), a); err != nil {
		return nil, err
	}
	if err := s.write("insert offline answer", b); err != nil {
		return nil, err
	}
	return a, nil
}

// FetchOfflineAnswers returns the queued answers of a message, oldest first.
func (s *CacheStore) FetchOfflineAnswers(host string, courseID, conversationID, messageID int64) ([]*OfflineAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolve(host); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var result []*OfflineAnswer
	err := s.scan(offlineAnswerPrefix(host, courseID, conversationID, messageID), func(_, value []byte) error {
		var a OfflineAnswer
		if err := msgpack.Unmarshal(value, &a); err != nil {
			return err
		}
		result = append(result, &a)
		return nil
	})
	if err != nil {
		return nil, &CacheError{Op: "fetch offline answers", Err: err}
	}
	sortOfflineAnswers(result)
	return result, nil
}

// DeleteOfflineAnswer removes a queued answer.
func (s *CacheStore) DeleteOfflineAnswer(a *OfflineAnswer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.delete("delete offline answer", offlineAnswerRowKey(a.Host, a.CourseID, a.ConversationID, a.MessageID, a.ID)); err != nil {
		return err
	}
	return s.touchIfPresent(a.Host)
}

// FetchPending returns every queued message and answer stored for host,
// each list oldest first.
func (s *CacheStore) FetchPending(host string) ([]*OfflineMessage, []*OfflineAnswer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolve(host); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var (
		messages []*OfflineMessage
		answers  []*OfflineAnswer
	)
	err := s.scan(subtreePrefix(serverRowKey(host)), func(key, value []byte) error {
		if !isOfflineRowKey(key) {
			return nil
		}
		if isAnswerRowKey(key) {
			var a OfflineAnswer
			if err := msgpack.Unmarshal(value, &a); err != nil {
				return err
			}
			answers = append(answers, &a)
			return nil
		}
		var m OfflineMessage
		if err := msgpack.Unmarshal(value, &m); err != nil {
			return err
		}
		messages = append(messages, &m)
		return nil
	})
	if err != nil {
		return nil, nil, &CacheError{Op: "fetch pending", Err: err}
	}
	sortOfflineMessages(messages)
	sortOfflineAnswers(answers)
	return messages, answers, nil
}

// ============================================================================
// Internals (callers hold s.mu)
// ============================================================================

// resolve purges for host and touches its server record, returning
// ErrNotFound when no server record survives.
func (s *CacheStore) resolve(host string) error {
	if err := s.purge(host); err != nil {
		return err
	}
	_, err := s.touch(host)
	return err
}

func (s *CacheStore) purge(host string) error {
	servers, err := s.servers()
	if err != nil {
		return err
	}
	now := s.nowFunc()
	b := new(leveldb.Batch)
	for _, srv := range servers {
		switch {
		case srv.Host != host:
			s.logger.Debug().Str("host", srv.Host).Str("active_host", host).Msg("purging unrelated server")
		case srv.LastAccessDate.Add(s.ttl).Before(now):
			s.logger.Debug().Str("host", srv.Host).Time("last_access", srv.LastAccessDate).Msg("purging expired server")
		default:
			continue
		}
		if err := s.deleteSubtree(b, serverRowKey(srv.Host)); err != nil {
			return err
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return s.write("purge", b)
}

func (s *CacheStore) servers() ([]*ServerRecord, error) {
	var result []*ServerRecord
	err := s.scan([]byte(serverKeyPrefix), func(key, value []byte) error {
		if _, ok := parseServerRowKey(key); !ok {
			return nil
		}
		var srv ServerRecord
		if err := msgpack.Unmarshal(value, &srv); err != nil {
			return err
		}
		result = append(result, &srv)
		return nil
	})
	if err != nil {
		return nil, &CacheError{Op: "list servers", Err: err}
	}
	return result, nil
}

func (s *CacheStore) touch(host string) (*ServerRecord, error) {
	var srv ServerRecord
	if err := s.get(serverRowKey(host), &srv); err != nil {
		return nil, fmt.Errorf("server %s: %w", host, err)
	}
	srv.LastAccessDate = s.nowFunc()
	b := new(leveldb.Batch)
	if err := s.put(b, serverRowKey(host), &srv); err != nil {
		return nil, err
	}
	if err := s.write("touch", b); err != nil {
		return nil, err
	}
	return &srv, nil
}

func (s *CacheStore) touchIfPresent(host string) error {
	if _, err := s.touch(host); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (s *CacheStore) upsertServer(b *leveldb.Batch, host string) (*ServerRecord, error) {
	srv := &ServerRecord{Host: host, LastAccessDate: s.nowFunc()}
	if err := s.put(b, serverRowKey(host), srv); err != nil {
		return nil, err
	}
	return srv, nil
}

func (s *CacheStore) upsertCourse(b *leveldb.Batch, host string, courseID int64) (*CourseRecord, error) {
	if _, err := s.upsertServer(b, host); err != nil {
		return nil, err
	}
	course := &CourseRecord{Host: host, CourseID: courseID}
	key := courseRowKey(host, courseID)
	found, err := s.lookup(key, course)
	if err != nil || found {
		return course, err
	}
	return course, s.put(b, key, course)
}

// upsertConversation creates the conversation chain. A nil draft keeps the
// stored draft.
func (s *CacheStore) upsertConversation(b *leveldb.Batch, host string, courseID, conversationID int64, draft *string) (*ConversationRecord, error) {
	if _, err := s.upsertCourse(b, host, courseID); err != nil {
		return nil, err
	}
	conv := &ConversationRecord{Host: host, CourseID: courseID, ConversationID: conversationID}
	key := conversationRowKey(host, courseID, conversationID)
	found, err := s.lookup(key, conv)
	if err != nil {
		return nil, err
	}
	if found && draft == nil {
		return conv, nil
	}
	if draft != nil {
		conv.MessageDraft = *draft
	}
	return conv, s.put(b, key, conv)
}

func (s *CacheStore) upsertMessage(b *leveldb.Batch, host string, courseID, conversationID, messageID int64, draft *string) (*MessageRecord, error) {
	if _, err := s.upsertConversation(b, host, courseID, conversationID, nil); err != nil {
		return nil, err
	}
	msg := &MessageRecord{Host: host, CourseID: courseID, ConversationID: conversationID, MessageID: messageID}
	key := messageRowKey(host, courseID, conversationID, messageID)
	found, err := s.lookup(key, msg)
	if err != nil {
		return nil, err
	}
	if found && draft == nil {
		return msg, nil
	}
	if draft != nil {
		msg.AnswerMessageDraft = *draft
	}
	return msg, s.put(b, key, msg)
}

func (s *CacheStore) deleteSubtree(b *leveldb.Batch, key []byte) error {
	b.Delete(key)
	err := s.scan(subtreePrefix(key), func(k, _ []byte) error {
		b.Delete(append([]byte(nil), k...))
		return nil
	})
	if err != nil {
		return &CacheError{Op: "delete subtree", Err: err}
	}
	return nil
}

// get decodes key into v, mapping a miss to ErrNotFound.
func (s *CacheStore) get(key []byte, v any) error {
	found, err := s.lookup(key, v)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *CacheStore) lookup(key []byte, v any) (bool, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &CacheError{Op: "get", Err: err}
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, &CacheError{Op: "decode", Err: err}
	}
	return true, nil
}

func (s *CacheStore) put(b *leveldb.Batch, key []byte, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return &CacheError{Op: "encode", Err: err}
	}
	b.Put(key, data)
	return nil
}

func (s *CacheStore) delete(op string, key []byte) error {
	if err := s.db.Delete(key, nil); err != nil {
		return &CacheError{Op: op, Err: err}
	}
	return nil
}

func (s *CacheStore) write(op string, b *leveldb.Batch) error {
	if err := s.db.Write(b, nil); err != nil {
		return &CacheError{Op: op, Err: err}
	}
	return nil
}

func (s *CacheStore) scan(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func sortOfflineMessages(ms []*OfflineMessage) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Date.Before(ms[j].Date) })
}

func sortOfflineAnswers(as []*OfflineAnswer) {
	sort.SliceStable(as, func(i, j int) bool { return as[i].Date.Before(as[j].Date) })
}
