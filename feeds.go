package coursepath

import (
	"context"
	"encoding/json"
	"fmt"
)

// ============================================================================
// Topics
// ============================================================================

// UserNotificationsTopic is the per-user notification topic.
func UserNotificationsTopic(userID int64) Topic {
	return Topic(fmt.Sprintf("user/%d/notifications", userID))
}

// CourseTopic is the course-wide topic for role. An empty role means
// CourseRoleStudent.
func CourseTopic(courseID int64, role string) Topic {
	if role == "" {
		role = CourseRoleStudent
	}
	return Topic(fmt.Sprintf("course/%d/%s", courseID, role))
}

// ConversationTopic carries new messages and answers of one conversation.
func ConversationTopic(conversationID int64) Topic {
	return Topic(fmt.Sprintf("conversation/%d/notifications", conversationID))
}

// NotificationTopics returns the user topic followed by one course topic per
// course.
func NotificationTopics(userID int64, courses []Course) []Topic {
	topics := []Topic{UserNotificationsTopic(userID)}
	for _, c := range courses {
		topics = append(topics, CourseTopic(c.ID, c.Role()))
	}
	return topics
}

// ============================================================================
// Events
// ============================================================================

// Envelope is the wire shape of every feed payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event types carried in Envelope.Type.
const (
	EventNotification        = "notification"
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventConversationDeleted = "conversation.deleted"
	EventMessageCreated      = "message.created"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventAnswerCreated       = "answer.created"
)

func decodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// NotificationEvent is a notification received on a user or course topic.
type NotificationEvent struct {
	Topic        Topic
	Notification Notification
}

// DecodeNotification decodes a notification envelope.
func DecodeNotification(topic Topic, payload []byte) (NotificationEvent, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return NotificationEvent{}, err
	}
	if env.Type != EventNotification {
		return NotificationEvent{}, fmt.Errorf("unexpected event type %q", env.Type)
	}
	var n Notification
	if err := json.Unmarshal(env.Payload, &n); err != nil {
		return NotificationEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	return NotificationEvent{Topic: topic, Notification: n}, nil
}

// ConversationEvent is a conversation lifecycle or message event.
type ConversationEvent struct {
	Type         string
	Topic        Topic
	Conversation *Conversation
	Message      *ConversationMessage
	Answer       *AnswerMessage
}

// DecodeConversationEvent decodes conversation, message and answer
// envelopes.
func DecodeConversationEvent(topic Topic, payload []byte) (ConversationEvent, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return ConversationEvent{}, err
	}
	ev := ConversationEvent{Type: env.Type, Topic: topic}
	switch env.Type {
	case EventConversationCreated, EventConversationUpdated, EventConversationDeleted:
		ev.Conversation = new(Conversation)
		err = json.Unmarshal(env.Payload, ev.Conversation)
	case EventMessageCreated, EventMessageUpdated, EventMessageDeleted:
		ev.Message = new(ConversationMessage)
		err = json.Unmarshal(env.Payload, ev.Message)
	case EventAnswerCreated:
		ev.Answer = new(AnswerMessage)
		err = json.Unmarshal(env.Payload, ev.Answer)
	default:
		return ConversationEvent{}, fmt.Errorf("unexpected event type %q", env.Type)
	}
	if err != nil {
		return ConversationEvent{}, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

// ============================================================================
// Feed builders
// ============================================================================

// OpenNotificationFeed opens the feed of every notification for the user:
// the user topic plus one topic per course.
func OpenNotificationFeed(ctx context.Context, mux *Multiplexer, account *Account, courses []Course) (*Feed[NotificationEvent], error) {
	key := fmt.Sprintf("notifications/%d", account.ID)
	return OpenFeed(ctx, mux, key, NotificationTopics(account.ID, courses), DecodeNotification)
}

// OpenConversationsFeed follows the conversations of a course. It listens on
// the course topic and on every known conversation, opening the topic of a
// conversation when it is created and closing it when it is deleted.
func OpenConversationsFeed(ctx context.Context, mux *Multiplexer, course Course, conversations []Conversation) (*Feed[ConversationEvent], error) {
	key := fmt.Sprintf("conversations/%d", course.ID)
	topics := []Topic{CourseTopic(course.ID, course.Role())}
	for _, c := range conversations {
		topics = append(topics, ConversationTopic(c.ID))
	}
	return OpenFeed(ctx, mux, key, topics, DecodeConversationEvent, WithControl(conversationMembership))
}

func conversationMembership(ev ConversationEvent) []TopicChange {
	if ev.Conversation == nil {
		return nil
	}
	switch ev.Type {
	case EventConversationCreated:
		return []TopicChange{AddTopic(ConversationTopic(ev.Conversation.ID))}
	case EventConversationDeleted:
		return []TopicChange{RemoveTopic(ConversationTopic(ev.Conversation.ID))}
	}
	return nil
}

// OpenConversationMessagesFeed follows the messages of one conversation,
// leaving out the ones authored by selfID.
func OpenConversationMessagesFeed(ctx context.Context, mux *Multiplexer, conversationID, selfID int64) (*Feed[ConversationEvent], error) {
	key := fmt.Sprintf("conversation-messages/%d", conversationID)
	notMine := func(ev ConversationEvent) bool {
		switch {
		case ev.Message != nil:
			return ev.Message.Author.ID != selfID
		case ev.Answer != nil:
			return ev.Answer.Author.ID != selfID
		}
		return false
	}
	return OpenFeed(ctx, mux, key, []Topic{ConversationTopic(conversationID)}, DecodeConversationEvent, WithFilter(notMine))
}
