package coursepath

import (
	"fmt"
	"time"
)

// APIError represents an API error.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Account & Courses
// ============================================================================

type Account struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Course roles as they appear in course topic paths.
const (
	CourseRoleStudent    = "STUDENT"
	CourseRoleTutor      = "TUTOR"
	CourseRoleEditor     = "EDITOR"
	CourseRoleInstructor = "INSTRUCTOR"
)

type Course struct {
	ID             int64  `json:"id"`
	Title          string `json:"title"`
	ShortName      string `json:"shortName,omitempty"`
	IsAtLeastTutor bool   `json:"isAtLeastTutor,omitempty"`
}

// Role returns the topic role the signed-in user listens on for the course.
func (c Course) Role() string {
	if c.IsAtLeastTutor {
		return CourseRoleTutor
	}
	return CourseRoleStudent
}

// ============================================================================
// Conversations
// ============================================================================

type Conversation struct {
	ID                  int64      `json:"id"`
	CourseID            int64      `json:"courseId"`
	Type                string     `json:"type,omitempty"`
	Title               string     `json:"title,omitempty"`
	UnreadMessagesCount int        `json:"unreadMessagesCount,omitempty"`
	LastMessageDate     *time.Time `json:"lastMessageDate,omitempty"`
}

type Author struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

type ConversationMessage struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Author         Author    `json:"author"`
	Content        string    `json:"content"`
	CreationDate   time.Time `json:"creationDate"`
	AnswerCount    int       `json:"answerCount,omitempty"`
}

type AnswerMessage struct {
	ID           int64     `json:"id"`
	MessageID    int64     `json:"messageId"`
	Author       Author    `json:"author"`
	Content      string    `json:"content"`
	CreationDate time.Time `json:"creationDate"`
}

type Notification struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Text             string    `json:"text,omitempty"`
	NotificationDate time.Time `json:"notificationDate"`
	Target           string    `json:"target,omitempty"`
}

// ConversationRef addresses a conversation within a course.
type ConversationRef struct {
	CourseID       int64
	ConversationID int64
}

// MessageRef addresses a message thread within a conversation.
type MessageRef struct {
	CourseID       int64
	ConversationID int64
	MessageID      int64
}

// Conversation returns the conversation the message belongs to.
func (r MessageRef) Conversation() ConversationRef {
	return ConversationRef{CourseID: r.CourseID, ConversationID: r.ConversationID}
}

type postContentRequest struct {
	Content string `json:"content"`
}
