// Package coursepath is a client SDK for the course platform, built to keep a
// student client responsive on an unreliable network.
//
// Real-time events arrive over one shared push connection. A TopicRegistry
// reference-counts the topics subscribed on it and a Multiplexer turns them
// into independent, cancel-safe Feeds. Drafts and unsent content live in a
// CacheStore and are sent later by the OfflineCoordinator.
//
// Example:
//
//	client := coursepath.NewClient("https://x.edu", coursepath.WithToken(token))
//	push := coursepath.NewPushClient(&coursepath.RealtimeConfig{URL: wsURL, Token: token}, logger)
//	_ = push.Connect(ctx)
//
//	registry := coursepath.NewTopicRegistry(push, logger)
//	mux := coursepath.NewMultiplexer(registry, logger)
//	feed, _ := coursepath.OpenNotificationFeed(ctx, mux, account, courses)
//	for ev := range feed.All(ctx) {
//		fmt.Println(ev.Notification.Title)
//	}
package coursepath

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the REST API of one course platform server.
type Client struct {
	token      string
	baseURL    string
	userAgent  string
	httpClient *http.Client

	Account       *AccountClient
	Courses       *CoursesClient
	Conversations *ConversationsClient
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Account = &AccountClient{c: c}
	c.Courses = &CoursesClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	return c
}

// SetToken sets or updates the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Host returns the host part of the server URL, the key the offline cache
// stores this server under.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Host == "" {
		return c.baseURL
	}
	return u.Host
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func decodeList[T any](data []byte) ([]T, error) {
	list, err := decodeJSON[[]T](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// ============================================================================
// Sub-clients
// ============================================================================

// AccountClient reads the signed-in user.
type AccountClient struct{ c *Client }

func (a *AccountClient) Get(ctx context.Context) (*Account, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/api/account", nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Account](data)
}

// CoursesClient lists courses.
type CoursesClient struct{ c *Client }

// ForNotifications lists the courses whose notification topics the user
// should listen on.
func (cc *CoursesClient) ForNotifications(ctx context.Context) ([]Course, error) {
	data, err := cc.c.doRequest(ctx, http.MethodGet, "/api/courses/for-notifications", nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Course](data)
}

// ConversationsClient lists conversations and posts into them.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context, courseID int64) ([]Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/courses/%d/conversations", courseID), nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Conversation](data)
}

func (cv *ConversationsClient) PostMessage(ctx context.Context, ref ConversationRef, content string) (*ConversationMessage, error) {
	path := fmt.Sprintf("/api/courses/%d/conversations/%d/messages", ref.CourseID, ref.ConversationID)
	data, err := cv.c.doRequest(ctx, http.MethodPost, path, postContentRequest{Content: content})
	if err != nil {
		return nil, err
	}
	return decodeJSON[ConversationMessage](data)
}

func (cv *ConversationsClient) PostAnswer(ctx context.Context, ref MessageRef, content string) (*AnswerMessage, error) {
	path := fmt.Sprintf("/api/courses/%d/conversations/%d/messages/%d/answers", ref.CourseID, ref.ConversationID, ref.MessageID)
	data, err := cv.c.doRequest(ctx, http.MethodPost, path, postContentRequest{Content: content})
	if err != nil {
		return nil, err
	}
	return decodeJSON[AnswerMessage](data)
}

// ============================================================================
// Offline sender
// ============================================================================

// SendMessage posts a conversation message. It satisfies Sender.
func (c *Client) SendMessage(ctx context.Context, ref ConversationRef, text string) error {
	_, err := c.Conversations.PostMessage(ctx, ref, text)
	return err
}

// SendAnswer posts a thread answer. It satisfies Sender.
func (c *Client) SendAnswer(ctx context.Context, ref MessageRef, text string) error {
	_, err := c.Conversations.PostAnswer(ctx, ref, text)
	return err
}

// NotificationTopics resolves the signed-in user and their notification
// courses, and returns the topics a notification feed should lease.
func (c *Client) NotificationTopics(ctx context.Context) (*Account, []Course, []Topic, error) {
	account, err := c.Account.Get(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load account: %w", err)
	}
	courses, err := c.Courses.ForNotifications(ctx)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load courses: %w", err)
	}
	return account, courses, NotificationTopics(account.ID, courses), nil
}
