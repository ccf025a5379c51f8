package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	coursepath "github.com/coursepath/coursepath-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.AddCommand(watchNotificationsCmd)
	watchCmd.AddCommand(watchConversationsCmd)
	watchCmd.AddCommand(watchMessagesCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events until interrupted",
}

// session is a push connection with its registry and multiplexer.
type session struct {
	cfg      *Config
	client   *coursepath.Client
	push     *coursepath.PushClient
	registry *coursepath.TopicRegistry
	mux      *coursepath.Multiplexer
}

func openSession(ctx context.Context) (*session, error) {
	cfg := mustLoadConfig()
	s := &session{cfg: cfg, client: getClient(cfg), push: newPushClient(cfg)}
	s.push.OnReconnecting(func(attempt int) {
		logger.Warn().Int("attempt", attempt).Msg("push connection lost, reconnecting")
	})
	if err := s.push.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s.registry = coursepath.NewTopicRegistry(s.push, logger)
	s.mux = coursepath.NewMultiplexer(s.registry, logger)
	return s, nil
}

func (s *session) Close() {
	s.mux.Close()
	if err := s.registry.Close(); err != nil {
		logger.Warn().Err(err).Msg("closing topic registry")
	}
	s.push.Disconnect()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func reportFailedTopics[T any](f *coursepath.Feed[T]) {
	if err := f.FailedTopicErrors(); err != nil {
		logger.Warn().Err(err).Msg("some topics could not be subscribed")
	}
}

var watchNotificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Print user and course notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		account, courses, _, err := s.client.NotificationTopics(ctx)
		if err != nil {
			return err
		}
		feed, err := coursepath.OpenNotificationFeed(ctx, s.mux, account, courses)
		if err != nil {
			return err
		}
		reportFailedTopics(feed)
		logger.Info().Int("topics", len(feed.Topics())).Msg("watching notifications")

		for ev := range feed.All(ctx) {
			fmt.Printf("[%s] %s\n", ev.Topic, ev.Notification.Title)
			if ev.Notification.Text != "" {
				fmt.Printf("    %s\n", ev.Notification.Text)
			}
		}
		return nil
	},
}

var watchConversationsCmd = &cobra.Command{
	Use:   "conversations <course-id>",
	Short: "Print conversation activity of a course",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		courseID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid course id: %w", err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		course := coursepath.Course{ID: courseID}
		courses, err := s.client.Courses.ForNotifications(ctx)
		if err != nil {
			return err
		}
		for _, c := range courses {
			if c.ID == courseID {
				course = c
			}
		}
		convs, err := s.client.Conversations.List(ctx, courseID)
		if err != nil {
			return err
		}
		feed, err := coursepath.OpenConversationsFeed(ctx, s.mux, course, convs)
		if err != nil {
			return err
		}
		reportFailedTopics(feed)

		for ev := range feed.All(ctx) {
			printConversationEvent(ev)
		}
		return nil
	},
}

var watchMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print new messages of a conversation written by others",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id: %w", err)
		}
		ctx, cancel := signalContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		selfID := s.cfg.Auth.UserID
		if selfID == 0 {
			account, err := s.client.Account.Get(ctx)
			if err != nil {
				return err
			}
			selfID = account.ID
		}
		feed, err := coursepath.OpenConversationMessagesFeed(ctx, s.mux, convID, selfID)
		if err != nil {
			return err
		}
		reportFailedTopics(feed)

		for ev := range feed.All(ctx) {
			printConversationEvent(ev)
		}
		return nil
	},
}

func printConversationEvent(ev coursepath.ConversationEvent) {
	switch {
	case ev.Conversation != nil:
		fmt.Printf("%-22s #%d %s\n", ev.Type, ev.Conversation.ID, ev.Conversation.Title)
	case ev.Message != nil:
		fmt.Printf("%-22s %s: %s\n", ev.Type, ev.Message.Author.Name, ev.Message.Content)
	case ev.Answer != nil:
		fmt.Printf("%-22s %s (re #%d): %s\n", ev.Type, ev.Answer.Author.Name, ev.Answer.MessageID, ev.Answer.Content)
	}
}
