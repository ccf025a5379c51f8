package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	coursepath "github.com/coursepath/coursepath-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(answerCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(discardCmd)

	draftCmd.Flags().Int64("message", 0, "message id, to address the answer draft of a thread")
}

// withCoordinator runs fn with a coordinator over the configured server and
// the offline cache.
func withCoordinator(fn func(ctx context.Context, coord *coursepath.OfflineCoordinator) error) error {
	cfg := mustLoadConfig()
	client := getClient(cfg)
	store := openCache(cfg)
	defer store.Close()
	coord := newCoordinator(client, store)
	defer coord.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, coord)
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, len(args))
	for i, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func printOutcome(out *coursepath.SendOutcome) {
	switch out.Status {
	case coursepath.StatusSent:
		fmt.Println("Sent.")
	case coursepath.StatusQueuedOffline:
		if out.SendErr != nil {
			fmt.Printf("Queued offline (%v). Run 'coursepath flush' once back online.\n", out.SendErr)
		} else {
			fmt.Println("Queued offline.")
		}
	}
}

var sendCmd = &cobra.Command{
	Use:   "send <course-id> <conversation-id> <text>",
	Short: "Send a message, queuing it offline if the server is unreachable",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:2])
		if err != nil {
			return err
		}
		ref := coursepath.ConversationRef{CourseID: ids[0], ConversationID: ids[1]}
		return withCoordinator(func(ctx context.Context, coord *coursepath.OfflineCoordinator) error {
			out, err := coord.SendMessage(ctx, ref, args[2])
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		})
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer <course-id> <conversation-id> <message-id> <text>",
	Short: "Answer a message thread, queuing the answer offline if needed",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:3])
		if err != nil {
			return err
		}
		ref := coursepath.MessageRef{CourseID: ids[0], ConversationID: ids[1], MessageID: ids[2]}
		return withCoordinator(func(ctx context.Context, coord *coursepath.OfflineCoordinator) error {
			out, err := coord.SendAnswer(ctx, ref, args[3])
			if err != nil {
				return err
			}
			printOutcome(out)
			return nil
		})
	},
}

var draftCmd = &cobra.Command{
	Use:   "draft <course-id> <conversation-id> [text]",
	Short: "Show or save a draft",
	Long:  "Without text, print the stored draft. With text, store it.\nUse --message to address the answer draft of a thread.",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:2])
		if err != nil {
			return err
		}
		messageID, _ := cmd.Flags().GetInt64("message")
		conv := coursepath.ConversationRef{CourseID: ids[0], ConversationID: ids[1]}
		msg := coursepath.MessageRef{CourseID: ids[0], ConversationID: ids[1], MessageID: messageID}

		return withCoordinator(func(_ context.Context, coord *coursepath.OfflineCoordinator) error {
			if len(args) == 3 {
				if messageID != 0 {
					return coord.SaveAnswerDraft(msg, args[2])
				}
				return coord.SaveMessageDraft(conv, args[2])
			}
			var draft string
			if messageID != 0 {
				draft, err = coord.LoadAnswerDraft(msg)
			} else {
				draft, err = coord.LoadMessageDraft(conv)
			}
			if err != nil {
				return err
			}
			fmt.Println(valueOrDefault(draft, "(no draft)"))
			return nil
		})
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued offline messages and answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(_ context.Context, coord *coursepath.OfflineCoordinator) error {
			items, err := coord.Pending()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("Nothing queued.")
				return nil
			}
			for _, item := range items {
				switch it := item.(type) {
				case *coursepath.OfflineMessage:
					fmt.Printf("%s  %s  message  course %d conv %d: %s\n",
						it.ID, it.Date.Format(time.RFC3339), it.CourseID, it.ConversationID, it.Text)
				case *coursepath.OfflineAnswer:
					fmt.Printf("%s  %s  answer   course %d conv %d msg %d: %s\n",
						it.ID, it.Date.Format(time.RFC3339), it.CourseID, it.ConversationID, it.MessageID, it.Text)
				}
			}
			return nil
		})
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every queued item now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(ctx context.Context, coord *coursepath.OfflineCoordinator) error {
			report, err := coord.Flush(ctx)
			fmt.Printf("Sent %d, failed %d, still queued %d.\n", report.Sent, report.Failed, report.Remaining)
			return err
		})
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a queued item without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(func(_ context.Context, coord *coursepath.OfflineCoordinator) error {
			items, err := coord.Pending()
			if err != nil {
				return err
			}
			for _, item := range items {
				if queuedItemID(item) == args[0] {
					if err := coord.Discard(item); err != nil {
						return err
					}
					fmt.Println("Discarded.")
					return nil
				}
			}
			return errors.New("no queued item with that id")
		})
	},
}

func queuedItemID(item coursepath.QueuedItem) string {
	switch it := item.(type) {
	case *coursepath.OfflineMessage:
		return it.ID
	case *coursepath.OfflineAnswer:
		return it.ID
	}
	return ""
}
