package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/agentchat"
)

var (
	notificationsListJSON   bool
	notificationsListUnread bool
)

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsCountCmd)

	notificationsListCmd.Flags().BoolVar(&notificationsListJSON, "json", false, "Output as JSON")
	notificationsListCmd.Flags().BoolVar(&notificationsListUnread, "unread", false, "Only unread notifications")
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "List and acknowledge notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if _, _, err := a.restore(ctx); err != nil {
			return err
		}

		poller := agentchat.NewNotificationPoller(a.client, agentchat.WithPollerLogger(a.logger))
		if err := poller.OpenPanel(ctx); err != nil {
			return fmt.Errorf("failed to list notifications: %s", describeError(err))
		}

		list := poller.Notifications()
		if notificationsListUnread {
			unread := list[:0]
			for _, n := range list {
				if !n.Read {
					unread = append(unread, n)
				}
			}
			list = unread
		}
		if notificationsListJSON {
			return printJSON(list)
		}
		printNotifications(list, time.Now())
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid notification id %q", args[0])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if _, _, err := a.restore(ctx); err != nil {
			return err
		}

		poller := agentchat.NewNotificationPoller(a.client, agentchat.WithPollerLogger(a.logger))
		if err := poller.MarkRead(ctx, id); err != nil {
			return fmt.Errorf("failed to mark notification %d read: %s", id, describeError(err))
		}
		fmt.Printf("Notification %d marked as read.\n", id)
		return nil
	},
}

var notificationsCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of unread notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if _, _, err := a.restore(ctx); err != nil {
			return err
		}
		count, err := a.client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch unread count: %s", describeError(err))
		}
		fmt.Println(count)
		return nil
	},
}

func printNotifications(list []agentchat.Notification, now time.Time) {
	if len(list) == 0 {
		fmt.Println("No notifications.")
		return
	}
	for _, n := range list {
		mark := " "
		if !n.Read {
			mark = "*"
		}
		fmt.Printf("%s #%-4d %-12s %-16s %s\n",
			mark, n.ID, n.Sender(), agentchat.FormatAge(n.CreatedAt.Time, now), n.Message)
	}
}
