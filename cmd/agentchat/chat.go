package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/agentchat"
)

var (
	chatMetricsAddr string
	historyJSON     bool
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(newCmd)

	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides default.metrics_addr)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
}

// ============================================================================
// chat
// ============================================================================

const chatHelp = `Commands:
  /new               start a new conversation
  /history           print the conversation again
  /notifications     list notifications
  /read <id>         mark a notification as read
  /quit              leave`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive conversation with the agent",
	Long:  "Open the realtime channel and chat with the agent. Replies arrive asynchronously.\n\n" + chatHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		addr := chatMetricsAddr
		if addr == "" {
			addr = a.cfg.Default.MetricsAddr
		}
		a.serveMetrics(ctx, addr)

		sc, err := a.session()
		if err != nil {
			return err
		}
		profile, err := sc.Resume(ctx)
		if err != nil {
			if errors.Is(err, agentchat.ErrNotAuthenticated) {
				return errors.New("not logged in; run 'agentchat login' first")
			}
			return fmt.Errorf("cannot resume session: %s", describeError(err))
		}
		defer sc.Close()

		fmt.Printf("%s · %s\n", profile.UserLine(), profile.TenantLine())
		fmt.Println("Type a message, or /help.")

		p := newPrinter()
		unsubscribe := []func(){
			sc.Engine().OnChange(p.onView),
			sc.Transport().OnStateChange(p.onState),
			sc.Notifications().OnChange(p.onNotifications),
		}
		defer func() {
			for _, u := range unsubscribe {
				u()
			}
		}()
		p.printAll(sc.Engine().Messages())

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case line, ok := <-lines:
				if !ok {
					sc.Engine().Wait()
					return nil
				}
				if quit := runChatLine(ctx, sc, p, line); quit {
					return nil
				}
			}
		}
	},
}

func runChatLine(ctx context.Context, sc *agentchat.SessionContext, p *printer, line string) bool {
	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "/") {
		sc.Engine().SendUserMessage(ctx, line)
		return false
	}

	command, arg, _ := strings.Cut(text, " ")
	switch command {
	case "/quit", "/exit":
		sc.Engine().Wait()
		return true
	case "/help":
		fmt.Println(chatHelp)
	case "/new":
		scope, err := sc.NewConversation(ctx)
		if err != nil {
			fmt.Printf("! could not start a conversation: %s\n", describeError(err))
			break
		}
		p.reset()
		fmt.Printf("-- new conversation %s --\n", scope)
	case "/history":
		p.reset()
		p.printAll(sc.Engine().Messages())
	case "/notifications":
		poller := sc.Notifications()
		if err := poller.OpenPanel(ctx); err != nil {
			fmt.Printf("! %s\n", describeError(err))
			break
		}
		printNotifications(poller.Notifications(), time.Now())
	case "/read":
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil {
			fmt.Println("usage: /read <id>")
			break
		}
		if err := sc.Notifications().MarkRead(ctx, id); err != nil {
			fmt.Printf("! %s\n", describeError(err))
		}
	default:
		fmt.Printf("unknown command %s; try /help\n", command)
	}
	return false
}

// ============================================================================
// Output
// ============================================================================

// printer writes engine and transport changes to stdout. It remembers what
// it has shown so that each entry is printed once.
type printer struct {
	mu     sync.Mutex
	status map[string]agentchat.MessageStatus
	state  agentchat.ConnectionState
	unread int
}

func newPrinter() *printer {
	return &printer{status: make(map[string]agentchat.MessageStatus), unread: -1}
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = make(map[string]agentchat.MessageStatus)
}

func (p *printer) printAll(msgs []agentchat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.printLocked(m, true)
	}
}

func (p *printer) onView(v agentchat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range v.Messages {
		p.printLocked(m, false)
	}
}

func (p *printer) printLocked(m agentchat.Message, echoUser bool) {
	prev, seen := p.status[m.ID]
	p.status[m.ID] = m.Status

	if !seen {
		switch {
		case m.Role == agentchat.RoleAssistant:
			fmt.Printf("agent> %s\n", m.Content)
		case echoUser:
			fmt.Printf("you> %s\n", m.Content)
		}
	}
	if m.Role == agentchat.RoleUser && m.Status == agentchat.StatusFailed && prev != agentchat.StatusFailed {
		fmt.Printf("! not delivered: %q\n", m.Content)
	}
}

func (p *printer) onState(s agentchat.ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == s {
		return
	}
	p.state = s
	fmt.Printf("[%s]\n", s)
}

func (p *printer) onNotifications(v agentchat.NotificationView) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.UnreadCount == p.unread {
		return
	}
	p.unread = v.UnreadCount
	if v.UnreadCount > 0 {
		fmt.Printf("[%d unread notification(s); /notifications to list]\n", v.UnreadCount)
	}
}

// ============================================================================
// history / new
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Print a conversation's stored messages",
	Long:  "Print the stored messages of the current conversation, or of the given session id.",
	Args:  cobra.MaximumNArgs(1),
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

		scope := ""
		if len(args) == 1 {
			scope = args[0]
		} else {
			scope = agentchat.NewScopeManager(a.store, a.logger).Current(ctx)
		}

		msgs, err := a.client.GetMessages(ctx, scope)
		if err != nil {
			return fmt.Errorf("failed to fetch history: %s", describeError(err))
		}
		if historyJSON {
			return printJSON(msgs)
		}

		fmt.Printf("Conversation %s (%d messages)\n", scope, len(msgs))
		for _, m := range msgs {
			who := "you"
			if m.Role == agentchat.RoleAssistant {
				who = "agent"
			}
			fmt.Printf("[%s] %s> %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, m.Content)
		}
		return nil
	},
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		scope := agentchat.NewScopeManager(a.store, a.logger).New(cmd.Context())
		fmt.Printf("New conversation: %s\n", scope)
		return nil
	},
}
