package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	olx "github.com/mohammadkhasimpathan/olx-clone"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool

	messagesLimit int
	messagesPage  int
	messagesJSON  bool

	sendOffer string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output raw JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 50, "Messages per page")
	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number, 1 is the newest")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendOffer, "offer", "", "Send the message as a price offer of this amount")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(hideCmd)
	rootCmd.AddCommand(chatCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		convs, err := s.client.Chat.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		self := s.store.Load().UserID
		for _, c := range convs {
			other := c.Counterpart(self)
			if c.OtherUser != nil {
				other = *c.OtherUser
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-6s %-24s with %s%s\n", c.ID, truncate(c.Listing.Title, 24), other.Username, unread)
			if c.LastMessage != nil {
				fmt.Printf("       %s\n", truncate(c.LastMessage.Content, 70))
			}
		}
		return nil
	},
}

var openCmd = &cobra.Command{
	Use:   "open <listing-id>",
	Short: "Start or reopen the conversation about a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		conv, err := s.client.Chat.GetOrCreateConversation(ctx, olx.ID(args[0]))
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s about %q\n", conv.ID, conv.Listing.Title)
		fmt.Printf("  Run 'olx chat %s' to start chatting.\n", conv.ID)
		return nil
	},
}

// ============================================================================
// messages / send / hide
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Print one page of a conversation's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		page, err := s.client.Chat.Messages(ctx, olx.ID(args[0]), &olx.PageOptions{Page: messagesPage, PageSize: messagesLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(page.Messages)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages yet.")
			return nil
		}
		printMessages(os.Stdout, page.Messages, s.store.Load().UserID)
		if page.HasMore() {
			fmt.Printf("(older messages: --page %d)\n", messagesPage+1)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		req := olx.SendMessageRequest{Content: args[1]}
		if sendOffer != "" {
			req.Type = "offer"
			req.OfferAmount = json.Number(sendOffer)
		}

		ctx, cancel := requestContext(15 * time.Second)
		defer cancel()

		msg, err := s.client.Chat.SendMessage(ctx, olx.ID(args[0]), req)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message sent to conversation %s\n", args[0])
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Content)
		return nil
	},
}

var hideCmd = &cobra.Command{
	Use:   "hide <conversation-id>",
	Short: "Hide a conversation from your list",
	Long:  "Hide a conversation for you only. It reappears when either side sends a new message.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(10 * time.Second)
		defer cancel()

		if err := s.client.Chat.HideConversation(ctx, olx.ID(args[0])); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Conversation %s hidden.\n", args[0])
		return nil
	},
}

// ============================================================================
// chat (interactive)
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat live",
	Long: `Open a conversation, print its history and follow it live.

Type a line and press enter to send it. Commands:
  /older   load earlier messages
  /quit    leave the conversation`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireLogin()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		self := s.store.Load().UserID
		view := olx.NewConversationView(olx.ID(args[0]), s.client.Chat, s.client.Realtime, &olx.ViewConfig{
			Self:      self,
			Logger:    s.logger,
			Notifier:  terminalNotifier{out: os.Stderr},
			Navigator: terminalNavigator{out: os.Stderr, cancel: cancel},
		})
		r := newRenderer(os.Stdout, self)
		view.OnChange(r.render)

		openCtx, openCancel := context.WithTimeout(ctx, 15*time.Second)
		err = view.Open(openCtx)
		openCancel()
		if err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}
		defer func() {
			view.Close()
			view.Wait()
		}()
		view.SetFocused(true)

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				switch strings.TrimSpace(line) {
				case "":
					continue
				case "/quit", "/q":
					return nil
				case "/older":
					if !view.Snapshot().HasMore {
						fmt.Println("(no earlier messages)")
						continue
					}
					fmt.Println("--- earlier messages ---")
					if _, err := view.LoadOlder(ctx); err != nil {
						fmt.Fprintf(os.Stderr, "! %v\n", err)
					}
				default:
					if err := view.Send(ctx, line); err != nil {
						fmt.Fprintf(os.Stderr, "! %v\n", err)
					}
				}
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// renderer prints each confirmed message once and reports typing and
// connection changes as they happen.
type renderer struct {
	out  io.Writer
	self olx.ID

	mu           sync.Mutex
	printed      map[string]bool
	header       bool
	typing       bool
	conn         olx.ConnState
	disconnected bool
}

func newRenderer(out io.Writer, self olx.ID) *renderer {
	return &renderer{out: out, self: self, printed: make(map[string]bool)}
}

func (r *renderer) render(snap olx.ViewSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.header && snap.Conversation != nil {
		r.header = true
		other := snap.Conversation.Counterpart(r.self)
		fmt.Fprintf(r.out, "== %s with %s ==\n", snap.Conversation.Listing.Title, other.Username)
		if snap.State != olx.ViewLoading && len(snap.Messages) == 0 {
			fmt.Fprintln(r.out, "(no messages yet)")
		}
	}

	for _, m := range snap.Messages {
		if m.Pending || r.printed[m.Key()] {
			continue
		}
		r.printed[m.Key()] = true
		fmt.Fprintln(r.out, formatMessage(m, r.self))
	}

	if snap.OtherTyping != r.typing {
		r.typing = snap.OtherTyping
		if r.typing {
			fmt.Fprintln(r.out, "(typing...)")
		}
	}

	if snap.Connection != r.conn {
		prev := r.conn
		r.conn = snap.Connection
		switch {
		case snap.Connection == olx.ConnReconnecting:
			fmt.Fprintln(r.out, "(connection lost, reconnecting...)")
		case snap.Connection == olx.ConnOpen && prev == olx.ConnReconnecting:
			fmt.Fprintln(r.out, "(reconnected)")
		}
	}
	if snap.Disconnected && !r.disconnected {
		r.disconnected = true
		fmt.Fprintf(r.out, "(live updates stopped: %s; messages are still sent)\n", snap.CloseReason)
	}
}
