package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/freechat/internal/client"
	"github.com/howard-nolan/freechat/internal/config"
	"github.com/howard-nolan/freechat/internal/conversation"
	"github.com/howard-nolan/freechat/internal/provider"
)

var chatFlags struct {
	provider string
	gateway  string
}

const chatHelp = `Start an interactive chat against a freechat gateway.

Type a message and press enter to ask. Lines starting with a slash are
commands:
  /new             start a new conversation
  /list            list conversations
  /switch N        select conversation N
  /delete N        delete conversation N
  /provider NAME   change the provider of an empty conversation
  /rename NAME     rename the current conversation
  /show            print the current conversation
  /help            show this help
  /quit            exit

Conversations live in memory and are gone when the client exits.`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running gateway from the terminal",
	Long:  chatHelp,
	RunE:  runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatFlags.provider, "provider", "", "provider for new conversations (default client.default_provider)")
	chatCmd.Flags().StringVar(&chatFlags.gateway, "gateway", "", "override client.gateway_url")
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if chatFlags.gateway != "" {
		cfg.Client.GatewayURL = chatFlags.gateway
	}
	defaultProvider := cfg.Client.DefaultProvider
	if chatFlags.provider != "" {
		defaultProvider = chatFlags.provider
	}
	if pc, ok := cfg.Providers[defaultProvider]; !ok || !pc.IsEnabled() {
		return fmt.Errorf("provider %q is not configured or not enabled", defaultProvider)
	}

	store := conversation.New(defaultProvider)
	defer store.Close()

	out := cmd.OutOrStdout()
	c, err := client.New(store, client.Options{
		GatewayURL:  cfg.Client.GatewayURL,
		HTTPClient:  provider.NewHTTPClient(cfg.Client.Timeout),
		TypingDelay: cfg.Client.TypingDelay,
		Logger:      logger,
		OnDelta: func(_ string, r rune) {
			fmt.Fprint(out, string(r))
		},
	})
	if err != nil {
		return err
	}

	r := &repl{store: store, client: c, providers: cfg.Providers, out: out}
	return r.run(cmd.Context(), cmd.InOrStdin())
}

var (
	promptColor    = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen, color.Bold)
	infoColor      = color.New(color.FgBlue)
	errorColor     = color.New(color.FgRed)
)

// errQuit ends the session.
var errQuit = errors.New("quit")

// repl reads lines from the user and turns them into asks or store
// actions.
type repl struct {
	store     *conversation.Store
	client    *client.Client
	providers map[string]config.ProviderConfig
	out       io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	infoColor.Fprintf(r.out, "freechat %s, type /help for commands\n", Version)

	lines := bufio.NewScanner(in)
	for {
		promptColor.Fprint(r.out, "you> ")
		if !lines.Scan() {
			fmt.Fprintln(r.out)
			return lines.Err()
		}

		err := r.handle(ctx, lines.Text())
		switch {
		case errors.Is(err, errQuit):
			return nil
		case ctx.Err() != nil:
			fmt.Fprintln(r.out)
			return nil
		case err != nil:
			errorColor.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// handle runs one input line.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.ask(ctx, line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/new":
		if err := r.store.Dispatch(conversation.CreateConversation{}); err != nil {
			return err
		}
		r.printCurrent()
	case "/list":
		r.list()
	case "/switch":
		c, err := r.conversationAt(arg)
		if err != nil {
			return err
		}
		if err := r.store.Dispatch(conversation.SetCurrentID{ID: c.ID}); err != nil {
			return err
		}
		r.show()
	case "/delete":
		c, err := r.conversationAt(arg)
		if err != nil {
			return err
		}
		if err := r.store.Dispatch(conversation.DeleteConversation{ID: c.ID}); err != nil {
			return err
		}
		infoColor.Fprintf(r.out, "deleted %q\n", c.Name)
		r.printCurrent()
	case "/provider":
		return r.setProvider(arg)
	case "/rename":
		if arg == "" {
			return errors.New("usage: /rename NAME")
		}
		return r.store.Dispatch(conversation.RenameConversation{Name: arg})
	case "/show":
		r.show()
	case "/help":
		fmt.Fprintln(r.out, chatHelp)
	case "/quit", "/exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %s, type /help", name)
	}
	return nil
}

// ask streams one answer. Ctrl-C stops the answer instead of the process
// while it streams.
func (r *repl) ask(ctx context.Context, prompt string) error {
	askCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	current := r.store.Snapshot().Current()
	assistantColor.Fprintf(r.out, "%s> ", r.label(current.Provider))
	err := r.client.Ask(askCtx, current.ID, prompt)
	fmt.Fprintln(r.out)
	if err != nil && askCtx.Err() != nil && ctx.Err() == nil {
		infoColor.Fprintln(r.out, "[interrupted]")
		return nil
	}
	return err
}

// setProvider switches the current conversation's provider. Only empty
// conversations can switch, since a continuation token is only understood
// by the provider that issued it.
func (r *repl) setProvider(name string) error {
	pc, ok := r.providers[name]
	if !ok || !pc.IsEnabled() {
		return fmt.Errorf("unknown provider %q, available: %s", name, strings.Join(r.enabledProviders(), ", "))
	}
	if len(r.store.Snapshot().Current().Messages) > 0 {
		return errors.New("the provider can only be changed before the first message, use /new")
	}
	if err := r.store.Dispatch(conversation.SetProvider{Provider: name}); err != nil {
		return err
	}
	r.printCurrent()
	return nil
}

// conversationAt resolves a 1-based index as printed by /list.
func (r *repl) conversationAt(arg string) (conversation.Conversation, error) {
	st := r.store.Snapshot()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(st.Conversations) {
		return conversation.Conversation{}, fmt.Errorf("no conversation %q, see /list", arg)
	}
	return st.Conversations[n-1], nil
}

func (r *repl) list() {
	st := r.store.Snapshot()
	for i, c := range st.Conversations {
		marker := " "
		if c.ID == st.CurrentID {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %d. %s (%s, %d turns)\n", marker, i+1, c.Name, r.label(c.Provider), len(c.Messages)/2)
	}
}

func (r *repl) show() {
	c := r.store.Snapshot().Current()
	r.printCurrent()
	for i, m := range c.Messages {
		if i%2 == 0 {
			promptColor.Fprint(r.out, "you> ")
		} else {
			assistantColor.Fprintf(r.out, "%s> ", r.label(c.Provider))
		}
		fmt.Fprint(r.out, m)
	}
}

func (r *repl) printCurrent() {
	c := r.store.Snapshot().Current()
	infoColor.Fprintf(r.out, "conversation %q with %s\n", c.Name, r.label(c.Provider))
}

func (r *repl) label(name string) string {
	if pc, ok := r.providers[name]; ok && pc.Label != "" {
		return pc.Label
	}
	return name
}

func (r *repl) enabledProviders() []string {
	var names []string
	for name, pc := range r.providers {
		if pc.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
