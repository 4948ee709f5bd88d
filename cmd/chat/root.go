package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/streamchat/internal/client"
	"github.com/suPer8Hu/streamchat/internal/config"
	"github.com/suPer8Hu/streamchat/internal/conversation"
	"github.com/suPer8Hu/streamchat/internal/logger"
	"github.com/suPer8Hu/streamchat/internal/protocol"
)

var (
	userPrompt      = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true).Render("you> ")
	assistantPrompt = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Render("assistant> ")
	reasoningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type chatCommander struct {
	relayURL string
	apiKey   string
	model    string
	debug    bool

	log *slog.Logger
	api *client.API
	rc  *client.Client
}

const chatLongDesc = `Chat with models through a streamchat relay.

Examples:
  chat                         start an interactive conversation
  chat send "hello there"      send one message to the latest session
  chat sessions                list sessions`

func newRootCmd() *cobra.Command {
	c := &chatCommander{}

	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Chat with models through a streamchat relay",
		Long:          chatLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("relay") {
				c.relayURL = cfg.RelayURL
			}
			if !cmd.Flags().Changed("api-key") {
				c.apiKey = cfg.RelayAPIKey
			}
			if !cmd.Flags().Changed("debug") {
				c.debug = cfg.LogDebug
			}
			c.log = logger.New(logger.WithPretty(true), logger.WithDebug(c.debug), logger.WithWriter(cmd.ErrOrStderr()))
			c.api = client.NewAPI(c.relayURL, c.apiKey)
			c.rc = client.New(c.relayURL, c.apiKey, client.WithLogger(c.log))
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.repl(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVarP(&c.relayURL, "relay", "r", "", "Relay base URL (RELAY_URL)")
	cmd.PersistentFlags().StringVar(&c.apiKey, "api-key", "", "Relay API key (RELAY_API_KEY)")
	cmd.PersistentFlags().StringVarP(&c.model, "model", "m", protocol.DefaultModel, "Model name")
	cmd.PersistentFlags().BoolVarP(&c.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(c.sendCmd(), c.sessionsCmd(), c.historyCmd(), c.deleteCmd(), c.modelsCmd())
	return cmd
}

func (c *chatCommander) machine(out io.Writer) *conversation.Machine {
	return conversation.New(c.api, &printingStreamer{inner: conversation.FromClient(c.rc), out: out},
		conversation.WithLogger(c.log),
		conversation.WithModel(c.model),
	)
}

func (c *chatCommander) sendCmd() *cobra.Command {
	var sessionID string
	var files, images []string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and stream the answer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			out := cmd.OutOrStdout()
			m := c.machine(out)
			if err := m.Initialize(ctx, false); err != nil {
				return err
			}
			if sessionID != "" {
				if err := m.SelectSession(ctx, sessionID); err != nil {
					return err
				}
			} else if m.Snapshot().ActiveSessionID == "" {
				if err := m.CreateSession(ctx); err != nil {
					return err
				}
			}
			for _, p := range files {
				att, err := fileAttachment(p)
				if err != nil {
					return err
				}
				if err := m.AddAttachment(att); err != nil {
					return err
				}
			}
			for _, u := range images {
				if err := m.AddAttachment(imageAttachment(u)); err != nil {
					return err
				}
			}
			if len(args) > 0 {
				m.SetComposer(args[0])
			}
			return c.turn(ctx, m, out)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id (default: latest)")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Attach a text file")
	cmd.Flags().StringSliceVarP(&images, "image", "i", nil, "Attach an image by URL")
	return cmd
}

func (c *chatCommander) sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := c.api.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODEL\tUPDATED\tTITLE")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Model, s.UpdatedAt.Local().Format("2006-01-02 15:04"), s.Title)
			}
			return tw.Flush()
		},
	}
}

func (c *chatCommander) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the messages of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := c.api.ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				printMessage(out, m)
			}
			return nil
		},
	}
}

func (c *chatCommander) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session and its messages",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.api.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (c *chatCommander) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List known models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLABEL\tREASONING\tFILES")
			for _, m := range protocol.Models {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", m.Name, m.Label, m.Reasoning, m.Files)
			}
			return tw.Flush()
		},
	}
}

// turn submits the composer and waits for the answer to settle.
func (c *chatCommander) turn(ctx context.Context, m *conversation.Machine, out io.Writer) error {
	if err := m.Submit(ctx); err != nil {
		return err
	}
	if err := m.Wait(ctx); err != nil {
		m.StopGeneration(context.WithoutCancel(ctx))
		fmt.Fprintln(out)
		return nil
	}
	fmt.Fprintln(out)
	if msg := m.Snapshot().Error; msg != "" {
		return errors.New(msg)
	}
	return nil
}

func printMessage(out io.Writer, m protocol.Message) {
	prompt := userPrompt
	if m.Role == protocol.RoleAssistant {
		prompt = assistantPrompt
	}
	if m.Reasoning != "" {
		fmt.Fprintln(out, reasoningStyle.Render(m.Reasoning))
	}
	fmt.Fprintf(out, "%s%s\n", prompt, m.Content)
	if m.Tokens != nil {
		fmt.Fprintln(out, reasoningStyle.Render(fmt.Sprintf("(%d tokens)", *m.Tokens)))
	}
}
