package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/webchat"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		endpoint  string
		model     string
		token     string
		sessionID int64
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running relay from the terminal, one line per message",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := webchat.Dial(ctx, endpoint, token)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			if model == "" {
				model = opts.settings.Upstream.DefaultModel
			}
			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				req := webchat.Request{Message: line, Model: model}
				if sessionID > 0 {
					req.ChatSessionID = &sessionID
				}
				_, err := c.Ask(ctx, req, func(s string) { fmt.Fprint(out, s) })
				fmt.Fprintln(out)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				}
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&endpoint, "url", "ws://localhost:8080/ws", "Relay WebSocket endpoint")
	f.StringVar(&model, "model", "", "Model to use (defaults to upstream.default_model)")
	f.StringVar(&token, "token", "", "Bearer token for an authenticated session")
	f.Int64Var(&sessionID, "session", 0, "Chat session id to continue")
	return cmd
}
